package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"versehub/internal/event"
	"versehub/internal/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis 通过 Redis pub/sub 在多个进程之间转发事件：发布写入
// <prefix>room:<room> 频道，每个进程的订阅循环再交给本地扇出。
type Redis struct {
	client  *redis.Client
	prefix  string
	local   *Local
	timeout time.Duration
}

func NewRedis(client *redis.Client, prefix string, local *Local, timeout time.Duration) *Redis {
	if client == nil {
		panic("redis client cannot be nil for bus.Redis")
	}
	if prefix == "" {
		prefix = "versehub:"
	}
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Redis{client: client, prefix: prefix, local: local, timeout: timeout}
}

func (b *Redis) channel(room string) string {
	return b.prefix + "room:" + room
}

func (b *Redis) roomOf(channel string) (string, bool) {
	p := b.prefix + "room:"
	if !strings.HasPrefix(channel, p) {
		return "", false
	}
	return channel[len(p):], true
}

// Publish 在有界超时内写入 Redis；失败时退化为仅本进程投递。
// 超时发生在 Redis 已接收之后时，本进程的连接会通过 fallback 和订阅各收到一次；
// 客户端按 id 去重，可以容忍这种重复。
func (b *Redis) Publish(ctx context.Context, room string, ev event.Event) {
	msg, ok := encode(room, ev)
	if !ok {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.client.Publish(pctx, b.channel(room), msg).Err(); err != nil {
		metrics.EventsDropped.WithLabelValues("bus_unavailable").Inc()
		log.Warn().Err(err).Str("room", room).Str("event", string(ev.Name())).Msg("redis publish failed, delivering locally only")
		b.local.deliver(room, ev.Name(), msg)
	}
}

// Run 订阅所有房间频道直到 ctx 结束。
func (b *Redis) Run(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"room:*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	log.Info().Str("pattern", b.prefix+"room:*").Msg("redis bus subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return errors.New("bus: redis subscription closed")
			}
			b.relay(m.Channel, []byte(m.Payload))
		}
	}
}

func (b *Redis) relay(channel string, payload []byte) {
	room, ok := b.roomOf(channel)
	if !ok {
		return
	}
	var env event.Envelope
	if err := json.Unmarshal(payload, &env); err != nil || !event.Known(env.Event) {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		log.Warn().Str("channel", channel).Msg("discarding malformed bus message")
		return
	}
	b.local.deliver(room, env.Event, payload)
}

func (b *Redis) Close() error {
	return b.client.Close()
}
