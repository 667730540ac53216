// Package bus 把事件发布到房间。发布永远是尽力而为：失败只记录日志，
// 不会向触发它的业务操作返回错误。
package bus

import (
	"context"

	"versehub/internal/event"
	"versehub/internal/metrics"
	"versehub/internal/registry"

	"github.com/rs/zerolog/log"
)

// Publisher 是业务代码依赖的发布接口。
type Publisher interface {
	Publish(ctx context.Context, room string, ev event.Event)
}

// Local 在当前进程内直接扇出到注册表中的连接。
type Local struct {
	reg *registry.Registry
}

func NewLocal(reg *registry.Registry) *Local {
	return &Local{reg: reg}
}

func (b *Local) Publish(_ context.Context, room string, ev event.Event) {
	msg, ok := encode(room, ev)
	if !ok {
		return
	}
	b.deliver(room, ev.Name(), msg)
}

func (b *Local) deliver(room string, name event.Name, msg []byte) int {
	n := b.reg.Deliver(room, msg)
	metrics.EventsPublished.WithLabelValues(string(name)).Inc()
	log.Debug().Str("room", room).Str("event", string(name)).Int("delivered", n).Msg("event published")
	return n
}

func encode(room string, ev event.Event) ([]byte, bool) {
	if ev == nil {
		log.Warn().Str("room", room).Msg("publish nil event")
		return nil, false
	}
	msg, err := event.Encode(ev)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("encode").Inc()
		log.Error().Err(err).Str("room", room).Str("event", string(ev.Name())).Msg("encode event")
		return nil, false
	}
	return msg, true
}
