package ws

import (
	"context"
	"errors"
	"time"

	"versehub/internal/event"
	"versehub/internal/metrics"
	"versehub/internal/registry"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 << 10
)

type client struct {
	hub  *Hub
	conn *websocket.Conn
	rc   *registry.Connection
}

// readPump 顺序地把入站消息交给分发器，连接断开时清理注册表。
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.hub.d.OnDisconnect(context.WithoutCancel(ctx), c.rc.ID)
		_ = c.conn.Close()
		log.Info().Str("conn_id", c.rc.ID).Msg("websocket disconnected")
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.rc.ID).Msg("websocket read")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ev, err := event.Decode(data)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, event.ErrUnknownEvent) {
				reason = "unknown_event"
			}
			metrics.EventsDropped.WithLabelValues(reason).Inc()
			log.Warn().Err(err).Str("conn_id", c.rc.ID).Msg("discarding client message")
			continue
		}
		c.hub.d.HandleClient(ctx, c.rc.ID, ev)
	}
}

// writePump 是唯一写连接的 goroutine，保证每个连接内的顺序。
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	out := c.rc.Outbound()
	for {
		select {
		case msg, ok := <-out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Str("conn_id", c.rc.ID).Msg("websocket write")
				return
			}
			metrics.FramesWritten.Inc()
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
