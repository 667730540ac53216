// Package ws 把 WebSocket 连接接入实时分发器：每个连接一个读循环和一个写循环。
package ws

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"versehub/internal/dispatch"
	"versehub/internal/event"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Hub 持有升级器和分发器，并跟踪存活的连接以便停服时等待它们退出。
type Hub struct {
	d        *dispatch.Dispatcher
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

func NewHub(d *dispatch.Dispatcher, checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		d: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Serve 返回 /ws 的 gin handler。可选的 user_id 和 token 查询参数会在
// 连接建立后立即当作一条 authenticate 消息处理。
func (h *Hub) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("remote", c.ClientIP()).Msg("websocket upgrade")
			return
		}
		h.wg.Add(1)
		defer h.wg.Done()

		ctx := c.Request.Context()
		rc := h.d.OnConnect("")
		cl := &client{hub: h, conn: conn, rc: rc}
		log.Info().Str("conn_id", rc.ID).Str("remote", c.ClientIP()).Msg("websocket connected")

		if uid, err := strconv.ParseUint(c.Query("user_id"), 10, 64); err == nil && uid > 0 {
			if token := c.Query("token"); token != "" {
				h.d.HandleClient(ctx, rc.ID, event.Authenticate{UserID: uint(uid), Token: token})
			}
		}

		go cl.writePump()
		cl.readPump(ctx)
	}
}

// Wait 等待所有连接的处理函数返回，ctx 超时则放弃等待。
func (h *Hub) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
