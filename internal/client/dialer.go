package client

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn 是连接管理器用到的最小 WebSocket 接口，*websocket.Conn 直接满足它。
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer 建立一条新连接；ctx 的截止时间就是握手超时。
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer 用 gorilla/websocket 拨号。
type WebsocketDialer struct {
	Header http.Header
	dialer *websocket.Dialer
}

func NewWebsocketDialer(handshakeTimeout time.Duration, header http.Header) *WebsocketDialer {
	return &WebsocketDialer{
		Header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}
