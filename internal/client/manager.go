// Package client 是实时通道的客户端：管理连接生命周期、固定间隔重连、
// 断线期间的发送队列以及重连后的认证和房间恢复。
package client

import (
	"context"
	"errors"
	"time"

	"versehub/internal/event"
	clog "versehub/internal/log"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Offline
)

var stateNames = [...]string{"disconnected", "connecting", "connected", "reconnecting", "offline"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

const (
	DefaultRetryDelay       = 2 * time.Second
	DefaultMaxAttempts      = 5
	DefaultHandshakeTimeout = 20 * time.Second
	DefaultMaxQueue         = 256
)

// ErrStopped 表示事件循环已经退出。
var ErrStopped = errors.New("client: manager stopped")

type Options struct {
	URL    string
	Dialer Dialer
	// RetryDelay 是每次重连前的固定等待，不做指数退避。
	RetryDelay       time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
	MaxQueue         int
	// 回调都在事件循环 goroutine 中顺序执行，不能同步调用 Manager 的方法。
	OnMessage func(raw []byte)
	OnState   func(from, to State)
}

// Manager 的所有状态都只由 Run 中的事件循环访问；公开方法把操作投递到循环中执行。
type Manager struct {
	opts Options
	log  zerolog.Logger
	cmds chan func()
	done chan struct{}

	ctx        context.Context
	state      State
	gen        uint64
	conn       Conn
	attempts   int
	queue      [][]byte
	rooms      []string
	userID     uint
	token      string
	retry      *time.Timer
	cancelDial context.CancelFunc
}

func New(opts Options) *Manager {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = DefaultMaxQueue
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer(opts.HandshakeTimeout, nil)
	}
	return &Manager{
		opts: opts,
		log:  clog.Component("client"),
		cmds: make(chan func()),
		done: make(chan struct{}),
	}
}

// Run 运行事件循环直到 ctx 结束，退出时关闭当前连接。其他方法只有在 Run 运行时才会生效。
func (m *Manager) Run(ctx context.Context) error {
	m.ctx = ctx
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.teardown()
			m.setState(Disconnected)
			return ctx.Err()
		case f := <-m.cmds:
			f()
		}
	}
}

// post 把 f 投递给事件循环，循环已退出时返回 false。
func (m *Manager) post(f func()) bool {
	select {
	case m.cmds <- f:
		return true
	case <-m.done:
		return false
	}
}

// exec 投递 f 并等待它执行完。
func (m *Manager) exec(f func()) error {
	ran := make(chan struct{})
	if !m.post(func() { f(); close(ran) }) {
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-m.done:
		return ErrStopped
	}
}

func (m *Manager) State() State {
	s := Disconnected
	_ = m.exec(func() { s = m.state })
	return s
}

// Connect 从 DISCONNECTED 或 OFFLINE 开始一次新的连接尝试，其他状态下无操作。
func (m *Manager) Connect() error {
	return m.exec(func() {
		if m.state == Disconnected || m.state == Offline {
			m.attempts = 0
			m.dial(Connecting)
		}
	})
}

// Reconnect 是用户手动重连：放弃当前连接或尝试，重置计数后立即拨号。
func (m *Manager) Reconnect() error {
	return m.exec(func() {
		m.teardown()
		m.attempts = 0
		m.dial(Connecting)
	})
}

// Disconnect 主动断开，不会触发自动重连。队列和房间保留到下次连接。
func (m *Manager) Disconnect() error {
	return m.exec(func() {
		m.teardown()
		m.setState(Disconnected)
	})
}

// Authenticate 保存身份；已连接时立即发送，之后每次连上都会自动重发。
func (m *Manager) Authenticate(userID uint, token string) error {
	return m.exec(func() {
		m.userID, m.token = userID, token
		if m.state == Connected {
			m.sendAuth()
		}
	})
}

// Join 记住房间以便重连后恢复。未连接时不排队，连上后统一重新加入。
func (m *Manager) Join(room string) error {
	return m.exec(func() {
		for _, r := range m.rooms {
			if r == room {
				return
			}
		}
		m.rooms = append(m.rooms, room)
		if m.state == Connected {
			m.sendEvent(event.Join{Room: room})
		}
	})
}

func (m *Manager) Leave(room string) error {
	return m.exec(func() {
		for i, r := range m.rooms {
			if r == room {
				m.rooms = append(m.rooms[:i], m.rooms[i+1:]...)
				break
			}
		}
		if m.state == Connected {
			m.sendEvent(event.Leave{Room: room})
		}
	})
}

func (m *Manager) Rooms() []string {
	var out []string
	_ = m.exec(func() { out = append([]string(nil), m.rooms...) })
	return out
}

// Send 在已连接时直接写出，否则进入内存队列，连上后按 FIFO 发送。
func (m *Manager) Send(ev event.Event) error {
	msg, err := event.Encode(ev)
	if err != nil {
		return err
	}
	return m.exec(func() {
		if m.state == Connected && m.write(msg) {
			return
		}
		m.enqueue(msg)
	})
}

func (m *Manager) Queued() int {
	n := 0
	_ = m.exec(func() { n = len(m.queue) })
	return n
}

// ---- 以下方法只在事件循环中调用 ----

func (m *Manager) setState(s State) {
	if s == m.state {
		return
	}
	from := m.state
	m.state = s
	m.log.Debug().Stringer("from", from).Stringer("to", s).Msg("connection state")
	if m.opts.OnState != nil {
		m.opts.OnState(from, s)
	}
}

// teardown 让所有进行中的拨号、重试和读循环失效。
func (m *Manager) teardown() {
	m.gen++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) dial(s State) {
	m.gen++
	gen := m.gen
	m.attempts++
	m.setState(s)

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.HandshakeTimeout)
	m.cancelDial = cancel
	attempt := m.attempts
	m.log.Debug().Int("attempt", attempt).Str("url", m.opts.URL).Msg("dialing")
	go func() {
		conn, err := m.opts.Dialer.Dial(ctx, m.opts.URL)
		cancel()
		if !m.post(func() { m.onDialed(gen, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (m *Manager) onDialed(gen uint64, conn Conn, err error) {
	if gen != m.gen {
		// 被更新的一次尝试取代。
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.cancelDial = nil
	if err != nil {
		m.log.Warn().Err(err).Int("attempt", m.attempts).Msg("connect failed")
		m.retryLater()
		return
	}
	m.conn = conn
	m.attempts = 0
	m.setState(Connected)
	go m.readLoop(gen, conn)

	// 先认证和恢复房间，再发送排队消息，这样依赖身份的消息不会被拒绝。
	m.sendAuth()
	for _, room := range m.rooms {
		m.sendEvent(event.Join{Room: room})
	}
	m.flush()
}

// retryLater 在固定延迟后重试；连续失败达到上限后进入 OFFLINE 并停止。
func (m *Manager) retryLater() {
	if m.attempts >= m.opts.MaxAttempts {
		m.log.Error().Int("attempts", m.attempts).Msg("giving up, offline")
		m.setState(Offline)
		return
	}
	m.setState(Reconnecting)
	gen := m.gen
	m.retry = time.AfterFunc(m.opts.RetryDelay, func() {
		m.post(func() {
			if gen == m.gen && m.state == Reconnecting {
				m.retry = nil
				m.dial(Reconnecting)
			}
		})
	})
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.post(func() { m.onClosed(gen, err) })
			return
		}
		if !m.post(func() { m.deliver(gen, data) }) {
			return
		}
	}
}

func (m *Manager) deliver(gen uint64, data []byte) {
	if gen != m.gen || m.opts.OnMessage == nil {
		return
	}
	m.opts.OnMessage(data)
}

func (m *Manager) onClosed(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.log.Warn().Err(err).Msg("connection lost")
	} else {
		m.log.Info().Err(err).Msg("connection closed")
	}
	_ = m.conn.Close()
	m.conn = nil
	m.attempts = 0
	m.retryLater()
}

func (m *Manager) sendAuth() {
	if m.userID != 0 && m.token != "" {
		m.sendEvent(event.Authenticate{UserID: m.userID, Token: m.token})
	}
}

func (m *Manager) sendEvent(ev event.Event) {
	msg, err := event.Encode(ev)
	if err != nil {
		m.log.Error().Err(err).Str("event", string(ev.Name())).Msg("encode")
		return
	}
	if !m.write(msg) {
		m.enqueue(msg)
	}
}

// write 失败时关闭连接，读循环随后报告断开并触发重连。
func (m *Manager) write(msg []byte) bool {
	if m.conn == nil {
		return false
	}
	if err := m.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		m.log.Warn().Err(err).Msg("write failed")
		_ = m.conn.Close()
		return false
	}
	return true
}

func (m *Manager) enqueue(msg []byte) {
	if len(m.queue) >= m.opts.MaxQueue {
		m.log.Warn().Int("max", m.opts.MaxQueue).Msg("outbound queue full, dropping oldest")
		m.queue = m.queue[1:]
	}
	m.queue = append(m.queue, msg)
}

func (m *Manager) flush() {
	for len(m.queue) > 0 {
		if !m.write(m.queue[0]) {
			return
		}
		m.queue = m.queue[1:]
	}
}
