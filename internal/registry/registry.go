// Package registry 跟踪在线连接、认证身份以及房间成员关系。
//
// 房间不单独存储：它只是成员集合的索引，最后一个成员离开时即被删除。
// 所有变更都在同一把互斥锁内完成，保证对同一连接的操作是线性一致的。
package registry

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"versehub/internal/auth"
	"versehub/internal/event"
	"versehub/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	RoomDashboard     = "dashboard"
	RoomAdmin         = "admin"
	RoomNotifications = "notifications"
	// RoomBroadcast 是虚拟房间：发布到它等价于发给所有在线连接。
	RoomBroadcast = "broadcast"
)

const userRoomPrefix = "user_"

var ErrUnknownConnection = errors.New("registry: unknown connection")

// UserRoom 返回用户的私有房间名。
func UserRoom(userID uint) string {
	return userRoomPrefix + strconv.FormatUint(uint64(userID), 10)
}

// Connection 是一个在线传输会话。除 ID 与出站通道外，字段都受 Registry 的锁保护。
type Connection struct {
	ID           string
	userID       uint
	username     string
	isAdmin      bool
	rooms        map[string]struct{}
	lastActivity time.Time
	send         chan []byte
	closed       bool
}

// Outbound 由该连接唯一的写 goroutine 消费；连接断开后通道被关闭。
func (c *Connection) Outbound() <-chan []byte { return c.send }

// Info 是连接在某一时刻的只读快照。
type Info struct {
	ID           string
	UserID       uint
	Username     string
	IsAdmin      bool
	Rooms        []string
	LastActivity time.Time
}

func (i Info) Authenticated() bool { return i.UserID != 0 }

type Registry struct {
	mu         sync.Mutex
	conns      map[string]*Connection
	rooms      map[string]map[string]*Connection
	verifier   auth.Verifier
	sendBuffer int
	now        func() time.Time
}

func New(verifier auth.Verifier, sendBuffer int) *Registry {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Registry{
		conns:      make(map[string]*Connection),
		rooms:      make(map[string]map[string]*Connection),
		verifier:   verifier,
		sendBuffer: sendBuffer,
		now:        time.Now,
	}
}

// OnConnect 创建一个匿名连接；id 为空时生成 UUID。重复 id 返回已有连接。
func (r *Registry) OnConnect(id string) *Connection {
	if id == "" {
		id = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		return c
	}
	c := &Connection{
		ID:           id,
		rooms:        make(map[string]struct{}),
		lastActivity: r.now(),
		send:         make(chan []byte, r.sendBuffer),
	}
	r.conns[id] = c
	r.updateGauges()
	log.Debug().Str("conn_id", id).Msg("connection registered")
	return c
}

// OnAuthenticate 校验凭证；成功后绑定身份并加入 user_<id>（管理员额外加入 admin）。
// 失败时连接保持匿名，不会被断开。
func (r *Registry) OnAuthenticate(ctx context.Context, id string, userID uint, token string) bool {
	if r.verifier == nil {
		return false
	}
	// 校验可能访问数据库，不能持锁。
	identity, err := r.verifier.Verify(ctx, userID, token)
	if err != nil {
		metrics.WsAuthenticated.WithLabelValues("rejected").Inc()
		log.Info().Err(err).Str("conn_id", id).Uint("user_id", userID).Msg("authenticate rejected")
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok || c.closed {
		return false
	}
	if c.userID != 0 && c.userID != identity.UserID {
		// 身份切换：离开旧身份的私有房间。
		r.leaveLocked(c, UserRoom(c.userID))
		if c.isAdmin {
			r.leaveLocked(c, RoomAdmin)
		}
	}
	c.userID = identity.UserID
	c.username = identity.Username
	c.isAdmin = identity.IsAdmin
	c.lastActivity = r.now()
	r.joinLocked(c, UserRoom(identity.UserID))
	if identity.IsAdmin {
		r.joinLocked(c, RoomAdmin)
	}
	r.updateGauges()
	metrics.WsAuthenticated.WithLabelValues("accepted").Inc()
	log.Info().Str("conn_id", id).Uint("user_id", identity.UserID).Bool("admin", identity.IsAdmin).Msg("connection authenticated")
	return true
}

// Join 幂等；返回成员关系是否发生变化。
func (r *Registry) Join(id, room string) (bool, error) {
	if room == "" || room == RoomBroadcast {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok || c.closed {
		return false, ErrUnknownConnection
	}
	c.lastActivity = r.now()
	changed := r.joinLocked(c, room)
	if changed {
		r.updateGauges()
	}
	return changed, nil
}

// Leave 幂等；返回成员关系是否发生变化。
func (r *Registry) Leave(id, room string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok || c.closed {
		return false, ErrUnknownConnection
	}
	c.lastActivity = r.now()
	changed := r.leaveLocked(c, room)
	if changed {
		r.updateGauges()
	}
	return changed, nil
}

// OnDisconnect 将连接移出所有房间并关闭出站通道，返回断开前的快照。
func (r *Registry) OnDisconnect(id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return Info{}, false
	}
	info := c.info()
	for room := range c.rooms {
		r.leaveLocked(c, room)
	}
	delete(r.conns, id)
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	r.updateGauges()
	log.Debug().Str("conn_id", id).Int("rooms", len(info.Rooms)).Msg("connection removed")
	return info, true
}

// Shutdown 断开全部连接，用于进程退出。
func (r *Registry) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.OnDisconnect(id)
	}
}

// Deliver 把一条已编码消息非阻塞地放入房间内每个连接的出站通道。
// 通道已满的连接丢弃这条消息。返回成功入队的连接数。
func (r *Registry) Deliver(room string, msg []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room == RoomBroadcast {
		n := 0
		for _, c := range r.conns {
			if r.enqueueLocked(c, room, msg) {
				n++
			}
		}
		return n
	}
	members := r.rooms[room]
	n := 0
	for _, c := range members {
		if r.enqueueLocked(c, room, msg) {
			n++
		}
	}
	return n
}

// SendTo 只发给单个连接。
func (r *Registry) SendTo(id string, msg []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	return r.enqueueLocked(c, "", msg)
}

func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if c, ok := r.conns[id]; ok {
		c.lastActivity = r.now()
	}
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return Info{}, false
	}
	return c.info(), true
}

// IsMember 报告连接是否在房间内。
func (r *Registry) IsMember(id, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[room][id]
	return ok
}

// Members 返回房间内的连接 id，按字典序。
func (r *Registry) Members(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Rooms 返回所有非空房间。
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) RoomsOf(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil
	}
	return c.roomList()
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) Online(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room == RoomBroadcast {
		return len(r.conns)
	}
	return len(r.rooms[room])
}

// ActiveUsers 返回已认证的去重用户，按 id 排序。
func (r *Registry) ActiveUsers() []event.ActiveUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[uint]string)
	for _, c := range r.conns {
		if c.userID != 0 {
			seen[c.userID] = c.username
		}
	}
	out := make([]event.ActiveUser, 0, len(seen))
	for id, name := range seen {
		out = append(out, event.ActiveUser{ID: id, Username: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) joinLocked(c *Connection, room string) bool {
	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	members := r.rooms[room]
	if members == nil {
		members = make(map[string]*Connection)
		r.rooms[room] = members
	}
	members[c.ID] = c
	return true
}

func (r *Registry) leaveLocked(c *Connection, room string) bool {
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	if members := r.rooms[room]; members != nil {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	return true
}

func (r *Registry) enqueueLocked(c *Connection, room string, msg []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		metrics.EventsDelivered.Inc()
		return true
	default:
		metrics.EventsDropped.WithLabelValues("slow_consumer").Inc()
		log.Warn().Str("conn_id", c.ID).Str("room", room).Msg("outbound buffer full, dropping event")
		return false
	}
}

func (r *Registry) updateGauges() {
	metrics.WsConnections.Set(float64(len(r.conns)))
	metrics.WsRooms.Set(float64(len(r.rooms)))
}

func (c *Connection) info() Info {
	return Info{
		ID:           c.ID,
		UserID:       c.userID,
		Username:     c.username,
		IsAdmin:      c.isAdmin,
		Rooms:        c.roomList(),
		LastActivity: c.lastActivity,
	}
}

func (c *Connection) roomList() []string {
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}
