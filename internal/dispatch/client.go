package dispatch

import (
	"context"
	"strings"

	"versehub/internal/event"
	"versehub/internal/registry"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// isReserved 报告房间是否由服务端管理（不能被客户端随意加入，也不是聊天频道）。
func isReserved(room string) bool {
	switch room {
	case registry.RoomDashboard, registry.RoomAdmin, registry.RoomNotifications, registry.RoomBroadcast:
		return true
	}
	return strings.HasPrefix(room, "user_")
}

// OnConnect 注册连接并发送 connected 问候。
func (d *Dispatcher) OnConnect(id string) *registry.Connection {
	c := d.reg.OnConnect(id)
	d.reply(c.ID, event.Connected{ConnectionID: c.ID, Message: "Connected to dashboard", Timestamp: d.now().UTC()})
	return c
}

// OnDisconnect 清理连接，并通知其所在聊天频道的其他成员。
// 已认证的连接还会刷新仪表盘上的在线用户列表。
func (d *Dispatcher) OnDisconnect(ctx context.Context, id string) {
	info, ok := d.reg.OnDisconnect(id)
	if !ok {
		return
	}
	for _, room := range info.Rooms {
		if isReserved(room) {
			continue
		}
		d.pub.Publish(ctx, room, event.UserLeft{Room: room, UserID: info.UserID, Username: info.Username, Online: d.reg.Online(room)})
	}
	if info.UserID != 0 {
		d.Dispatch(ctx, UserActivity{Kind: ActivityOffline, UserID: info.UserID, Username: info.Username})
	}
}

// HandleClient 处理一条来自客户端的消息。错误以 error 事件回复给该连接，不会断开连接。
func (d *Dispatcher) HandleClient(ctx context.Context, id string, ev event.Event) {
	d.reg.Touch(id)
	info, ok := d.reg.Get(id)
	if !ok {
		return
	}
	switch e := ev.(type) {
	case event.Authenticate:
		ok := d.reg.OnAuthenticate(ctx, id, e.UserID, e.Token)
		uid := uint(0)
		if ok {
			uid = e.UserID
		}
		d.reply(id, event.Authenticated{UserID: uid, OK: ok})
		if ok {
			authed, _ := d.reg.Get(id)
			d.Dispatch(ctx, UserActivity{Kind: ActivityOnline, UserID: authed.UserID, Username: authed.Username})
		}
	case event.Join:
		d.join(ctx, info, e.Room)
	case event.Leave:
		d.leave(ctx, info, e.Room)
	case event.Ping:
		d.reply(id, event.Pong{Timestamp: d.now().UTC()})
	case event.RequestStats:
		d.requestStats(ctx, info)
	case event.SubscribeNotifications:
		if !info.Authenticated() {
			d.fail(id, "authentication required")
			return
		}
		_, _ = d.reg.Join(id, registry.RoomNotifications)
		d.reply(id, event.NotificationSubscription{Status: "subscribed"})
	case event.UnsubscribeNotifications:
		_, _ = d.reg.Leave(id, registry.RoomNotifications)
		d.reply(id, event.NotificationSubscription{Status: "unsubscribed"})
	case event.MarkNotificationRead:
		d.markRead(ctx, info, e.NotificationID)
	case event.Message:
		if !d.reg.IsMember(id, e.Room) || isReserved(e.Room) {
			d.fail(id, "not a member of "+e.Room)
			return
		}
		e.ID = uuid.NewString()
		e.UserID = info.UserID
		e.Username = info.Username
		e.Timestamp = d.now().UTC()
		d.pub.Publish(ctx, e.Room, e)
	case event.UserTyping:
		if !d.reg.IsMember(id, e.Room) || isReserved(e.Room) {
			return
		}
		e.UserID = info.UserID
		e.Username = info.Username
		d.pub.Publish(ctx, e.Room, e)
	default:
		name := "nil"
		if ev != nil {
			name = string(ev.Name())
		}
		log.Debug().Str("conn_id", id).Str("event", name).Msg("unsupported client event")
		d.fail(id, "unsupported event: "+name)
	}
}

func (d *Dispatcher) join(ctx context.Context, info registry.Info, room string) {
	switch {
	case room == registry.RoomAdmin && !info.IsAdmin:
		d.fail(info.ID, "access denied to admin room")
		return
	case room == registry.RoomNotifications && !info.Authenticated():
		d.fail(info.ID, "authentication required")
		return
	case strings.HasPrefix(room, "user_") && (!info.Authenticated() || room != registry.UserRoom(info.UserID)):
		d.fail(info.ID, "access denied to "+room)
		return
	case room == registry.RoomBroadcast:
		d.fail(info.ID, "cannot join "+room)
		return
	}
	changed, err := d.reg.Join(info.ID, room)
	if err != nil {
		return
	}
	d.reply(info.ID, event.RoomJoined{Room: room})
	if changed && !isReserved(room) {
		d.pub.Publish(ctx, room, event.UserJoined{Room: room, UserID: info.UserID, Username: info.Username, Online: d.reg.Online(room)})
	}
}

func (d *Dispatcher) leave(ctx context.Context, info registry.Info, room string) {
	changed, err := d.reg.Leave(info.ID, room)
	if err != nil {
		return
	}
	d.reply(info.ID, event.RoomLeft{Room: room})
	if changed && !isReserved(room) {
		d.pub.Publish(ctx, room, event.UserLeft{Room: room, UserID: info.UserID, Username: info.Username, Online: d.reg.Online(room)})
	}
}

func (d *Dispatcher) requestStats(ctx context.Context, info registry.Info) {
	if !info.Authenticated() {
		d.fail(info.ID, "authentication required")
		return
	}
	if d.stats == nil {
		d.fail(info.ID, "statistics unavailable")
		return
	}
	snap, err := d.stats.Snapshot(ctx)
	if err != nil {
		log.Error().Err(err).Str("conn_id", info.ID).Msg("request stats")
		d.fail(info.ID, "failed to get statistics")
		return
	}
	d.reply(info.ID, snap)
}

func (d *Dispatcher) markRead(ctx context.Context, info registry.Info, notificationID string) {
	if !info.Authenticated() {
		d.fail(info.ID, "authentication required")
		return
	}
	if d.notes != nil {
		if err := d.notes.MarkRead(ctx, info.UserID, notificationID); err != nil {
			log.Warn().Err(err).Str("conn_id", info.ID).Str("notification_id", notificationID).Msg("mark notification read")
			d.fail(info.ID, "failed to mark notification read")
			return
		}
	}
	d.reply(info.ID, event.NotificationMarkedRead{NotificationID: notificationID, Status: "read"})
}

func (d *Dispatcher) fail(id, msg string) {
	d.reply(id, event.Error{Message: msg})
}

// reply 只发给发起请求的连接，不经过总线。
func (d *Dispatcher) reply(id string, ev event.Event) {
	msg, err := event.Encode(ev)
	if err != nil {
		log.Error().Err(err).Str("conn_id", id).Msg("encode reply")
		return
	}
	d.reg.SendTo(id, msg)
}
