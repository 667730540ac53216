// Package dispatch 把业务事件路由到房间，并处理客户端发来的控制消息。
package dispatch

import (
	"context"
	"fmt"
	"time"

	"versehub/internal/bus"
	"versehub/internal/event"
	"versehub/internal/registry"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// StatsSource 提供 request_stats 的即时统计。
type StatsSource interface {
	Snapshot(ctx context.Context) (event.DashboardUpdate, error)
}

// NotificationMarker 持久化通知已读状态。
type NotificationMarker interface {
	MarkRead(ctx context.Context, userID uint, notificationID string) error
}

// Target 是一次投递：一个房间和一个线上事件。
type Target struct {
	Room  string
	Event event.Event
}

type Dispatcher struct {
	pub   bus.Publisher
	reg   *registry.Registry
	stats StatsSource
	notes NotificationMarker
	now   func() time.Time
}

type Option func(*Dispatcher)

func WithStats(s StatsSource) Option { return func(d *Dispatcher) { d.stats = s } }

func WithNotifications(n NotificationMarker) Option { return func(d *Dispatcher) { d.notes = n } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func New(pub bus.Publisher, reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{pub: pub, reg: reg, now: time.Now}
	d.Configure(opts...)
	return d
}

// Configure 用于打破构造期的循环依赖（例如通知服务本身也依赖分发器），只能在开始服务前调用。
func (d *Dispatcher) Configure(opts ...Option) {
	for _, opt := range opts {
		opt(d)
	}
}

// Dispatch 解析目标房间并发布。无法解析目标的事件被丢弃并记录日志，永不返回错误。
func (d *Dispatcher) Dispatch(ctx context.Context, ev Domain) int {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("dispatch recovered")
		}
	}()
	targets := d.Resolve(ev)
	if len(targets) == 0 {
		kind := "nil"
		if ev != nil {
			kind = ev.kind()
		}
		log.Warn().Str("domain_event", kind).Msg("no target room, dropping event")
		return 0
	}
	for _, t := range targets {
		d.pub.Publish(ctx, t.Room, t.Event)
	}
	return len(targets)
}

// Resolve 是纯路由：业务事件 → (房间, 线上事件) 列表。
func (d *Dispatcher) Resolve(ev Domain) []Target {
	ts := d.now().UTC()
	switch e := ev.(type) {
	case EntryChanged:
		return d.resolveEntry(e, ts)
	case UserActivity:
		if e.Kind == "" {
			return nil
		}
		var users []event.ActiveUser
		if d.reg != nil {
			users = d.reg.ActiveUsers()
		} else {
			users = []event.ActiveUser{}
		}
		ua := event.UserActivity{ActiveUsers: users, ActivityType: e.Kind, UserID: e.UserID, Timestamp: ts}
		return []Target{{registry.RoomDashboard, ua}, {registry.RoomAdmin, ua}}
	case SystemAlert:
		if e.Message == "" {
			return nil
		}
		level := e.Level
		if level == "" {
			level = "info"
		}
		alert := event.SystemAlert{Level: level, Message: e.Message, Duration: e.Duration, Timestamp: ts}
		switch {
		case e.AdminOnly:
			return []Target{{registry.RoomAdmin, alert}}
		case e.Broadcast:
			return []Target{{registry.RoomBroadcast, alert}}
		default:
			return []Target{{registry.RoomDashboard, alert}}
		}
	case DirectNotification:
		if e.RecipientID == 0 || e.Notification.Message == "" {
			return nil
		}
		n := e.Notification
		if n.Type == "" {
			n.Type = "info"
		}
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		if n.Timestamp.IsZero() {
			n.Timestamp = ts
		}
		return []Target{{registry.UserRoom(e.RecipientID), n}}
	case StatsChanged:
		if e.Update.Validate() != nil {
			return nil
		}
		return []Target{{registry.RoomDashboard, e.Update}}
	default:
		return nil
	}
}

var entryTitles = map[string]string{
	ActionCreated: "Entry Created",
	ActionUpdated: "Entry Updated",
	ActionDeleted: "Entry Deleted",
}

func (d *Dispatcher) resolveEntry(e EntryChanged, ts time.Time) []Target {
	if e.EntryID == 0 || e.Title == "" {
		return nil
	}
	switch e.Action {
	case ActionCreated, ActionUpdated, ActionDeleted:
	default:
		return nil
	}
	ku := event.KnowledgeUpdate{ID: e.EntryID, Title: e.Title, Action: e.Action, Author: e.Author, Category: e.Category, Timestamp: ts}
	activity := event.DashboardUpdate{Activity: []event.ActivityItem{{
		ID:        fmt.Sprintf("entry-%d", e.EntryID),
		Type:      "entry_" + e.Action,
		Title:     e.Title,
		Actor:     e.Author,
		Timestamp: ts,
	}}}
	targets := []Target{
		{registry.RoomDashboard, ku},
		{registry.RoomDashboard, activity},
	}
	if e.AuthorID != 0 {
		room := registry.UserRoom(e.AuthorID)
		targets = append(targets,
			Target{room, ku},
			Target{room, event.Notification{
				ID:        uuid.NewString(),
				Title:     entryTitles[e.Action],
				Message:   fmt.Sprintf("%q has been %s", e.Title, e.Action),
				Type:      "success",
				Timestamp: ts,
			}},
		)
	}
	// 公开条目的发布通知同时推给管理员和订阅了 notifications 的连接。
	if e.IsPublic && e.Action == ActionCreated {
		published := event.Notification{
			ID:        uuid.NewString(),
			Title:     "New Public Entry",
			Message:   fmt.Sprintf("%q was published by %s", e.Title, e.Author),
			Type:      "info",
			Timestamp: ts,
		}
		targets = append(targets,
			Target{registry.RoomAdmin, published},
			Target{registry.RoomNotifications, published},
		)
	}
	return targets
}
