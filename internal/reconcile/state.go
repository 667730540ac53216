// Package reconcile 把收到的实时事件应用到客户端内存状态上。
// 每个事件对应一个纯函数 (State, payload) -> State，重复应用同一事件结果不变。
package reconcile

import (
	"fmt"
	"slices"
	"time"

	"versehub/internal/event"
)

const (
	DefaultFeedLimit         = 20
	DefaultNotificationLimit = 50
	DefaultAlertLimit        = 5
	DefaultMessageLimit      = 100
)

// Limits 是各个列表的最大显示条数。
type Limits struct {
	Feed          int
	Notifications int
	Alerts        int
	Messages      int
}

func (l Limits) withDefaults() Limits {
	if l.Feed <= 0 {
		l.Feed = DefaultFeedLimit
	}
	if l.Notifications <= 0 {
		l.Notifications = DefaultNotificationLimit
	}
	if l.Alerts <= 0 {
		l.Alerts = DefaultAlertLimit
	}
	if l.Messages <= 0 {
		l.Messages = DefaultMessageLimit
	}
	return l
}

type NotificationItem struct {
	event.Notification
	Read bool `json:"read"`
}

// State 是客户端看到的仪表盘。它完全由最近收到的事件推出，不是权威数据。
// reducer 不修改传入的 State，map 和 slice 在写入前都会复制。
type State struct {
	Connection    string                 `json:"connection"`
	ConnectionID  string                 `json:"connection_id,omitempty"`
	UserID        uint                   `json:"user_id,omitempty"`
	Subscribed    bool                   `json:"subscribed"`
	Rooms         []string               `json:"rooms,omitempty"`
	Stats         map[string]event.Stat  `json:"stats,omitempty"`
	Charts        map[string]event.Chart `json:"charts,omitempty"`
	Feed          []event.ActivityItem   `json:"feed,omitempty"`
	Notifications []NotificationItem     `json:"notifications,omitempty"`
	ActiveUsers   []event.ActiveUser     `json:"active_users,omitempty"`
	Alerts        []event.SystemAlert    `json:"alerts,omitempty"`
	Online        map[string]int         `json:"online,omitempty"`
	Messages      []event.Message        `json:"messages,omitempty"`
	LastError     string                 `json:"last_error,omitempty"`
	LastPong      time.Time              `json:"last_pong,omitempty"`
}

// Unread 是通知角标上的数字。
func (s State) Unread() int {
	n := 0
	for _, it := range s.Notifications {
		if !it.Read {
			n++
		}
	}
	return n
}

// Reduce 把 ev 应用到 s 上，返回新状态以及状态是否变化。
// 客户端发往服务端的事件不会改变状态。
func Reduce(s State, ev event.Event, lim Limits) (State, bool) {
	lim = lim.withDefaults()
	switch e := ev.(type) {
	case event.DashboardUpdate:
		return reduceDashboard(s, e, lim)
	case event.KnowledgeUpdate:
		return prependFeed(s, []event.ActivityItem{knowledgeItem(e)}, lim.Feed)
	case event.Notification:
		return reduceNotification(s, e, lim.Notifications)
	case event.NotificationMarkedRead:
		return markRead(s, e.NotificationID)
	case event.NotificationSubscription:
		return set(s, s.Subscribed, e.Status == "subscribed", func(s *State, v bool) { s.Subscribed = v })
	case event.UserActivity:
		return reduceUserActivity(s, e)
	case event.SystemAlert:
		return reduceAlert(s, e, lim.Alerts)
	case event.Connected:
		return set(s, s.ConnectionID, e.ConnectionID, func(s *State, v string) { s.ConnectionID = v })
	case event.Authenticated:
		if !e.OK {
			return s, false
		}
		return set(s, s.UserID, e.UserID, func(s *State, v uint) { s.UserID = v })
	case event.Error:
		return set(s, s.LastError, e.Message, func(s *State, v string) { s.LastError = v })
	case event.Pong:
		return set(s, s.LastPong, e.Timestamp, func(s *State, v time.Time) { s.LastPong = v })
	case event.RoomJoined:
		if slices.Contains(s.Rooms, e.Room) {
			return s, false
		}
		s.Rooms = append(slices.Clone(s.Rooms), e.Room)
		slices.Sort(s.Rooms)
		return s, true
	case event.RoomLeft:
		i := slices.Index(s.Rooms, e.Room)
		if i < 0 {
			return s, false
		}
		s.Rooms = slices.Delete(slices.Clone(s.Rooms), i, i+1)
		return s, true
	case event.UserJoined:
		return setOnline(s, e.Room, e.Online)
	case event.UserLeft:
		return setOnline(s, e.Room, e.Online)
	case event.Message:
		return reduceMessage(s, e, lim.Messages)
	case event.UserTyping:
		// 输入提示只是动画效果，不进入状态。
		return s, false
	case event.Authenticate, event.Join, event.Leave, event.Ping, event.RequestStats,
		event.SubscribeNotifications, event.UnsubscribeNotifications, event.MarkNotificationRead:
		return s, false
	default:
		return s, false
	}
}

func set[T comparable](s State, old, v T, apply func(*State, T)) (State, bool) {
	if old == v {
		return s, false
	}
	apply(&s, v)
	return s, true
}

func reduceDashboard(s State, e event.DashboardUpdate, lim Limits) (State, bool) {
	changed := false
	if len(e.Stats) > 0 {
		next := cloneMap(s.Stats)
		for k, v := range e.Stats {
			if old, ok := next[k]; !ok || old != v {
				next[k] = v
				changed = true
			}
		}
		s.Stats = next
	}
	if len(e.ChartData) > 0 {
		next := cloneMap(s.Charts)
		for k, v := range e.ChartData {
			next[k] = v
		}
		s.Charts = next
		changed = true
	}
	if len(e.Activity) > 0 {
		var feedChanged bool
		s, feedChanged = prependFeed(s, e.Activity, lim.Feed)
		changed = changed || feedChanged
	}
	return s, changed
}

func knowledgeItem(e event.KnowledgeUpdate) event.ActivityItem {
	return event.ActivityItem{
		ID:        fmt.Sprintf("entry-%d", e.ID),
		Type:      "entry_" + e.Action,
		Title:     e.Title,
		Actor:     e.Author,
		Timestamp: e.Timestamp,
	}
}

// prependFeed 把 items 放到列表头部，items[0] 在最前。
func prependFeed(s State, items []event.ActivityItem, limit int) (State, bool) {
	var changed bool
	s.Feed, changed = prependUnique(s.Feed, items, limit, func(a event.ActivityItem) string { return a.ID })
	return s, changed
}

// prependUnique 返回新 slice，从不修改 list 本身。已存在的 id 移到头部而不是重复出现，
// 空 id 不参与去重。结果与原列表相同时报告无变化。
func prependUnique[T comparable](list, items []T, limit int, id func(T) string) ([]T, bool) {
	out := make([]T, 0, min(len(list)+len(items), limit))
	seen := make(map[string]bool, len(items))
	for _, it := range append(append([]T(nil), items...), list...) {
		if len(out) == limit {
			break
		}
		if key := id(it); key != "" {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, it)
	}
	if slices.Equal(out, list) {
		return list, false
	}
	return out, true
}

func reduceNotification(s State, n event.Notification, limit int) (State, bool) {
	item := NotificationItem{Notification: n}
	if n.ID == "" && slices.Contains(s.Notifications, item) {
		return s, false
	}
	if n.ID != "" {
		for _, it := range s.Notifications {
			if it.ID == n.ID {
				// 重连后重放的通知保留已读状态。
				item.Read = it.Read
				break
			}
		}
	}
	var changed bool
	s.Notifications, changed = prependUnique(s.Notifications, []NotificationItem{item}, limit, func(it NotificationItem) string { return it.ID })
	return s, changed
}

func markRead(s State, id string) (State, bool) {
	for i, it := range s.Notifications {
		if it.ID != id {
			continue
		}
		if it.Read {
			return s, false
		}
		s.Notifications = slices.Clone(s.Notifications)
		s.Notifications[i].Read = true
		return s, true
	}
	return s, false
}

func reduceUserActivity(s State, e event.UserActivity) (State, bool) {
	changed := !slices.Equal(s.ActiveUsers, e.ActiveUsers)
	if changed {
		s.ActiveUsers = slices.Clone(e.ActiveUsers)
	}
	count := event.Stat{Value: float64(len(e.ActiveUsers))}
	if old, ok := s.Stats["active_users"]; ok {
		count.Label = old.Label
		if old == count {
			return s, changed
		}
	}
	s.Stats = cloneMap(s.Stats)
	s.Stats["active_users"] = count
	return s, true
}

func reduceAlert(s State, a event.SystemAlert, limit int) (State, bool) {
	for _, old := range s.Alerts {
		if old == a {
			return s, false
		}
	}
	var changed bool
	s.Alerts, changed = prependUnique(s.Alerts, []event.SystemAlert{a}, limit, func(event.SystemAlert) string { return "" })
	return s, changed
}

func setOnline(s State, room string, n int) (State, bool) {
	if old, ok := s.Online[room]; ok && old == n {
		return s, false
	}
	s.Online = cloneMap(s.Online)
	s.Online[room] = n
	return s, true
}

func reduceMessage(s State, m event.Message, limit int) (State, bool) {
	if m.ID != "" && slices.ContainsFunc(s.Messages, func(old event.Message) bool { return old.ID == m.ID }) {
		return s, false
	}
	next := append(slices.Clone(s.Messages), m)
	if len(next) > limit {
		next = next[len(next)-limit:]
	}
	s.Messages = next
	return s, true
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
