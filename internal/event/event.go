// Package event 定义实时通道上的事件：每个线上事件名对应一个强类型 payload。
package event

import (
	"errors"
	"time"
)

type Name string

// 传输层生命周期事件，不在线上以信封形式出现。
const (
	NameConnect    Name = "connect"
	NameDisconnect Name = "disconnect"
)

const (
	NameAuthenticate             Name = "authenticate"
	NameJoin                     Name = "join"
	NameLeave                    Name = "leave"
	NamePing                     Name = "ping"
	NameRequestStats             Name = "request_stats"
	NameSubscribeNotifications   Name = "subscribe_notifications"
	NameUnsubscribeNotifications Name = "unsubscribe_notifications"
	NameMarkNotificationRead     Name = "mark_notification_read"

	NameNotification             Name = "notification"
	NameDashboardUpdate          Name = "dashboard_update"
	NameKnowledgeUpdate          Name = "knowledge_update"
	NameUserActivity             Name = "user_activity"
	NameSystemAlert              Name = "system_alert"
	NameConnected                Name = "connected"
	NameAuthenticated            Name = "authenticated"
	NamePong                     Name = "pong"
	NameError                    Name = "error"
	NameRoomJoined               Name = "room_joined"
	NameRoomLeft                 Name = "room_left"
	NameNotificationSubscription Name = "notification_subscription"
	NameNotificationMarkedRead   Name = "notification_marked_read"

	NameMessage    Name = "message"
	NameUserTyping Name = "user_typing"
	NameUserJoined Name = "user_joined"
	NameUserLeft   Name = "user_left"
)

// Event 是所有线上事件的公共接口。
type Event interface {
	Name() Name
}

var errMissingField = errors.New("missing required field")

func missing(field string) error {
	return &FieldError{Field: field}
}

// FieldError 表示 payload 缺少必需字段。
type FieldError struct {
	Field string
}

func (e *FieldError) Error() string { return errMissingField.Error() + ": " + e.Field }

func (e *FieldError) Unwrap() error { return errMissingField }

// ---- client → server ----

type Authenticate struct {
	UserID uint   `json:"user_id"`
	Token  string `json:"token"`
}

func (Authenticate) Name() Name { return NameAuthenticate }

func (a Authenticate) Validate() error {
	if a.UserID == 0 {
		return missing("user_id")
	}
	if a.Token == "" {
		return missing("token")
	}
	return nil
}

type Join struct {
	Room string `json:"room"`
}

func (Join) Name() Name { return NameJoin }

func (j Join) Validate() error {
	if j.Room == "" {
		return missing("room")
	}
	return nil
}

type Leave struct {
	Room string `json:"room"`
}

func (Leave) Name() Name { return NameLeave }

func (l Leave) Validate() error {
	if l.Room == "" {
		return missing("room")
	}
	return nil
}

type Ping struct{}

func (Ping) Name() Name { return NamePing }

type RequestStats struct{}

func (RequestStats) Name() Name { return NameRequestStats }

type SubscribeNotifications struct{}

func (SubscribeNotifications) Name() Name { return NameSubscribeNotifications }

type UnsubscribeNotifications struct{}

func (UnsubscribeNotifications) Name() Name { return NameUnsubscribeNotifications }

type MarkNotificationRead struct {
	NotificationID string `json:"notification_id"`
}

func (MarkNotificationRead) Name() Name { return NameMarkNotificationRead }

func (m MarkNotificationRead) Validate() error {
	if m.NotificationID == "" {
		return missing("notification_id")
	}
	return nil
}

// ---- server → client ----

type Notification struct {
	ID                  string    `json:"id,omitempty"`
	Title               string    `json:"title,omitempty"`
	Message             string    `json:"message"`
	Type                string    `json:"type"`
	Duration            int       `json:"duration,omitempty"`
	Sound               bool      `json:"sound,omitempty"`
	BrowserNotification bool      `json:"browser_notification,omitempty"`
	ActionURL           string    `json:"action_url,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

func (Notification) Name() Name { return NameNotification }

func (n Notification) Validate() error {
	if n.Message == "" {
		return missing("message")
	}
	if n.Type == "" {
		return missing("type")
	}
	return nil
}

// Stat 是仪表盘统计卡片的绝对值。
type Stat struct {
	Value float64 `json:"value"`
	Label string  `json:"label,omitempty"`
}

type Dataset struct {
	Label string    `json:"label"`
	Data  []float64 `json:"data"`
}

type Chart struct {
	Labels   []string  `json:"labels"`
	Datasets []Dataset `json:"datasets"`
}

// ActivityItem 是活动流中的一条记录，ID 是去重键。
type ActivityItem struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Actor     string    `json:"actor,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type DashboardUpdate struct {
	Stats     map[string]Stat  `json:"stats,omitempty"`
	ChartData map[string]Chart `json:"chart_data,omitempty"`
	Activity  []ActivityItem   `json:"activity,omitempty"`
}

func (DashboardUpdate) Name() Name { return NameDashboardUpdate }

func (d DashboardUpdate) Validate() error {
	if d.Stats == nil && d.ChartData == nil && d.Activity == nil {
		return missing("stats|chart_data|activity")
	}
	for i := range d.Activity {
		if d.Activity[i].ID == "" {
			return missing("activity.id")
		}
	}
	return nil
}

type KnowledgeUpdate struct {
	ID        uint      `json:"id"`
	Title     string    `json:"title"`
	Action    string    `json:"action"`
	Author    string    `json:"author,omitempty"`
	Category  string    `json:"category,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (KnowledgeUpdate) Name() Name { return NameKnowledgeUpdate }

func (k KnowledgeUpdate) Validate() error {
	if k.ID == 0 {
		return missing("id")
	}
	if k.Title == "" {
		return missing("title")
	}
	if k.Action == "" {
		return missing("action")
	}
	return nil
}

type ActiveUser struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

type UserActivity struct {
	ActiveUsers  []ActiveUser `json:"active_users"`
	ActivityType string       `json:"activity_type,omitempty"`
	UserID       uint         `json:"user_id,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

func (UserActivity) Name() Name { return NameUserActivity }

func (u UserActivity) Validate() error {
	if u.ActiveUsers == nil {
		return missing("active_users")
	}
	return nil
}

type SystemAlert struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Duration  int       `json:"duration,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (SystemAlert) Name() Name { return NameSystemAlert }

func (s SystemAlert) Validate() error {
	if s.Level == "" {
		return missing("level")
	}
	if s.Message == "" {
		return missing("message")
	}
	return nil
}

type Connected struct {
	ConnectionID string    `json:"connection_id"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

func (Connected) Name() Name { return NameConnected }

type Authenticated struct {
	UserID uint `json:"user_id"`
	OK     bool `json:"ok"`
}

func (Authenticated) Name() Name { return NameAuthenticated }

type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

func (Pong) Name() Name { return NamePong }

type Error struct {
	Message string `json:"message"`
}

func (Error) Name() Name { return NameError }

type RoomJoined struct {
	Room string `json:"room"`
}

func (RoomJoined) Name() Name { return NameRoomJoined }

type RoomLeft struct {
	Room string `json:"room"`
}

func (RoomLeft) Name() Name { return NameRoomLeft }

type NotificationSubscription struct {
	Status string `json:"status"`
}

func (NotificationSubscription) Name() Name { return NameNotificationSubscription }

type NotificationMarkedRead struct {
	NotificationID string `json:"notification_id"`
	Status         string `json:"status"`
}

func (NotificationMarkedRead) Name() Name { return NameNotificationMarkedRead }

// ---- chat, 双向 ----

type Message struct {
	ID        string    `json:"id,omitempty"`
	Room      string    `json:"room"`
	UserID    uint      `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (Message) Name() Name { return NameMessage }

func (m Message) Validate() error {
	if m.Room == "" {
		return missing("room")
	}
	if m.Content == "" {
		return missing("content")
	}
	return nil
}

type UserTyping struct {
	Room     string `json:"room"`
	UserID   uint   `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

func (UserTyping) Name() Name { return NameUserTyping }

func (u UserTyping) Validate() error {
	if u.Room == "" {
		return missing("room")
	}
	return nil
}

type UserJoined struct {
	Room     string `json:"room"`
	UserID   uint   `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Online   int    `json:"online"`
}

func (UserJoined) Name() Name { return NameUserJoined }

type UserLeft struct {
	Room     string `json:"room"`
	UserID   uint   `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Online   int    `json:"online"`
}

func (UserLeft) Name() Name { return NameUserLeft }
