package dispatch

import "versehub/internal/event"

// Domain 是业务层产生、需要实时推送的事件。
type Domain interface {
	kind() string
}

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// EntryChanged 表示知识条目被创建、更新或删除。
type EntryChanged struct {
	Action   string
	EntryID  uint
	Title    string
	AuthorID uint
	Author   string
	Category string
	IsPublic bool
}

func (EntryChanged) kind() string { return "entry_changed" }

// 活动类型。login/logout 来自 HTTP 登录接口，online/offline 来自实时连接的认证与断开。
const (
	ActivityLogin   = "login"
	ActivityLogout  = "logout"
	ActivityAPICall = "api_call"
	ActivityOnline  = "online"
	ActivityOffline = "offline"
)

type UserActivity struct {
	Kind     string
	UserID   uint
	Username string
}

func (UserActivity) kind() string { return "user_activity" }

// SystemAlert 默认推送到 dashboard；Broadcast 推给所有在线连接，AdminOnly 只推给管理员。
type SystemAlert struct {
	Level     string
	Message   string
	Duration  int
	Broadcast bool
	AdminOnly bool
}

func (SystemAlert) kind() string { return "system_alert" }

type DirectNotification struct {
	RecipientID  uint
	Notification event.Notification
}

func (DirectNotification) kind() string { return "direct_notification" }

// StatsChanged 携带重新计算后的仪表盘统计。
type StatsChanged struct {
	Update event.DashboardUpdate
}

func (StatsChanged) kind() string { return "stats_changed" }
