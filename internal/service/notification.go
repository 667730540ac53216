package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"versehub/internal/dispatch"
	"versehub/internal/event"
	"versehub/internal/models"

	"gorm.io/gorm"
)

// NotificationService 持久化定向通知，并推送到收件人的 user_<id> 房间。
type NotificationService struct {
	db     *gorm.DB
	events Dispatcher
}

func NewNotificationService(db *gorm.DB, events Dispatcher) *NotificationService {
	return &NotificationService{db: db, events: events}
}

// NotificationInput 是发送通知的输入。
type NotificationInput struct {
	RecipientID uint   `json:"recipient_id"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	Type        string `json:"type"`
	ActionURL   string `json:"action_url"`
}

var notificationTypes = map[string]bool{"info": true, "success": true, "warning": true, "error": true}

// Send 保存通知后推送；收件人离线时通知仍保留在库中。
func (s *NotificationService) Send(ctx context.Context, in NotificationInput) (*event.Notification, error) {
	in.Message = strings.TrimSpace(in.Message)
	if in.Type == "" {
		in.Type = "info"
	}
	if in.RecipientID == 0 || in.Message == "" || !notificationTypes[in.Type] {
		return nil, ErrInvalidInput
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", in.RecipientID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrUserNotFound
	}
	n := models.Notification{UserID: in.RecipientID, Title: in.Title, Message: in.Message, Type: in.Type, ActionURL: in.ActionURL}
	if err := s.db.WithContext(ctx).Create(&n).Error; err != nil {
		return nil, err
	}
	out := toNotificationEvent(n)
	s.events.Dispatch(ctx, dispatch.DirectNotification{RecipientID: n.UserID, Notification: out})
	return &out, nil
}

// MarkRead 标记为已读；重复标记是幂等的。
func (s *NotificationService) MarkRead(ctx context.Context, userID uint, notificationID string) error {
	id, err := strconv.ParseUint(notificationID, 10, 64)
	if err != nil || id == 0 {
		return ErrNotificationNotFound
	}
	var n models.Notification
	if err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotificationNotFound
		}
		return err
	}
	if n.ReadAt != nil {
		return nil
	}
	return s.db.WithContext(ctx).Model(&n).Update("read_at", time.Now().UTC()).Error
}

// Unread 返回用户最近的未读通知，新的在前。
func (s *NotificationService) Unread(ctx context.Context, userID uint, limit int) ([]event.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []models.Notification
	if err := s.db.WithContext(ctx).Where("user_id = ? AND read_at IS NULL", userID).
		Order("created_at desc, id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]event.Notification, 0, len(rows))
	for _, n := range rows {
		out = append(out, toNotificationEvent(n))
	}
	return out, nil
}

func toNotificationEvent(n models.Notification) event.Notification {
	return event.Notification{
		ID:        strconv.FormatUint(uint64(n.ID), 10),
		Title:     n.Title,
		Message:   n.Message,
		Type:      n.Type,
		ActionURL: n.ActionURL,
		Timestamp: n.CreatedAt.UTC(),
	}
}
