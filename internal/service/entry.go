package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"versehub/internal/dispatch"
	"versehub/internal/models"

	"gorm.io/gorm"
)

// EntryService 封装知识条目的增删改，每次变更都会推送到实时层。
type EntryService struct {
	db     *gorm.DB
	events Dispatcher
}

func NewEntryService(db *gorm.DB, events Dispatcher) *EntryService {
	return &EntryService{db: db, events: events}
}

// EntryInput 是创建和更新条目的输入。
type EntryInput struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Category string `json:"category"`
	IsPublic bool   `json:"is_public"`
}

func (in *EntryInput) normalize() error {
	in.Title = strings.TrimSpace(in.Title)
	in.Category = strings.TrimSpace(in.Category)
	if in.Title == "" || len(in.Title) > 255 || strings.TrimSpace(in.Content) == "" || len(in.Category) > 100 {
		return ErrInvalidInput
	}
	return nil
}

// EntryDTO 是对外输出的条目数据。
type EntryDTO struct {
	ID        uint      `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	IsPublic  bool      `json:"is_public"`
	AuthorID  uint      `json:"author_id"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toEntryDTO(e models.KnowledgeEntry, author string) *EntryDTO {
	return &EntryDTO{
		ID:        e.ID,
		Title:     e.Title,
		Content:   e.Content,
		Category:  e.Category,
		IsPublic:  e.IsPublic,
		AuthorID:  e.AuthorID,
		Author:    author,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

// Create 创建条目。
func (s *EntryService) Create(ctx context.Context, author models.User, in EntryInput) (*EntryDTO, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	e := models.KnowledgeEntry{Title: in.Title, Content: in.Content, Category: in.Category, IsPublic: in.IsPublic, AuthorID: author.ID}
	if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
		return nil, err
	}
	s.publish(ctx, dispatch.ActionCreated, e, author.Username)
	return toEntryDTO(e, author.Username), nil
}

// Update 修改条目，只有作者或管理员可以操作。
func (s *EntryService) Update(ctx context.Context, actor models.User, id uint, in EntryInput) (*EntryDTO, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	e, err := s.editable(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	// map 形式才会写入 is_public=false 这样的零值。
	if err := s.db.WithContext(ctx).Model(&e).Updates(map[string]any{
		"title":     in.Title,
		"content":   in.Content,
		"category":  in.Category,
		"is_public": in.IsPublic,
	}).Error; err != nil {
		return nil, err
	}
	e.Title, e.Content, e.Category, e.IsPublic = in.Title, in.Content, in.Category, in.IsPublic
	s.publish(ctx, dispatch.ActionUpdated, e, e.Author.Username)
	return toEntryDTO(e, e.Author.Username), nil
}

// Delete 删除条目，只有作者或管理员可以操作。
func (s *EntryService) Delete(ctx context.Context, actor models.User, id uint) error {
	e, err := s.editable(ctx, actor, id)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&models.KnowledgeEntry{}, e.ID).Error; err != nil {
		return err
	}
	s.publish(ctx, dispatch.ActionDeleted, e, e.Author.Username)
	return nil
}

func (s *EntryService) editable(ctx context.Context, actor models.User, id uint) (models.KnowledgeEntry, error) {
	var e models.KnowledgeEntry
	if err := s.db.WithContext(ctx).Preload("Author").First(&e, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return e, ErrEntryNotFound
		}
		return e, err
	}
	if e.AuthorID != actor.ID && !actor.IsAdmin {
		return e, ErrForbidden
	}
	return e, nil
}

func (s *EntryService) publish(ctx context.Context, action string, e models.KnowledgeEntry, author string) {
	s.events.Dispatch(ctx, dispatch.EntryChanged{
		Action:   action,
		EntryID:  e.ID,
		Title:    e.Title,
		AuthorID: e.AuthorID,
		Author:   author,
		Category: e.Category,
		IsPublic: e.IsPublic,
	})
}
