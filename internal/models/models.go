package models

import "time"

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:80;not null"`
	PasswordHash string `gorm:"not null"`
	IsAdmin      bool   `gorm:"not null;default:false"`
	IsActive     bool   `gorm:"not null;default:true"`
	LastLogin    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// KnowledgeEntry 是知识库条目，仪表盘统计和活动流都来源于它。
type KnowledgeEntry struct {
	ID        uint      `gorm:"primaryKey"`
	Title     string    `gorm:"size:255;not null"`
	Content   string    `gorm:"type:text;not null"`
	Category  string    `gorm:"size:100;index"`
	IsPublic  bool      `gorm:"not null;default:false;index"`
	AuthorID  uint      `gorm:"index;not null"`
	Author    User      `gorm:"foreignKey:AuthorID"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

type Notification struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"index;not null"`
	Title     string `gorm:"size:255"`
	Message   string `gorm:"type:text;not null"`
	Type      string `gorm:"size:32;not null"`
	ActionURL string `gorm:"size:255"`
	ReadAt    *time.Time
	CreatedAt time.Time `gorm:"index"`
}
