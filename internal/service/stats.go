package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"versehub/internal/event"
	"versehub/internal/models"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// Presence 提供在线用户信息，由连接注册表实现。
type Presence interface {
	ActiveUsers() []event.ActiveUser
	Online(room string) int
}

const (
	chartDays     = 7
	activityLimit = 10
)

// StatsService 从数据库计算仪表盘统计。并发的 Snapshot 调用共享同一次查询。
type StatsService struct {
	db       *gorm.DB
	presence Presence
	group    singleflight.Group
	now      func() time.Time
}

func NewStatsService(db *gorm.DB, presence Presence) *StatsService {
	return &StatsService{db: db, presence: presence, now: time.Now}
}

// Snapshot 返回完整的统计卡片和图表数据。
func (s *StatsService) Snapshot(ctx context.Context) (event.DashboardUpdate, error) {
	v, err, _ := s.group.Do("snapshot", func() (any, error) {
		return s.compute(ctx)
	})
	if err != nil {
		return event.DashboardUpdate{}, err
	}
	return v.(event.DashboardUpdate), nil
}

func (s *StatsService) compute(ctx context.Context) (event.DashboardUpdate, error) {
	q := s.db.WithContext(ctx)
	var entries, public, users int64
	if err := q.Model(&models.KnowledgeEntry{}).Count(&entries).Error; err != nil {
		return event.DashboardUpdate{}, fmt.Errorf("count entries: %w", err)
	}
	if err := q.Model(&models.KnowledgeEntry{}).Where("is_public = ?", true).Count(&public).Error; err != nil {
		return event.DashboardUpdate{}, fmt.Errorf("count public entries: %w", err)
	}
	if err := q.Model(&models.User{}).Where("is_active = ?", true).Count(&users).Error; err != nil {
		return event.DashboardUpdate{}, fmt.Errorf("count users: %w", err)
	}
	active := 0
	if s.presence != nil {
		active = len(s.presence.ActiveUsers())
	}

	byCategory, err := s.categoryChart(ctx)
	if err != nil {
		return event.DashboardUpdate{}, err
	}
	daily, err := s.dailyChart(ctx)
	if err != nil {
		return event.DashboardUpdate{}, err
	}

	return event.DashboardUpdate{
		Stats: map[string]event.Stat{
			"total_entries":  {Value: float64(entries), Label: "Total Entries"},
			"public_entries": {Value: float64(public), Label: "Public Entries"},
			"total_users":    {Value: float64(users), Label: "Users"},
			"active_users":   {Value: float64(active), Label: "Online Now"},
		},
		ChartData: map[string]event.Chart{
			"entries_by_category": byCategory,
			"entries_per_day":     daily,
		},
	}, nil
}

func (s *StatsService) categoryChart(ctx context.Context) (event.Chart, error) {
	var rows []struct {
		Category string
		N        int64
	}
	if err := s.db.WithContext(ctx).Model(&models.KnowledgeEntry{}).
		Select("category, count(*) as n").Group("category").Scan(&rows).Error; err != nil {
		return event.Chart{}, fmt.Errorf("entries by category: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Category < rows[j].Category })
	chart := event.Chart{Labels: make([]string, 0, len(rows)), Datasets: []event.Dataset{{Label: "Entries", Data: make([]float64, 0, len(rows))}}}
	for _, r := range rows {
		label := r.Category
		if label == "" {
			label = "uncategorized"
		}
		chart.Labels = append(chart.Labels, label)
		chart.Datasets[0].Data = append(chart.Datasets[0].Data, float64(r.N))
	}
	return chart, nil
}

// dailyChart 按 UTC 日期分桶，在 Go 里做以兼容 Postgres 和 SQLite。
func (s *StatsService) dailyChart(ctx context.Context) (event.Chart, error) {
	today := s.now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(chartDays - 1))
	var created []time.Time
	if err := s.db.WithContext(ctx).Model(&models.KnowledgeEntry{}).
		Where("created_at >= ?", since).Pluck("created_at", &created).Error; err != nil {
		return event.Chart{}, fmt.Errorf("entries per day: %w", err)
	}
	chart := event.Chart{Labels: make([]string, chartDays), Datasets: []event.Dataset{{Label: "New Entries", Data: make([]float64, chartDays)}}}
	for i := 0; i < chartDays; i++ {
		chart.Labels[i] = since.AddDate(0, 0, i).Format("2006-01-02")
	}
	for _, t := range created {
		i := int(t.UTC().Truncate(24*time.Hour).Sub(since) / (24 * time.Hour))
		if i >= 0 && i < chartDays {
			chart.Datasets[0].Data[i]++
		}
	}
	return chart, nil
}

// Activity 返回最近的条目活动，新的在前。
func (s *StatsService) Activity(ctx context.Context) ([]event.ActivityItem, error) {
	var rows []models.KnowledgeEntry
	if err := s.db.WithContext(ctx).Preload("Author").
		Order("updated_at desc, id desc").Limit(activityLimit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]event.ActivityItem, 0, len(rows))
	for _, e := range rows {
		kind := "entry_created"
		if e.UpdatedAt.Sub(e.CreatedAt) > time.Second {
			kind = "entry_updated"
		}
		out = append(out, event.ActivityItem{
			ID:        fmt.Sprintf("entry-%d", e.ID),
			Type:      kind,
			Title:     e.Title,
			Actor:     e.Author.Username,
			Timestamp: e.UpdatedAt.UTC(),
		})
	}
	return out, nil
}
