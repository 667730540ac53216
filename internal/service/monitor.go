package service

import (
	"context"
	"time"

	"versehub/internal/dispatch"
	"versehub/internal/registry"

	"github.com/rs/zerolog/log"
)

// Monitor 运行两个后台循环：定期推送仪表盘统计，以及定期检查数据库健康。
type Monitor struct {
	stats    *StatsService
	presence Presence
	events   Dispatcher
	ping     func(ctx context.Context) error
	healthy  bool
}

func NewMonitor(stats *StatsService, presence Presence, events Dispatcher, ping func(ctx context.Context) error) *Monitor {
	return &Monitor{stats: stats, presence: presence, events: events, ping: ping, healthy: true}
}

// RunStats 每个周期重新计算统计并推送到 dashboard 房间；房间为空时跳过。
func (m *Monitor) RunStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.BroadcastStats(ctx)
		}
	}
}

func (m *Monitor) BroadcastStats(ctx context.Context) bool {
	if m.presence != nil && m.presence.Online(registry.RoomDashboard) == 0 {
		return false
	}
	snap, err := m.stats.Snapshot(ctx)
	if err != nil {
		log.Error().Err(err).Msg("periodic stats")
		return false
	}
	return m.events.Dispatch(ctx, dispatch.StatsChanged{Update: snap}) > 0
}

// RunHealth 每个周期 ping 数据库。失败时给管理员推送告警，恢复时再推送一次。
func (m *Monitor) RunHealth(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth 只在 RunHealth 的 goroutine 中调用，healthy 不需要加锁。
func (m *Monitor) CheckHealth(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := m.ping(pctx)
	switch {
	case err != nil:
		log.Error().Err(err).Msg("health check failed")
		m.events.Dispatch(ctx, dispatch.SystemAlert{Level: "error", Message: "Database connection failed", AdminOnly: true})
		m.healthy = false
	case !m.healthy:
		log.Info().Msg("health check recovered")
		m.events.Dispatch(ctx, dispatch.SystemAlert{Level: "success", Message: "Database connection restored", AdminOnly: true})
		m.healthy = true
	}
	return err
}
