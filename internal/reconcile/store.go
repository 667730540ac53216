package reconcile

import (
	"versehub/internal/event"
	clog "versehub/internal/log"

	"github.com/rs/zerolog"
)

// Patcher 在状态变化后被调用，相当于浏览器里的 DOM 更新。
type Patcher func(name event.Name, prev, next State)

// Store 持有当前状态并把原始消息交给 reducer。
// 它和连接管理器的回调运行在同一个 goroutine 中，不做内部加锁。
type Store struct {
	state  State
	limits Limits
	patch  Patcher
	log    zerolog.Logger
}

func NewStore(limits Limits, patch Patcher) *Store {
	return &Store{
		limits: limits.withDefaults(),
		patch:  patch,
		log:    clog.Component("reconcile"),
	}
}

func (s *Store) State() State { return s.state }

// Apply 解析一条线上消息并应用。格式错误或未知事件只记录警告后丢弃，
// reducer 或 patcher 中的 panic 也在这里截住，不影响后续事件。
func (s *Store) Apply(raw []byte) (applied bool) {
	ev, err := event.Decode(raw)
	if err != nil {
		s.log.Warn().Err(err).Int("bytes", len(raw)).Msg("discarding event")
		return false
	}
	return s.ApplyEvent(ev)
}

func (s *Store) ApplyEvent(ev event.Event) (applied bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("event", string(ev.Name())).Msg("reconcile failed, event discarded")
			applied = false
		}
	}()
	next, changed := Reduce(s.state, ev, s.limits)
	if !changed {
		return false
	}
	s.commit(ev.Name(), next)
	return true
}

// SetConnection 记录连接管理器的状态，用于离线提示。
func (s *Store) SetConnection(status string) {
	if s.state.Connection == status {
		return
	}
	next := s.state
	next.Connection = status
	s.commit(event.NameConnect, next)
}

func (s *Store) commit(name event.Name, next State) {
	old := s.state
	s.state = next
	if s.patch != nil {
		s.patch(name, old, next)
	}
}
