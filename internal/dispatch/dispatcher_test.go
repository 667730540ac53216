package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"versehub/internal/auth"
	"versehub/internal/event"
	"versehub/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type published struct {
	Room  string
	Event event.Event
}

type recorder struct {
	mu   sync.Mutex
	sent []published
}

func (r *recorder) Publish(_ context.Context, room string, ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, published{room, ev})
}

func (r *recorder) all() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.sent...)
}

type fakeVerifier map[string]auth.Identity

func (f fakeVerifier) Verify(_ context.Context, userID uint, token string) (auth.Identity, error) {
	id, ok := f[token]
	if !ok || id.UserID != userID {
		return auth.Identity{}, errors.New("bad token")
	}
	return id, nil
}

type fakeStats struct {
	update event.DashboardUpdate
	err    error
}

func (f fakeStats) Snapshot(context.Context) (event.DashboardUpdate, error) {
	return f.update, f.err
}

type fakeMarker struct {
	marked []string
	err    error
}

func (f *fakeMarker) MarkRead(_ context.Context, userID uint, id string) error {
	if f.err != nil {
		return f.err
	}
	f.marked = append(f.marked, id)
	return nil
}

func newTestDispatcher(opts ...Option) (*Dispatcher, *recorder, *registry.Registry) {
	reg := registry.New(fakeVerifier{
		"alice-token": {UserID: 1, Username: "alice"},
		"bob-token":   {UserID: 2, Username: "bob"},
		"root-token":  {UserID: 9, Username: "root", IsAdmin: true},
	}, 32)
	rec := &recorder{}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(rec, reg, opts...), rec, reg
}

// connect 注册连接并吞掉 connected 问候。
func connect(t *testing.T, d *Dispatcher, id string) *registry.Connection {
	t.Helper()
	c := d.OnConnect(id)
	ev := next(t, c)
	require.IsType(t, event.Connected{}, ev)
	return c
}

func next(t *testing.T, c *registry.Connection) event.Event {
	t.Helper()
	select {
	case msg := <-c.Outbound():
		ev, err := event.Decode(msg)
		require.NoError(t, err)
		return ev
	default:
		t.Fatal("expected an outbound message")
		return nil
	}
}

func rooms(targets []Target) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, t.Room)
	}
	return out
}

func TestResolve_EntryCreatedPublic(t *testing.T) {
	d, _, _ := newTestDispatcher()
	targets := d.Resolve(EntryChanged{Action: ActionCreated, EntryID: 7, Title: "Go", AuthorID: 1, Author: "alice", IsPublic: true})

	assert.Equal(t, []string{"dashboard", "dashboard", "user_1", "user_1", "admin", "notifications"}, rooms(targets))

	ku, ok := targets[0].Event.(event.KnowledgeUpdate)
	require.True(t, ok)
	assert.Equal(t, event.KnowledgeUpdate{ID: 7, Title: "Go", Action: "created", Author: "alice", Timestamp: fixedNow}, ku)

	activity := targets[1].Event.(event.DashboardUpdate)
	require.Len(t, activity.Activity, 1)
	assert.Equal(t, "entry-7", activity.Activity[0].ID)
	assert.Equal(t, "entry_created", activity.Activity[0].Type)

	note := targets[3].Event.(event.Notification)
	assert.Equal(t, "Entry Created", note.Title)
	assert.Equal(t, "success", note.Type)
	assert.NotEmpty(t, note.ID)
	assert.NoError(t, note.Validate())

	assert.Equal(t, targets[4].Event, targets[5].Event, "admins and subscribers get the same notice")
	assert.Equal(t, "New Public Entry", targets[5].Event.(event.Notification).Title)
}

func TestResolve_EntryPrivateUpdateSkipsAdmin(t *testing.T) {
	d, _, _ := newTestDispatcher()
	targets := d.Resolve(EntryChanged{Action: ActionUpdated, EntryID: 7, Title: "Go", AuthorID: 1, IsPublic: true})
	assert.NotContains(t, rooms(targets), "admin")

	targets = d.Resolve(EntryChanged{Action: ActionCreated, EntryID: 8, Title: "Private"})
	assert.Equal(t, []string{"dashboard", "dashboard"}, rooms(targets))
}

func TestResolve_SystemAlertRouting(t *testing.T) {
	d, _, _ := newTestDispatcher()
	tests := []struct {
		name  string
		alert SystemAlert
		want  []string
	}{
		{"default", SystemAlert{Message: "deploy"}, []string{"dashboard"}},
		{"broadcast", SystemAlert{Message: "maintenance", Broadcast: true}, []string{"broadcast"}},
		{"admin only", SystemAlert{Message: "db down", AdminOnly: true}, []string{"admin"}},
		{"admin wins over broadcast", SystemAlert{Message: "x", AdminOnly: true, Broadcast: true}, []string{"admin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets := d.Resolve(tt.alert)
			assert.Equal(t, tt.want, rooms(targets))
			assert.Equal(t, "info", targets[0].Event.(event.SystemAlert).Level)
		})
	}
}

func TestResolve_DirectNotification(t *testing.T) {
	d, _, _ := newTestDispatcher()
	targets := d.Resolve(DirectNotification{RecipientID: 4, Notification: event.Notification{Message: "hi"}})
	require.Len(t, targets, 1)
	assert.Equal(t, "user_4", targets[0].Room)

	n := targets[0].Event.(event.Notification)
	assert.Equal(t, "info", n.Type)
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, fixedNow, n.Timestamp)
}

func TestResolve_UserActivity(t *testing.T) {
	d, _, reg := newTestDispatcher()
	reg.OnConnect("a")
	require.True(t, reg.OnAuthenticate(context.Background(), "a", 1, "alice-token"))

	targets := d.Resolve(UserActivity{Kind: ActivityLogin, UserID: 1, Username: "alice"})
	assert.Equal(t, []string{"dashboard", "admin"}, rooms(targets))
	ua := targets[0].Event.(event.UserActivity)
	assert.Equal(t, []event.ActiveUser{{ID: 1, Username: "alice"}}, ua.ActiveUsers)
	assert.Equal(t, "login", ua.ActivityType)
}

func TestDispatch_DropsEventsWithoutTarget(t *testing.T) {
	d, rec, _ := newTestDispatcher()
	ctx := context.Background()

	tests := []struct {
		name string
		ev   Domain
	}{
		{"nil", nil},
		{"entry without id", EntryChanged{Action: ActionCreated, Title: "x"}},
		{"entry unknown action", EntryChanged{Action: "archived", EntryID: 1, Title: "x"}},
		{"empty alert", SystemAlert{Level: "error"}},
		{"notification without recipient", DirectNotification{Notification: event.Notification{Message: "x"}}},
		{"empty stats", StatsChanged{}},
		{"activity without kind", UserActivity{UserID: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Dispatch(ctx, tt.ev); got != 0 {
				t.Errorf("Dispatch() = %v, want 0", got)
			}
		})
	}
	assert.Empty(t, rec.all())
}

func TestDispatch_PublishesEveryTarget(t *testing.T) {
	d, rec, _ := newTestDispatcher()
	stats := StatsChanged{Update: event.DashboardUpdate{Stats: map[string]event.Stat{"users": {Value: 3}}}}

	got := d.Dispatch(context.Background(), stats)
	assert.Equal(t, 1, got)
	sent := rec.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "dashboard", sent[0].Room)
	assert.Equal(t, stats.Update, sent[0].Event)
}

func TestHandleClient_Authenticate(t *testing.T) {
	d, _, reg := newTestDispatcher()
	ctx := context.Background()
	c := connect(t, d, "c1")

	d.HandleClient(ctx, "c1", event.Authenticate{UserID: 1, Token: "wrong"})
	assert.Equal(t, event.Authenticated{UserID: 0, OK: false}, next(t, c))

	d.HandleClient(ctx, "c1", event.Authenticate{UserID: 1, Token: "alice-token"})
	assert.Equal(t, event.Authenticated{UserID: 1, OK: true}, next(t, c))
	assert.True(t, reg.IsMember("c1", "user_1"))
}

func TestHandleClient_JoinRules(t *testing.T) {
	d, _, reg := newTestDispatcher()
	ctx := context.Background()
	c := connect(t, d, "c1")

	d.HandleClient(ctx, "c1", event.Join{Room: "admin"})
	assert.Equal(t, event.Error{Message: "access denied to admin room"}, next(t, c))

	d.HandleClient(ctx, "c1", event.Join{Room: "user_0"})
	assert.IsType(t, event.Error{}, next(t, c))

	d.HandleClient(ctx, "c1", event.Join{Room: "notifications"})
	assert.Equal(t, event.Error{Message: "authentication required"}, next(t, c))
	assert.False(t, reg.IsMember("c1", "notifications"))

	d.HandleClient(ctx, "c1", event.Authenticate{UserID: 1, Token: "alice-token"})
	next(t, c)
	d.HandleClient(ctx, "c1", event.Join{Room: "user_2"})
	assert.Equal(t, event.Error{Message: "access denied to user_2"}, next(t, c))

	d.HandleClient(ctx, "c1", event.Join{Room: "dashboard"})
	assert.Equal(t, event.RoomJoined{Room: "dashboard"}, next(t, c))
	assert.True(t, reg.IsMember("c1", "dashboard"))

	d.HandleClient(ctx, "c1", event.Join{Room: "notifications"})
	assert.Equal(t, event.RoomJoined{Room: "notifications"}, next(t, c))

	admin := connect(t, d, "c2")
	d.HandleClient(ctx, "c2", event.Authenticate{UserID: 9, Token: "root-token"})
	next(t, admin)
	d.HandleClient(ctx, "c2", event.Join{Room: "admin"})
	assert.Equal(t, event.RoomJoined{Room: "admin"}, next(t, admin))
}

func TestHandleClient_ChatRoomPresence(t *testing.T) {
	d, rec, _ := newTestDispatcher()
	ctx := context.Background()
	connect(t, d, "c1")

	d.HandleClient(ctx, "c1", event.Join{Room: "general"})
	d.HandleClient(ctx, "c1", event.Join{Room: "general"})
	d.HandleClient(ctx, "c1", event.Join{Room: "dashboard"})

	sent := rec.all()
	require.Len(t, sent, 1, "repeated join and reserved rooms must not announce presence")
	assert.Equal(t, "general", sent[0].Room)
	assert.Equal(t, 1, sent[0].Event.(event.UserJoined).Online)

	d.OnDisconnect(ctx, "c1")
	sent = rec.all()
	require.Len(t, sent, 2)
	left := sent[1].Event.(event.UserLeft)
	assert.Equal(t, "general", left.Room)
	assert.Equal(t, 0, left.Online)
}

func TestActiveUsersFollowSessions(t *testing.T) {
	d, rec, _ := newTestDispatcher()
	ctx := context.Background()
	alice := connect(t, d, "c1")
	bob := connect(t, d, "c2")

	d.HandleClient(ctx, "c1", event.Authenticate{UserID: 1, Token: "alice-token"})
	next(t, alice)
	d.HandleClient(ctx, "c2", event.Authenticate{UserID: 2, Token: "bob-token"})
	next(t, bob)
	d.HandleClient(ctx, "c2", event.Authenticate{UserID: 2, Token: "wrong"})
	next(t, bob)

	sent := rec.all()
	require.Len(t, sent, 4, "failed authentication publishes nothing")
	assert.Equal(t, []string{"dashboard", "admin", "dashboard", "admin"}, []string{sent[0].Room, sent[1].Room, sent[2].Room, sent[3].Room})
	online := sent[2].Event.(event.UserActivity)
	assert.Equal(t, "online", online.ActivityType)
	assert.Equal(t, uint(2), online.UserID)
	assert.Equal(t, []event.ActiveUser{{ID: 1, Username: "alice"}, {ID: 2, Username: "bob"}}, online.ActiveUsers)

	d.OnDisconnect(ctx, "c1")
	sent = rec.all()
	require.Len(t, sent, 6)
	assert.Equal(t, "dashboard", sent[4].Room)
	offline := sent[4].Event.(event.UserActivity)
	assert.Equal(t, "offline", offline.ActivityType)
	assert.Equal(t, uint(1), offline.UserID)
	assert.Equal(t, []event.ActiveUser{{ID: 2, Username: "bob"}}, offline.ActiveUsers)

	// 匿名连接断开不影响在线用户列表。
	connect(t, d, "c3")
	d.OnDisconnect(ctx, "c3")
	assert.Len(t, rec.all(), 6)
}

func TestHandleClient_PingAndUnsupported(t *testing.T) {
	d, _, _ := newTestDispatcher()
	ctx := context.Background()
	c := connect(t, d, "c1")

	d.HandleClient(ctx, "c1", event.Ping{})
	assert.Equal(t, event.Pong{Timestamp: fixedNow}, next(t, c))

	d.HandleClient(ctx, "c1", event.KnowledgeUpdate{ID: 1, Title: "x", Action: "created"})
	assert.Equal(t, event.Error{Message: "unsupported event: knowledge_update"}, next(t, c))
}

func TestHandleClient_RequestStats(t *testing.T) {
	update := event.DashboardUpdate{Stats: map[string]event.Stat{"entries": {Value: 42, Label: "Entries"}}}
	d, _, _ := newTestDispatcher(WithStats(fakeStats{update: update}))
	ctx := context.Background()
	c := connect(t, d, "c1")

	d.HandleClient(ctx, "c1", event.RequestStats{})
	assert.Equal(t, event.Error{Message: "authentication required"}, next(t, c))

	d.HandleClient(ctx, "c1", event.Authenticate{UserID: 1, Token: "alice-token"})
	next(t, c)
	d.HandleClient(ctx, "c1", event.RequestStats{})
	assert.Equal(t, update, next(t, c))
}

func TestHandleClient_RequestStatsFailure(t *testing.T) {
	d, _, _ := newTestDispatcher(WithStats(fakeStats{err: errors.New("db gone")}))
	ctx := context.Background()
	c := connect(t, d, "c1")
	d.HandleClient(ctx, "c1", event.Authenticate{UserID: 1, Token: "alice-token"})
	next(t, c)

	d.HandleClient(ctx, "c1", event.RequestStats{})
	assert.Equal(t, event.Error{Message: "failed to get statistics"}, next(t, c))
}

func TestHandleClient_Notifications(t *testing.T) {
	marker := &fakeMarker{}
	d, _, reg := newTestDispatcher(WithNotifications(marker))
	ctx := context.Background()
	c := connect(t, d, "c1")
	d.HandleClient(ctx, "c1", event.Authenticate{UserID: 1, Token: "alice-token"})
	next(t, c)

	d.HandleClient(ctx, "c1", event.SubscribeNotifications{})
	assert.Equal(t, event.NotificationSubscription{Status: "subscribed"}, next(t, c))
	assert.True(t, reg.IsMember("c1", "notifications"))

	d.HandleClient(ctx, "c1", event.MarkNotificationRead{NotificationID: "n1"})
	assert.Equal(t, event.NotificationMarkedRead{NotificationID: "n1", Status: "read"}, next(t, c))
	assert.Equal(t, []string{"n1"}, marker.marked)

	d.HandleClient(ctx, "c1", event.UnsubscribeNotifications{})
	assert.Equal(t, event.NotificationSubscription{Status: "unsubscribed"}, next(t, c))
	assert.False(t, reg.IsMember("c1", "notifications"))
}

func TestHandleClient_Message(t *testing.T) {
	d, rec, _ := newTestDispatcher()
	ctx := context.Background()
	c := connect(t, d, "c1")
	d.HandleClient(ctx, "c1", event.Authenticate{UserID: 1, Token: "alice-token"})
	next(t, c)

	d.HandleClient(ctx, "c1", event.Message{Room: "general", Content: "hello"})
	assert.Equal(t, event.Error{Message: "not a member of general"}, next(t, c))

	d.HandleClient(ctx, "c1", event.Join{Room: "general"})
	next(t, c)
	d.HandleClient(ctx, "c1", event.Message{Room: "general", Content: "hello", UserID: 99, Username: "mallory"})

	sent := rec.all()
	require.Len(t, sent, 4, "online activity, user_joined and the message")
	msg := sent[3].Event.(event.Message)
	assert.Equal(t, uint(1), msg.UserID, "sender identity comes from the registry")
	assert.Equal(t, "alice", msg.Username)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, fixedNow, msg.Timestamp)
}

func TestHandleClient_UnknownConnection(t *testing.T) {
	d, rec, _ := newTestDispatcher()
	assert.NotPanics(t, func() {
		d.HandleClient(context.Background(), "ghost", event.Ping{})
	})
	assert.Empty(t, rec.all())
}
