package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"versehub/internal/auth"
	"versehub/internal/bus"
	"versehub/internal/config"
	"versehub/internal/db/dbtest"
	"versehub/internal/dispatch"
	"versehub/internal/event"
	"versehub/internal/registry"
	"versehub/internal/service"
	"versehub/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "secret"

type testApp struct {
	engine *gin.Engine
	db     *gorm.DB
	reg    *registry.Registry
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb := dbtest.Open(t)
	cfg := config.Config{Env: "dev", JWTSecret: testSecret, AccessTokenTTLMinutes: 15}

	reg := registry.New(auth.NewTokenVerifier(gdb, testSecret), 32)
	stats := service.NewStatsService(gdb, reg)
	d := dispatch.New(bus.NewLocal(reg), reg, dispatch.WithStats(stats))
	notes := service.NewNotificationService(gdb, d)
	d.Configure(dispatch.WithNotifications(notes))

	h := NewHandler(service.NewUserService(gdb, cfg, d), service.NewEntryService(gdb, d), notes, stats, d)
	engine := SetupRouter(cfg, gdb, ws.NewHub(d, nil), h, nil, reg)
	t.Cleanup(reg.Shutdown)
	return &testApp{engine: engine, db: gdb, reg: reg}
}

func (a *testApp) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func (a *testApp) token(t *testing.T, username string, admin bool) (uint, string) {
	t.Helper()
	u := dbtest.CreateUser(t, a.db, username, admin)
	tok, err := auth.GenerateAccessToken(u.ID, testSecret, 15)
	require.NoError(t, err)
	return u.ID, tok
}

// watch 直接在注册表上开一个已加入 room 的连接，用来观察推送。
func (a *testApp) watch(t *testing.T, id, room string) *registry.Connection {
	t.Helper()
	c := a.reg.OnConnect(id)
	_, err := a.reg.Join(id, room)
	require.NoError(t, err)
	return c
}

func drain(c *registry.Connection) []event.Event {
	var out []event.Event
	for {
		select {
		case msg := <-c.Outbound():
			if ev, err := event.Decode(msg); err == nil {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func TestHealthz(t *testing.T) {
	app := newTestApp(t)
	w := app.do(t, http.MethodGet, "/healthz", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	assert.JSONEq(t, `{"status":"ok","connections":0}`, w.Body.String())
}

func TestRegisterAndLogin(t *testing.T) {
	app := newTestApp(t)
	admin := app.watch(t, "admin-viewer", "admin")

	w := app.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": "alice", "password": "pw1234"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = app.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": "alice", "password": "pw1234"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = app.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = app.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "alice", "password": "pw1234"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)

	got := drain(admin)
	require.Len(t, got, 1)
	assert.Equal(t, "login", got[0].(event.UserActivity).ActivityType)
}

func TestEntries_PushToDashboard(t *testing.T) {
	app := newTestApp(t)
	uid, tok := app.token(t, "alice", false)
	dash := app.watch(t, "dash", "dashboard")
	mine := app.watch(t, "mine", registry.UserRoom(uid))

	w := app.do(t, http.MethodPost, "/api/v1/entries", "", gin.H{"title": "Go", "content": "body"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = app.do(t, http.MethodPost, "/api/v1/entries", tok, gin.H{"title": "Go", "content": "body", "category": "lang"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var entry service.EntryDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))

	dashEvents := drain(dash)
	require.Len(t, dashEvents, 3)
	ku := dashEvents[0].(event.KnowledgeUpdate)
	assert.Equal(t, entry.ID, ku.ID)
	assert.Equal(t, "created", ku.Action)
	assert.IsType(t, event.DashboardUpdate{}, dashEvents[1])
	assert.Equal(t, "api_call", dashEvents[2].(event.UserActivity).ActivityType)

	mineEvents := drain(mine)
	require.Len(t, mineEvents, 2)
	assert.IsType(t, event.Notification{}, mineEvents[1])

	path := "/api/v1/entries/" + strconv.FormatUint(uint64(entry.ID), 10)
	_, other := app.token(t, "bob", false)
	assert.Equal(t, http.StatusForbidden, app.do(t, http.MethodPut, path, other, gin.H{"title": "x", "content": "y"}).Code)
	assert.Equal(t, http.StatusBadRequest, app.do(t, http.MethodPut, "/api/v1/entries/abc", tok, gin.H{"title": "x", "content": "y"}).Code)
	assert.Equal(t, http.StatusOK, app.do(t, http.MethodPut, path, tok, gin.H{"title": "Go 2", "content": "y"}).Code)
	assert.Equal(t, http.StatusNoContent, app.do(t, http.MethodDelete, path, tok, nil).Code)
	assert.Equal(t, http.StatusNotFound, app.do(t, http.MethodDelete, path, tok, nil).Code)

	actions := []string{}
	for _, ev := range drain(dash) {
		if ku, ok := ev.(event.KnowledgeUpdate); ok {
			actions = append(actions, ku.Action)
		}
	}
	assert.Equal(t, []string{"updated", "deleted"}, actions)
}

func TestAlerts_AdminOnly(t *testing.T) {
	app := newTestApp(t)
	_, userTok := app.token(t, "alice", false)
	_, adminTok := app.token(t, "root", true)
	anyone := app.reg.OnConnect("anyone")

	body := gin.H{"level": "warning", "message": "maintenance at 10pm", "broadcast": true}
	assert.Equal(t, http.StatusForbidden, app.do(t, http.MethodPost, "/api/v1/alerts", userTok, body).Code)

	w := app.do(t, http.MethodPost, "/api/v1/alerts", adminTok, body)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"targets":1}`, w.Body.String())

	got := drain(anyone)
	require.Len(t, got, 1)
	assert.Equal(t, "maintenance at 10pm", got[0].(event.SystemAlert).Message)
}

func TestTrackAPICalls(t *testing.T) {
	app := newTestApp(t)
	uid, userTok := app.token(t, "alice", false)
	_, adminTok := app.token(t, "root", true)
	admin := app.watch(t, "admin-viewer", "admin")

	w := app.do(t, http.MethodGet, "/api/dashboard/stats", userTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusForbidden, app.do(t, http.MethodPost, "/api/v1/alerts", userTok, gin.H{"message": "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, app.do(t, http.MethodPost, "/api/v1/entries", userTok, gin.H{}).Code)
	assert.Empty(t, drain(admin), "reads and failed writes are not tracked")

	w = app.do(t, http.MethodPost, "/api/v1/notifications", adminTok, gin.H{"recipient_id": uid, "message": "hi"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	got := drain(admin)
	require.Len(t, got, 1)
	ua := got[0].(event.UserActivity)
	assert.Equal(t, "api_call", ua.ActivityType)
	assert.NotZero(t, ua.UserID)
	assert.NotEqual(t, uid, ua.UserID)
}

func TestNotifications_SendAndList(t *testing.T) {
	app := newTestApp(t)
	_, senderTok := app.token(t, "root", true)
	bobID, bobTok := app.token(t, "bob", false)
	inbox := app.watch(t, "bob-conn", registry.UserRoom(bobID))

	w := app.do(t, http.MethodPost, "/api/v1/notifications", senderTok, gin.H{"recipient_id": bobID, "message": "hi bob"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, http.StatusNotFound, app.do(t, http.MethodPost, "/api/v1/notifications", senderTok, gin.H{"recipient_id": 999, "message": "x"}).Code)

	got := drain(inbox)
	require.Len(t, got, 1)
	assert.Equal(t, "hi bob", got[0].(event.Notification).Message)

	w = app.do(t, http.MethodGet, "/api/dashboard/notifications", bobTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Notifications []event.Notification `json:"notifications"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Notifications, 1)
	assert.Equal(t, "hi bob", resp.Notifications[0].Message)
}

func TestDashboardStats(t *testing.T) {
	app := newTestApp(t)
	_, tok := app.token(t, "alice", false)

	assert.Equal(t, http.StatusUnauthorized, app.do(t, http.MethodGet, "/api/dashboard/stats", "", nil).Code)

	w := app.do(t, http.MethodGet, "/api/dashboard/stats", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap event.DashboardUpdate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, float64(1), snap.Stats["total_users"].Value)

	w = app.do(t, http.MethodGet, "/api/dashboard/activity", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"activity":[]}`, w.Body.String())
}
