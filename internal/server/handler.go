package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"versehub/internal/auth"
	"versehub/internal/dispatch"
	"versehub/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc  *service.UserService
	entrySvc *service.EntryService
	noteSvc  *service.NotificationService
	statsSvc *service.StatsService
	events   service.Dispatcher
}

func NewHandler(userSvc *service.UserService, entrySvc *service.EntryService, noteSvc *service.NotificationService, statsSvc *service.StatsService, events service.Dispatcher) *Handler {
	return &Handler{userSvc: userSvc, entrySvc: entrySvc, noteSvc: noteSvc, statsSvc: statsSvc, events: events}
}

// TrackAPICalls 在写操作成功后推送一次 api_call 活动，刷新仪表盘上的在线用户。
// 必须挂在 AuthMiddleware 之后。
func (h *Handler) TrackAPICalls() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Request.Method == http.MethodGet || c.Writer.Status() >= http.StatusBadRequest {
			return
		}
		user, ok := auth.GetUser(c)
		if !ok {
			return
		}
		h.events.Dispatch(c.Request.Context(), dispatch.UserActivity{Kind: dispatch.ActivityAPICall, UserID: user.ID, Username: user.Username})
	}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.userSvc.Register(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": result.ID, "username": result.Username})
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		case errors.Is(err, auth.ErrUserInactive):
			c.JSON(http.StatusForbidden, gin.H{"error": "user inactive"})
		default:
			log.Error().Err(err).Str("username", req.Username).Msg("login")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": result.AccessToken,
		"user":         gin.H{"id": result.User.ID, "username": result.User.Username, "is_admin": result.User.IsAdmin},
	})
}

// Logout 只推送 logout 活动，token 由客户端丢弃。
func (h *Handler) Logout(c *gin.Context) {
	user, _ := auth.GetUser(c)
	h.userSvc.Logout(c.Request.Context(), user)
	c.Status(http.StatusNoContent)
}

// CreateEntry 处理创建知识条目请求。
func (h *Handler) CreateEntry(c *gin.Context) {
	var in service.EntryInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	user, _ := auth.GetUser(c)
	entry, err := h.entrySvc.Create(c.Request.Context(), user, in)
	if err != nil {
		h.entryError(c, err, 0)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// UpdateEntry 处理更新知识条目请求。
func (h *Handler) UpdateEntry(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var in service.EntryInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	user, _ := auth.GetUser(c)
	entry, err := h.entrySvc.Update(c.Request.Context(), user, id, in)
	if err != nil {
		h.entryError(c, err, id)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// DeleteEntry 处理删除知识条目请求。
func (h *Handler) DeleteEntry(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	user, _ := auth.GetUser(c)
	if err := h.entrySvc.Delete(c.Request.Context(), user, id); err != nil {
		h.entryError(c, err, id)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) entryError(c *gin.Context, err error, id uint) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry"})
	case errors.Is(err, service.ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		log.Error().Err(err).Uint("entry_id", id).Uint("user_id", auth.GetUserID(c)).Msg("entry")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save entry"})
	}
}

// SendNotification 给指定用户发送定向通知。
func (h *Handler) SendNotification(c *gin.Context) {
	var in service.NotificationInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	n, err := h.noteSvc.Send(c.Request.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification"})
		case errors.Is(err, service.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "recipient not found"})
		default:
			log.Error().Err(err).Uint("recipient_id", in.RecipientID).Msg("send notification")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send notification"})
		}
		return
	}
	c.JSON(http.StatusCreated, n)
}

// SendAlert 由管理员发出系统告警。
func (h *Handler) SendAlert(c *gin.Context) {
	var req struct {
		Level     string `json:"level"`
		Message   string `json:"message"`
		Duration  int    `json:"duration"`
		Broadcast bool   `json:"broadcast"`
		AdminOnly bool   `json:"admin_only"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	n := h.events.Dispatch(c.Request.Context(), dispatch.SystemAlert{
		Level:     req.Level,
		Message:   req.Message,
		Duration:  req.Duration,
		Broadcast: req.Broadcast,
		AdminOnly: req.AdminOnly,
	})
	c.JSON(http.StatusAccepted, gin.H{"targets": n})
}

// DashboardStats 返回与 dashboard_update 相同结构的统计。
func (h *Handler) DashboardStats(c *gin.Context) {
	snap, err := h.statsSvc.Snapshot(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("dashboard stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get statistics"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// DashboardActivity 返回最近的活动流。
func (h *Handler) DashboardActivity(c *gin.Context) {
	items, err := h.statsSvc.Activity(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("dashboard activity")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get activity"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": items})
}

// DashboardNotifications 返回当前用户的未读通知。
func (h *Handler) DashboardNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	items, err := h.noteSvc.Unread(c.Request.Context(), auth.GetUserID(c), limit)
	if err != nil {
		log.Error().Err(err).Uint("user_id", auth.GetUserID(c)).Msg("dashboard notifications")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items})
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}
