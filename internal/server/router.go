package server

import (
	"context"
	"net/http"
	"time"

	"versehub/internal/auth"
	"versehub/internal/config"
	"versehub/internal/db"
	"versehub/internal/metrics"
	"versehub/internal/mw"
	"versehub/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Counter 报告当前连接数，供 /healthz 使用。
type Counter interface {
	Count() int
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, gdb *gorm.DB, hub *ws.Hub, h *Handler, rl *mw.RL, conns Counter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))
	if rl != nil {
		r.Use(rl.Middleware())
	}

	r.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		status, code := "ok", http.StatusOK
		if err := db.Ping(ctx, gdb); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		body := gin.H{"status": status}
		if conns != nil {
			body["connections"] = conns.Count()
		}
		c.JSON(code, body)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", hub.Serve())

	authMW := auth.AuthMiddleware(cfg.JWTSecret, gdb)

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(authMW)
	authed.POST("/auth/logout", h.Logout)

	tracked := authed.Group("")
	tracked.Use(h.TrackAPICalls())
	tracked.POST("/entries", h.CreateEntry)
	tracked.PUT("/entries/:id", h.UpdateEntry)
	tracked.DELETE("/entries/:id", h.DeleteEntry)
	tracked.POST("/notifications", h.SendNotification)
	tracked.POST("/alerts", auth.AdminOnly(), h.SendAlert)

	dash := r.Group("/api/dashboard")
	dash.Use(authMW)
	dash.GET("/stats", h.DashboardStats)
	dash.GET("/activity", h.DashboardActivity)
	dash.GET("/notifications", h.DashboardNotifications)

	return r
}
