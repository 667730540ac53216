package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"versehub/internal/auth"
	"versehub/internal/bus"
	"versehub/internal/config"
	"versehub/internal/db"
	"versehub/internal/dispatch"
	clog "versehub/internal/log"
	"versehub/internal/mw"
	"versehub/internal/registry"
	"versehub/internal/server"
	"versehub/internal/service"
	"versehub/internal/ws"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	// main 负责加载配置、初始化日志和数据库，组装实时层后启动 HTTP 服务。
	if err := config.LoadDotenv(); err != nil {
		log.Fatal().Err(err).Msg("dotenv")
	}
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	bg, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	reg := registry.New(auth.NewTokenVerifier(gdb, cfg.JWTSecret), cfg.SendBuffer)
	local := bus.NewLocal(reg)
	var pub bus.Publisher = local
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis url")
		}
		rdb = redis.NewClient(opts)
		rb := bus.NewRedis(rdb, cfg.RedisChannelPrefix, local, cfg.PublishTimeout())
		go func() {
			if err := rb.Run(bg); err != nil {
				log.Error().Err(err).Msg("redis bus stopped")
			}
		}()
		pub = rb
	}

	stats := service.NewStatsService(gdb, reg)
	d := dispatch.New(pub, reg, dispatch.WithStats(stats))
	notes := service.NewNotificationService(gdb, d)
	d.Configure(dispatch.WithNotifications(notes))

	h := server.NewHandler(
		service.NewUserService(gdb, cfg, d),
		service.NewEntryService(gdb, d),
		notes, stats, d,
	)
	hub := ws.NewHub(d, mw.SameOrigin(cfg.Env, cfg.CORSOrigins))
	rl := mw.NewRateLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst, 2*time.Minute, "/ws", "/metrics", "/healthz")
	r := server.SetupRouter(cfg, gdb, hub, h, rl, reg)

	monitor := service.NewMonitor(stats, reg, d, func(ctx context.Context) error { return db.Ping(ctx, gdb) })
	go monitor.RunStats(bg, cfg.StatsInterval())
	go monitor.RunHealth(bg, cfg.HealthInterval())

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", srv.Addr).Bool("redis", rdb != nil).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout(), map[string]gfshutdown.Operation{
		// HTTP 先停止接收新请求，然后关闭所有连接的发送队列并等待写循环退出。
		"realtime": func(ctx context.Context) error {
			err := srv.Shutdown(ctx)
			stopBackground()
			reg.Shutdown()
			return errors.Join(err, hub.Wait(ctx))
		},
		"ratelimit": func(context.Context) error {
			rl.Stop()
			return nil
		},
	})
	exitCode := <-wait

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close")
		}
	}
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Int("exit_code", exitCode).Msg("shutdown complete")
	os.Exit(exitCode)
}
