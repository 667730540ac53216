package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	Env                   string
	LogLevel              string
	DatabaseDSN           string
	JWTSecret             string
	AccessTokenTTLMinutes int
	RedisURL              string
	RedisChannelPrefix    string
	SendBuffer            int
	PublishTimeoutMs      int
	StatsIntervalSeconds  int
	HealthIntervalSeconds int
	ShutdownTimeoutSecs   int
	CORSOrigins           []string
	RateLimitPerSecond    int
	RateLimitBurst        int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 读取正整数，非法或非正值回退到默认值。
func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// LoadDotenv 把 .env 文件中的变量载入进程环境，已存在的环境变量优先。
// 文件不存在不算错误，没有参数时读取当前目录下的 .env。
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

func Load() Config {
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		Env:                   getenv("APP_ENV", "dev"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=versehub port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		AccessTokenTTLMinutes: getenvInt("ACCESS_TOKEN_TTL_MINUTES", 60),
		RedisURL:              getenv("REDIS_URL", ""),
		RedisChannelPrefix:    getenv("REDIS_CHANNEL_PREFIX", "versehub:"),
		SendBuffer:            getenvInt("WS_SEND_BUFFER", 256),
		PublishTimeoutMs:      getenvInt("WS_PUBLISH_TIMEOUT_MS", 250),
		StatsIntervalSeconds:  getenvInt("STATS_INTERVAL_SECONDS", 30),
		HealthIntervalSeconds: getenvInt("HEALTH_INTERVAL_SECONDS", 300),
		ShutdownTimeoutSecs:   getenvInt("SHUTDOWN_TIMEOUT_SECONDS", 30),
		CORSOrigins:           getenvList("CORS_ALLOWED_ORIGINS"),
		RateLimitPerSecond:    getenvInt("RATE_LIMIT_PER_SECOND", 20),
		RateLimitBurst:        getenvInt("RATE_LIMIT_BURST", 40),
	}
}

// getenvList 读取逗号分隔的列表，忽略空项。
func getenvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate 校验启动必需的配置，非 dev 环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: APP_PORT is empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: DATABASE_DSN is empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: JWT_SECRET must be set outside dev")
	}
	if cfg.SendBuffer <= 0 || cfg.PublishTimeoutMs <= 0 {
		return errors.New("config: websocket tuning values must be positive")
	}
	if cfg.StatsIntervalSeconds <= 0 || cfg.HealthIntervalSeconds <= 0 {
		return errors.New("config: background intervals must be positive")
	}
	if cfg.RateLimitPerSecond <= 0 || cfg.RateLimitBurst <= 0 {
		return errors.New("config: rate limit values must be positive")
	}
	return nil
}

func (c Config) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutMs) * time.Millisecond
}

func (c Config) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalSeconds) * time.Second
}

func (c Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSecs) * time.Second
}
