package service

import (
	"context"
	"errors"
	"time"

	"versehub/internal/auth"
	"versehub/internal/config"
	"versehub/internal/dispatch"
	"versehub/internal/models"

	"gorm.io/gorm"
)

// Dispatcher 是业务层向实时层发事件的唯一出口。
type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Domain) int
}

// UserService 封装用户相关的业务逻辑。
type UserService struct {
	db     *gorm.DB
	cfg    config.Config
	events Dispatcher
}

func NewUserService(db *gorm.DB, cfg config.Config, events Dispatcher) *UserService {
	return &UserService{db: db, cfg: cfg, events: events}
}

// RegisterResult 注册成功后返回的数据。
type RegisterResult struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

// Register 注册新用户，返回用户 ID 和用户名。
func (s *UserService) Register(username, password string) (*RegisterResult, error) {
	var count int64
	if err := s.db.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Username: username, PasswordHash: hash, IsActive: true}
	if err := s.db.Create(&user).Error; err != nil {
		return nil, err
	}
	return &RegisterResult{ID: user.ID, Username: user.Username}, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	AccessToken string      `json:"access_token"`
	User        models.User `json:"-"`
}

// Login 校验用户名密码并签发 access token，成功后推送 login 活动。
func (s *UserService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, auth.ErrUserInactive
	}
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&user).Update("last_login", now).Error; err != nil {
		return nil, err
	}
	user.LastLogin = &now
	s.events.Dispatch(ctx, dispatch.UserActivity{Kind: dispatch.ActivityLogin, UserID: user.ID, Username: user.Username})
	return &LoginResult{AccessToken: at, User: user}, nil
}

// Logout 只产生一条 logout 活动；access token 自然过期。
func (s *UserService) Logout(ctx context.Context, user models.User) {
	s.events.Dispatch(ctx, dispatch.UserActivity{Kind: dispatch.ActivityLogout, UserID: user.ID, Username: user.Username})
}
