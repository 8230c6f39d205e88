package service

import (
	"crypto/subtle"
	"errors"
	"time"

	"imob-leads-go/internal/config"
	"imob-leads-go/pkg/hash"
	"imob-leads-go/pkg/token"
)

// ErrInvalidCredentials 表示用户名或密码错误，或后台登录未启用。
var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthService 负责后台管理员登录。
type AuthService interface {
	Login(username, password string) (accessToken string, expiresAt time.Time, err error)
}

type authService struct {
	admin      config.AdminConfig
	jwtManager *token.JWTManager
}

// NewAuthService 创建一个新的 AuthService 实例。
func NewAuthService(admin config.AdminConfig, jwtManager *token.JWTManager) AuthService {
	return &authService{admin: admin, jwtManager: jwtManager}
}

// Login 校验配置中的管理员账号，成功后签发 access token。
func (s *authService) Login(username, password string) (string, time.Time, error) {
	// 1. 未配置密码哈希时禁用登录
	if s.admin.PasswordHash == "" {
		return "", time.Time{}, ErrInvalidCredentials
	}
	// 2. 验证用户名与密码
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.admin.Username)) == 1
	if !hash.CheckPasswordHash(password, s.admin.PasswordHash) || !userOK {
		return "", time.Time{}, ErrInvalidCredentials
	}
	// 3. 生成 access token
	return s.jwtManager.GenerateToken(s.admin.Username, token.RoleAdmin)
}
