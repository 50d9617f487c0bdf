// Package auth 提供连接升级前的令牌认证
package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
	ErrMissingToken     = errors.New("missing token")
	ErrPermissionDenied = errors.New("permission denied")
)

type Permission string

const (
	PermEcho  Permission = "use:echo"
	PermChat  Permission = "use:chat"
	PermAdmin Permission = "admin:system" // 拥有全部权限
)

type Config struct {
	Enabled        bool   `mapstructure:"enabled" json:"enabled"`
	SecretKey      string `mapstructure:"secret_key" json:"secret_key"`
	Issuer         string `mapstructure:"issuer" json:"issuer"`
	AllowAnonymous bool   `mapstructure:"allow_anonymous" json:"allow_anonymous"`
}

// TokenClaims 认证通过后得到的身份信息
type TokenClaims struct {
	UserID      string
	Username    string
	Permissions []Permission
	ExpiresAt   time.Time
	Issuer      string
}

// Has 判断是否拥有指定权限
func (c *TokenClaims) Has(p Permission) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.Permissions, p) || slices.Contains(c.Permissions, PermAdmin)
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*TokenClaims, error)
	GenerateToken(ctx context.Context, userID, username string, permissions []Permission, expiration time.Duration) (string, error)
}

// TokenFromRequest 依次从查询参数 token 和 Authorization: Bearer 头中取令牌
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
