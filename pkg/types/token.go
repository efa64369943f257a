package types

import "time"

// TokenType 凭证类型
type TokenType int

const (
	TokenTypeApp    TokenType = iota // app_access_token
	TokenTypeTenant                  // tenant_access_token
	TokenTypeUser                    // user_access_token
)

// String 返回凭证类型名称，同时用作缓存键前缀
func (t TokenType) String() string {
	switch t {
	case TokenTypeApp:
		return "app_access_token"
	case TokenTypeTenant:
		return "tenant_access_token"
	case TokenTypeUser:
		return "user_access_token"
	default:
		return "unknown_token"
	}
}

// CacheKey 由凭证类型与租户生成规范缓存键
func CacheKey(t TokenType, tenantKey string) string {
	if t == TokenTypeApp || tenantKey == "" {
		return t.String()
	}
	return t.String() + ":" + tenantKey
}

// TokenRecord 缓存的短期凭证
type TokenRecord struct {
	Token          string    `json:"token"`
	Type           TokenType `json:"type"`
	TenantKey      string    `json:"tenant_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"` // 零值表示不过期
	RefreshToken   string    `json:"refresh_token,omitempty"`
	AccessCount    int64     `json:"access_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Expired 判断凭证在 now 时刻是否已过期
func (r *TokenRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// RemainingTTL 剩余有效期，不过期的凭证返回 -1
func (r *TokenRecord) RemainingTTL(now time.Time) time.Duration {
	if r.ExpiresAt.IsZero() {
		return -1
	}
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
