package types

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/BetaCatPro/wsevent/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{AppID: "cli_a", AppSecret: "secret", HeartbeatTimeout: 30 * time.Second}
	cfg.SetDefaults()

	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, DefaultBufferSize, cfg.BufferSize)
	assert.Equal(t, 30*time.Second, cfg.FragmentTTL)
	assert.Equal(t, DefaultStaleCheckInterval, cfg.StaleCheckInterval)
	assert.NoError(t, cfg.Validate())

	// 未配置心跳超时时保持为0，由连接按ping间隔推导
	derived := Config{AppID: "cli_a", AppSecret: "secret"}
	derived.SetDefaults()
	assert.Equal(t, time.Duration(0), derived.HeartbeatTimeout)
	assert.Equal(t, DefaultHeartbeatTimeout, derived.FragmentTTL)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing_app_id", Config{AppSecret: "s"}},
		{"missing_secret", Config{AppID: "a"}},
		{"bad_base_url", Config{AppID: "a", AppSecret: "s", BaseURL: "::nope"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			assert.True(t, stderrors.Is(err, errors.ErrInvalidConfiguration))
		})
	}
}

func TestClientConfigPeriods(t *testing.T) {
	cc := ClientConfig{ReconnectCount: -1, ReconnectInterval: 120, ReconnectNonce: 30, PingInterval: 15}
	assert.Equal(t, 15*time.Second, cc.PingPeriod())
	assert.Equal(t, 2*time.Minute, cc.ReconnectPeriod())
	assert.Equal(t, 30*time.Second, cc.ReconnectJitter())

	assert.Equal(t, DefaultPingInterval, ClientConfig{}.PingPeriod())
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "app_access_token", CacheKey(TokenTypeApp, "ignored"))
	assert.Equal(t, "tenant_access_token:t1", CacheKey(TokenTypeTenant, "t1"))
	assert.Equal(t, "tenant_access_token", CacheKey(TokenTypeTenant, ""))
	assert.Equal(t, "user_access_token:u1", CacheKey(TokenTypeUser, "u1"))
}

func TestTokenRecordExpiry(t *testing.T) {
	now := time.Now()
	r := &TokenRecord{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, r.Expired(now))
	assert.Equal(t, time.Minute, r.RemainingTTL(now))
	assert.True(t, r.Expired(now.Add(time.Minute)))
	assert.Equal(t, time.Duration(0), r.RemainingTTL(now.Add(2*time.Minute)))

	forever := &TokenRecord{}
	assert.False(t, forever.Expired(now))
	assert.Equal(t, time.Duration(-1), forever.RemainingTTL(now))
}

func TestDefaultClientConfig(t *testing.T) {
	cc := DefaultClientConfig()
	assert.Equal(t, -1, cc.ReconnectCount)
	assert.Equal(t, DefaultPingInterval, cc.PingPeriod())
	assert.Equal(t, 120*time.Second, cc.ReconnectPeriod())
	assert.Equal(t, 30*time.Second, cc.ReconnectJitter())
}
