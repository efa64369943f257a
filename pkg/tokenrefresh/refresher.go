// Package tokenrefresh 负责获取与刷新开放平台访问凭证，并写入 TokenStorage。
package tokenrefresh

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BetaCatPro/wsevent/internal/errors"
	"github.com/BetaCatPro/wsevent/internal/metrics"
	"github.com/BetaCatPro/wsevent/internal/transport"
	"github.com/BetaCatPro/wsevent/internal/utils"
	"github.com/BetaCatPro/wsevent/pkg/tokencache"
	"github.com/BetaCatPro/wsevent/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// 凭证接口
const (
	AppTokenPath            = "/open-apis/auth/v3/app_access_token/internal"
	TenantTokenInternalPath = "/open-apis/auth/v3/tenant_access_token/internal"
	TenantTokenPath         = "/open-apis/auth/v3/tenant_access_token"
	UserTokenRefreshPath    = "/open-apis/authen/v1/refresh_access_token"
)

// 默认配置
const (
	DefaultRefreshAhead      = 3 * time.Minute
	DefaultMaxRetryAttempts  = 3
	DefaultRetryIntervalBase = time.Second
	DefaultRetryIntervalMax  = 30 * time.Second
)

const tracerName = "github.com/BetaCatPro/wsevent/pkg/tokenrefresh"

// Config 刷新配置，创建后不再修改
type Config struct {
	AppID             string
	AppSecret         string
	RefreshAhead      time.Duration // 剩余有效期低于该值时提前刷新
	MaxRetryAttempts  int
	RetryIntervalBase time.Duration
	RetryIntervalMax  time.Duration
	AutoRefresh       bool // Token 是否在凭证临近过期时主动刷新
}

// SetDefaults 填充未设置的字段
func (c *Config) SetDefaults() {
	if c.RefreshAhead <= 0 {
		c.RefreshAhead = DefaultRefreshAhead
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if c.RetryIntervalBase <= 0 {
		c.RetryIntervalBase = DefaultRetryIntervalBase
	}
	if c.RetryIntervalMax <= 0 {
		c.RetryIntervalMax = DefaultRetryIntervalMax
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.AppID == "" || c.AppSecret == "" {
		return fmt.Errorf("%w: AppID and AppSecret are required", errors.ErrInvalidConfiguration)
	}
	if c.RetryIntervalMax < c.RetryIntervalBase {
		return fmt.Errorf("%w: RetryIntervalMax %s < RetryIntervalBase %s",
			errors.ErrInvalidConfiguration, c.RetryIntervalMax, c.RetryIntervalBase)
	}
	return nil
}

// RefreshRequest 一次刷新请求；用户凭证时 TenantKey 表示用户标识
type RefreshRequest struct {
	Type         types.TokenType
	TenantKey    string
	RefreshToken string // 仅用户凭证使用，为空时从存储中读取
}

// BatchResult 批量刷新中单个请求的结果
type BatchResult struct {
	Request RefreshRequest
	Record  types.TokenRecord
	Err     error
}

// WarmupReport 预热结果
type WarmupReport struct {
	Succeeded int
	Total     int
	Errors    []error
}

// Option 刷新器选项
type Option func(*Refresher)

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(r *Refresher) {
		r.logger = l
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Refresher) {
		r.metrics = m
	}
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) {
		r.now = now
	}
}

// WithSleep 替换重试等待
func WithSleep(sleep func(time.Duration)) Option {
	return func(r *Refresher) {
		r.sleep = sleep
	}
}

// Refresher 凭证刷新器
type Refresher struct {
	cfg       Config
	transport transport.Transport
	storage   tokencache.TokenStorage
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	sleep     func(time.Duration)
}

// New 创建刷新器
func New(cfg Config, tr transport.Transport, storage tokencache.TokenStorage, opts ...Option) (*Refresher, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr == nil || storage == nil {
		return nil, fmt.Errorf("%w: transport and storage are required", errors.ErrInvalidConfiguration)
	}
	r := &Refresher{
		cfg:       cfg,
		transport: tr,
		storage:   storage,
		logger:    slog.Default(),
		now:       time.Now,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type appTokenResponse struct {
	transport.CodeResponse
	AppAccessToken string `json:"app_access_token"`
	Expire         int    `json:"expire"`
}

type tenantTokenResponse struct {
	transport.CodeResponse
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

type userTokenResponse struct {
	transport.CodeResponse
	Data *struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	} `json:"data"`
}

// RefreshAppToken 获取 app_access_token
func (r *Refresher) RefreshAppToken(ctx context.Context) (types.TokenRecord, error) {
	return r.traced(ctx, RefreshRequest{Type: types.TokenTypeApp}, func(ctx context.Context) (types.TokenRecord, error) {
		var body appTokenResponse
		err := r.call(ctx, &transport.Request{
			Method:   http.MethodPost,
			Path:     AppTokenPath,
			Body:     map[string]string{"app_id": r.cfg.AppID, "app_secret": r.cfg.AppSecret},
			AuthKind: transport.AuthNone,
		}, &body)
		if err != nil {
			return types.TokenRecord{}, err
		}
		return r.store(ctx, types.TokenTypeApp, "", body.AppAccessToken, "", body.Expire)
	})
}

// RefreshTenantToken 获取 tenant_access_token；tenantKey 为空时按自建应用获取
func (r *Refresher) RefreshTenantToken(ctx context.Context, tenantKey string) (types.TokenRecord, error) {
	return r.traced(ctx, RefreshRequest{Type: types.TokenTypeTenant, TenantKey: tenantKey}, func(ctx context.Context) (types.TokenRecord, error) {
		req := &transport.Request{
			Method:   http.MethodPost,
			Path:     TenantTokenInternalPath,
			Body:     map[string]string{"app_id": r.cfg.AppID, "app_secret": r.cfg.AppSecret},
			AuthKind: transport.AuthNone,
		}
		if tenantKey != "" {
			appToken, err := r.Token(ctx, types.TokenTypeApp, "")
			if err != nil {
				return types.TokenRecord{}, err
			}
			req.Path = TenantTokenPath
			req.Body = map[string]string{"app_access_token": appToken, "tenant_key": tenantKey}
		}

		var body tenantTokenResponse
		if err := r.call(ctx, req, &body); err != nil {
			return types.TokenRecord{}, err
		}
		return r.store(ctx, types.TokenTypeTenant, tenantKey, body.TenantAccessToken, "", body.Expire)
	})
}

// RefreshUserToken 用 refresh_token 换取新的 user_access_token，subject 为缓存中的用户标识
func (r *Refresher) RefreshUserToken(ctx context.Context, subject, refreshToken string) (types.TokenRecord, error) {
	return r.traced(ctx, RefreshRequest{Type: types.TokenTypeUser, TenantKey: subject}, func(ctx context.Context) (types.TokenRecord, error) {
		if refreshToken == "" {
			return types.TokenRecord{}, fmt.Errorf("%w: refresh token is required", errors.ErrInvalidConfiguration)
		}
		var body userTokenResponse
		err := r.call(ctx, &transport.Request{
			Method:   http.MethodPost,
			Path:     UserTokenRefreshPath,
			Body:     map[string]string{"grant_type": "refresh_token", "refresh_token": refreshToken},
			AuthKind: transport.AuthApp,
		}, &body)
		if err != nil {
			return types.TokenRecord{}, err
		}
		if body.Data == nil {
			return types.TokenRecord{}, fmt.Errorf("%w: missing data", errors.ErrUnexpectedResponse)
		}
		return r.store(ctx, types.TokenTypeUser, subject, body.Data.AccessToken, body.Data.RefreshToken, body.Data.ExpiresIn)
	})
}

// Refresh 按请求类型刷新一次，不重试
func (r *Refresher) Refresh(ctx context.Context, req RefreshRequest) (types.TokenRecord, error) {
	switch req.Type {
	case types.TokenTypeApp:
		return r.RefreshAppToken(ctx)
	case types.TokenTypeTenant:
		return r.RefreshTenantToken(ctx, req.TenantKey)
	case types.TokenTypeUser:
		refreshToken := req.RefreshToken
		if refreshToken == "" {
			rec, ok, err := r.storage.Retrieve(ctx, types.CacheKey(types.TokenTypeUser, req.TenantKey))
			if err != nil {
				return types.TokenRecord{}, err
			}
			if ok {
				refreshToken = rec.RefreshToken
			}
		}
		return r.RefreshUserToken(ctx, req.TenantKey, refreshToken)
	default:
		return types.TokenRecord{}, fmt.Errorf("%w: unknown token type %d", errors.ErrInvalidConfiguration, req.Type)
	}
}

// RefreshWithRetry 失败后按 min(base*2^(n-1), max) 等待再试，用尽次数返回 ErrMaxRetriesExhausted
func (r *Refresher) RefreshWithRetry(ctx context.Context, req RefreshRequest) (types.TokenRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetryAttempts; attempt++ {
		rec, err := r.Refresh(ctx, req)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		if attempt == r.cfg.MaxRetryAttempts {
			break
		}
		if ctx.Err() != nil {
			return types.TokenRecord{}, ctx.Err()
		}

		wait := utils.CalculateBackoff(attempt, r.cfg.RetryIntervalBase, r.cfg.RetryIntervalMax)
		r.logger.Warn("token refresh failed, retrying",
			"type", req.Type.String(), "attempt", attempt, "wait", wait, "error", err)
		r.sleep(wait)
	}
	return types.TokenRecord{}, fmt.Errorf("%w: %s after %d attempts: %w",
		errors.ErrMaxRetriesExhausted, req.Type, r.cfg.MaxRetryAttempts, lastErr)
}

// BatchRefresh 逐个刷新，单个失败不影响其余请求
func (r *Refresher) BatchRefresh(ctx context.Context, reqs []RefreshRequest) []BatchResult {
	results := make([]BatchResult, len(reqs))
	for i, req := range reqs {
		rec, err := r.RefreshWithRetry(ctx, req)
		results[i] = BatchResult{Request: req, Record: rec, Err: err}
	}
	return results
}

// WarmupCache 刷新应用凭证以及每个租户的租户凭证
func (r *Refresher) WarmupCache(ctx context.Context, tenantKeys []string) WarmupReport {
	reqs := make([]RefreshRequest, 0, len(tenantKeys)+1)
	reqs = append(reqs, RefreshRequest{Type: types.TokenTypeApp})
	for _, k := range tenantKeys {
		reqs = append(reqs, RefreshRequest{Type: types.TokenTypeTenant, TenantKey: k})
	}

	report := WarmupReport{Total: len(reqs)}
	for _, res := range r.BatchRefresh(ctx, reqs) {
		if res.Err != nil {
			report.Errors = append(report.Errors, res.Err)
			continue
		}
		report.Succeeded++
	}
	r.logger.Info("token cache warmed up", "succeeded", report.Succeeded, "total", report.Total)
	return report
}

// ShouldRefresh 已过期，或带 refresh_token 且剩余有效期低于 RefreshAhead 时返回 true
func (r *Refresher) ShouldRefresh(rec types.TokenRecord) bool {
	now := r.now()
	if rec.Expired(now) {
		return true
	}
	if rec.RefreshToken == "" || rec.ExpiresAt.IsZero() {
		return false
	}
	return rec.RemainingTTL(now) < r.cfg.RefreshAhead
}

// Token 优先读取存储中的凭证，缺失或需要刷新时重新获取；实现 transport.TokenProvider
func (r *Refresher) Token(ctx context.Context, kind types.TokenType, tenantKey string) (string, error) {
	key := types.CacheKey(kind, tenantKey)
	rec, ok, err := r.storage.Retrieve(ctx, key)
	if err != nil {
		r.logger.Warn("token storage read failed", "key", key, "error", err)
		ok = false
	}
	if ok && rec.Expired(r.now()) {
		ok = false
	}
	if ok && !(r.cfg.AutoRefresh && r.ShouldRefresh(rec)) {
		return rec.Token, nil
	}
	if !ok && kind == types.TokenTypeUser {
		return "", fmt.Errorf("%w: no user token for %q", errors.ErrInvalidConfiguration, tenantKey)
	}

	req := RefreshRequest{Type: kind, TenantKey: tenantKey, RefreshToken: rec.RefreshToken}
	fresh, err := r.RefreshWithRetry(ctx, req)
	if err != nil {
		return "", err
	}
	return fresh.Token, nil
}

// call 发送请求并检查业务码
func (r *Refresher) call(ctx context.Context, req *transport.Request, out interface {
	Err() error
}) error {
	resp, err := r.transport.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.DecodeJSON(out); err != nil {
		return err
	}
	return out.Err()
}

// store 构造记录并写入存储
func (r *Refresher) store(ctx context.Context, kind types.TokenType, tenantKey, token, refreshToken string, expireSeconds int) (types.TokenRecord, error) {
	if token == "" {
		return types.TokenRecord{}, fmt.Errorf("%w: empty %s", errors.ErrUnexpectedResponse, kind)
	}
	now := r.now()
	rec := types.TokenRecord{
		Token:        token,
		Type:         kind,
		TenantKey:    tenantKey,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(expireSeconds) * time.Second),
		RefreshToken: refreshToken,
	}
	if err := r.storage.Store(ctx, types.CacheKey(kind, tenantKey), rec); err != nil {
		return types.TokenRecord{}, fmt.Errorf("store %s: %w", kind, err)
	}
	return rec, nil
}

// traced 为单次刷新记录 span 与指标
func (r *Refresher) traced(ctx context.Context, req RefreshRequest, fn func(ctx context.Context) (types.TokenRecord, error)) (types.TokenRecord, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "tokenrefresh.refresh")
	defer span.End()
	span.SetAttributes(attribute.String("token_type", req.Type.String()))
	if req.TenantKey != "" {
		span.SetAttributes(attribute.String("tenant_key", req.TenantKey))
	}

	rec, err := fn(ctx)
	r.metrics.TokenRefresh(req.Type.String(), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return rec, err
	}
	r.logger.Debug("token refreshed", "type", req.Type.String(), "expires_at", rec.ExpiresAt)
	return rec, nil
}

// 保证 Refresher 可作为 HTTP 传输层的凭证来源
var _ transport.TokenProvider = (*Refresher)(nil)
