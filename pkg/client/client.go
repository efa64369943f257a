// Package client 事件流客户端：建立连接、分发消息，并按服务端下发的参数自动重连。
package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BetaCatPro/wsevent/internal/conn"
	"github.com/BetaCatPro/wsevent/internal/errors"
	"github.com/BetaCatPro/wsevent/internal/metrics"
	"github.com/BetaCatPro/wsevent/internal/transport"
	"github.com/BetaCatPro/wsevent/pkg/tokencache"
	"github.com/BetaCatPro/wsevent/pkg/tokenrefresh"
	"github.com/BetaCatPro/wsevent/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

// 处理器相关类型
type (
	Handler     = conn.Handler
	HandlerFunc = conn.HandlerFunc
	ReplySender = conn.ReplySender
)

// Option 客户端选项
type Option func(*Client)

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithTransport 替换同步请求通道
func WithTransport(tr transport.Transport) Option {
	return func(c *Client) {
		c.transport = tr
	}
}

// WithTokenStorage 替换凭证存储，例如 tokencache.RedisStorage
func WithTokenStorage(s tokencache.TokenStorage) Option {
	return func(c *Client) {
		c.storage = s
	}
}

// WithRefreshConfig 设置凭证刷新参数，AppID/AppSecret 取自客户端配置
func WithRefreshConfig(cfg tokenrefresh.Config) Option {
	return func(c *Client) {
		c.refreshConfig = cfg
	}
}

// WithDialer 使用自定义 WebSocket Dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// Client 事件流客户端
type Client struct {
	config        types.Config
	handler       Handler
	logger        *slog.Logger
	metrics       *metrics.Metrics
	transport     transport.Transport
	storage       tokencache.TokenStorage
	ownedCache    *tokencache.Cache
	refreshConfig tokenrefresh.Config
	refresher     *tokenrefresh.Refresher
	dialer        *websocket.Dialer
	policy        *conn.ReconnectPolicy
	errorCenter   *errors.ErrorCenter

	mu           sync.RWMutex
	current      *conn.Connection
	clientConfig types.ClientConfig
	lastStats    types.ConnectionStats

	connectHandler    func()
	disconnectHandler func(error)

	running    atomic.Bool
	reconnects atomic.Int64
	closing    chan struct{}
	closeOnce  sync.Once
}

// NewClient 创建客户端
func NewClient(cfg types.Config, handler Handler, opts ...Option) (*Client, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config:       cfg,
		handler:      handler,
		logger:       slog.Default(),
		policy:       conn.NewReconnectPolicy(),
		errorCenter:  errors.NewErrorCenter(),
		clientConfig: types.DefaultClientConfig(),
		closing:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("app_id", cfg.AppID)

	if c.transport == nil {
		tr, err := transport.NewHTTPTransport(cfg.BaseURL, transport.WithLogger(c.logger))
		if err != nil {
			return nil, err
		}
		c.transport = tr
	}
	if c.storage == nil {
		c.ownedCache = tokencache.New(tokencache.DefaultConfig(),
			tokencache.WithLogger(c.logger), tokencache.WithMetrics(c.metrics))
		c.storage = c.ownedCache
	}

	refreshCfg := c.refreshConfig
	refreshCfg.AppID, refreshCfg.AppSecret = cfg.AppID, cfg.AppSecret
	refresher, err := tokenrefresh.New(refreshCfg, c.transport, c.storage,
		tokenrefresh.WithLogger(c.logger), tokenrefresh.WithMetrics(c.metrics))
	if err != nil {
		c.closeCache()
		return nil, err
	}
	c.refresher = refresher
	if ht, ok := c.transport.(*transport.HTTPTransport); ok {
		ht.SetTokenProvider(refresher)
	}

	c.errorCenter.AddErrorCallback(c.handleError)
	return c, nil
}

// Start 建立连接并持续运行，直到 ctx 取消、调用 Close、遇到不可重试的错误或重连次数用尽
//
// 调用 Close 结束时返回 nil。
func (c *Client) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("client already started")
	}
	defer c.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	for {
		err := c.runOnce(ctx, &attempt)
		if c.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.errorCenter.ReportError(err)

		if !c.config.AutoReconnect || !errors.IsRetryable(err) {
			return err
		}

		attempt++
		c.reconnects.Inc()
		c.metrics.Reconnect()
		cc := c.ClientConfig()
		c.logger.Info("reconnecting", "attempt", attempt, "error", err)
		if werr := c.policy.Wait(ctx, cc, attempt); werr != nil {
			if c.isClosed() {
				return nil
			}
			if stderrors.Is(werr, errors.ErrMaxReconnect) {
				return fmt.Errorf("%w: last error: %w", werr, err)
			}
			return werr
		}
	}
}

// runOnce 执行一个连接周期，连接成功后重置重连计数
func (c *Client) runOnce(ctx context.Context, attempt *int) error {
	cn, err := conn.Dial(ctx, conn.Options{
		Config:    c.config,
		Transport: c.transport,
		Dialer:    c.dialer,
		Logger:    c.logger,
		Metrics:   c.metrics,
	})
	if err != nil {
		return err
	}
	*attempt = 0

	c.mu.Lock()
	c.current = cn
	c.clientConfig = cn.ClientConfig()
	c.mu.Unlock()
	if c.connectHandler != nil {
		c.connectHandler()
	}

	runErr := cn.Run(ctx, c.handler)

	c.mu.Lock()
	c.current = nil
	c.clientConfig = cn.ClientConfig()
	c.lastStats = cn.GetStats()
	c.mu.Unlock()

	if c.disconnectHandler != nil && !c.isClosed() && ctx.Err() == nil {
		c.disconnectHandler(runErr)
	}
	return runErr
}

// handleError 记录每个连接周期的结束原因
func (c *Client) handleError(err error) {
	if errors.IsFatal(err) {
		c.logger.Error("event stream stopped", "error", err)
		return
	}
	c.logger.Warn("event stream interrupted", "error", err)
}

// OnConnect 设置连接成功回调，需在 Start 前调用
func (c *Client) OnConnect(handler func()) {
	c.connectHandler = handler
}

// OnDisconnect 设置连接断开回调，需在 Start 前调用
func (c *Client) OnDisconnect(handler func(error)) {
	c.disconnectHandler = handler
}

// OnError 追加错误回调，每个以错误结束的连接周期都会通知
func (c *Client) OnError(handler func(error)) {
	c.errorCenter.AddErrorCallback(handler)
}

// Refresher 凭证刷新器，可用于预热缓存或获取凭证
func (c *Client) Refresher() *tokenrefresh.Refresher {
	return c.refresher
}

// Transport 同步请求通道，需要鉴权的请求会自动携带凭证
func (c *Client) Transport() transport.Transport {
	return c.transport
}

// ClientConfig 最近一次从服务端得到的连接参数
func (c *Client) ClientConfig() types.ClientConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current != nil {
		return c.current.ClientConfig()
	}
	return c.clientConfig
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current != nil && c.current.State() == conn.StateConnected
}

// GetStats 获取统计信息，未连接时返回上一次连接的统计
func (c *Client) GetStats() types.ConnectionStats {
	c.mu.RLock()
	stats := c.lastStats
	if c.current != nil {
		stats = c.current.GetStats()
	}
	c.mu.RUnlock()
	stats.ReconnectAttempts = int(c.reconnects.Load())
	return stats
}

// GetConnectionInfo 获取连接信息
func (c *Client) GetConnectionInfo() types.ConnectionInfo {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()

	info := types.ConnectionInfo{
		ClientConfig: c.ClientConfig(),
		Stats:        c.GetStats(),
	}
	if cur != nil {
		ep := cur.Endpoint()
		info.URL = ep.URL
		info.ServiceID = ep.ServiceID
		info.DeviceID = ep.DeviceID
	}
	return info
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// Close 关闭客户端，正在运行的 Start 会返回
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.closeCache()
	})
}

func (c *Client) closeCache() {
	if c.ownedCache != nil {
		c.ownedCache.Close()
	}
}
