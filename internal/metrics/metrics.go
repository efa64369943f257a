// Package metrics 定义事件流连接与凭证缓存的 Prometheus 指标。
//
// 所有方法对 nil 接收者安全，未配置指标时组件可直接传 nil。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config 指标配置
type Config struct {
	// Namespace 指标命名空间（默认 "wsevent"）
	Namespace string

	// ConstLabels 所有指标附带的常量标签
	ConstLabels prometheus.Labels

	// Registry 注册器（默认新建独立 Registry，避免重复注册）
	Registry prometheus.Registerer
}

// Option 配置项
type Option func(*Config)

// WithNamespace 设置命名空间
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels 设置常量标签
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry 设置注册器
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics 指标集合
type Metrics struct {
	framesReceived  *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	pings           prometheus.Counter
	pongs           prometheus.Counter
	dispatched      prometheus.Counter
	dropped         prometheus.Counter
	pendingGroups   prometheus.Gauge
	connectionState prometheus.Gauge
	reconnects      prometheus.Counter
	connErrors      *prometheus.CounterVec
	tokenRefresh    *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	cacheEvictions  *prometheus.CounterVec
}

// New 创建并注册指标
func New(opts ...Option) *Metrics {
	cfg := Config{Namespace: "wsevent"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	factory := promauto.With(cfg.Registry)

	counter := func(subsystem, name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: cfg.ConstLabels,
		})
	}
	counterVec := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: cfg.ConstLabels,
		}, labels)
	}
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: cfg.ConstLabels,
		})
	}

	return &Metrics{
		framesReceived:  counterVec("conn", "frames_received_total", "Frames received from the gateway", "method"),
		framesSent:      counterVec("conn", "frames_sent_total", "Frames written to the gateway", "method"),
		pings:           counter("conn", "pings_sent_total", "Heartbeat pings sent"),
		pongs:           counter("conn", "pongs_received_total", "Heartbeat pongs received"),
		dispatched:      counter("conn", "messages_dispatched_total", "Complete messages handed to the handler"),
		dropped:         counter("conn", "messages_dropped_total", "Complete messages dropped because the dispatch queue was full"),
		pendingGroups:   gauge("conn", "pending_fragment_groups", "Incomplete fragment groups held for reassembly"),
		connectionState: gauge("conn", "state", "Current connection state (0 idle, 1 connecting, 2 connected, 3 error, 4 closed)"),
		reconnects:      counter("conn", "reconnects_total", "Reconnect attempts made by the client"),
		connErrors:      counterVec("conn", "errors_total", "Connection cycles ended by an error", "kind"),
		tokenRefresh:    counterVec("token", "refresh_total", "Token refresh attempts", "type", "result"),
		cacheLookups:    counterVec("token", "cache_lookups_total", "Token cache lookups", "result"),
		cacheEvictions:  counterVec("token", "cache_evictions_total", "Token cache removals", "reason"),
	}
}

// FrameReceived 记录收到的帧
func (m *Metrics) FrameReceived(method string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(method).Inc()
}

// FrameSent 记录发出的帧
func (m *Metrics) FrameSent(method string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(method).Inc()
}

// PingSent 记录心跳
func (m *Metrics) PingSent() {
	if m == nil {
		return
	}
	m.pings.Inc()
}

// PongReceived 记录pong
func (m *Metrics) PongReceived() {
	if m == nil {
		return
	}
	m.pongs.Inc()
}

// MessageDispatched 记录分发的消息
func (m *Metrics) MessageDispatched() {
	if m == nil {
		return
	}
	m.dispatched.Inc()
}

// MessageDropped 记录丢弃的消息
func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// PendingGroups 更新未完成分组数
func (m *Metrics) PendingGroups(n int) {
	if m == nil {
		return
	}
	m.pendingGroups.Set(float64(n))
}

// ConnectionState 更新连接状态
func (m *Metrics) ConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

// Reconnect 记录重连
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// ConnectionError 记录导致连接结束的错误类型
func (m *Metrics) ConnectionError(kind string) {
	if m == nil {
		return
	}
	m.connErrors.WithLabelValues(kind).Inc()
}

// TokenRefresh 记录凭证刷新
func (m *Metrics) TokenRefresh(tokenType string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.tokenRefresh.WithLabelValues(tokenType, result).Inc()
}

// CacheLookup 记录缓存命中/未命中
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "hit"
	if !hit {
		result = "miss"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// CacheEviction 记录缓存移除原因（expired/capacity）
func (m *Metrics) CacheEviction(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.WithLabelValues(reason).Add(float64(n))
}
