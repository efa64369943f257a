package types

import (
	"fmt"
	"net/url"
	"time"

	"github.com/BetaCatPro/wsevent/internal/errors"
	"github.com/BetaCatPro/wsevent/internal/protocol"
)

// 默认配置
const (
	DefaultBaseURL            = "https://open.feishu.cn"
	DefaultBufferSize         = 1000
	DefaultHeartbeatTimeout   = HeartbeatTimeoutFactor * DefaultPingInterval
	DefaultStaleCheckInterval = time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultPingInterval       = 120 * time.Second
)

// HeartbeatTimeoutFactor 未配置心跳超时时，超时阈值为当前ping间隔的倍数
const HeartbeatTimeoutFactor = 3

// Config 事件流客户端配置
type Config struct {
	BaseURL            string        // 开放平台地址
	AppID              string        // 应用ID
	AppSecret          string        // 应用密钥
	BufferSize         int           // 发送队列与分发队列长度
	HeartbeatTimeout   time.Duration // 超过该时长未收到ping/pong视为断开，为0时随ping间隔取其3倍
	StaleCheckInterval time.Duration // 心跳超时检测粒度
	FragmentTTL        time.Duration // 未拼装完成的分片最长保留时间，默认等于心跳超时
	WriteTimeout       time.Duration // 单次写超时
	HandshakeTimeout   time.Duration // WebSocket握手超时
	AutoReconnect      bool          // 是否按服务端下发的参数自动重连
}

// SetDefaults 填充未设置的字段
func (c *Config) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.HeartbeatTimeout < 0 {
		c.HeartbeatTimeout = 0
	}
	if c.StaleCheckInterval <= 0 {
		c.StaleCheckInterval = DefaultStaleCheckInterval
	}
	if c.FragmentTTL <= 0 {
		c.FragmentTTL = c.HeartbeatTimeout
		if c.FragmentTTL == 0 {
			c.FragmentTTL = DefaultHeartbeatTimeout
		}
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
}

// Validate 校验必填字段
func (c Config) Validate() error {
	if c.AppID == "" {
		return fmt.Errorf("%w: AppID is required", errors.ErrInvalidConfiguration)
	}
	if c.AppSecret == "" {
		return fmt.Errorf("%w: AppSecret is required", errors.ErrInvalidConfiguration)
	}
	if c.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
			return fmt.Errorf("%w: invalid BaseURL: %v", errors.ErrInvalidConfiguration, err)
		}
	}
	return nil
}

// ClientConfig 服务端下发的连接参数，单位秒，每次pong都可能更新
type ClientConfig struct {
	ReconnectCount    int `json:"ReconnectCount"`    // 重连次数，负数表示不限
	ReconnectInterval int `json:"ReconnectInterval"` // 重连间隔
	ReconnectNonce    int `json:"ReconnectNonce"`    // 首次重连的随机抖动上限
	PingInterval      int `json:"PingInterval"`      // 心跳间隔
}

// DefaultClientConfig 服务端未下发参数时使用的默认值
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ReconnectCount:    -1,
		ReconnectInterval: 120,
		ReconnectNonce:    30,
		PingInterval:      int(DefaultPingInterval / time.Second),
	}
}

// PingPeriod 心跳间隔，未下发时使用默认值
func (c ClientConfig) PingPeriod() time.Duration {
	if c.PingInterval <= 0 {
		return DefaultPingInterval
	}
	return time.Duration(c.PingInterval) * time.Second
}

// ReconnectPeriod 重连间隔
func (c ClientConfig) ReconnectPeriod() time.Duration {
	if c.ReconnectInterval <= 0 {
		return 0
	}
	return time.Duration(c.ReconnectInterval) * time.Second
}

// ReconnectJitter 首次重连的抖动上限
func (c ClientConfig) ReconnectJitter() time.Duration {
	if c.ReconnectNonce <= 0 {
		return 0
	}
	return time.Duration(c.ReconnectNonce) * time.Second
}

// Message 拼装完成的业务消息
type Message struct {
	MessageID  string            // 消息ID（分片分组键）
	Type       string            // event / card
	TraceID    string            // 链路ID
	Headers    map[string]string // 头部副本
	Payload    []byte            // 完整负载（已解压）
	Frame      *protocol.Frame   // 最后一个分片的信封，用于构造回执
	ReceivedAt time.Time         // 拼装完成时间
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	FramesReceived    int64 // 收到的帧数
	FramesSent        int64 // 发出的帧数
	TotalMessages     int64 // 分发给处理器的消息数
	DroppedMessages   int64 // 丢弃消息数
	PingsSent         int64 // 发出的心跳数
	PongsReceived     int64 // 收到的pong数
	ReconnectAttempts int   // 重连尝试次数
}

// ConnectionInfo 连接信息
type ConnectionInfo struct {
	URL          string       // 连接URL
	ServiceID    int32        // 服务ID
	DeviceID     string       // 设备ID
	ClientConfig ClientConfig // 当前连接参数
	Stats        ConnectionStats
}
