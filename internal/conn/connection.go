package conn

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BetaCatPro/wsevent/internal/compression"
	"github.com/BetaCatPro/wsevent/internal/errors"
	"github.com/BetaCatPro/wsevent/internal/metrics"
	"github.com/BetaCatPro/wsevent/internal/protocol"
	"github.com/BetaCatPro/wsevent/internal/reassembly"
	"github.com/BetaCatPro/wsevent/internal/transport"
	"github.com/BetaCatPro/wsevent/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

// ReplySender 处理器用来回写帧的句柄
type ReplySender interface {
	// Reply 将帧放入发送队列，队列满时返回 ErrBufferFull
	Reply(f *protocol.Frame) error
	// Respond 基于消息构造回执帧并发送
	Respond(msg types.Message, payload []byte) error
}

// Handler 业务消息处理器，不应无限期阻塞
type Handler interface {
	HandleMessage(ctx context.Context, msg types.Message, replies ReplySender)
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, msg types.Message, replies ReplySender)

// HandleMessage 实现 Handler
func (f HandlerFunc) HandleMessage(ctx context.Context, msg types.Message, replies ReplySender) {
	f(ctx, msg, replies)
}

// Options 建立连接所需的依赖
type Options struct {
	Config    types.Config
	Transport transport.Transport // 地址分配
	Dialer    *websocket.Dialer   // 为空时使用默认 Dialer
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// inbound 读协程送回的消息
type inbound struct {
	msgType int
	data    []byte
	err     error
}

// Connection 与网关之间的一条事件流连接，一次连接周期对应一个实例
type Connection struct {
	conn      *websocket.Conn    // 底层WebSocket连接
	config    types.Config       // 配置信息
	endpoint  Endpoint           // 分配到的网关地址
	logger    *slog.Logger       // 日志
	metrics   *metrics.Metrics   // 指标
	state     *StateMachine      // 状态机
	heartbeat *HeartbeatMonitor  // 心跳记账
	fragments *reassembly.Buffer // 分片缓冲，仅在循环协程中访问

	ccMu         sync.RWMutex
	clientConfig types.ClientConfig // 服务端下发的连接参数

	outbound chan *protocol.Frame // 发送队列
	closing  chan struct{}        // 主动关闭信号
	done     chan struct{}        // 连接结束信号
	running  atomic.Bool
	stopOnce sync.Once
	closeMu  sync.Once
	stopErr  error

	framesReceived  atomic.Int64
	framesSent      atomic.Int64
	totalMessages   atomic.Int64
	droppedMessages atomic.Int64
	pingsSent       atomic.Int64
	pongsReceived   atomic.Int64
}

// Dial 分配网关地址并建立连接；建立成功前的任何失败都直接返回，不在此处重试
func Dial(ctx context.Context, opts Options) (*Connection, error) {
	cfg := opts.Config
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", errors.ErrInvalidConfiguration)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	state := NewStateMachine()
	observeState(state, logger, opts.Metrics)
	if err := state.HandleEvent(EventStartConnection); err != nil {
		return nil, err
	}

	ep, err := AllocateEndpoint(ctx, opts.Transport, cfg.AppID, cfg.AppSecret)
	if err != nil {
		_ = state.HandleEvent(EventConnectionLost)
		return nil, err
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	wsConn, resp, err := dialer.DialContext(ctx, ep.URL, nil)
	if err != nil {
		_ = state.HandleEvent(EventConnectionLost)
		return nil, handshakeError(resp, err)
	}

	c := newConnection(wsConn, *ep, cfg, state, logger, opts.Metrics)
	if err := state.HandleEvent(EventConnectionEstablished); err != nil {
		wsConn.Close()
		return nil, err
	}
	logger.Info("connected to gateway", "service_id", ep.ServiceID, "device_id", ep.DeviceID)
	return c, nil
}

// NewConnection 包装一个已建立的WebSocket连接，状态直接进入 Connected
func NewConnection(wsConn *websocket.Conn, ep Endpoint, cfg types.Config, logger *slog.Logger, m *metrics.Metrics) *Connection {
	cfg.SetDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	state := NewStateMachine()
	observeState(state, logger, m)
	_ = state.HandleEvent(EventStartConnection)
	c := newConnection(wsConn, ep, cfg, state, logger, m)
	_ = state.HandleEvent(EventConnectionEstablished)
	return c
}

func newConnection(wsConn *websocket.Conn, ep Endpoint, cfg types.Config, state *StateMachine,
	logger *slog.Logger, m *metrics.Metrics) *Connection {
	now := time.Now()
	return &Connection{
		conn:         wsConn,
		config:       cfg,
		endpoint:     ep,
		logger:       logger.With("service_id", ep.ServiceID),
		metrics:      m,
		state:        state,
		heartbeat:    NewHeartbeatMonitor(ep.ClientConfig.PingPeriod(), cfg.HeartbeatTimeout, now),
		fragments:    reassembly.NewBuffer(cfg.FragmentTTL),
		clientConfig: ep.ClientConfig,
		outbound:     make(chan *protocol.Frame, cfg.BufferSize),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func observeState(state *StateMachine, logger *slog.Logger, m *metrics.Metrics) {
	state.OnTransition(func(from, to State, ev Event) {
		logger.Debug("connection state changed", "from", from.String(), "to", to.String(), "event", ev.String())
		m.ConnectionState(int(to))
	})
}

// Run 运行连接主循环，直到连接出错、ctx 取消或调用 Close
//
// 处理器在独立协程中执行，处理慢不会阻塞心跳。连接周期结束时处理器的
// ctx 被取消，队列中剩余的消息计为丢弃，Run 等处理器返回后才返回，
// 因此不同连接周期的处理器调用不会重叠。
func (c *Connection) Run(ctx context.Context, handler Handler) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("connection already running")
	}
	select {
	case <-c.done:
		return c.stopErr
	default:
	}
	if !c.state.CanProcessData() {
		return c.stop(EventConnectionLost, fmt.Errorf("%w: state %s", errors.ErrConnectionClosed, c.state.State()))
	}

	reads := make(chan inbound, 1)
	go c.readMessages(reads)

	cycleCtx, cancelCycle := context.WithCancel(ctx)
	dispatch := make(chan types.Message, c.config.BufferSize)
	var dispatcher sync.WaitGroup
	dispatcher.Add(1)
	go func() {
		defer dispatcher.Done()
		c.dispatchMessages(cycleCtx, handler, dispatch)
	}()
	defer func() {
		cancelCycle()
		close(dispatch)
		dispatcher.Wait()
	}()

	// 建连后立即发送一次ping以尽快拿到服务端下发的参数
	pingTimer := time.NewTimer(0)
	defer pingTimer.Stop()
	staleTicker := time.NewTicker(c.config.StaleCheckInterval)
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.writeClose(websocket.CloseNormalClosure, "client shutdown")
			return c.stop(EventClose, ctx.Err())

		case <-c.closing:
			c.writeClose(websocket.CloseNormalClosure, "client closed")
			return c.stop(EventClose, errors.ErrConnectionClosed)

		case in := <-reads:
			if in.err != nil {
				return c.fail(EventConnectionLost, readError(in.err))
			}
			rearm, err := c.handleInbound(in, dispatch)
			if err != nil {
				return c.fail(EventProtocolError, err)
			}
			if rearm >= 0 {
				resetTimer(pingTimer, rearm)
			}

		case f := <-c.outbound:
			if err := c.writeFrame(f); err != nil {
				return c.fail(EventConnectionLost, err)
			}

		case <-pingTimer.C:
			now := time.Now()
			if err := c.writeFrame(protocol.NewPingFrame(c.endpoint.ServiceID)); err != nil {
				return c.fail(EventConnectionLost, err)
			}
			c.pingsSent.Inc()
			c.metrics.PingSent()
			pingTimer.Reset(c.heartbeat.PingSent(now))

		case <-staleTicker.C:
			now := time.Now()
			if c.heartbeat.Stale(now) {
				return c.fail(EventConnectionLost, fmt.Errorf("%w: no ping/pong for %s",
					errors.ErrHeartbeatTimeout, c.heartbeat.SinceInbound(now).Truncate(time.Millisecond)))
			}
			if _, err := c.fragments.Expire(now); err != nil {
				c.metrics.PendingGroups(c.fragments.Pending())
				return c.fail(EventProtocolError, err)
			}
		}
	}
}

// readMessages 读取来自WebSocket的消息，出错后退出
func (c *Connection) readMessages(reads chan<- inbound) {
	c.conn.SetPingHandler(func(appData string) error {
		c.heartbeat.Inbound(time.Now())
		err := c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.config.WriteTimeout))
		if err != nil && !stderrors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		return nil
	})
	c.conn.SetPongHandler(func(string) error {
		c.heartbeat.Inbound(time.Now())
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		select {
		case reads <- inbound{msgType: msgType, data: data, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// dispatchMessages 在独立协程中调用处理器，ctx 取消后只清空队列
func (c *Connection) dispatchMessages(ctx context.Context, handler Handler, dispatch <-chan types.Message) {
	for msg := range dispatch {
		if handler == nil {
			continue
		}
		if ctx.Err() != nil {
			c.droppedMessages.Inc()
			c.metrics.MessageDropped()
			continue
		}
		handler.HandleMessage(ctx, msg, c)
	}
}

// handleInbound 处理一条入站消息；返回值 >=0 时表示需要重新设置ping定时器
func (c *Connection) handleInbound(in inbound, dispatch chan<- types.Message) (time.Duration, error) {
	if in.msgType != websocket.BinaryMessage {
		c.logger.Warn("ignoring non-binary message", "type", in.msgType, "size", len(in.data))
		return -1, nil
	}

	f, err := protocol.Decode(in.data)
	if err != nil {
		return -1, err
	}
	c.framesReceived.Inc()
	c.metrics.FrameReceived(f.Method.String())

	switch f.Method {
	case protocol.MethodControl:
		return c.handleControl(f), nil
	case protocol.MethodData:
		return -1, c.handleData(f, dispatch)
	}
	return -1, errors.Protocol("unknown method %d", f.Method)
}

// handleControl 控制帧只在本地处理，不会交给处理器
func (c *Connection) handleControl(f *protocol.Frame) time.Duration {
	now := time.Now()
	switch f.Type() {
	case protocol.TypePong:
		c.pongsReceived.Inc()
		c.metrics.PongReceived()
		c.heartbeat.Inbound(now)
		if len(f.Payload) == 0 {
			return -1
		}
		cc := c.ClientConfig()
		if err := protocol.JSON.Decode(f.Payload, &cc); err != nil {
			c.logger.Warn("invalid client config in pong", "error", err)
			return -1
		}
		c.setClientConfig(cc)
		c.logger.Debug("client config updated", "ping_interval", cc.PingInterval,
			"reconnect_count", cc.ReconnectCount, "reconnect_interval", cc.ReconnectInterval)
		return c.heartbeat.SetInterval(cc.PingPeriod(), now)
	case protocol.TypePing:
		c.heartbeat.Inbound(now)
	default:
		c.logger.Debug("ignoring control frame", "type", f.Type())
	}
	return -1
}

// handleData 数据帧经分片拼装后放入分发队列
func (c *Connection) handleData(f *protocol.Frame, dispatch chan<- types.Message) error {
	if err := c.state.HandleEvent(EventDataReceived); err != nil {
		return err
	}

	now := time.Now()
	merged, err := c.fragments.Accept(f, now)
	c.metrics.PendingGroups(c.fragments.Pending())
	if err != nil {
		return err
	}
	if merged == nil {
		return nil
	}

	payload, err := compression.Decode(merged.Frame.PayloadEncoding, merged.Payload)
	if err != nil {
		return errors.Protocol("message %s: %v", merged.ID, err)
	}

	headers := make(map[string]string, len(f.Headers))
	for _, h := range f.Headers {
		headers[h.Key] = h.Value
	}
	msg := types.Message{
		MessageID:  merged.ID,
		Type:       headers[protocol.HeaderType],
		TraceID:    headers[protocol.HeaderTraceID],
		Headers:    headers,
		Payload:    payload,
		Frame:      merged.Frame,
		ReceivedAt: now,
	}

	select {
	case dispatch <- msg:
		c.totalMessages.Inc()
		c.metrics.MessageDispatched()
	default:
		c.droppedMessages.Inc()
		c.metrics.MessageDropped()
		c.logger.Error("dispatch queue full, dropping message", "message_id", msg.MessageID,
			"queue_size", cap(dispatch))
	}
	return nil
}

// writeFrame 编码并写入一帧，只在循环协程中调用
func (c *Connection) writeFrame(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return &errors.ConnectionClosedError{Reason: err.Error()}
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return &errors.ConnectionClosedError{Reason: fmt.Sprintf("write: %v", err)}
	}
	c.framesSent.Inc()
	c.metrics.FrameSent(f.Method.String())
	return nil
}

// writeClose 尽力发送关闭帧
func (c *Connection) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// readError 将读错误转换为 ConnectionClosedError
func readError(err error) error {
	var ce *websocket.CloseError
	if stderrors.As(err, &ce) {
		return &errors.ConnectionClosedError{Code: ce.Code, Reason: ce.Text}
	}
	return &errors.ConnectionClosedError{Reason: err.Error()}
}

// fail 以错误结束连接周期
func (c *Connection) fail(ev Event, err error) error {
	c.metrics.ConnectionError(errorKind(err))
	c.logger.Warn("connection cycle ended", "error", err)
	return c.stop(ev, err)
}

// stop 释放连接资源，未完成的分片一并丢弃；只执行一次
func (c *Connection) stop(ev Event, err error) error {
	c.stopOnce.Do(func() {
		c.stopErr = err
		if e := c.state.HandleEvent(ev); e != nil {
			c.logger.Debug("state transition on stop rejected", "error", e)
		}
		c.fragments.Reset()
		c.metrics.PendingGroups(0)
		c.conn.Close()
		close(c.done)
	})
	return c.stopErr
}

// Reply 将帧放入发送队列
func (c *Connection) Reply(f *protocol.Frame) error {
	select {
	case <-c.done:
		return errors.ErrConnectionClosed
	default:
	}
	if !c.state.CanSendData() {
		return errors.ErrConnectionClosed
	}

	select {
	case c.outbound <- f:
		return nil
	case <-c.done:
		return errors.ErrConnectionClosed
	default:
		c.droppedMessages.Inc()
		return errors.ErrBufferFull
	}
}

// Respond 构造回执帧，biz_rt 为收到消息到回执的耗时
func (c *Connection) Respond(msg types.Message, payload []byte) error {
	if msg.Frame == nil {
		return fmt.Errorf("message %s has no frame to respond to", msg.MessageID)
	}
	return c.Reply(protocol.NewResponseFrame(msg.Frame, payload, time.Since(msg.ReceivedAt)))
}

// Close 主动关闭连接
func (c *Connection) Close() {
	c.closeMu.Do(func() { close(c.closing) })
	if !c.running.Load() {
		c.stop(EventClose, errors.ErrConnectionClosed)
	}
}

// Done 连接结束时关闭
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// State 当前连接状态
func (c *Connection) State() State {
	return c.state.State()
}

// ClientConfig 当前连接参数（随pong更新）
func (c *Connection) ClientConfig() types.ClientConfig {
	c.ccMu.RLock()
	defer c.ccMu.RUnlock()
	return c.clientConfig
}

func (c *Connection) setClientConfig(cc types.ClientConfig) {
	c.ccMu.Lock()
	defer c.ccMu.Unlock()
	c.clientConfig = cc
}

// PingInterval 当前心跳间隔
func (c *Connection) PingInterval() time.Duration {
	return c.heartbeat.Interval()
}

// Endpoint 网关地址信息
func (c *Connection) Endpoint() Endpoint {
	return c.endpoint
}

// GetStats 获取连接统计信息
func (c *Connection) GetStats() types.ConnectionStats {
	return types.ConnectionStats{
		FramesReceived:  c.framesReceived.Load(),
		FramesSent:      c.framesSent.Load(),
		TotalMessages:   c.totalMessages.Load(),
		DroppedMessages: c.droppedMessages.Load(),
		PingsSent:       c.pingsSent.Load(),
		PongsReceived:   c.pongsReceived.Load(),
	}
}

// errorKind 指标中的错误分类
func errorKind(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case stderrors.Is(err, errors.ErrProtocolDecode):
		return "protocol"
	case stderrors.Is(err, errors.ErrConnectionClosed):
		return "closed"
	default:
		var it *InvalidTransitionError
		if stderrors.As(err, &it) {
			return "state"
		}
		return "other"
	}
}

// 保证 Connection 实现 ReplySender
var _ ReplySender = (*Connection)(nil)

