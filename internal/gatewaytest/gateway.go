// Package gatewaytest 提供一个进程内的假网关，包含地址分配接口与 WebSocket 事件流端点，用于测试。
package gatewaytest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BetaCatPro/wsevent/internal/compression"
	"github.com/BetaCatPro/wsevent/internal/protocol"
	"github.com/BetaCatPro/wsevent/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

// 默认分配的服务ID与设备ID
const (
	DefaultServiceID = 42
	DefaultDeviceID  = "device-test"
	streamPath       = "/ws"
	endpointPath     = "/callback/ws/endpoint"
)

// Option 配置假网关
type Option func(*Gateway)

// WithClientConfig 设置分配接口下发的连接参数
func WithClientConfig(cc types.ClientConfig) Option {
	return func(g *Gateway) {
		g.clientConfig = cc
	}
}

// WithPong 收到ping时回复pong，cc 非空时作为pong负载下发
func WithPong(cc *types.ClientConfig) Option {
	return func(g *Gateway) {
		g.autoPong = true
		g.pongConfig = cc
	}
}

// WithCredentials 只接受给定的应用凭证
func WithCredentials(appID, appSecret string) Option {
	return func(g *Gateway) {
		g.appID, g.appSecret = appID, appSecret
	}
}

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

// Gateway 假网关
type Gateway struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	appID, appSecret string
	clientConfig     types.ClientConfig
	autoPong         bool
	pongConfig       *types.ClientConfig

	mu            sync.Mutex
	allocCode     int
	allocMsg      string
	rejectStatus  int
	rejectAuthErr int
	rejectMsg     string
	conn          *websocket.Conn
	writeMu       sync.Mutex

	allocations atomic.Int64
	accepted    atomic.Int64
	connected   chan struct{}
	pings       chan *protocol.Frame
	received    chan *protocol.Frame
}

// New 启动假网关
func New(opts ...Option) *Gateway {
	g := &Gateway{
		upgrader:     websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:       slog.Default(),
		clientConfig: types.DefaultClientConfig(),
		connected:    make(chan struct{}, 16),
		pings:        make(chan *protocol.Frame, 256),
		received:     make(chan *protocol.Frame, 256),
	}
	for _, opt := range opts {
		opt(g)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(endpointPath, g.handleEndpoint)
	mux.HandleFunc(streamPath, g.handleStream)
	g.server = httptest.NewServer(mux)
	return g
}

// URL 开放平台地址，作为客户端的 BaseURL
func (g *Gateway) URL() string {
	return g.server.URL
}

// StreamURL 分配接口返回的网关地址
func (g *Gateway) StreamURL() string {
	return fmt.Sprintf("ws%s%s?service_id=%d&device_id=%s",
		strings.TrimPrefix(g.server.URL, "http"), streamPath, DefaultServiceID, DefaultDeviceID)
}

// Close 关闭网关
func (g *Gateway) Close() {
	g.DropConnection()
	g.server.Close()
}

// FailAllocation 让后续的分配请求返回业务错误码，code 为0时恢复
func (g *Gateway) FailAllocation(code int, msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allocCode, g.allocMsg = code, msg
}

// RejectHandshake 让后续的握手以给定状态失败，status 为0时恢复
func (g *Gateway) RejectHandshake(status, authErrCode int, msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejectStatus, g.rejectAuthErr, g.rejectMsg = status, authErrCode, msg
}

// Allocations 收到的分配请求数
func (g *Gateway) Allocations() int {
	return int(g.allocations.Load())
}

// Accepted 成功升级的连接数
func (g *Gateway) Accepted() int {
	return int(g.accepted.Load())
}

// Connected 每建立一条连接发出一次信号
func (g *Gateway) Connected() <-chan struct{} {
	return g.connected
}

// Pings 客户端发来的ping帧
func (g *Gateway) Pings() <-chan *protocol.Frame {
	return g.pings
}

// Received 客户端发来的数据帧（回执）
func (g *Gateway) Received() <-chan *protocol.Frame {
	return g.received
}

// WaitConnected 等待一条新连接
func (g *Gateway) WaitConnected(timeout time.Duration) error {
	select {
	case <-g.connected:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("no connection within %s", timeout)
	}
}

// Send 向当前连接写入一帧
func (g *Gateway) Send(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return g.SendRaw(websocket.BinaryMessage, data)
}

// SendRaw 向当前连接写入原始消息
func (g *Gateway) SendRaw(msgType int, data []byte) error {
	g.mu.Lock()
	c := g.conn
	g.mu.Unlock()
	if c == nil {
		return fmt.Errorf("no active connection")
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return c.WriteMessage(msgType, data)
}

// DropConnection 不发送关闭帧直接断开当前连接
func (g *Gateway) DropConnection() {
	g.mu.Lock()
	c := g.conn
	g.conn = nil
	g.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// DataFrame 构造一个数据帧，sum>1 时为分片
func DataFrame(messageID string, sum, seq int, payload []byte) *protocol.Frame {
	f := &protocol.Frame{
		Service: DefaultServiceID,
		Method:  protocol.MethodData,
		Payload: payload,
	}
	f.SetHeader(protocol.HeaderType, protocol.TypeEvent)
	f.SetHeader(protocol.HeaderMessageID, messageID)
	f.SetHeader(protocol.HeaderSum, strconv.Itoa(sum))
	f.SetHeader(protocol.HeaderSeq, strconv.Itoa(seq))
	f.SetHeader(protocol.HeaderTraceID, "trace-"+messageID)
	return f
}

// CompressedDataFrame 构造单帧数据帧，负载按 encoding 压缩
func CompressedDataFrame(messageID, encoding string, payload []byte) (*protocol.Frame, error) {
	c, err := compression.GetCompressor(encoding)
	if err != nil {
		return nil, err
	}
	compressed, err := c.Compress(payload)
	if err != nil {
		return nil, fmt.Errorf("compress %s payload: %w", encoding, err)
	}
	f := DataFrame(messageID, 1, 0, compressed)
	f.PayloadEncoding = encoding
	return f, nil
}

// PongFrame 构造pong帧，cc 非空时携带连接参数
func PongFrame(cc *types.ClientConfig) (*protocol.Frame, error) {
	f := &protocol.Frame{Service: DefaultServiceID, Method: protocol.MethodControl}
	f.SetHeader(protocol.HeaderType, protocol.TypePong)
	if cc != nil {
		payload, err := json.Marshal(cc)
		if err != nil {
			return nil, err
		}
		f.Payload = payload
	}
	return f, nil
}

// handleEndpoint 地址分配接口
func (g *Gateway) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	g.allocations.Inc()
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		AppID     string `json:"AppID"`
		AppSecret string `json:"AppSecret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	code, msg := g.allocCode, g.allocMsg
	g.mu.Unlock()
	if code == 0 && g.appID != "" && (req.AppID != g.appID || req.AppSecret != g.appSecret) {
		code, msg = 10003, "invalid app credentials"
	}

	w.Header().Set("Content-Type", "application/json")
	if code != 0 {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": code, "msg": msg})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code": 0,
		"msg":  "ok",
		"data": map[string]interface{}{
			"URL":          g.StreamURL(),
			"ClientConfig": g.clientConfig,
		},
	})
}

// handleStream 事件流端点
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	status, authErr, msg := g.rejectStatus, g.rejectAuthErr, g.rejectMsg
	g.mu.Unlock()
	if status != 0 {
		w.Header().Set("Handshake-Status", strconv.Itoa(status))
		w.Header().Set("Handshake-Msg", msg)
		if authErr != 0 {
			w.Header().Set("Handshake-Autherrcode", strconv.Itoa(authErr))
		}
		w.WriteHeader(http.StatusForbidden)
		return
	}

	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("gateway upgrade failed", "error", err)
		return
	}

	g.mu.Lock()
	prev := g.conn
	g.conn = wsConn
	g.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	g.accepted.Inc()
	select {
	case g.connected <- struct{}{}:
	default:
	}

	go g.readLoop(wsConn)
}

// readLoop 读取客户端帧，按需回复pong
func (g *Gateway) readLoop(c *websocket.Conn) {
	defer c.Close()
	for {
		msgType, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		f, err := protocol.Decode(data)
		if err != nil {
			g.logger.Warn("gateway received invalid frame", "error", err)
			continue
		}

		if f.Method == protocol.MethodControl && f.Type() == protocol.TypePing {
			publish(g.pings, f)
			if g.autoPong {
				pong, err := PongFrame(g.pongConfig)
				if err != nil {
					continue
				}
				if data, err := protocol.Encode(pong); err == nil {
					g.writeMu.Lock()
					_ = c.WriteMessage(websocket.BinaryMessage, data)
					g.writeMu.Unlock()
				}
			}
			continue
		}
		publish(g.received, f)
	}
}

func publish(ch chan *protocol.Frame, f *protocol.Frame) {
	select {
	case ch <- f:
	default:
	}
}
