package protocol

import (
	"strconv"
	"time"
)

// Method 帧类别
type Method int32

const (
	MethodControl Method = 0 // 控制帧（ping/pong）
	MethodData    Method = 1 // 数据帧（事件、卡片回调）
)

// String 返回帧类别名称
func (m Method) String() string {
	switch m {
	case MethodControl:
		return "control"
	case MethodData:
		return "data"
	default:
		return "unknown"
	}
}

// 头部字段名
const (
	HeaderType      = "type"
	HeaderMessageID = "message_id"
	HeaderSum       = "sum"
	HeaderSeq       = "seq"
	HeaderTraceID   = "trace_id"
	HeaderBizRT     = "biz_rt"
)

// 控制帧与数据帧的 type 取值
const (
	TypePing  = "ping"
	TypePong  = "pong"
	TypeEvent = "event"
	TypeCard  = "card"
)

// Header 帧头部键值对
type Header struct {
	Key   string
	Value string
}

// Frame 网关传输的最小单元
type Frame struct {
	SeqID           uint64
	LogID           uint64
	Service         int32
	Method          Method
	Headers         []Header
	PayloadEncoding string
	PayloadType     string
	Payload         []byte
	LogIDNew        string
}

// Header 按顺序查找第一个匹配的头部
func (f *Frame) Header(key string) (string, bool) {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// HeaderInt 读取整数头部，缺失时返回 def
func (f *Frame) HeaderInt(key string, def int) (int, error) {
	v, ok := f.Header(key)
	if !ok || v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// SetHeader 覆盖已存在的头部，不存在则追加
func (f *Frame) SetHeader(key, value string) {
	for i := range f.Headers {
		if f.Headers[i].Key == key {
			f.Headers[i].Value = value
			return
		}
	}
	f.Headers = append(f.Headers, Header{Key: key, Value: value})
}

// Type 返回 type 头部
func (f *Frame) Type() string {
	v, _ := f.Header(HeaderType)
	return v
}

// NewPingFrame 构造心跳帧
func NewPingFrame(serviceID int32) *Frame {
	return &Frame{
		Service: serviceID,
		Method:  MethodControl,
		Headers: []Header{{Key: HeaderType, Value: TypePing}},
	}
}

// NewResponseFrame 基于请求帧构造回执帧，保留原有头部并附加处理耗时
func NewResponseFrame(req *Frame, payload []byte, elapsed time.Duration) *Frame {
	resp := *req
	resp.Headers = make([]Header, len(req.Headers))
	copy(resp.Headers, req.Headers)
	resp.SetHeader(HeaderBizRT, strconv.FormatInt(elapsed.Milliseconds(), 10))
	resp.Payload = payload
	return &resp
}
