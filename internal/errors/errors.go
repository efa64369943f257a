package errors

import (
	stderrors "errors"
	"fmt"
	"sync"
)

// 定义错误类型
var (
	ErrUnexpectedResponse   = stderrors.New("unexpected response")
	ErrRequest              = stderrors.New("request failed")
	ErrURLParse             = stderrors.New("url parse error")
	ErrServer               = stderrors.New("server error")
	ErrClient               = stderrors.New("client error")
	ErrConnectionClosed     = stderrors.New("connection closed")
	ErrProtocolDecode       = stderrors.New("protocol decode error")
	ErrInvalidConfiguration = stderrors.New("invalid configuration")
	ErrMaxRetriesExhausted  = stderrors.New("max retries exhausted")
	ErrHeartbeatTimeout     = stderrors.New("heartbeat timeout")
	ErrBufferFull           = stderrors.New("message buffer full")
	ErrMaxReconnect         = stderrors.New("max reconnect times reached")
)

// ServerError 服务端返回的错误（可重试）
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: code=%d msg=%s", e.Code, e.Message)
}

// Is 使 errors.Is(err, ErrServer) 成立
func (e *ServerError) Is(target error) bool { return target == ErrServer }

// ClientError 客户端请求被拒绝（鉴权失败、参数错误等，不可重试）
type ClientError struct {
	Code    int
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error: code=%d msg=%s", e.Code, e.Message)
}

// Is 使 errors.Is(err, ErrClient) 成立
func (e *ClientError) Is(target error) bool { return target == ErrClient }

// ConnectionClosedError 连接被对端或底层关闭，Code为0表示没有关闭码
type ConnectionClosedError struct {
	Code   int
	Reason string
}

func (e *ConnectionClosedError) Error() string {
	if e.Code == 0 && e.Reason == "" {
		return ErrConnectionClosed.Error()
	}
	return fmt.Sprintf("connection closed: code=%d reason=%s", e.Code, e.Reason)
}

// Is 使 errors.Is(err, ErrConnectionClosed) 成立
func (e *ConnectionClosedError) Is(target error) bool { return target == ErrConnectionClosed }

// Protocol 包装一个协议错误
func Protocol(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolDecode, fmt.Sprintf(format, args...))
}

// IsFatal 判断是否为配置类错误，重试没有意义
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return stderrors.Is(err, ErrUnexpectedResponse) ||
		stderrors.Is(err, ErrInvalidConfiguration) ||
		stderrors.Is(err, ErrURLParse) ||
		stderrors.Is(err, ErrClient)
}

// IsRetryable 判断是否应该重新建立连接
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	return stderrors.Is(err, ErrConnectionClosed) ||
		stderrors.Is(err, ErrProtocolDecode) ||
		stderrors.Is(err, ErrRequest) ||
		stderrors.Is(err, ErrServer) ||
		stderrors.Is(err, ErrHeartbeatTimeout) ||
		stderrors.Is(err, ErrMaxRetriesExhausted)
}

// ErrorCenter 错误处理中心
type ErrorCenter struct {
	mu             sync.RWMutex
	errorCallbacks []func(error) // 错误回调函数列表
}

// NewErrorCenter 创建新的错误处理中心
func NewErrorCenter() *ErrorCenter {
	return &ErrorCenter{
		errorCallbacks: make([]func(error), 0),
	}
}

// AddErrorCallback 添加错误回调函数
func (ec *ErrorCenter) AddErrorCallback(callback func(error)) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.errorCallbacks = append(ec.errorCallbacks, callback)
}

// ReportError 报告错误
func (ec *ErrorCenter) ReportError(err error) {
	if err == nil {
		return
	}
	ec.mu.RLock()
	callbacks := ec.errorCallbacks
	ec.mu.RUnlock()
	for _, callback := range callbacks {
		callback(err)
	}
}

// ClearCallbacks 清空所有回调函数
func (ec *ErrorCenter) ClearCallbacks() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.errorCallbacks = make([]func(error), 0)
}
