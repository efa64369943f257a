// Package transport 定义同步请求通道，开放平台接口、网关地址分配与凭证刷新都经由它发出。
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/BetaCatPro/wsevent/internal/errors"
	"github.com/BetaCatPro/wsevent/pkg/types"
)

// AuthKind 请求所需的凭证类型
type AuthKind int

const (
	AuthNone   AuthKind = iota // 无需凭证
	AuthApp                    // app_access_token
	AuthTenant                 // tenant_access_token
	AuthUser                   // user_access_token
)

// TokenType 对应的凭证类型
func (k AuthKind) TokenType() (types.TokenType, bool) {
	switch k {
	case AuthApp:
		return types.TokenTypeApp, true
	case AuthTenant:
		return types.TokenTypeTenant, true
	case AuthUser:
		return types.TokenTypeUser, true
	default:
		return 0, false
	}
}

// Request 一次同步请求
type Request struct {
	Method    string
	Path      string
	Header    http.Header
	Body      interface{} // 非nil时编码为JSON
	AuthKind  AuthKind
	TenantKey string // AuthTenant/AuthUser 时用于选择凭证
}

// Response 已读取完毕的响应
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON 将响应体解码到 target
func (r *Response) DecodeJSON(target interface{}) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("%w: empty body", errors.ErrUnexpectedResponse)
	}
	if err := json.Unmarshal(r.Body, target); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrUnexpectedResponse, err)
	}
	return nil
}

// Transport 同步请求接口
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// TokenProvider 按凭证类型提供访问令牌
type TokenProvider interface {
	Token(ctx context.Context, kind types.TokenType, tenantKey string) (string, error)
}

// CodeResponse 开放平台通用响应头
type CodeResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// 开放平台业务错误码
const (
	CodeOK            = 0
	CodeSystemBusy    = 1
	CodeInternalError = 1000040343
)

// Err 将非零业务码转换为类型化错误
func (c CodeResponse) Err() error {
	switch c.Code {
	case CodeOK:
		return nil
	case CodeSystemBusy, CodeInternalError:
		return &errors.ServerError{Code: c.Code, Message: c.Msg}
	default:
		return &errors.ClientError{Code: c.Code, Message: c.Msg}
	}
}

// Func 函数适配器，主要用于测试替身
type Func func(ctx context.Context, req *Request) (*Response, error)

// Do 实现 Transport
func (f Func) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
