package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BetaCatPro/wsevent/internal/errors"
	"github.com/google/uuid"
	"golang.org/x/net/http2"
)

// 默认请求超时
const DefaultTimeout = 30 * time.Second

// HTTPTransport 基于 net/http 的 Transport 实现
type HTTPTransport struct {
	baseURL *url.URL
	client  *http.Client
	tokens  TokenProvider
	logger  *slog.Logger
}

// HTTPOption 配置 HTTPTransport
type HTTPOption func(*HTTPTransport)

// WithHTTPClient 使用自定义 http.Client
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		t.client = c
	}
}

// WithTokenProvider 设置凭证来源，需要鉴权的请求会携带 Bearer 令牌
func WithTokenProvider(p TokenProvider) HTTPOption {
	return func(t *HTTPTransport) {
		t.tokens = p
	}
}

// WithLogger 设置日志
func WithLogger(l *slog.Logger) HTTPOption {
	return func(t *HTTPTransport) {
		t.logger = l
	}
}

// NewHTTPTransport 创建 HTTP 传输层，默认启用 HTTP/2
func NewHTTPTransport(baseURL string, opts ...HTTPOption) (*HTTPTransport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base url: %v", errors.ErrInvalidConfiguration, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: base url must be absolute: %q", errors.ErrInvalidConfiguration, baseURL)
	}

	t := &HTTPTransport{
		baseURL: u,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		t.client, err = NewHTTP2Client(DefaultTimeout)
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// SetTokenProvider 设置凭证来源（构造后才能得到刷新器时使用）
func (t *HTTPTransport) SetTokenProvider(p TokenProvider) {
	t.tokens = p
}

// NewHTTP2Client 创建支持 HTTP/2 的 http.Client
func NewHTTP2Client(timeout time.Duration) (*http.Client, error) {
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if err := http2.ConfigureTransport(base); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	return &http.Client{
		Transport: base,
		Timeout:   timeout,
	}, nil
}

// Do 发送请求并读取完整响应
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	ref, err := url.Parse(req.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrURLParse, err)
	}
	fullURL := t.baseURL.ResolveReference(ref)

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrRequest, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	requestID := httpReq.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
		httpReq.Header.Set("X-Request-Id", requestID)
	}

	if tokenType, ok := req.AuthKind.TokenType(); ok {
		if t.tokens == nil {
			return nil, fmt.Errorf("%w: no token provider for %s", errors.ErrInvalidConfiguration, tokenType)
		}
		token, err := t.tokens.Token(ctx, tokenType, req.TenantKey)
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", tokenType, err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", errors.ErrRequest, req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", errors.ErrRequest, err)
	}

	t.logger.Debug("transport request finished",
		"method", req.Method,
		"path", req.Path,
		"status", resp.StatusCode,
		"request_id", requestID,
	)

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
	if resp.StatusCode >= 400 {
		return out, statusError(resp.StatusCode, data)
	}
	return out, nil
}

// statusError 按状态码区分服务端与客户端错误，尽量保留业务码
func statusError(status int, body []byte) error {
	var cr CodeResponse
	msg := strings.TrimSpace(string(body))
	code := status
	if err := json.Unmarshal(body, &cr); err == nil && (cr.Code != 0 || cr.Msg != "") {
		code, msg = cr.Code, cr.Msg
	}
	if status >= 500 {
		return &errors.ServerError{Code: code, Message: msg}
	}
	return &errors.ClientError{Code: code, Message: msg}
}
