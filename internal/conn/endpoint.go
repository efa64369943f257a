package conn

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/BetaCatPro/wsevent/internal/errors"
	"github.com/BetaCatPro/wsevent/internal/transport"
	"github.com/BetaCatPro/wsevent/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EndpointPath 网关地址分配接口
const EndpointPath = "/callback/ws/endpoint"

// 网关URL中的查询参数
const (
	queryServiceID = "service_id"
	queryDeviceID  = "device_id"
)

// 网关握手失败时响应中携带的头部
const (
	headerHandshakeStatus  = "Handshake-Status"
	headerHandshakeMsg     = "Handshake-Msg"
	headerHandshakeAuthErr = "Handshake-Autherrcode"
)

// 握手失败状态码
const (
	handshakeForbidden  = 403
	handshakeAuthFailed = 514
)

const tracerName = "github.com/BetaCatPro/wsevent/internal/conn"

// Endpoint 分配到的网关地址
type Endpoint struct {
	URL          string
	ServiceID    int32
	DeviceID     string
	ClientConfig types.ClientConfig
}

type endpointRequest struct {
	AppID     string `json:"AppID"`
	AppSecret string `json:"AppSecret"`
}

type endpointData struct {
	URL          string             `json:"URL"`
	ClientConfig types.ClientConfig `json:"ClientConfig"`
}

type endpointResponse struct {
	transport.CodeResponse
	Data *endpointData `json:"data"`
}

// AllocateEndpoint 调用分配接口获取网关地址与初始连接参数，不做重试
func AllocateEndpoint(ctx context.Context, tr transport.Transport, appID, appSecret string) (ep *Endpoint, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "conn.allocate_endpoint",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("app_id", appID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	resp, err := tr.Do(ctx, &transport.Request{
		Method:   http.MethodPost,
		Path:     EndpointPath,
		Header:   http.Header{"Locale": []string{"zh"}},
		Body:     endpointRequest{AppID: appID, AppSecret: appSecret},
		AuthKind: transport.AuthNone,
	})
	if err != nil {
		return nil, fmt.Errorf("allocate endpoint: %w", err)
	}

	// 服务端未下发的字段保留默认值
	body := endpointResponse{Data: &endpointData{ClientConfig: types.DefaultClientConfig()}}
	if err := resp.DecodeJSON(&body); err != nil {
		return nil, fmt.Errorf("allocate endpoint: %w", err)
	}
	if err := body.Err(); err != nil {
		return nil, fmt.Errorf("allocate endpoint: %w", err)
	}
	if body.Data == nil || body.Data.URL == "" {
		return nil, fmt.Errorf("allocate endpoint: %w: missing URL", errors.ErrUnexpectedResponse)
	}

	serviceID, deviceID, err := ParseEndpointURL(body.Data.URL)
	if err != nil {
		return nil, err
	}

	ep = &Endpoint{
		URL:          body.Data.URL,
		ServiceID:    serviceID,
		DeviceID:     deviceID,
		ClientConfig: body.Data.ClientConfig,
	}
	span.SetAttributes(attribute.Int("service_id", int(serviceID)))
	return ep, nil
}

// ParseEndpointURL 从网关URL中提取 service_id 与 device_id
func ParseEndpointURL(raw string) (int32, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", errors.ErrURLParse, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return 0, "", fmt.Errorf("%w: unsupported scheme %q", errors.ErrURLParse, u.Scheme)
	}
	q := u.Query()
	sid := q.Get(queryServiceID)
	if sid == "" {
		return 0, "", fmt.Errorf("%w: missing %s in %q", errors.ErrURLParse, queryServiceID, raw)
	}
	n, err := strconv.ParseInt(sid, 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("%w: invalid %s %q", errors.ErrURLParse, queryServiceID, sid)
	}
	return int32(n), q.Get(queryDeviceID), nil
}

// handshakeError 解析握手失败响应中的错误信息
func handshakeError(resp *http.Response, cause error) error {
	if resp == nil {
		return fmt.Errorf("%w: dial gateway: %v", errors.ErrRequest, cause)
	}
	status, err := strconv.Atoi(resp.Header.Get(headerHandshakeStatus))
	if err != nil {
		return fmt.Errorf("%w: dial gateway: http %d: %v", errors.ErrRequest, resp.StatusCode, cause)
	}
	msg := resp.Header.Get(headerHandshakeMsg)
	switch status {
	case handshakeForbidden:
		return &errors.ClientError{Code: status, Message: msg}
	case handshakeAuthFailed:
		if code, err := strconv.Atoi(resp.Header.Get(headerHandshakeAuthErr)); err == nil {
			return &errors.ClientError{Code: code, Message: msg}
		}
		return &errors.ClientError{Code: status, Message: msg}
	default:
		return &errors.ServerError{Code: status, Message: msg}
	}
}
