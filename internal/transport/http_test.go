package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BetaCatPro/wsevent/internal/errors"
	"github.com/BetaCatPro/wsevent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens map[types.TokenType]string

func (s staticTokens) Token(_ context.Context, kind types.TokenType, _ string) (string, error) {
	tok, ok := s[kind]
	if !ok {
		return "", stderrors.New("no token")
	}
	return tok, nil
}

func TestNewHTTPTransport(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		tr, err := NewHTTPTransport("https://open.feishu.cn")
		require.NoError(t, err)
		assert.NotNil(t, tr.client)
	})

	t.Run("relative_url", func(t *testing.T) {
		_, err := NewHTTPTransport("/just/a/path")
		assert.True(t, stderrors.Is(err, errors.ErrInvalidConfiguration))
	})
}

func TestHTTPTransportDo(t *testing.T) {
	t.Run("json_body_and_auth", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "POST", r.Method)
			assert.Equal(t, "/open-apis/im/v1/messages", r.URL.Path)
			assert.Equal(t, "Bearer t-123", r.Header.Get("Authorization"))
			assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
			assert.Contains(t, r.Header.Get("Content-Type"), "application/json")

			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "hi", body["text"])

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"code":0,"msg":"ok"}`))
		}))
		defer server.Close()

		tr, err := NewHTTPTransport(server.URL, WithHTTPClient(server.Client()),
			WithTokenProvider(staticTokens{types.TokenTypeTenant: "t-123"}))
		require.NoError(t, err)

		resp, err := tr.Do(context.Background(), &Request{
			Method:   http.MethodPost,
			Path:     "/open-apis/im/v1/messages",
			Body:     map[string]string{"text": "hi"},
			AuthKind: AuthTenant,
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var cr CodeResponse
		require.NoError(t, resp.DecodeJSON(&cr))
		assert.NoError(t, cr.Err())
	})

	t.Run("auth_without_provider", func(t *testing.T) {
		tr, err := NewHTTPTransport("http://127.0.0.1:1")
		require.NoError(t, err)
		_, err = tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/x", AuthKind: AuthApp})
		assert.True(t, stderrors.Is(err, errors.ErrInvalidConfiguration))
	})

	t.Run("status_errors", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			status := http.StatusBadRequest
			if r.URL.Path == "/gateway" {
				status = http.StatusBadGateway
			}
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"code":99991663,"msg":"invalid token"}`))
		}))
		defer server.Close()

		tr, err := NewHTTPTransport(server.URL, WithHTTPClient(server.Client()))
		require.NoError(t, err)

		_, err = tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/x"})
		var ce *errors.ClientError
		require.True(t, stderrors.As(err, &ce))
		assert.Equal(t, 99991663, ce.Code)
		assert.True(t, errors.IsFatal(err))

		_, err = tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/gateway"})
		assert.True(t, stderrors.Is(err, errors.ErrServer))
		assert.True(t, errors.IsRetryable(err))
	})

	t.Run("network_error", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		addr := server.URL
		server.Close()

		tr, err := NewHTTPTransport(addr)
		require.NoError(t, err)
		_, err = tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/x"})
		assert.True(t, stderrors.Is(err, errors.ErrRequest))
	})
}

func TestCodeResponseErr(t *testing.T) {
	assert.NoError(t, CodeResponse{}.Err())
	assert.True(t, stderrors.Is(CodeResponse{Code: CodeSystemBusy}.Err(), errors.ErrServer))
	assert.True(t, stderrors.Is(CodeResponse{Code: 403, Msg: "forbidden"}.Err(), errors.ErrClient))
}

func TestResponseDecodeJSON(t *testing.T) {
	var v map[string]interface{}
	assert.True(t, stderrors.Is((&Response{}).DecodeJSON(&v), errors.ErrUnexpectedResponse))
	assert.True(t, stderrors.Is((&Response{Body: []byte("<html>")}).DecodeJSON(&v), errors.ErrUnexpectedResponse))
}
