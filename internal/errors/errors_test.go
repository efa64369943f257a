package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		fatal     bool
		retryable bool
	}{
		{"nil", nil, false, false},
		{"closed", &ConnectionClosedError{Code: 1000, Reason: "bye"}, false, true},
		{"protocol", Protocol("seq %d >= sum %d", 3, 2), false, true},
		{"server", &ServerError{Code: 1, Message: "busy"}, false, true},
		{"client", &ClientError{Code: 403, Message: "forbidden"}, true, false},
		{"heartbeat", fmt.Errorf("loop: %w", ErrHeartbeatTimeout), false, true},
		{"request", fmt.Errorf("%w: dial tcp", ErrRequest), false, true},
		{"unexpected", ErrUnexpectedResponse, true, false},
		{"config", fmt.Errorf("%w: missing AppID", ErrInvalidConfiguration), true, false},
		{"url", fmt.Errorf("%w: no service_id", ErrURLParse), true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.fatal, IsFatal(tc.err))
			assert.Equal(t, tc.retryable, IsRetryable(tc.err))
		})
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	wrapped := fmt.Errorf("allocate: %w", &ServerError{Code: 1, Message: "system busy"})
	assert.True(t, stderrors.Is(wrapped, ErrServer))

	var se *ServerError
	assert.True(t, stderrors.As(wrapped, &se))
	assert.Equal(t, 1, se.Code)

	closed := &ConnectionClosedError{}
	assert.Equal(t, "connection closed", closed.Error())
	assert.True(t, stderrors.Is(closed, ErrConnectionClosed))
}

func TestErrorCenter(t *testing.T) {
	ec := NewErrorCenter()
	var got []error
	ec.AddErrorCallback(func(err error) { got = append(got, err) })

	ec.ReportError(nil)
	ec.ReportError(ErrBufferFull)
	assert.Equal(t, []error{ErrBufferFull}, got)

	ec.ClearCallbacks()
	ec.ReportError(ErrBufferFull)
	assert.Len(t, got, 1)
}
