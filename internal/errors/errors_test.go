package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinehub/go-kline-archiver/internal/models"
)

type fakeNetError struct{ timeout bool }

func (e *fakeNetError) Error() string   { return "fake net error" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return true }

var _ net.Error = (*fakeNetError)(nil)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"nil", nil, ErrorTypeUnknown},
		{"context deadline", context.DeadlineExceeded, ErrorTypeTimeout},
		{"net timeout", &fakeNetError{timeout: true}, ErrorTypeTimeout},
		{"net other", &fakeNetError{}, ErrorTypeNetwork},
		{"rate limit text", stderrors.New("429 Too Many Requests"), ErrorTypeRateLimit},
		{"connection refused", stderrors.New("dial tcp: connection refused"), ErrorTypeNetwork},
		{"timeout text", stderrors.New("request timeout exceeded"), ErrorTypeTimeout},
		{"validation", &models.ValidationError{Field: "open", Message: "bad"}, ErrorTypeValidation},
		{"opaque", stderrors.New("something odd"), ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyWrappedValidationError(t *testing.T) {
	err := fmt.Errorf("merging: %w", &models.ValidationError{Field: "open_time", Message: "zero"})
	assert.Equal(t, ErrorTypeValidation, Classify(err))
}

func TestClassifyHTTPStatus(t *testing.T) {
	assert.Equal(t, ErrorTypeRateLimit, ClassifyHTTPStatus(429))
	assert.Equal(t, ErrorTypeRateLimit, ClassifyHTTPStatus(418))
	assert.Equal(t, ErrorTypeServerError, ClassifyHTTPStatus(503))
	assert.Equal(t, ErrorTypeBadRequest, ClassifyHTTPStatus(400))
	assert.Equal(t, ErrorTypeBadRequest, ClassifyHTTPStatus(404))
	assert.Equal(t, ErrorTypeUnknown, ClassifyHTTPStatus(200))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(stderrors.New("rate limit exceeded")))
	assert.False(t, IsRetryable(&models.ValidationError{Field: "open", Message: "bad"}))

	// Unknown errors stay retryable.
	assert.True(t, IsRetryable(stderrors.New("weird transient blip")))
}

func TestFetchError(t *testing.T) {
	key := models.FetchKey{Symbol: "BTCUSDT", Timeframe: models.Timeframe1h}
	cause := stderrors.New("server error 503")
	err := NewFetchError(key, ErrorTypeServerError, 3, cause)

	assert.Contains(t, err.Error(), "BTCUSDT_1h")
	assert.Contains(t, err.Error(), "3 attempt(s)")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrorTypeServerError, Classify(fmt.Errorf("wrapped: %w", err)))
}

func TestStorageWriteErrorUnwrap(t *testing.T) {
	key := models.FetchKey{Symbol: "ETHUSDT", Timeframe: models.Timeframe15m}
	cause := stderrors.New("disk full")
	err := &StorageWriteError{Key: key, Err: cause}

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ETHUSDT_15m")
}
