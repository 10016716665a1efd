package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := RateLimited("youtube", 30*time.Second)

	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.False(t, errors.Is(err, ErrQuotaExceeded))

	wrapped := fmt.Errorf("search failed: %w", err)
	assert.True(t, errors.Is(wrapped, ErrRateLimited))
	assert.Equal(t, 30*time.Second, RetryAfterOf(wrapped))
	assert.Equal(t, CodeRateLimited, CodeOf(wrapped))
}

func TestError_Message(t *testing.T) {
	cause := errors.New("connection reset")
	err := Unavailable("spotify", true, cause)

	assert.Contains(t, err.Error(), "PROVIDER_UNAVAILABLE")
	assert.Contains(t, err.Error(), "[spotify]")
	assert.Contains(t, err.Error(), "connection reset")
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, cause)
}

func TestBreakerOpen(t *testing.T) {
	err := BreakerOpen("youtube", time.Minute, nil)

	assert.True(t, errors.Is(err, ErrProviderUnavailable))
	assert.True(t, IsBreakerOpen(err))
	assert.False(t, IsRetryable(err))

	plain := Unavailable("youtube", true, nil)
	assert.False(t, IsBreakerOpen(plain))
}

func TestFromContext(t *testing.T) {
	assert.Nil(t, FromContext(nil))

	err := FromContext(context.DeadlineExceeded)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	err = FromContext(context.Canceled)
	assert.Equal(t, context.Canceled, err)
}

func TestCodeOf_NonGatewayError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("boom")))
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.Zero(t, RetryAfterOf(errors.New("boom")))
}
