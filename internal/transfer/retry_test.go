package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetryPolicy_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0

	err := fastPolicy(3).Do(context.Background(), "list_recordings", IsRetryable, func() error {
		calls++
		if calls < 3 {
			return &NetworkError{Operation: "list_recordings", StatusCode: 503}
		}

		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0

	err := fastPolicy(2).Do(context.Background(), "upload_bytes", IsRetryable, func() error {
		calls++

		return &NetworkError{Operation: "upload_bytes", APIMessage: "timeout"}
	})

	var netErr *NetworkError
	assert.ErrorAs(t, err, &netErr)
	assert.Equal(t, 2, calls)
}

func TestRetryPolicy_StopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := &RemoteRejectionError{Operation: "create_media_items", StatusCode: 400, Code: 3}

	err := fastPolicy(5).Do(context.Background(), "create_media_items", IsRetryable, func() error {
		calls++

		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	policy := RetryPolicy{Attempts: 10, Delay: time.Hour}

	err := policy.Do(ctx, "list_recordings", IsRetryable, func() error {
		cancel()

		return &NetworkError{Operation: "list_recordings"}
	})

	assert.True(t, errors.Is(err, context.Canceled))
}

func TestIsRetryable(t *testing.T) {
	tests := map[string]struct {
		err  error
		want bool
	}{
		"network":           {&NetworkError{StatusCode: 502}, true},
		"rate limited":      {&RemoteRejectionError{StatusCode: 429}, true},
		"unavailable code":  {&RemoteRejectionError{StatusCode: 200, Code: 14}, true},
		"invalid argument":  {&RemoteRejectionError{StatusCode: 400, Code: 3}, false},
		"auth":              {&AuthenticationError{Operation: "refresh"}, false},
		"local io":          {&LocalIOError{Path: "/tmp"}, false},
		"plain error":       {errors.New("boom"), false},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
