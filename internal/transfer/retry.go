package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/italolelis/smartcam_backup/internal/logctx"
	"github.com/juju/clock"
	"github.com/juju/retry"
)

// RetryPolicy bounds the in-call retries of an outbound request.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Clock    clock.Clock
}

// DefaultRetryPolicy is used when a client is built without an explicit policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: time.Second, MaxDelay: 30 * time.Second, Clock: clock.WallClock}
}

// Do calls fn until it succeeds, fails with an error retryable rejects, the attempts
// run out or ctx is done. The last error seen is returned.
func (p RetryPolicy) Do(ctx context.Context, operation string, retryable func(error) bool, fn func() error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	if p.Delay <= 0 {
		p.Delay = time.Millisecond
	}

	if p.Clock == nil {
		p.Clock = clock.WallClock
	}

	logger := logctx.LoggerFromContext(ctx)

	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return !retryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.DebugContext(ctx, "retrying request", "operation", operation, "attempt", attempt, "err", err)
		},
		Attempts:    p.Attempts,
		Delay:       p.Delay,
		MaxDelay:    p.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       p.Clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}

	if retry.IsRetryStopped(err) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}

	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		return retry.LastError(err)
	}

	return err
}

// IsRetryable reports whether err is a transient failure worth retrying in-call.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassTransient:
		return true
	case ClassRejection:
		var rej *RemoteRejectionError

		return errors.As(err, &rej) && rej.Retryable()
	}

	return false
}
