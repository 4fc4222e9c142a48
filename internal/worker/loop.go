// Package worker runs a task on a fixed interval until its context is cancelled,
// applying one error policy to every periodic component.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/smartcam_backup/internal/logctx"
	"github.com/italolelis/smartcam_backup/internal/telemetry"
	"github.com/italolelis/smartcam_backup/internal/transfer"
	"github.com/juju/clock"
)

// Task is one poll cycle.
type Task func(ctx context.Context) error

// Loop runs Task immediately, then once per Interval or whenever Wake fires.
// A fatal error ends the loop and is returned; any other error is logged with its
// class and the task runs again on the next tick.
type Loop struct {
	Name      string
	Interval  time.Duration
	Task      Task
	Clock     clock.Clock
	Wake      <-chan struct{}
	Telemetry *telemetry.Telemetry
}

func (l *Loop) Run(ctx context.Context) error {
	clk := l.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	ctx = logctx.With(ctx, "worker", l.Name)
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "worker started", "interval", l.Interval)

	for {
		if err := l.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				logger.InfoContext(ctx, "worker stopped")

				return nil
			}

			l.Telemetry.RecordSystemError(ctx, l.Name, string(transfer.Classify(err)))

			if transfer.IsFatal(err) {
				logger.ErrorContext(ctx, "worker halted by fatal error", "class", transfer.Classify(err), "err", err)

				return fmt.Errorf("%s: %w", l.Name, err)
			}

			logger.WarnContext(ctx, "cycle failed, retrying next interval", "class", transfer.Classify(err), "err", err)
		}

		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "worker stopped")

			return nil
		case <-clk.After(l.Interval):
		case <-l.Wake:
			logger.DebugContext(ctx, "woken early")
		}
	}
}

func (l *Loop) cycle(ctx context.Context) (err error) {
	ctx = logctx.WithCycleID(ctx, uuid.NewString())

	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "cycle panicked", "panic", r, "stack", string(debug.Stack()))

			err = fmt.Errorf("panic in %s cycle: %v", l.Name, r)
		}
	}()

	return l.Telemetry.InstrumentCycle(ctx, l.Name, func(ctx context.Context) error {
		return l.Task(ctx)
	})
}
