package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/smartcam_backup/internal/transfer"
	"github.com/italolelis/smartcam_backup/internal/worker"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_FatalErrorStopsEveryLoop(t *testing.T) {
	clk := testclock.NewClock(time.Now())

	var healthyRuns atomic.Int32

	healthy := &worker.Loop{
		Name:     "status",
		Interval: time.Minute,
		Clock:    clk,
		Task: func(ctx context.Context) error {
			healthyRuns.Add(1)

			return nil
		},
	}

	fatal := &worker.Loop{
		Name:     "refresher",
		Interval: time.Minute,
		Clock:    clk,
		Task: func(ctx context.Context) error {
			return &transfer.AuthenticationError{Operation: "refresh_token", Fatal: true}
		},
	}

	serviceStopped := make(chan struct{})

	e := New(healthy)
	e.Add(fatal)
	e.AddService("watcher", func(ctx context.Context) error {
		<-ctx.Done()
		close(serviceStopped)

		return ctx.Err()
	})

	done := make(chan error, 1)

	go func() { done <- e.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, transfer.IsFatal(err))
		assert.ErrorContains(t, err, "refresher")
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	<-serviceStopped
}

func TestEngine_CancelIsGraceful(t *testing.T) {
	var runs atomic.Int32

	e := New(&worker.Loop{
		Name:     "uploader",
		Interval: time.Hour,
		Clock:    testclock.NewClock(time.Now()),
		Task: func(ctx context.Context) error {
			runs.Add(1)

			return errors.New("transient")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- e.Run(ctx) }()

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestEngine_FailingServiceStopsEngine(t *testing.T) {
	e := New()
	e.AddService("watcher", func(ctx context.Context) error {
		return errors.New("inotify limit reached")
	})

	assert.ErrorContains(t, e.Run(context.Background()), "inotify")
}
