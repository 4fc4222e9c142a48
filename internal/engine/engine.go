// Package engine supervises the worker loops. The first fatal error cancels every
// other loop and is returned to the caller.
package engine

import (
	"context"

	"github.com/italolelis/smartcam_backup/internal/logctx"
	"github.com/italolelis/smartcam_backup/internal/worker"
	"golang.org/x/sync/errgroup"
)

// Service is a long running companion of the loops, such as the staging watcher.
type Service func(ctx context.Context) error

type Engine struct {
	loops    []*worker.Loop
	services map[string]Service
}

func New(loops ...*worker.Loop) *Engine {
	return &Engine{loops: loops, services: map[string]Service{}}
}

func (e *Engine) Add(loop *worker.Loop) {
	e.loops = append(e.loops, loop)
}

func (e *Engine) AddService(name string, svc Service) {
	e.services[name] = svc
}

// Run blocks until ctx is cancelled or a loop fails fatally.
func (e *Engine) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	wg, ctx := errgroup.WithContext(ctx)

	for _, l := range e.loops {
		wg.Go(func() error {
			return l.Run(ctx)
		})
	}

	for name, svc := range e.services {
		wg.Go(func() error {
			if err := svc(ctx); err != nil && ctx.Err() == nil {
				logger.ErrorContext(ctx, "service stopped", "service", name, "err", err)

				return err
			}

			return nil
		})
	}

	logger.InfoContext(ctx, "engine started", "workers", len(e.loops), "services", len(e.services))

	return wg.Wait()
}
