// Package cleanup runs a registered teardown exactly once on every exit path
// of a scoped body, including errors, cancellation and panics.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codex-k8s/stagectl/internal/pipeline"
)

// Teardown is the registered cleanup. It receives a context detached from
// the body's cancellation.
type Teardown func(ctx context.Context) error

// Guard runs a teardown at most once. Failures are logged and reported to
// OnFailure, never returned or re-panicked.
type Guard struct {
	once     sync.Once
	teardown Teardown
	logger   *slog.Logger
	timeout  time.Duration
	ran      atomic.Bool

	// OnFailure, when set, receives every teardown failure.
	OnFailure func(error)
}

// NewGuard registers teardown. A zero timeout means no bound.
func NewGuard(teardown Teardown, timeout time.Duration, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{teardown: teardown, timeout: timeout, logger: logger}
}

// Release runs the teardown on the first call and does nothing afterwards.
// ctx only supplies values; its cancellation is ignored.
func (g *Guard) Release(ctx context.Context) {
	g.once.Do(func() {
		g.ran.Store(true)
		if g.teardown == nil {
			return
		}

		tctx := context.WithoutCancel(ctx)
		if g.timeout > 0 {
			var cancel context.CancelFunc
			tctx, cancel = context.WithTimeout(tctx, g.timeout)
			defer cancel()
		}

		if err := g.call(tctx); err != nil {
			g.logger.Error("cleanup failed", "error", err)
			if g.OnFailure != nil {
				g.OnFailure(err)
			}
		}
	})
}

// Ran reports whether Release has executed the teardown.
func (g *Guard) Ran() bool {
	return g.ran.Load()
}

func (g *Guard) call(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &pipeline.CleanupFailureError{Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := g.teardown(ctx); err != nil {
		if pipeline.IsCleanupFailureError(err) {
			return err
		}
		return &pipeline.CleanupFailureError{Err: err}
	}
	return nil
}

// Run executes body and then the guard's teardown, whatever body does. A
// panic in body is re-raised after the teardown has run; the body's error is
// returned unchanged.
func Run(ctx context.Context, g *Guard, body func(ctx context.Context) error) error {
	defer g.Release(ctx)
	return body(ctx)
}
