// Package dispatcher runs fire-and-forget background tasks off the request
// path and drains them on shutdown.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bgm-collector/internal/metrics"
)

// ErrClosed is reported by Wait when tasks were submitted after Close.
var ErrClosed = errors.New("dispatcher closed")

// Dispatcher runs each task on its own goroutine with a bounded lifetime.
// Tasks get a context detached from the submitting request so an early client
// disconnect never aborts a half-done refresh.
type Dispatcher struct {
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
	mu      sync.Mutex // guards closed and wg.Add
	closed  bool
	dropped atomic.Int64
}

// New creates a Dispatcher. A non-positive timeout disables the per-task deadline.
func New(timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{timeout: timeout, logger: logger}
}

// Go starts task in the background. Tasks submitted after Close are dropped.
func (d *Dispatcher) Go(name string, task func(ctx context.Context)) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.dropped.Add(1)
		d.logger.Warn("dropping background task after close", zap.String("task", name))
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		metrics.IncBackgroundTasks()
		defer metrics.DecBackgroundTasks()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("background task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()

		ctx := context.Background()
		if d.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		task(ctx)
	}()
}

// Close stops accepting new tasks.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// Wait blocks until every running task returns or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if n := d.dropped.Load(); n > 0 {
			return fmt.Errorf("%w: %d tasks dropped", ErrClosed, n)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for background tasks: %w", ctx.Err())
	}
}

// Inline runs tasks synchronously on the caller's goroutine. Tests use it to
// make background work deterministic.
type Inline struct{}

// Go runs task before returning.
func (Inline) Go(_ string, task func(ctx context.Context)) {
	task(context.Background())
}
