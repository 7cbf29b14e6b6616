// Package coalesce deduplicates concurrent work by key and bounds how many
// distinct keys run at once.
//
// Callers asking for a key that is already in flight wait for that call and
// receive its result. New work first acquires one of a fixed number of
// permits, so at most capacity producers run concurrently across all keys.
package coalesce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/bgm-collector/internal/metrics"
)

// ErrPanic is wrapped into the error handed to waiters when a producer panics.
var ErrPanic = errors.New("producer panicked")

// SharedError is the failure of one coalesced call. Every waiter on the call
// receives the same value; Unwrap exposes the producer's error.
type SharedError struct {
	Key string
	Err error
}

func (e *SharedError) Error() string {
	return fmt.Sprintf("coalesced call %s: %v", e.Key, e.Err)
}

func (e *SharedError) Unwrap() error { return e.Err }

// Producer computes the value for a key.
type Producer[V any] func(ctx context.Context) (V, error)

// Group coalesces producers of V.
type Group[V any] struct {
	name    string
	flight  singleflight.Group
	permits *semaphore.Weighted
	timeout time.Duration
	logger  *zap.Logger
}

// Option customizes a Group.
type Option func(*groupOptions)

type groupOptions struct {
	timeout time.Duration
}

// WithTimeout bounds each shared call, including the wait for a permit.
func WithTimeout(d time.Duration) Option {
	return func(o *groupOptions) { o.timeout = d }
}

// New returns a Group allowing capacity producers at once. Capacities below
// one are raised to one.
func New[V any](name string, capacity int, logger *zap.Logger, opts ...Option) *Group[V] {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o groupOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Group[V]{
		name:    name,
		permits: semaphore.NewWeighted(int64(capacity)),
		timeout: o.timeout,
		logger:  logger,
	}
}

// Name returns the group's label.
func (g *Group[V]) Name() string { return g.name }

// Do runs produce for key unless a call for key is already in flight, in which
// case it waits for that call's result. The shared call keeps the starting
// caller's context values but not its cancellation; a waiter whose own ctx
// ends stops waiting without affecting the call or the other waiters.
func (g *Group[V]) Do(ctx context.Context, key string, produce Producer[V]) (V, error) {
	var zero V
	ch := g.flight.DoChan(key, func() (any, error) {
		callCtx := context.WithoutCancel(ctx)
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, g.timeout)
			defer cancel()
		}
		return g.run(callCtx, key, produce)
	})
	select {
	case res := <-ch:
		metrics.ObserveCoalesce(g.name, res.Shared)
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (g *Group[V]) run(ctx context.Context, key string, produce Producer[V]) (val any, err error) {
	if aerr := g.permits.Acquire(ctx, 1); aerr != nil {
		return nil, &SharedError{Key: key, Err: fmt.Errorf("acquire permit: %w", aerr)}
	}
	defer g.permits.Release(1)

	metrics.IncCoalesceInFlight(g.name)
	defer metrics.DecCoalesceInFlight(g.name)

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("producer panicked",
				zap.String("group", g.name),
				zap.String("key", key),
				zap.Any("panic", r),
			)
			val = nil
			err = &SharedError{Key: key, Err: fmt.Errorf("%w: %v", ErrPanic, r)}
		}
	}()

	v, perr := produce(ctx)
	if perr != nil {
		return nil, &SharedError{Key: key, Err: perr}
	}
	return v, nil
}
