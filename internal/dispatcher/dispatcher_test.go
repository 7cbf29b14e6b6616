package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestDispatcherRunsTasksDetached ensures tasks outlive the submitting context.
func TestDispatcherRunsTasksDetached(t *testing.T) {
	t.Parallel()

	d := New(time.Second, zap.NewNop())
	var ran atomic.Bool
	d.Go("detached", func(ctx context.Context) {
		_, hasDeadline := ctx.Deadline()
		if hasDeadline && ctx.Err() == nil {
			ran.Store(true)
		}
	})

	require.NoError(t, d.Wait(context.Background()))
	require.True(t, ran.Load())
}

// TestDispatcherRecoversPanics verifies a panicking task does not take the process down.
func TestDispatcherRecoversPanics(t *testing.T) {
	t.Parallel()

	d := New(0, zap.NewNop())
	d.Go("panics", func(context.Context) { panic("boom") })
	var after atomic.Bool
	d.Go("after", func(context.Context) { after.Store(true) })

	require.NoError(t, d.Wait(context.Background()))
	require.True(t, after.Load())
}

// TestDispatcherWaitHonoursContext checks Wait gives up when its context ends.
func TestDispatcherWaitHonoursContext(t *testing.T) {
	t.Parallel()

	d := New(0, zap.NewNop())
	release := make(chan struct{})
	d.Go("slow", func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, d.Wait(context.Background()))
}

// TestDispatcherDropsAfterClose ensures late submissions are reported.
func TestDispatcherDropsAfterClose(t *testing.T) {
	t.Parallel()

	d := New(0, zap.NewNop())
	d.Close()
	var ran atomic.Bool
	d.Go("late", func(context.Context) { ran.Store(true) })

	require.ErrorIs(t, d.Wait(context.Background()), ErrClosed)
	require.False(t, ran.Load())
}

func TestDispatcherCloseDuringSubmitAccountsForEveryTask(t *testing.T) {
	t.Parallel()

	d := New(time.Second, zap.NewNop())
	const total = 200
	var ran atomic.Int64
	var submitters sync.WaitGroup
	for range total {
		submitters.Add(1)
		go func() {
			defer submitters.Done()
			d.Go("racing", func(context.Context) { ran.Add(1) })
		}()
	}
	d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = d.Wait(ctx)
	submitters.Wait()

	if err := d.Wait(ctx); err != nil {
		require.ErrorIs(t, err, ErrClosed)
	}
	require.Equal(t, int64(total), ran.Load()+d.dropped.Load())
}

func TestInlineRunsSynchronously(t *testing.T) {
	t.Parallel()

	ran := false
	Inline{}.Go("inline", func(context.Context) { ran = true })
	require.True(t, ran)
}
