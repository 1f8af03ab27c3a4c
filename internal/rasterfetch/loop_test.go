package rasterfetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunPendingDrainsNestedPosts(t *testing.T) {
	t.Parallel()

	l := NewLoop()
	var order []int
	l.Post(func() {
		order = append(order, 1)
		l.Post(func() { order = append(order, 3) })
	})
	l.Post(func() { order = append(order, 2) })

	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 3, l.RunPending())
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Zero(t, l.Len())
}

func TestLoopWait(t *testing.T) {
	t.Parallel()

	l := NewLoop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)

	go l.Post(func() {})
	require.NoError(t, l.Wait(context.Background()))
	assert.Equal(t, 1, l.RunPending())
}

func TestLoopRun(t *testing.T) {
	t.Parallel()

	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	ran := make(chan struct{})
	l.Post(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("posted task did not run")
	}

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestLoopPostNeverBlocks(t *testing.T) {
	t.Parallel()

	l := NewLoop()
	const n = 5000
	posted := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			l.Post(func() {})
		}
		close(posted)
	}()
	select {
	case <-posted:
	case <-time.After(time.Second):
		t.Fatal("Post blocked without a reader")
	}

	assert.Equal(t, n, l.Len())
	require.NoError(t, l.Wait(context.Background()), "one wake-up is pending")
	assert.Equal(t, n, l.RunPending())
}
