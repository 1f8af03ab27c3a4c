package rasterfetch

import (
	"context"
	"sync"
)

// Dispatcher runs continuations on the goroutine that owns the resolution
// logic. Post must not block and may be called from any goroutine.
type Dispatcher interface {
	Post(fn func())
}

// Loop is an unbounded run queue drained by a single goroutine.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
}

func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default: // already signaled
	}
}

// Run drains the queue until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Wait blocks until a task is posted or ctx is done.
func (l *Loop) Wait(ctx context.Context) error {
	if l.Len() > 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.wake:
		return nil
	}
}

// RunPending executes queued tasks on the calling goroutine, including any
// they post, and returns how many ran.
func (l *Loop) RunPending() int {
	n := 0
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			fn()
			n++
		}
	}
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
