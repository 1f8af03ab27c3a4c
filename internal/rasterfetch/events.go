package rasterfetch

import "sync"

// ReceivedFunc observes a tile delivered from any tier.
type ReceivedFunc func(owner TileOwner, tile *RasterTile)

// ErrorFunc observes a tile whose fetch failed.
type ErrorFunc func(owner TileOwner, tile *RasterTile, ev TileErrorEvent)

// Events is a multi-subscriber broadcast point for resolution outcomes.
// Subscribers run on the dispatcher goroutine in subscription order.
type Events struct {
	mu       sync.RWMutex
	nextID   int
	received []receivedSub
	errs     []errorSub
}

type receivedSub struct {
	id int
	fn ReceivedFunc
}

type errorSub struct {
	id int
	fn ErrorFunc
}

// OnReceived subscribes fn and returns a function that unsubscribes it.
func (e *Events) OnReceived(fn ReceivedFunc) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.received = append(e.received, receivedSub{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.received {
			if s.id == id {
				e.received = append(e.received[:i:i], e.received[i+1:]...)
				return
			}
		}
	}
}

// OnError subscribes fn and returns a function that unsubscribes it.
func (e *Events) OnError(fn ErrorFunc) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.errs = append(e.errs, errorSub{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.errs {
			if s.id == id {
				e.errs = append(e.errs[:i:i], e.errs[i+1:]...)
				return
			}
		}
	}
}

func (e *Events) emitReceived(owner TileOwner, tile *RasterTile) {
	e.mu.RLock()
	subs := e.received
	e.mu.RUnlock()
	for _, s := range subs {
		s.fn(owner, tile)
	}
}

func (e *Events) emitError(owner TileOwner, tile *RasterTile, ev TileErrorEvent) {
	e.mu.RLock()
	subs := e.errs
	e.mu.RUnlock()
	for _, s := range subs {
		s.fn(owner, tile, ev)
	}
}
