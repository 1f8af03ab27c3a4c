package rasterfetch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// FetchQueue executes network retrieval for a FetchInfo, fills in its
// Tile and then runs its Callback on the dispatcher goroutine.
type FetchQueue interface {
	Enqueue(info *FetchInfo)
}

// Queue is the production FetchQueue. At most one transport call per
// (tileset, tile) is in flight; concurrent requests for the same key share
// its result. Admission is bounded by a weighted semaphore.
type Queue struct {
	transport   Transport
	dispatcher  Dispatcher
	baseURL     string
	accessToken string
	timeout     time.Duration
	log         *zap.Logger
	stats       *Stats

	sem   *semaphore.Weighted
	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	pending atomic.Int64
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithConcurrency caps simultaneous transport calls. Values < 1 mean 1.
func WithConcurrency(n int) QueueOption {
	return func(q *Queue) {
		if n < 1 {
			n = 1
		}
		q.sem = semaphore.NewWeighted(int64(n))
	}
}

// WithRequestTimeout bounds each transport call.
func WithRequestTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		q.timeout = d
	}
}

// WithAccessToken appends an access_token query parameter to tile URLs.
func WithAccessToken(token string) QueueOption {
	return func(q *Queue) {
		q.accessToken = token
	}
}

func WithQueueLogger(log *zap.Logger) QueueOption {
	return func(q *Queue) {
		if log != nil {
			q.log = log
		}
	}
}

func WithQueueStats(s *Stats) QueueOption {
	return func(q *Queue) {
		q.stats = s
	}
}

func NewQueue(transport Transport, dispatcher Dispatcher, baseURL string, opts ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		transport:  transport,
		dispatcher: dispatcher,
		baseURL:    baseURL,
		timeout:    30 * time.Second,
		log:        zap.NewNop(),
		sem:        semaphore.NewWeighted(8),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type flight struct {
	resp *TransportResponse
	etag string
}

func (q *Queue) Enqueue(info *FetchInfo) {
	q.pending.Add(1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.deliver(info, nil, ErrClosed)
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		q.run(info, info.key())
	}()
}

func (q *Queue) run(info *FetchInfo, key string) {
	url := info.Tile.URL(q.baseURL, q.accessToken)

	v, err, shared := q.group.Do(key, func() (any, error) {
		if err := q.sem.Acquire(q.ctx, 1); err != nil {
			return nil, err
		}
		defer q.sem.Release(1)

		q.stats.fetch()
		ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
		defer cancel()

		start := time.Now()
		resp, err := q.transport.Fetch(ctx, TransportRequest{URL: url, ETag: info.ETag})
		if err != nil {
			q.log.Debug("tile fetch failed",
				zap.String("tileset", info.TilesetID),
				zap.Stringer("tile", info.ID),
				zap.Error(err),
			)
			return nil, err
		}
		q.stats.observePayload(len(resp.Body))
		q.log.Debug("tile fetched",
			zap.String("tileset", info.TilesetID),
			zap.Stringer("tile", info.ID),
			zap.Int("status", resp.StatusCode),
			zap.Int("bytes", len(resp.Body)),
			zap.Duration("took", time.Since(start)),
		)
		return &flight{resp: resp, etag: info.ETag}, nil
	})
	if shared {
		q.stats.join()
	}

	if err == nil {
		f := v.(*flight)
		// A shared 304 only answers the validator the leader sent. Anyone
		// holding a different one runs its own request under a private key.
		if shared && f.resp.StatusCode == 304 && f.etag != info.ETag && key == info.key() {
			q.run(info, key+"|"+info.ETag)
			return
		}
		q.deliver(info, f.resp, nil)
		return
	}
	q.deliver(info, nil, err)
}

// deliver applies the outcome to the tile on the dispatcher goroutine.
func (q *Queue) deliver(info *FetchInfo, resp *TransportResponse, err error) {
	q.dispatcher.Post(func() {
		info.Tile.resetForFetch()
		if err != nil {
			info.Tile.AddError(err)
		} else {
			info.Tile.applyResponse(resp)
		}
		if info.Callback != nil {
			info.Callback()
		}
		q.pending.Add(-1)
	})
}

// Pending counts enqueued requests whose callbacks have not run yet.
func (q *Queue) Pending() int {
	return int(q.pending.Load())
}

// Close stops admitting work, cancels in-flight transfers and waits for
// their callbacks to be posted.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
