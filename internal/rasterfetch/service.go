package rasterfetch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Service wires the cache tiers, the HTTP queue and both fetchers around one
// Loop. The caller owns the loop goroutine: Resolve calls and RunPending
// must happen there.
type Service struct {
	cfg Config
	log *zap.Logger

	loop     *Loop
	cache    *Manager
	queue    *Queue
	stats    *Stats
	events   *Events
	fetcher  *Fetcher
	override *OverrideFetcher

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewService(cfg Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}

	loop := NewLoop()
	mc := cfg.managerConfig()
	mc.Logger = log.Named("cache")
	cache, err := NewManager(mc, loop)
	if err != nil {
		return nil, err
	}

	stats := NewStats()
	transport := NewHTTPTransport(&http.Client{Timeout: cfg.timeoutDur}, cfg.Fetch.UserAgent, cfg.defaultExpDur)
	queue := NewQueue(transport, loop, cfg.Fetch.BaseURL,
		WithConcurrency(cfg.Fetch.Concurrency),
		WithRequestTimeout(cfg.timeoutDur),
		WithAccessToken(cfg.Fetch.AccessToken),
		WithQueueLogger(log.Named("queue")),
		WithQueueStats(stats),
	)

	events := &Events{}
	s := &Service{
		cfg:    cfg,
		log:    log,
		loop:   loop,
		cache:  cache,
		queue:  queue,
		stats:  stats,
		events: events,
		fetcher: NewFetcher(cache, queue,
			WithLogger(log.Named("fetcher")), WithStats(stats), WithEvents(events)),
		override: NewOverrideFetcher(cache, queue,
			WithLogger(log.Named("override")), WithStats(stats), WithEvents(events)),
		stopCh: make(chan struct{}),
	}

	if cfg.statsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.statsEveryDur)
		}()
	}
	return s, nil
}

func (s *Service) Loop() *Loop { return s.loop }
func (s *Service) Fetcher() *Fetcher { return s.fetcher }
func (s *Service) Override() *OverrideFetcher { return s.override }
func (s *Service) Events() *Events { return s.events }
func (s *Service) Stats() *Stats { return s.stats }

// Busy reports whether any fetch, file load or posted continuation is
// still outstanding.
func (s *Service) Busy() bool {
	return s.queue.Pending() > 0 || s.cache.PendingLoads() > 0 || s.loop.Len() > 0
}

// Drain runs continuations on the calling goroutine until nothing is
// outstanding or ctx is done.
func (s *Service) Drain(ctx context.Context) error {
	for {
		s.loop.RunPending()
		if !s.Busy() {
			return nil
		}
		if err := s.loop.Wait(ctx); err != nil {
			return err
		}
	}
}

// Close stops background work, abandons queued fetches and flushes the
// persistent tier. Continuations posted during shutdown are not run.
func (s *Service) Close() {
	s.once.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.queue.Close()
		s.cache.Close()
		s.logStats()
	})
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	memTiles, memBytes, diskEntries, diskBytes := s.cache.Usage()
	fields := []zap.Field{
		zap.Int("memory_tiles", memTiles),
		zap.String("memory_usage", formatBytes(uint64(memBytes))),
		zap.Int("disk_entries", diskEntries),
		zap.String("disk_usage", formatBytes(uint64(diskBytes))),
		zap.Uint64("memory_hits", ss.MemoryHits),
		zap.Uint64("file_hits", ss.FileHits),
		zap.Uint64("fetches", ss.Fetches),
		zap.Uint64("joined", ss.Joined),
		zap.Uint64("received", ss.Received),
		zap.Uint64("not_modified", ss.NotModified),
		zap.Uint64("failures", ss.Failures),
		zap.Uint64("discarded", ss.Discarded),
		zap.String("payload_min", formatBytes(ss.MinPayloadBytes)),
		zap.String("payload_avg", formatBytes(ss.AvgPayloadBytes)),
		zap.String("payload_max", formatBytes(ss.MaxPayloadBytes)),
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", formatBytes(rss)))
	}
	s.log.Info("stats", fields...)
}
