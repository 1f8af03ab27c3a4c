package rasterfetch

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// Stats counts resolution outcomes. A nil *Stats ignores all observations.
type Stats struct {
	memoryHits  atomic.Uint64
	fileHits    atomic.Uint64
	fetches     atomic.Uint64
	joined      atomic.Uint64
	received    atomic.Uint64
	notModified atomic.Uint64
	failures    atomic.Uint64
	discarded   atomic.Uint64

	payloads     atomic.Uint64
	payloadBytes atomic.Uint64
	minPayload   atomic.Uint64
	maxPayload   atomic.Uint64
}

func NewStats() *Stats {
	s := &Stats{}
	s.minPayload.Store(math.MaxUint64)
	return s
}

func (s *Stats) memoryHit() {
	if s != nil {
		s.memoryHits.Add(1)
	}
}

func (s *Stats) fileHit() {
	if s != nil {
		s.fileHits.Add(1)
	}
}

func (s *Stats) fetch() {
	if s != nil {
		s.fetches.Add(1)
	}
}

func (s *Stats) join() {
	if s != nil {
		s.joined.Add(1)
	}
}

func (s *Stats) receive() {
	if s != nil {
		s.received.Add(1)
	}
}

func (s *Stats) notModifiedHit() {
	if s != nil {
		s.notModified.Add(1)
	}
}

func (s *Stats) failure() {
	if s != nil {
		s.failures.Add(1)
	}
}

func (s *Stats) discard() {
	if s != nil {
		s.discarded.Add(1)
	}
}

// observePayload records the size of a network payload.
func (s *Stats) observePayload(size int) {
	if s == nil {
		return
	}
	if size < 0 {
		size = 0
	}
	n := uint64(size)

	s.payloads.Add(1)
	s.payloadBytes.Add(n)

	for {
		cur := s.minPayload.Load()
		if n >= cur {
			break
		}
		if s.minPayload.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxPayload.Load()
		if n <= cur {
			break
		}
		if s.maxPayload.CompareAndSwap(cur, n) {
			break
		}
	}
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	MemoryHits  uint64
	FileHits    uint64
	Fetches     uint64
	Joined      uint64
	Received    uint64
	NotModified uint64
	Failures    uint64
	Discarded   uint64

	MinPayloadBytes uint64
	AvgPayloadBytes uint64
	MaxPayloadBytes uint64
}

func (s *Stats) Snapshot() StatsSnapshot {
	if s == nil {
		return StatsSnapshot{}
	}
	out := StatsSnapshot{
		MemoryHits:  s.memoryHits.Load(),
		FileHits:    s.fileHits.Load(),
		Fetches:     s.fetches.Load(),
		Joined:      s.joined.Load(),
		Received:    s.received.Load(),
		NotModified: s.notModified.Load(),
		Failures:    s.failures.Load(),
		Discarded:   s.discarded.Load(),
	}
	count := s.payloads.Load()
	if count == 0 {
		return out
	}
	minv := s.minPayload.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.MinPayloadBytes = minv
	out.MaxPayloadBytes = s.maxPayload.Load()
	out.AvgPayloadBytes = s.payloadBytes.Load() / count
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return s
}
