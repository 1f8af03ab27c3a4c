package rasterfetch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"
)

// CacheManager is the two-tier cache facade the fetchers resolve against.
// TextureFromFile completes asynchronously; done runs on the dispatcher.
type CacheManager interface {
	TextureFromMemory(tilesetID string, id TileID) *TextureCacheItem
	TextureFileExists(tilesetID string, id TileID) bool
	TextureFromFile(tilesetID string, id TileID, done func(*TextureCacheItem))
	AddTextureItem(tilesetID string, id TileID, item *TextureCacheItem, persist bool)
	MarkFixed(id TileID, tilesetID string)
}

// ManagerConfig sizes the cache tiers. An empty DiskPath keeps the
// persistent tier in memory, which is what tests use.
type ManagerConfig struct {
	MemoryTiles  int
	DiskPath     string
	DiskMaxBytes int64
	Compression  string
	Logger       *zap.Logger
}

// Manager combines the memory and disk tiers.
type Manager struct {
	mem        *memoryCache
	disk       *diskCache
	dispatcher Dispatcher
	log        *zap.Logger
	warn       *rateLimitedLogger

	loads   sync.WaitGroup
	pending atomic.Int64
}

var _ CacheManager = (*Manager)(nil)

func NewManager(cfg ManagerConfig, dispatcher Dispatcher) (*Manager, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	warn := newRateLimitedLogger(log, time.Minute)

	mem, err := newMemoryCache(cfg.MemoryTiles)
	if err != nil {
		return nil, err
	}
	disk, err := newDiskCache(cfg.DiskPath, cfg.DiskMaxBytes, cfg.Compression, warn)
	if err != nil {
		return nil, err
	}
	log.Info("cache tiers ready",
		zap.Int("memory_tiles", cfg.MemoryTiles),
		zap.String("disk_path", cfg.DiskPath),
		zap.Int("disk_entries", disk.KeyCount()),
		zap.String("disk_usage", formatBytes(uint64(disk.TotalSize()))),
	)
	return &Manager{
		mem:        mem,
		disk:       disk,
		dispatcher: dispatcher,
		log:        log,
		warn:       warn,
	}, nil
}

func cacheKey(tilesetID string, id TileID) string { return fetchKey(tilesetID, id) }

func (m *Manager) TextureFromMemory(tilesetID string, id TileID) *TextureCacheItem {
	item, ok := m.mem.Get(cacheKey(tilesetID, id))
	if !ok {
		return nil
	}
	return item
}

func (m *Manager) TextureFileExists(tilesetID string, id TileID) bool {
	return m.disk.HasKey(cacheKey(tilesetID, id))
}

// TextureFromFile loads and decodes the persisted record off the
// dispatcher goroutine, promotes it to memory unless memory already holds
// the key, and posts the result. A record that vanished or cannot be
// decoded arrives as nil.
func (m *Manager) TextureFromFile(tilesetID string, id TileID, done func(*TextureCacheItem)) {
	m.pending.Add(1)
	m.loads.Add(1)
	go func() {
		defer m.loads.Done()
		item := m.load(tilesetID, id)
		m.dispatcher.Post(func() {
			done(item)
			m.pending.Add(-1)
		})
	}()
}

// PendingLoads counts file loads whose continuations have not run yet.
func (m *Manager) PendingLoads() int {
	return int(m.pending.Load())
}

func (m *Manager) load(tilesetID string, id TileID) *TextureCacheItem {
	key := cacheKey(tilesetID, id)
	rec, ok := m.disk.Get(key)
	if !ok {
		return nil
	}
	img, err := decodeTexture(rec.Data)
	if err != nil {
		m.warn.Warn("dropping undecodable disk record", zap.String("key", key), zap.Error(err))
		m.disk.Delete(key)
		return nil
	}
	item := &TextureCacheItem{
		ID:        id,
		TilesetID: tilesetID,
		From:      OriginFile,
		ETag:      rec.ETag,
		Data:      rec.Data,
		Image:     img,
		Fixed:     m.disk.IsFixed(key),
		Digest:    rec.Digest,
	}
	if rec.Expiration != 0 {
		item.Expiration = time.Unix(0, rec.Expiration)
	}
	// A newer entry written while the record was loading wins.
	return m.mem.AddIfAbsent(key, item)
}

// AddTextureItem writes item to memory and, when persist is set, to disk.
// An item without Data is a revalidation refresh: stored bytes are kept and
// only the ETag and expiration change. Data for a fixed entry is only
// accepted from an item that is itself marked Fixed.
func (m *Manager) AddTextureItem(tilesetID string, id TileID, item *TextureCacheItem, persist bool) {
	key := cacheKey(tilesetID, id)

	if len(item.Data) == 0 {
		if cur, ok := m.mem.Peek(key); ok {
			refreshed := *cur
			if item.ETag != "" {
				refreshed.ETag = item.ETag
			}
			if !item.Expiration.IsZero() {
				refreshed.Expiration = item.Expiration
			}
			m.mem.Put(key, &refreshed)
		}
		if persist {
			m.disk.RefreshAsync(key, item.ETag, unixNanoOrZero(item.Expiration))
		}
		return
	}

	memFixed := false
	if cur, ok := m.mem.Peek(key); ok && cur.Fixed {
		memFixed = true
	}
	if !item.Fixed && (memFixed || m.disk.IsFixed(key)) {
		m.log.Debug("keeping fixed tile", zap.String("key", key))
		return
	}

	stored := *item
	if stored.Digest == "" {
		stored.Digest = digest.FromBytes(stored.Data).String()
	}
	stored.Fixed = item.Fixed || memFixed
	if stored.Image != nil {
		m.mem.Put(key, &stored)
	}
	if persist {
		m.disk.PutAsync(key, diskRecord{
			TilesetID:  tilesetID,
			Z:          id.Z,
			X:          id.X,
			Y:          id.Y,
			ETag:       stored.ETag,
			Data:       stored.Data,
			Expiration: unixNanoOrZero(stored.Expiration),
			Digest:     stored.Digest,
		}, stored.Fixed)
	}
}

// MarkFixed flags the entry as satisfied by the override source. Fixed
// entries survive disk eviction and keep the flag when rewritten.
func (m *Manager) MarkFixed(id TileID, tilesetID string) {
	key := cacheKey(tilesetID, id)
	if cur, ok := m.mem.Peek(key); ok && !cur.Fixed {
		fixed := *cur
		fixed.Fixed = true
		m.mem.Put(key, &fixed)
	}
	m.disk.FixAsync(key)
	m.log.Debug("tile pinned", zap.String("key", key))
}

// Flush waits for pending file loads and disk writes to land.
func (m *Manager) Flush() {
	m.loads.Wait()
	m.disk.flush()
}

// Close flushes and closes the persistent tier.
func (m *Manager) Close() {
	m.loads.Wait()
	m.disk.close()
}

// Usage reports entry counts and byte totals of both tiers.
func (m *Manager) Usage() (memTiles int, memBytes int64, diskEntries int, diskBytes int64) {
	return m.mem.Len(), m.mem.TotalSize(), m.disk.KeyCount(), m.disk.TotalSize()
}

func unixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
