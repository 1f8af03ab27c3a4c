package rasterfetch

import (
	"time"

	"go.uber.org/zap"
)

// Resolver resolves tile requests; outcomes arrive on its Events.
type Resolver interface {
	Resolve(req TileRequest)
	Events() *Events
}

type completeFunc func(id TileID, tile *RasterTile, owner TileOwner) bool

// Fetcher resolves tile images from memory, then disk, then the network.
//
// A Fetcher is owned by the dispatcher goroutine: Resolve must be called
// there, and every continuation (file loads, fetch completions) is posted
// back to it by the cache and queue collaborators. It holds no locks.
type Fetcher struct {
	cache  CacheManager
	queue  FetchQueue
	events *Events
	log    *zap.Logger
	stats  *Stats
	now    func() time.Time

	// pin marks write-backs as override data, which may replace fixed entries.
	pin bool
}

var _ Resolver = (*Fetcher)(nil)

// Option configures a Fetcher.
type Option func(*Fetcher)

func WithLogger(log *zap.Logger) Option {
	return func(f *Fetcher) {
		if log != nil {
			f.log = log
		}
	}
}

func WithStats(s *Stats) Option {
	return func(f *Fetcher) {
		f.stats = s
	}
}

// WithEvents shares an existing broadcast point, e.g. between a base and
// an override fetcher.
func WithEvents(e *Events) Option {
	return func(f *Fetcher) {
		if e != nil {
			f.events = e
		}
	}
}

// WithClock replaces time.Now for expiration checks.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		f.now = now
	}
}

func NewFetcher(cache CacheManager, queue FetchQueue, opts ...Option) *Fetcher {
	f := &Fetcher{
		cache:  cache,
		queue:  queue,
		events: &Events{},
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fetcher) Events() *Events { return f.events }

// Resolve produces the tile for req. With req.Tile set, that tile is
// populated in place; otherwise new tiles are built and attached to
// req.Owner. A stale file hit is delivered first and then revalidated, so
// Received may fire twice for one request.
func (f *Fetcher) Resolve(req TileRequest) {
	if req.Tile != nil {
		f.resolveInto(req)
		return
	}
	f.resolveFresh(req)
}

func (f *Fetcher) resolveInto(req TileRequest) {
	tile := req.Tile
	if req.Owner != nil {
		req.Owner.AddTile(tile)
	}

	if item := f.cache.TextureFromMemory(req.TilesetID, req.ID); item != nil {
		tile.setFromCache(item, OriginMemory)
		f.stats.memoryHit()
		f.received(req.Owner, tile)
		return
	}

	if !f.cache.TextureFileExists(req.TilesetID, req.ID) {
		f.enqueue(req, tile, "", f.complete)
		return
	}

	f.cache.TextureFromFile(req.TilesetID, req.ID, func(item *TextureCacheItem) {
		if f.recycled(req) {
			return
		}
		// Pruned between the existence check and the load.
		if item == nil {
			f.enqueue(req, tile, "", f.complete)
			return
		}

		tile.setFromCache(item, OriginFile)
		f.stats.fileHit()
		f.received(req.Owner, tile)

		if f.expired(item) {
			f.enqueue(req, tile, item.ETag, f.complete)
		}
	})
}

func (f *Fetcher) resolveFresh(req TileRequest) {
	if item := f.cache.TextureFromMemory(req.TilesetID, req.ID); item != nil {
		tile := newVariantTile(SelectVariant(req.TilesetID, req.Retina), req.ID, req.TilesetID)
		tile.setFromCache(item, OriginMemory)
		if req.Owner != nil {
			req.Owner.AddTile(tile)
		}
		f.stats.memoryHit()
		f.received(req.Owner, tile)
		return
	}

	if !f.cache.TextureFileExists(req.TilesetID, req.ID) {
		f.createWebRequest(req, "", f.complete)
		return
	}

	f.cache.TextureFromFile(req.TilesetID, req.ID, func(item *TextureCacheItem) {
		if f.recycled(req) {
			return
		}
		if item == nil {
			f.createWebRequest(req, "", f.complete)
			return
		}

		tile := newVariantTile(SelectVariant(req.TilesetID, req.Retina), req.ID, req.TilesetID)
		tile.setFromCache(item, OriginFile)
		if req.Owner != nil {
			req.Owner.AddTile(tile)
		}
		f.stats.fileHit()
		f.received(req.Owner, tile)

		if f.expired(item) {
			f.createWebRequest(req, item.ETag, f.complete)
		}
	})
}

// createWebRequest builds a tile of the variant chosen by namespace and
// resolution, attaches it to the owner and queues it.
func (f *Fetcher) createWebRequest(req TileRequest, etag string, done completeFunc) {
	tile := newVariantTile(SelectVariant(req.TilesetID, req.Retina), req.ID, req.TilesetID)
	if req.Owner != nil {
		req.Owner.AddTile(tile)
	}
	f.enqueue(req, tile, etag, done)
}

func (f *Fetcher) enqueue(req TileRequest, tile *RasterTile, etag string, done completeFunc) {
	id, owner := req.ID, req.Owner
	f.queue.Enqueue(&FetchInfo{
		ID:        id,
		TilesetID: req.TilesetID,
		Tile:      tile,
		ETag:      etag,
		Callback:  func() { done(id, tile, owner) },
	})
}

// complete handles a finished network fetch and reports whether it
// succeeded. Successful responses, 304s included, are written back.
func (f *Fetcher) complete(id TileID, tile *RasterTile, owner TileOwner) bool {
	if owner != nil && !owner.ContainsDataTile(tile) {
		f.stats.discard()
		f.log.Debug("dropping fetch for recycled slot",
			zap.String("tileset", tile.TilesetID),
			zap.Stringer("tile", id),
		)
		return false
	}

	if !tile.HasError() {
		tile.AddError(tile.extractImage())
	}
	if tile.HasError() {
		f.stats.failure()
		f.events.emitError(owner, tile, TileErrorEvent{
			ID:      id,
			Variant: tile.Variant,
			Owner:   owner,
			Errs:    tile.Errors(),
		})
		return false
	}

	item := tile.cacheItem()
	item.Fixed = f.pin
	f.cache.AddTextureItem(tile.TilesetID, id, item, true)

	if tile.NotModified() {
		f.stats.notModifiedHit()
		return true
	}
	f.received(owner, tile)
	return true
}

func (f *Fetcher) received(owner TileOwner, tile *RasterTile) {
	f.stats.receive()
	f.events.emitReceived(owner, tile)
}

// recycled reports whether the owner now expects another coordinate.
func (f *Fetcher) recycled(req TileRequest) bool {
	if req.Owner == nil || req.Owner.CanonicalTileID() == req.ID {
		return false
	}
	f.stats.discard()
	f.log.Debug("dropping file load for recycled slot",
		zap.String("tileset", req.TilesetID),
		zap.Stringer("tile", req.ID),
		zap.Stringer("owner", req.Owner.CanonicalTileID()),
	)
	return true
}

func (f *Fetcher) expired(item *TextureCacheItem) bool {
	return !item.Expiration.IsZero() && item.Expiration.Before(f.now())
}
