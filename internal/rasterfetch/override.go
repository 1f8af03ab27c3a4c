package rasterfetch

// OverrideFetcher resolves tiles for the fallback source. It differs from
// Fetcher in three ways: hits always produce a fresh RasterTile, entries
// are marked fixed after a successful file hit or fetch, and a miss with a
// caller supplied tile queues that tile as is.
type OverrideFetcher struct {
	*Fetcher
}

var _ Resolver = (*OverrideFetcher)(nil)

func NewOverrideFetcher(cache CacheManager, queue FetchQueue, opts ...Option) *OverrideFetcher {
	f := NewFetcher(cache, queue, opts...)
	f.pin = true
	return &OverrideFetcher{Fetcher: f}
}

func (o *OverrideFetcher) Resolve(req TileRequest) {
	if item := o.cache.TextureFromMemory(req.TilesetID, req.ID); item != nil {
		tile := newVariantTile(SelectVariant(req.TilesetID, req.Retina), req.ID, req.TilesetID)
		tile.setFromCache(item, OriginMemory)
		o.stats.memoryHit()
		o.received(req.Owner, tile)
		return
	}

	if o.cache.TextureFileExists(req.TilesetID, req.ID) {
		o.cache.TextureFromFile(req.TilesetID, req.ID, func(item *TextureCacheItem) {
			if o.recycled(req) {
				return
			}
			if item == nil {
				o.createWebRequest(req, "", o.complete)
				return
			}

			tile := newVariantTile(SelectVariant(req.TilesetID, req.Retina), req.ID, req.TilesetID)
			tile.setFromCache(item, OriginFile)
			o.stats.fileHit()
			o.received(req.Owner, tile)
			o.cache.MarkFixed(req.ID, req.TilesetID)

			if o.expired(item) {
				o.createWebRequest(req, item.ETag, o.complete)
			}
		})
		return
	}

	// A supplied tile goes straight to the queue without a validator.
	if req.Tile != nil {
		if req.Owner != nil {
			req.Owner.AddTile(req.Tile)
		}
		o.enqueue(req, req.Tile, "", o.complete)
		return
	}
	o.createWebRequest(req, "", o.complete)
}

func (o *OverrideFetcher) complete(id TileID, tile *RasterTile, owner TileOwner) bool {
	if !o.Fetcher.complete(id, tile, owner) {
		return false
	}
	o.cache.MarkFixed(tile.ID, tile.TilesetID)
	return true
}
