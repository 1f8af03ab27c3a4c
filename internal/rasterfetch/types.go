package rasterfetch

import (
	"fmt"
	"image"
	"time"

	"go.uber.org/multierr"
)

// TileID is a canonical tile coordinate. It is treated as an opaque
// comparable key; no pyramid math is done on it here.
type TileID struct {
	Z int
	X int
	Y int
}

func (id TileID) String() string { return fmt.Sprintf("%d/%d/%d", id.Z, id.X, id.Y) }

// CacheOrigin records which tier produced a tile.
type CacheOrigin int

const (
	OriginNone CacheOrigin = iota
	OriginMemory
	OriginFile
	OriginNetwork
)

func (o CacheOrigin) String() string {
	switch o {
	case OriginMemory:
		return "memory"
	case OriginFile:
		return "file"
	case OriginNetwork:
		return "network"
	default:
		return "none"
	}
}

// TextureCacheItem is the durable cache record for one (tileset, tile) pair.
type TextureCacheItem struct {
	ID         TileID
	TilesetID  string
	From       CacheOrigin
	ETag       string
	Data       []byte
	Expiration time.Time
	Image      *image.RGBA

	// Fixed entries were satisfied by the override source. The disk tier
	// never evicts them and keeps the flag across rewrites.
	Fixed bool

	// Digest of Data, verified when the record is read back from disk.
	Digest string
}

// TileRequest identifies one unit of work for a Fetcher.
type TileRequest struct {
	TilesetID string
	ID        TileID
	Retina    bool

	// Owner is the slot that asked for the tile. It may be recycled for a
	// different coordinate before the request completes.
	Owner TileOwner

	// Tile, when set, is populated in place instead of constructing a new
	// RasterTile.
	Tile *RasterTile
}

// FetchInfo is a queued network request. Its identity for deduplication is
// (TilesetID, ID).
type FetchInfo struct {
	ID        TileID
	TilesetID string
	Tile      *RasterTile
	ETag      string
	Callback  func()
}

func (f *FetchInfo) key() string { return fetchKey(f.TilesetID, f.ID) }

func fetchKey(tilesetID string, id TileID) string { return tilesetID + "|" + id.String() }

// TileErrorEvent describes a failed tile resolution.
type TileErrorEvent struct {
	ID      TileID
	Variant TileVariant
	Owner   TileOwner
	Errs    []error
}

// Err combines all accumulated errors into one.
func (e TileErrorEvent) Err() error { return multierr.Combine(e.Errs...) }
