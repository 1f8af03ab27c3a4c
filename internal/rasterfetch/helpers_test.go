package rasterfetch

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func pngBytes(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestManager(t *testing.T, d Dispatcher) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{MemoryTiles: 16}, d)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func newTestDisk(t *testing.T, maxBytes int64, compression string) *diskCache {
	t.Helper()
	d, err := newDiskCache("", maxBytes, compression, newRateLimitedLogger(zap.NewNop(), time.Minute))
	require.NoError(t, err)
	t.Cleanup(d.close)
	return d
}

// fakeQueue records work instead of fetching it.
type fakeQueue struct {
	infos []*FetchInfo
}

func (q *fakeQueue) Enqueue(info *FetchInfo) { q.infos = append(q.infos, info) }

// respond completes info the way Queue does on the dispatcher goroutine.
func respond(info *FetchInfo, resp *TransportResponse, err error) {
	info.Tile.resetForFetch()
	if err != nil {
		info.Tile.AddError(err)
	} else {
		info.Tile.applyResponse(resp)
	}
	info.Callback()
}

type delivery struct {
	owner  TileOwner
	tile   *RasterTile
	origin CacheOrigin
}

type recorder struct {
	received []delivery
	errors   []TileErrorEvent
}

func record(e *Events) *recorder {
	r := &recorder{}
	e.OnReceived(func(owner TileOwner, tile *RasterTile) {
		r.received = append(r.received, delivery{owner: owner, tile: tile, origin: tile.Origin})
	})
	e.OnError(func(_ TileOwner, _ *RasterTile, ev TileErrorEvent) {
		r.errors = append(r.errors, ev)
	})
	return r
}

type fetchFixture struct {
	loop   *Loop
	cache  *Manager
	queue  *fakeQueue
	stats  *Stats
	events *recorder
}

func newFetchFixture(t *testing.T) *fetchFixture {
	t.Helper()
	loop := NewLoop()
	return &fetchFixture{
		loop:  loop,
		cache: newTestManager(t, loop),
		queue: &fakeQueue{},
		stats: NewStats(),
	}
}

func (f *fetchFixture) fetcher() *Fetcher {
	fetcher := NewFetcher(f.cache, f.queue, WithStats(f.stats), WithClock(func() time.Time { return testNow }))
	f.events = record(fetcher.Events())
	return fetcher
}

func (f *fetchFixture) override(cache CacheManager) *OverrideFetcher {
	o := NewOverrideFetcher(cache, f.queue, WithStats(f.stats), WithClock(func() time.Time { return testNow }))
	f.events = record(o.Events())
	return o
}

// drain lets file loads finish and runs their continuations.
func (f *fetchFixture) drain() {
	f.cache.Flush()
	f.loop.RunPending()
}

func (f *fetchFixture) seedDisk(t *testing.T, tilesetID string, id TileID, data []byte, etag string, exp time.Time) {
	t.Helper()
	f.cache.AddTextureItem(tilesetID, id, &TextureCacheItem{
		ID: id, TilesetID: tilesetID, ETag: etag, Data: data, Expiration: exp,
	}, true)
	f.cache.Flush()
	require.True(t, f.cache.TextureFileExists(tilesetID, id))
}

func (f *fetchFixture) seedMemory(t *testing.T, tilesetID string, id TileID, data []byte) {
	t.Helper()
	img, err := decodeTexture(data)
	require.NoError(t, err)
	f.cache.AddTextureItem(tilesetID, id, &TextureCacheItem{
		ID: id, TilesetID: tilesetID, Data: data, Image: img, From: OriginNetwork,
	}, false)
	require.NotNil(t, f.cache.TextureFromMemory(tilesetID, id))
}
