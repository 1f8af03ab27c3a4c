package rasterfetch

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectVariant(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tileset string
		retina  bool
		want    TileVariant
	}{
		{"mapbox://styles/acme/dark", false, VariantStandard},
		{"mapbox://styles/acme/dark", true, VariantStandardRetina},
		{"acme.satellite", false, VariantClassic},
		{"acme.satellite", true, VariantClassicRetina},
		{"MAPBOX://styles/acme/dark", false, VariantClassic},
		{"", true, VariantClassicRetina},
	}
	for _, tt := range tests {
		got := SelectVariant(tt.tileset, tt.retina)
		assert.Equal(t, tt.want, got, "%q retina=%v", tt.tileset, tt.retina)
		assert.Equal(t, tt.retina, got.Retina())
	}
}

func TestRasterTileURL(t *testing.T) {
	t.Parallel()

	id := TileID{Z: 4, X: 3, Y: 5}
	tests := []struct {
		name    string
		variant TileVariant
		tileset string
		token   string
		want    string
	}{
		{
			name:    "standard",
			variant: VariantStandard,
			tileset: "mapbox://styles/acme/dark",
			want:    "https://api.example.test/styles/v1/acme/dark/tiles/4/3/5",
		},
		{
			name:    "standard retina with token",
			variant: VariantStandardRetina,
			tileset: "mapbox://styles/acme/dark",
			token:   "pk.1",
			want:    "https://api.example.test/styles/v1/acme/dark/tiles/4/3/5@2x?access_token=pk.1",
		},
		{
			name:    "classic",
			variant: VariantClassic,
			tileset: "acme.satellite",
			want:    "https://api.example.test/v4/acme.satellite/4/3/5.png",
		},
		{
			name:    "classic retina",
			variant: VariantClassicRetina,
			tileset: "acme.satellite",
			want:    "https://api.example.test/v4/acme.satellite/4/3/5@2x.png",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tile := newVariantTile(tt.variant, id, tt.tileset)
			assert.Equal(t, tt.want, tile.URL("https://api.example.test/", tt.token))
		})
	}
}

func TestDecodeTexture(t *testing.T) {
	t.Parallel()

	_, err := decodeTexture(nil)
	require.ErrorIs(t, err, ErrEmptyBody)

	pal := image.NewPaletted(image.Rect(0, 0, 2, 3), color.Palette{color.Black, color.White})
	pal.SetColorIndex(1, 2, 1)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, pal))

	img, err := decodeTexture(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 2, 3), img.Bounds())
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, img.RGBAAt(1, 2))
	assert.Equal(t, color.RGBA{A: 255}, img.RGBAAt(0, 0))
}

func TestRasterTileNotModifiedKeepsImage(t *testing.T) {
	t.Parallel()

	tile := NewRasterTile(TileID{Z: 1}, "acme.satellite")
	tile.Image = image.NewRGBA(image.Rect(0, 0, 1, 1))
	tile.applyResponse(&TransportResponse{StatusCode: 304, ETag: "e2"})

	require.NoError(t, tile.extractImage())
	assert.NotNil(t, tile.Image)
	assert.True(t, tile.NotModified())
	assert.Equal(t, "e2", tile.ETag)
	assert.Equal(t, OriginNetwork, tile.Origin)
}

func TestRasterTileErrors(t *testing.T) {
	t.Parallel()

	tile := NewRasterTile(TileID{Z: 1}, "acme.satellite")
	tile.AddError(nil)
	assert.False(t, tile.HasError())

	tile.AddError(ErrEmptyBody)
	tile.AddError(ErrClosed)
	ev := TileErrorEvent{Errs: tile.Errors()}
	assert.ErrorIs(t, ev.Err(), ErrEmptyBody)
	assert.ErrorIs(t, ev.Err(), ErrClosed)

	tile.resetForFetch()
	assert.False(t, tile.HasError())
}

func TestRasterTileFileHitKeepsBytesThroughRevalidation(t *testing.T) {
	t.Parallel()

	data := []byte("stored tile bytes")
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	tile := NewRasterTile(TileID{Z: 2}, "acme.satellite")
	tile.setFromCache(&TextureCacheItem{Data: data, Image: img, ETag: "e1"}, OriginFile)
	assert.Equal(t, data, tile.Data)

	tile.resetForFetch()
	tile.applyResponse(&TransportResponse{StatusCode: 304, ETag: "e2"})
	require.NoError(t, tile.extractImage(), "a 304 does not re-decode the stored bytes")
	assert.Same(t, img, tile.Image)

	item := tile.cacheItem()
	assert.Empty(t, item.Data, "a 304 writes back validators only")
	assert.Equal(t, "e2", item.ETag)
	assert.Equal(t, data, tile.Data)
}
