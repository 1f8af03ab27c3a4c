package rasterfetch

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/HugoSmits86/nativewebp"
	"golang.org/x/image/draw"
)

// standardPrefix marks tilesets in the versioned (styles) namespace.
// Everything else is served from the classic namespace.
const standardPrefix = "mapbox://"

// TileVariant selects how a raster tile is addressed on the network.
type TileVariant int

const (
	VariantStandard TileVariant = iota
	VariantStandardRetina
	VariantClassic
	VariantClassicRetina
)

func (v TileVariant) String() string {
	switch v {
	case VariantStandard:
		return "standard"
	case VariantStandardRetina:
		return "standard-retina"
	case VariantClassic:
		return "classic"
	case VariantClassicRetina:
		return "classic-retina"
	default:
		return "unknown"
	}
}

// Retina reports whether the variant requests @2x imagery.
func (v TileVariant) Retina() bool {
	return v == VariantStandardRetina || v == VariantClassicRetina
}

// Classic reports whether the variant lives in the classic namespace.
func (v TileVariant) Classic() bool {
	return v == VariantClassic || v == VariantClassicRetina
}

// SelectVariant picks the tile variant with one prefix comparison.
func SelectVariant(tilesetID string, retina bool) TileVariant {
	if strings.HasPrefix(tilesetID, standardPrefix) {
		if retina {
			return VariantStandardRetina
		}
		return VariantStandard
	}
	if retina {
		return VariantClassicRetina
	}
	return VariantClassic
}

// RasterTile is one fetched or cached image result.
type RasterTile struct {
	ID         TileID
	TilesetID  string
	Variant    TileVariant
	Data       []byte
	Image      *image.RGBA
	ETag       string
	Expiration time.Time
	Origin     CacheOrigin
	StatusCode int

	errs []error
}

// NewRasterTile returns a standard-resolution tile in the standard namespace.
func NewRasterTile(id TileID, tilesetID string) *RasterTile {
	return newVariantTile(VariantStandard, id, tilesetID)
}

func newVariantTile(v TileVariant, id TileID, tilesetID string) *RasterTile {
	return &RasterTile{ID: id, TilesetID: tilesetID, Variant: v}
}

// HasError reports whether any error was recorded on the tile.
func (t *RasterTile) HasError() bool { return len(t.errs) > 0 }

// Errors returns the accumulated error list.
func (t *RasterTile) Errors() []error { return t.errs }

// AddError records a failure on the tile.
func (t *RasterTile) AddError(err error) {
	if err != nil {
		t.errs = append(t.errs, err)
	}
}

// NotModified reports a 304 revalidation response.
func (t *RasterTile) NotModified() bool { return t.StatusCode == 304 }

func (t *RasterTile) setFromCache(item *TextureCacheItem, origin CacheOrigin) {
	t.Image = item.Image
	t.Origin = origin
	if origin == OriginFile {
		t.Data = item.Data
		t.ETag = item.ETag
		if !item.Expiration.IsZero() {
			t.Expiration = item.Expiration
		}
	}
}

// resetForFetch clears per-response state so a reused tile can be fetched
// again. Cached image and validators stay until the response replaces them.
func (t *RasterTile) resetForFetch() {
	t.StatusCode = 0
	t.errs = nil
}

func (t *RasterTile) applyResponse(resp *TransportResponse) {
	t.StatusCode = resp.StatusCode
	if resp.ETag != "" {
		t.ETag = resp.ETag
	}
	if !resp.Expiration.IsZero() {
		t.Expiration = resp.Expiration
	}
	if resp.StatusCode != 304 {
		t.Data = resp.Body
	}
	t.Origin = OriginNetwork
}

// extractImage decodes the raw response bytes. A 304 keeps whatever image
// the tile already holds.
func (t *RasterTile) extractImage() error {
	if t.NotModified() && (len(t.Data) == 0 || t.Image != nil) {
		return nil
	}
	img, err := decodeTexture(t.Data)
	if err != nil {
		return fmt.Errorf("decode tile %s %s: %w", t.TilesetID, t.ID, err)
	}
	t.Image = img
	return nil
}

// cacheItem is the write-back for the last response. A 304 carries no
// Data, so the cache only refreshes validators.
func (t *RasterTile) cacheItem() *TextureCacheItem {
	item := &TextureCacheItem{
		ID:         t.ID,
		TilesetID:  t.TilesetID,
		From:       t.Origin,
		ETag:       t.ETag,
		Expiration: t.Expiration,
		Image:      t.Image,
	}
	if !t.NotModified() {
		item.Data = t.Data
	}
	return item
}

// URL builds the request URL for the tile under baseURL. An empty token
// omits the access_token query parameter.
func (t *RasterTile) URL(baseURL, accessToken string) string {
	base := strings.TrimRight(baseURL, "/")
	suffix := ""
	if t.Variant.Retina() {
		suffix = "@2x"
	}
	coords := strconv.Itoa(t.ID.Z) + "/" + strconv.Itoa(t.ID.X) + "/" + strconv.Itoa(t.ID.Y)

	var u string
	if t.Variant.Classic() {
		u = base + "/v4/" + t.TilesetID + "/" + coords + suffix + ".png"
	} else {
		style := strings.TrimPrefix(t.TilesetID, standardPrefix)
		style = strings.TrimPrefix(style, "styles/")
		u = base + "/styles/v1/" + style + "/tiles/" + coords + suffix
	}
	if accessToken != "" {
		u += "?" + url.Values{"access_token": {accessToken}}.Encode()
	}
	return u
}

func decodeTexture(data []byte) (*image.RGBA, error) {
	if len(data) == 0 {
		return nil, ErrEmptyBody
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba, nil
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Copy(dst, image.Point{}, src, b, draw.Src, nil)
	return dst, nil
}
