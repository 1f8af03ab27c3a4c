package rasterfetch

// TileOwner is the visual slot a tile request was issued for. Slots are
// recycled: by the time a continuation runs the owner may expect a
// different coordinate, and results for the old one must be dropped.
type TileOwner interface {
	CanonicalTileID() TileID
	AddTile(t *RasterTile)
	ContainsDataTile(t *RasterTile) bool
}

// Slot is a recyclable TileOwner. It is not safe for concurrent use; like
// the Fetcher it belongs to the dispatcher goroutine.
type Slot struct {
	id    TileID
	tiles []*RasterTile
}

func NewSlot(id TileID) *Slot {
	return &Slot{id: id}
}

func (s *Slot) CanonicalTileID() TileID { return s.id }

// Assign recycles the slot for another coordinate and forgets its tiles.
func (s *Slot) Assign(id TileID) {
	s.id = id
	s.tiles = nil
}

func (s *Slot) AddTile(t *RasterTile) {
	if s.ContainsDataTile(t) {
		return
	}
	s.tiles = append(s.tiles, t)
}

func (s *Slot) ContainsDataTile(t *RasterTile) bool {
	for _, have := range s.tiles {
		if have == t {
			return true
		}
	}
	return false
}

// Tiles returns the data tiles currently attached to the slot.
func (s *Slot) Tiles() []*RasterTile {
	out := make([]*RasterTile, len(s.tiles))
	copy(out, s.tiles)
	return out
}
