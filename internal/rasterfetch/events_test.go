package rasterfetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventsOrderAndCancel(t *testing.T) {
	t.Parallel()

	var e Events
	var calls []string
	e.OnReceived(func(TileOwner, *RasterTile) { calls = append(calls, "a") })
	cancelB := e.OnReceived(func(TileOwner, *RasterTile) { calls = append(calls, "b") })
	e.OnReceived(func(TileOwner, *RasterTile) { calls = append(calls, "c") })

	tile := NewRasterTile(TileID{}, "acme.satellite")
	e.emitReceived(nil, tile)
	assert.Equal(t, []string{"a", "b", "c"}, calls)

	cancelB()
	cancelB()
	calls = nil
	e.emitReceived(nil, tile)
	assert.Equal(t, []string{"a", "c"}, calls)
}

func TestEventsErrorSubscribers(t *testing.T) {
	t.Parallel()

	var e Events
	var got []TileErrorEvent
	cancel := e.OnError(func(_ TileOwner, _ *RasterTile, ev TileErrorEvent) { got = append(got, ev) })

	slot := NewSlot(TileID{Z: 1})
	ev := TileErrorEvent{ID: TileID{Z: 1}, Variant: VariantClassic, Owner: slot, Errs: []error{ErrEmptyBody}}
	e.emitError(slot, nil, ev)
	cancel()
	e.emitError(slot, nil, ev)

	if assert.Len(t, got, 1) {
		assert.Same(t, slot, got[0].Owner)
		assert.ErrorIs(t, got[0].Err(), ErrEmptyBody)
	}
}
