package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musthaq16/live-route-tracker/types"
)

var (
	vancouver = types.GeoPoint{Lat: 49.2827, Lon: -123.1207}
	surrey    = types.GeoPoint{Lat: 49.1321, Lon: -122.8712}
)

func snapshotAt(p types.GeoPoint, km float64) types.TrackingState {
	return types.TrackingState{
		SessionID:   "s1",
		Destination: surrey,
		Position:    &p,
		DistanceKm:  &km,
		Route:       types.Route{p, surrey},
	}
}

func TestStore_RenderAndLatest(t *testing.T) {
	s := NewStore(types.TrackingState{SessionID: "s1", Destination: surrey})
	assert.Nil(t, s.Latest().Position)

	in := snapshotAt(vancouver, 24.68)
	s.Render(in)
	in.Route[0] = surrey // caller's copy is not shared

	got := s.Latest()
	require.NotNil(t, got.Position)
	assert.Equal(t, vancouver, got.Route[0])

	got.Route[1] = vancouver // neither is the reader's
	assert.Equal(t, surrey, s.Latest().Route[1])
}

func TestStore_ReportErrorKeepsPosition(t *testing.T) {
	s := NewStore(types.TrackingState{})
	s.Render(snapshotAt(vancouver, 24.68))
	assert.True(t, s.LastErrorAt().IsZero())

	s.ReportError(errors.New("route fetch failed: OSRM returned 503"))
	s.ReportError(nil)

	got := s.Latest()
	assert.Equal(t, "route fetch failed: OSRM returned 503", got.LastError)
	assert.Equal(t, vancouver, *got.Position)
	assert.Equal(t, 24.68, *got.DistanceKm)
	assert.False(t, s.LastErrorAt().IsZero())
}

func TestStore_SubscribeGetsCurrentThenNewest(t *testing.T) {
	s := NewStore(types.TrackingState{SessionID: "s1"})
	ch, cancel := s.Subscribe()
	defer cancel()

	first := <-ch
	assert.Equal(t, "s1", first.SessionID)
	assert.Nil(t, first.Position)

	// two renders while the reader is away: only the newest is pending
	s.Render(snapshotAt(vancouver, 24.68))
	s.Render(snapshotAt(surrey, 0))

	got := <-ch
	assert.Equal(t, surrey, *got.Position)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra snapshot %+v", extra)
	default:
	}
}

func TestStore_Unsubscribe(t *testing.T) {
	s := NewStore(types.TrackingState{})
	ch, cancel := s.Subscribe()
	assert.Equal(t, 1, s.Subscribers())

	cancel()
	cancel()
	assert.Zero(t, s.Subscribers())

	<-ch // initial snapshot
	_, ok := <-ch
	assert.False(t, ok, "channel closed after unsubscribe")

	s.Render(snapshotAt(vancouver, 1)) // no panic on closed subscriber
}
