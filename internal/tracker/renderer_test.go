package tracker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musthaq16/live-route-tracker/internal/monitoring"
	"github.com/musthaq16/live-route-tracker/types"
)

func TestRenderers_FanOutCopies(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	rs := Renderers{a, b}

	d := 3.5
	p := vancouver
	rs.Render(types.TrackingState{Position: &p, DistanceKm: &d, Route: types.Route{vancouver, surrey}})
	rs.ReportError(errors.New("boom"))

	require.Len(t, a.renders, 1)
	require.Len(t, b.renders, 1)
	a.renders[0].Route[0] = surrey
	*a.renders[0].DistanceKm = 0
	assert.Equal(t, vancouver, b.renders[0].Route[0])
	assert.Equal(t, 3.5, *b.renders[0].DistanceKm)
	assert.Len(t, b.errs, 1)
}

func TestLogRenderer(t *testing.T) {
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	defer monitoring.SetLogger(nil)

	r := LogRenderer{DestinationName: "Surrey"}
	r.Render(types.TrackingState{SessionID: "abc"}) // no position yet

	d := 24.6789
	pos := burnaby
	origin := vancouver
	r.Render(types.TrackingState{
		SessionID:   "0123456789",
		Position:    &pos,
		DistanceKm:  &d,
		Route:       types.Route{vancouver, surrey},
		RouteOrigin: &origin,
	})
	r.ReportError(errors.New("gps lost"))

	require.Len(t, lines, 2)
	assert.Equal(t, "[01234567] at 49.248800,-122.980500, 24.68 km to Surrey, route 2 points (stale)", lines[0])
	assert.Equal(t, "[tracker] error: gps lost", lines[1])
}
