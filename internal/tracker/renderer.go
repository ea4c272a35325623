package tracker

import (
	"github.com/musthaq16/live-route-tracker/internal/monitoring"
	"github.com/musthaq16/live-route-tracker/types"
)

// Renderer consumes tracker output: state snapshots and non-fatal errors.
type Renderer interface {
	Render(state types.TrackingState)
	ReportError(err error)
}

// Renderers fans out to several renderers, each getting its own copy.
type Renderers []Renderer

func (rs Renderers) Render(state types.TrackingState) {
	for _, r := range rs {
		r.Render(state.Clone())
	}
}

func (rs Renderers) ReportError(err error) {
	for _, r := range rs {
		r.ReportError(err)
	}
}

// LogRenderer writes a line per snapshot.
type LogRenderer struct {
	DestinationName string
}

func (l LogRenderer) Render(s types.TrackingState) {
	if s.Position == nil || s.DistanceKm == nil {
		return
	}
	stale := ""
	if s.RouteStale() {
		stale = " (stale)"
	}
	monitoring.Logf("[%s] at %s, %.2f km to %s, route %d points%s",
		shortID(s.SessionID), s.Position, *s.DistanceKm, l.DestinationName, len(s.Route), stale)
}

func (l LogRenderer) ReportError(err error) {
	monitoring.Logf("[tracker] error: %v", err)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
