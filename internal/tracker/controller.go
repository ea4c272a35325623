// Package tracker owns the tracking session: it turns location updates into a
// distance to the destination and keeps a route to it fresh.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/musthaq16/live-route-tracker/internal/geo"
	"github.com/musthaq16/live-route-tracker/internal/monitoring"
	"github.com/musthaq16/live-route-tracker/internal/osrm"
	"github.com/musthaq16/live-route-tracker/types"
)

// RouteFetcher is the part of *osrm.Fetcher the controller drives.
type RouteFetcher interface {
	Fetch(ctx context.Context, start, end types.GeoPoint) uint64
	Results() <-chan osrm.Result
	IsCurrent(token uint64) bool
	Cancel()
}

// Controller serialises every state change on the goroutine running Run.
type Controller struct {
	destination types.GeoPoint
	fetcher     RouteFetcher
	renderer    Renderer
	now         func() time.Time

	updates chan types.LocationUpdate
	done    chan struct{}

	mu    sync.RWMutex
	state types.TrackingState
}

type Option func(*Controller)

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(c *Controller) { c.state.SessionID = id }
}

// WithClock sets the clock used for the Updated timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithQueueSize sets how many location updates may wait for the loop.
func WithQueueSize(n int) Option {
	return func(c *Controller) { c.updates = make(chan types.LocationUpdate, n) }
}

func New(destination types.GeoPoint, fetcher RouteFetcher, renderer Renderer, opts ...Option) *Controller {
	c := &Controller{
		destination: destination,
		fetcher:     fetcher,
		renderer:    renderer,
		now:         time.Now,
		updates:     make(chan types.LocationUpdate, 16),
		done:        make(chan struct{}),
		state: types.TrackingState{
			SessionID:   uuid.NewString(),
			Destination: destination,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.renderer == nil {
		c.renderer = Renderers{}
	}
	return c
}

// OnLocationUpdate queues u for the event loop. It is meant to be the
// LocationWatcher callback and returns without effect once Run has exited.
func (c *Controller) OnLocationUpdate(u types.LocationUpdate) {
	select {
	case c.updates <- u:
	case <-c.done:
	}
}

// Run processes location updates and route results until ctx ends. It must be
// called once.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	monitoring.Logf("[tracker] session %s tracking towards %s", c.sessionID(), c.destination)

	for {
		select {
		case <-ctx.Done():
			c.fetcher.Cancel()
			return ctx.Err()
		case u := <-c.updates:
			c.handleUpdate(ctx, u)
		case res := <-c.fetcher.Results():
			c.handleRoute(res)
		}
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() types.TrackingState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

func (c *Controller) handleUpdate(ctx context.Context, u types.LocationUpdate) {
	if u.IsError() {
		monitoring.Logf("[tracker] location error: %v", u.Err)
		c.update(func(s *types.TrackingState) { s.LastError = u.Err.Error() })
		c.renderer.ReportError(u.Err)
		return
	}
	if u.Position == nil {
		return
	}

	p := *u.Position
	distance := geo.Distance(p, c.destination)
	snap := c.update(func(s *types.TrackingState) {
		s.Position = &p
		s.PositionTime = u.Timestamp
		s.DistanceKm = &distance
	})
	c.renderer.Render(snap)

	if distance > 0 {
		token := c.fetcher.Fetch(ctx, p, c.destination)
		monitoring.Logf("[tracker] route %d requested from %s (%.2f km)", token, p, distance)
		return
	}
	// at the destination: nothing to route, and any pending route is for an old position
	c.fetcher.Cancel()
}

func (c *Controller) handleRoute(res osrm.Result) {
	if !c.fetcher.IsCurrent(res.Token) {
		monitoring.Logf("[tracker] ignoring superseded route %d", res.Token)
		return
	}
	if res.Err != nil {
		monitoring.Logf("[tracker] route %d failed: %v", res.Token, res.Err)
		c.update(func(s *types.TrackingState) { s.LastError = res.Err.Error() })
		c.renderer.ReportError(res.Err)
		return
	}

	origin := res.Start
	route := res.Route.Clone()
	snap := c.update(func(s *types.TrackingState) {
		s.Route = route
		s.RouteOrigin = &origin
	})
	c.renderer.Render(snap)
}

func (c *Controller) update(mutate func(s *types.TrackingState)) types.TrackingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	mutate(&c.state)
	c.state.Updated = c.now()
	return c.state.Clone()
}

func (c *Controller) sessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.SessionID
}
