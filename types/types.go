package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// GeoPoint holds lat/lon in degrees
type GeoPoint struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Validate reports whether the point lies within the valid coordinate ranges.
func (p GeoPoint) Validate() error {
	if !isFinite(p.Lat) || !isFinite(p.Lon) {
		return fmt.Errorf("coordinate %v,%v: must be finite", p.Lat, p.Lon)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v: must be between -90 and 90", p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("longitude %v: must be between -180 and 180", p.Lon)
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func (p GeoPoint) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon)
}

// ParseGeoPoint parses a string like "49.1321,-122.8712" into a GeoPoint
func ParseGeoPoint(input string) (GeoPoint, error) {
	parts := strings.Split(input, ",")
	if len(parts) != 2 {
		return GeoPoint{}, fmt.Errorf("invalid coordinate: %s", input)
	}

	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return GeoPoint{}, fmt.Errorf("invalid lat/lon: %s", input)
	}

	p := GeoPoint{Lat: lat, Lon: lon}
	if err := p.Validate(); err != nil {
		return GeoPoint{}, err
	}
	return p, nil
}

// Route is an ordered polyline from start to destination. A Route is never
// modified after it is built; a new fetch replaces it wholesale.
type Route []GeoPoint

// Clone returns a copy that shares no backing array with r.
func (r Route) Clone() Route {
	if r == nil {
		return nil
	}
	out := make(Route, len(r))
	copy(out, r)
	return out
}

// LocationUpdate is either a position fix or a reporting error. Exactly one of
// Position and Err is set.
type LocationUpdate struct {
	Position  *GeoPoint
	Timestamp time.Time
	// Accuracy is the horizontal accuracy in meters, 0 when the source does not report one.
	Accuracy float64
	Err      error
}

// PositionUpdate builds a position variant.
func PositionUpdate(p GeoPoint, ts time.Time) LocationUpdate {
	return LocationUpdate{Position: &p, Timestamp: ts}
}

// ErrorUpdate builds an error variant.
func ErrorUpdate(err error) LocationUpdate {
	return LocationUpdate{Err: err}
}

func (u LocationUpdate) IsError() bool { return u.Err != nil }

// TrackingState is the tracker's view of the session. Renderers only ever see copies.
type TrackingState struct {
	SessionID    string    `json:"session_id"`
	Destination  GeoPoint  `json:"destination"`
	Position     *GeoPoint `json:"position,omitempty"`
	PositionTime time.Time `json:"position_time,omitempty"`
	DistanceKm   *float64  `json:"distance_km,omitempty"`
	Route        Route     `json:"route"`
	// RouteOrigin is the position Route was fetched for.
	RouteOrigin *GeoPoint `json:"route_origin,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Updated     time.Time `json:"updated"`
}

// RouteStale reports whether the route was computed for an earlier position.
func (s TrackingState) RouteStale() bool {
	if len(s.Route) == 0 || s.RouteOrigin == nil || s.Position == nil {
		return false
	}
	return *s.RouteOrigin != *s.Position
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s TrackingState) Clone() TrackingState {
	out := s
	if s.Position != nil {
		p := *s.Position
		out.Position = &p
	}
	if s.DistanceKm != nil {
		d := *s.DistanceKm
		out.DistanceKm = &d
	}
	if s.RouteOrigin != nil {
		o := *s.RouteOrigin
		out.RouteOrigin = &o
	}
	out.Route = s.Route.Clone()
	return out
}
