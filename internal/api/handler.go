package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/musthaq16/live-route-tracker/types"
)

type snapshotSource interface {
	Latest() types.TrackingState
	Subscribe() (<-chan types.TrackingState, func())
}

type destinationResponse struct {
	Name string `json:"name,omitempty"`
	types.GeoPoint
}

type stateResponse struct {
	SessionID    string              `json:"session_id"`
	Destination  destinationResponse `json:"destination"`
	Position     *types.GeoPoint     `json:"position"`
	PositionTime *time.Time          `json:"position_time,omitempty"`
	DistanceKm   *float64            `json:"distance_km"`
	// Route is [lat, lon] pairs in travel order.
	Route      [][2]float64 `json:"route"`
	RouteStale bool         `json:"route_stale"`
	LastError  string       `json:"last_error,omitempty"`
	Updated    *time.Time   `json:"updated,omitempty"`
}

// TrackingHandler serves the tracking session to browsers and dashboards.
type TrackingHandler struct {
	store           snapshotSource
	destinationName string
}

func NewTrackingHandler(store snapshotSource, destinationName string) *TrackingHandler {
	return &TrackingHandler{store: store, destinationName: destinationName}
}

func (h *TrackingHandler) Register(r *gin.RouterGroup) {
	r.GET("/state", h.GetState)
	r.GET("/route.geojson", h.GetRouteGeoJSON)
	r.GET("/stream", h.Stream)
}

func (h *TrackingHandler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, h.toStateResponse(h.store.Latest()))
}

// GetRouteGeoJSON returns the destination, the current position and the
// route as a FeatureCollection.
func (h *TrackingHandler) GetRouteGeoJSON(c *gin.Context) {
	s := h.store.Latest()
	fc := geojson.NewFeatureCollection()

	dest := geojson.NewFeature(toOrbPoint(s.Destination))
	dest.Properties["kind"] = "destination"
	if h.destinationName != "" {
		dest.Properties["name"] = h.destinationName
	}
	fc.Append(dest)

	if s.Position != nil {
		pos := geojson.NewFeature(toOrbPoint(*s.Position))
		pos.Properties["kind"] = "position"
		if s.DistanceKm != nil {
			pos.Properties["distance_km"] = *s.DistanceKm
		}
		fc.Append(pos)
	}

	if len(s.Route) > 0 {
		line := make(orb.LineString, len(s.Route))
		for i, p := range s.Route {
			line[i] = toOrbPoint(p)
		}
		route := geojson.NewFeature(line)
		route.Properties["kind"] = "route"
		route.Properties["stale"] = s.RouteStale()
		fc.Append(route)
	}

	body, err := fc.MarshalJSON()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode route"})
		return
	}
	c.Data(http.StatusOK, "application/geo+json", body)
}

// Stream sends a "snapshot" server-sent event for the current state and every
// state published after it.
func (h *TrackingHandler) Stream(c *gin.Context) {
	updates, unsubscribe := h.store.Subscribe()
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case s, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("snapshot", h.toStateResponse(s))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *TrackingHandler) toStateResponse(s types.TrackingState) stateResponse {
	resp := stateResponse{
		SessionID:   s.SessionID,
		Destination: destinationResponse{Name: h.destinationName, GeoPoint: s.Destination},
		Position:    s.Position,
		DistanceKm:  s.DistanceKm,
		Route:       make([][2]float64, len(s.Route)),
		RouteStale:  s.RouteStale(),
		LastError:   s.LastError,
	}
	for i, p := range s.Route {
		resp.Route[i] = [2]float64{p.Lat, p.Lon}
	}
	if !s.PositionTime.IsZero() {
		t := s.PositionTime
		resp.PositionTime = &t
	}
	if !s.Updated.IsZero() {
		t := s.Updated
		resp.Updated = &t
	}
	return resp
}

// GeoJSON wants longitude first.
func toOrbPoint(p types.GeoPoint) orb.Point {
	return orb.Point{p.Lon, p.Lat}
}
