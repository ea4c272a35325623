package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musthaq16/live-route-tracker/internal/monitoring"
	"github.com/musthaq16/live-route-tracker/internal/state"
	"github.com/musthaq16/live-route-tracker/types"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	monitoring.SetLogger(nil)
	m.Run()
}

var (
	vancouver = types.GeoPoint{Lat: 49.2827, Lon: -123.1207}
	burnaby   = types.GeoPoint{Lat: 49.2488, Lon: -122.9805}
	surrey    = types.GeoPoint{Lat: 49.1321, Lon: -122.8712}
)

type mockSnapshots struct {
	latestFn    func() types.TrackingState
	subscribeFn func() (<-chan types.TrackingState, func())
}

func (m *mockSnapshots) Latest() types.TrackingState { return m.latestFn() }

func (m *mockSnapshots) Subscribe() (<-chan types.TrackingState, func()) { return m.subscribeFn() }

func fixedState(s types.TrackingState) *mockSnapshots {
	return &mockSnapshots{latestFn: func() types.TrackingState { return s }}
}

func setupRouter(store snapshotSource) *gin.Engine {
	return NewRouter(NewHealthChecker(), NewTrackingHandler(store, "Surrey Central"))
}

func tracking() types.TrackingState {
	pos := burnaby
	origin := vancouver
	km := 14.2
	return types.TrackingState{
		SessionID:    "s1",
		Destination:  surrey,
		Position:     &pos,
		PositionTime: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
		DistanceKm:   &km,
		Route:        types.Route{vancouver, burnaby, surrey},
		RouteOrigin:  &origin,
		LastError:    "route fetch failed: OSRM returned 503",
		Updated:      time.Date(2026, 10, 16, 9, 0, 1, 0, time.UTC),
	}
}

func TestGetState(t *testing.T) {
	r := setupRouter(fixedState(tracking()))
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/state", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp stateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "Surrey Central", resp.Destination.Name)
	assert.Equal(t, surrey, resp.Destination.GeoPoint)
	assert.Equal(t, burnaby, *resp.Position)
	assert.Equal(t, 14.2, *resp.DistanceKm)
	assert.Equal(t, [][2]float64{{49.2827, -123.1207}, {49.2488, -122.9805}, {49.1321, -122.8712}}, resp.Route)
	assert.True(t, resp.RouteStale)
	assert.Equal(t, "route fetch failed: OSRM returned 503", resp.LastError)
}

func TestGetState_BeforeFirstFix(t *testing.T) {
	r := setupRouter(fixedState(types.TrackingState{SessionID: "s1", Destination: surrey}))
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/state", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.Nil(t, raw["position"])
	assert.Nil(t, raw["distance_km"])
	assert.Equal(t, []any{}, raw["route"])
	assert.NotContains(t, raw, "updated")
}

func TestGetRouteGeoJSON(t *testing.T) {
	r := setupRouter(fixedState(tracking()))
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/route.geojson", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/geo+json", w.Header().Get("Content-Type"))

	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 3)

	assert.Equal(t, "destination", fc.Features[0].Properties["kind"])
	assert.Equal(t, orb.Point{-122.8712, 49.1321}, fc.Features[0].Geometry)

	assert.Equal(t, "position", fc.Features[1].Properties["kind"])
	assert.Equal(t, 14.2, fc.Features[1].Properties["distance_km"])

	line, ok := fc.Features[2].Geometry.(orb.LineString)
	require.True(t, ok, "route geometry is %T", fc.Features[2].Geometry)
	assert.Equal(t, orb.LineString{{-123.1207, 49.2827}, {-122.9805, 49.2488}, {-122.8712, 49.1321}}, line)
	assert.Equal(t, true, fc.Features[2].Properties["stale"])
}

func TestGetRouteGeoJSON_DestinationOnly(t *testing.T) {
	r := setupRouter(fixedState(types.TrackingState{Destination: surrey}))
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/route.geojson", nil)
	r.ServeHTTP(w, req)

	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, fc.Features, 1)
}

func TestHealth(t *testing.T) {
	health := NewHealthChecker()
	r := NewRouter(health, NewTrackingHandler(fixedState(types.TrackingState{}), ""))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/healthz", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	health.AddCheck("mqtt", func() error { return errors.New("not connected") })
	health.AddCheck("rabbitmq", func() error { return nil })
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"unhealthy","dependencies":{
		"mqtt":{"status":"down","error":"not connected"},
		"rabbitmq":{"status":"up"}}}`, w.Body.String())
}

func readEvent(t *testing.T, rd *bufio.Reader) stateResponse {
	t.Helper()
	var event, data string
	for {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && data != "":
			assert.Equal(t, "snapshot", event)
			var resp stateResponse
			require.NoError(t, json.Unmarshal([]byte(data), &resp))
			return resp
		}
	}
}

func TestStream(t *testing.T) {
	store := state.NewStore(types.TrackingState{SessionID: "s1", Destination: surrey})

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer("", setupRouter(store))
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	rd := bufio.NewReader(resp.Body)
	first := readEvent(t, rd)
	assert.Nil(t, first.Position)

	require.Eventually(t, func() bool { return store.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	store.Render(tracking())
	second := readEvent(t, rd)
	require.NotNil(t, second.Position)
	assert.Equal(t, burnaby, *second.Position)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.Eventually(t, func() bool { return store.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}
