package simulator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musthaq16/live-route-tracker/internal/config"
	"github.com/musthaq16/live-route-tracker/internal/device"
	"github.com/musthaq16/live-route-tracker/internal/monitoring"
	"github.com/musthaq16/live-route-tracker/types"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

const imei = "356307042441013"

var (
	vancouver = types.GeoPoint{Lat: 49.2827, Lon: -123.1207}
	burnaby   = types.GeoPoint{Lat: 49.2488, Lon: -122.9805}
	surrey    = types.GeoPoint{Lat: 49.1321, Lon: -122.8712}
)

type routerFunc func(ctx context.Context, start, end types.GeoPoint) (types.Route, error)

func (f routerFunc) Route(ctx context.Context, start, end types.GeoPoint) (types.Route, error) {
	return f(ctx, start, end)
}

func fixedRoute(route types.Route) Router {
	return routerFunc(func(context.Context, types.GeoPoint, types.GeoPoint) (types.Route, error) {
		return route, nil
	})
}

func startTracker(t *testing.T, allowIMEI string) (*device.AVLSource, <-chan device.Reading) {
	t.Helper()
	src := device.NewAVLSource(device.AVLConfig{Listen: "127.0.0.1:0", IMEI: allowIMEI})
	require.NoError(t, src.Available())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, err := src.Open(ctx, device.DefaultOptions())
	require.NoError(t, err)
	return src, ch
}

func collect(t *testing.T, ch <-chan device.Reading, n int) []types.GeoPoint {
	t.Helper()
	var out []types.GeoPoint
	for len(out) < n {
		select {
		case r := <-ch:
			require.NoError(t, r.Err)
			out = append(out, r.Point)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d of %d readings", len(out), n)
		}
	}
	return out
}

func TestRunVehicleSimulator_DrivesRoute(t *testing.T) {
	src, ch := startTracker(t, imei)
	v := Vehicle{ID: "bus-1", IMEI: imei, Source: vancouver, Target: surrey}

	err := RunVehicleSimulator(context.Background(), fixedRoute(types.Route{vancouver, burnaby, surrey}),
		v, time.Millisecond, src.Addr().String())
	require.NoError(t, err)

	got := collect(t, ch, 3)
	for i, want := range []types.GeoPoint{vancouver, burnaby, surrey} {
		assert.InDelta(t, want.Lat, got[i].Lat, 1e-6)
		assert.InDelta(t, want.Lon, got[i].Lon, 1e-6)
	}
}

func TestRunVehicleSimulator_WaitsAtStops(t *testing.T) {
	src, ch := startTracker(t, "")
	v := Vehicle{
		ID: "bus-2", IMEI: imei, Source: vancouver, Target: surrey,
		Stops: []Stop{{Point: types.GeoPoint{Lat: 49.2489, Lon: -122.9805}, Dwell: 3 * time.Millisecond}},
	}

	err := RunVehicleSimulator(context.Background(), fixedRoute(types.Route{vancouver, burnaby, surrey}),
		v, time.Millisecond, src.Addr().String())
	require.NoError(t, err)

	got := collect(t, ch, 6)
	lats := make([]float64, len(got))
	for i, p := range got {
		lats[i] = p.Lat
	}
	assert.InDeltaSlice(t, []float64{49.2827, 49.2488, 49.2488, 49.2488, 49.2488, 49.1321}, lats, 1e-6)
}

func TestRunVehicleSimulator_LoginRejected(t *testing.T) {
	src, _ := startTracker(t, "111111111111111")
	v := Vehicle{ID: "bus-3", IMEI: imei}

	err := RunVehicleSimulator(context.Background(), fixedRoute(nil), v, time.Millisecond, src.Addr().String())
	assert.ErrorContains(t, err, "login rejected")
}

func TestRunVehicleSimulator_RouteError(t *testing.T) {
	src, _ := startTracker(t, "")
	failing := routerFunc(func(context.Context, types.GeoPoint, types.GeoPoint) (types.Route, error) {
		return nil, types.NewRouteError("OSRM returned %d", 500)
	})

	err := RunVehicleSimulator(context.Background(), failing, Vehicle{ID: "bus-4", IMEI: imei}, time.Millisecond, src.Addr().String())
	var re *types.RouteError
	assert.True(t, errors.As(err, &re), "got %v", err)
}

func TestRunVehicleSimulator_StopsOnCancel(t *testing.T) {
	src, ch := startTracker(t, "")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- RunVehicleSimulator(ctx, fixedRoute(types.Route{vancouver, burnaby, surrey}),
			Vehicle{ID: "bus-5", IMEI: imei}, time.Hour, src.Addr().String())
	}()

	collect(t, ch, 1)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("simulator did not stop")
	}
}

func TestVehicleFromConfig(t *testing.T) {
	v, err := VehicleFromConfig(config.RouteConfig{
		VehicleID: "bus-1",
		Imei:      imei,
		Source:    "49.2827,-123.1207",
		Target:    "49.1321,-122.8712",
		Stops:     []config.StopConfig{{Location: "49.2488,-122.9805", Duration: 30}},
	})
	require.NoError(t, err)
	assert.Equal(t, vancouver, v.Source)
	assert.Equal(t, surrey, v.Target)
	assert.Equal(t, []Stop{{Point: burnaby, Dwell: 30 * time.Second}}, v.Stops)

	_, err = VehicleFromConfig(config.RouteConfig{Source: "49.2827,-123.1207", Target: "north"})
	assert.Error(t, err)
}

func TestDwellTicks(t *testing.T) {
	assert.Equal(t, 0, dwellTicks(0, time.Second))
	assert.Equal(t, 3, dwellTicks(3*time.Second, time.Second))
	assert.Equal(t, 3, dwellTicks(2500*time.Millisecond, time.Second))
	assert.Equal(t, 0, dwellTicks(time.Second, 0))
}
