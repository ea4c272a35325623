package simulator

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"github.com/musthaq16/live-route-tracker/internal/config"
	"github.com/musthaq16/live-route-tracker/internal/device"
	"github.com/musthaq16/live-route-tracker/internal/geo"
	"github.com/musthaq16/live-route-tracker/internal/monitoring"
	"github.com/musthaq16/live-route-tracker/types"
)

// stopRadiusKm is how close a route point must be to a stop for the vehicle to wait there.
const stopRadiusKm = 0.05

// Router computes the path a simulated vehicle drives. *osrm.Client implements it.
type Router interface {
	Route(ctx context.Context, start, end types.GeoPoint) (types.Route, error)
}

type Stop struct {
	Point types.GeoPoint
	Dwell time.Duration
}

// Vehicle is one simulated tracker.
type Vehicle struct {
	ID     string
	IMEI   string
	Source types.GeoPoint
	Target types.GeoPoint
	Stops  []Stop
}

// VehicleFromConfig parses a configured route.
func VehicleFromConfig(rc config.RouteConfig) (Vehicle, error) {
	src, err := types.ParseGeoPoint(rc.Source)
	if err != nil {
		return Vehicle{}, fmt.Errorf("invalid source: %w", err)
	}
	dst, err := types.ParseGeoPoint(rc.Target)
	if err != nil {
		return Vehicle{}, fmt.Errorf("invalid target: %w", err)
	}

	v := Vehicle{ID: rc.VehicleID, IMEI: rc.Imei, Source: src, Target: dst}
	for _, s := range rc.Stops {
		p, err := types.ParseGeoPoint(s.Location)
		if err != nil {
			return Vehicle{}, fmt.Errorf("invalid stop: %w", err)
		}
		v.Stops = append(v.Stops, Stop{Point: p, Dwell: time.Duration(s.Duration) * time.Second})
	}
	return v, nil
}

// RunVehicleSimulator drives v along its route, reporting one AVL record per
// route point to the tracker at address every interval. It returns nil once the
// target is reached or ctx is cancelled.
func RunVehicleSimulator(ctx context.Context, router Router, v Vehicle, interval time.Duration, address string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("TCP connection failed: %w", err)
	}
	defer conn.Close()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-finished:
		}
	}()

	if err := login(conn, v.IMEI); err != nil {
		return err
	}
	monitoring.Logf("[%s] Logged in as %s", v.ID, v.IMEI)

	points, err := router.Route(ctx, v.Source, v.Target)
	if err != nil {
		return fmt.Errorf("route fetch failed: %w", err)
	}
	monitoring.Logf("[%s] Starting route with %d points", v.ID, len(points))

	visited := make([]bool, len(v.Stops))
	var prev *types.GeoPoint
	for i, pt := range points {
		speed := 0.0
		if prev != nil {
			speed = geo.Distance(*prev, pt) / interval.Hours()
		}
		if err := sendPosition(conn, pt, speed); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("point %d: %w", i+1, err)
		}
		monitoring.Logf("[%s] Point %d: %.6f, %.6f", v.ID, i+1, pt.Lat, pt.Lon)
		if !sleep(ctx, interval) {
			return nil
		}

		for s, stop := range v.Stops {
			if visited[s] || geo.Distance(pt, stop.Point) > stopRadiusKm {
				continue
			}
			visited[s] = true
			monitoring.Logf("[%s] Stopped for %s", v.ID, stop.Dwell)
			for n := dwellTicks(stop.Dwell, interval); n > 0; n-- {
				if err := sendPosition(conn, pt, 0); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("stop %d: %w", s+1, err)
				}
				if !sleep(ctx, interval) {
					return nil
				}
			}
		}
		p := pt
		prev = &p
	}

	monitoring.Logf("[%s] Route completed", v.ID)
	return nil
}

func login(conn net.Conn, imei string) error {
	pkt, err := device.EncodeLogin(imei)
	if err != nil {
		return fmt.Errorf("login packet creation failed: %w", err)
	}
	if _, err := conn.Write(pkt); err != nil {
		return fmt.Errorf("login packet send failed: %w", err)
	}

	reply := make([]byte, 1)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("login reply: %w", err)
	}
	if reply[0] != 0x01 {
		return fmt.Errorf("login rejected for %s", imei)
	}
	return nil
}

func sendPosition(conn net.Conn, pt types.GeoPoint, speedKmh float64) error {
	frame, err := device.EncodeAVL([]device.AVLRecord{{
		Time:       time.Now(),
		Point:      pt,
		Satellites: 9,
		Speed:      uint16(math.Min(math.Round(speedKmh), math.MaxUint16)),
	}})
	if err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("position packet send failed: %w", err)
	}

	ack := make([]byte, 4)
	if _, err := io.ReadFull(conn, ack); err != nil {
		return fmt.Errorf("position ack: %w", err)
	}
	if ack[3] != 1 || ack[0]|ack[1]|ack[2] != 0 {
		return fmt.Errorf("unexpected ack %X", ack)
	}
	return nil
}

func dwellTicks(dwell, interval time.Duration) int {
	if dwell <= 0 || interval <= 0 {
		return 0
	}
	return int((dwell + interval - 1) / interval)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
