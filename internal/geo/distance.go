// Package geo computes great-circle distances between GeoPoints.
package geo

import (
	"math"

	"github.com/musthaq16/live-route-tracker/types"
)

// EarthRadiusKm is the mean Earth radius used by Distance.
const EarthRadiusKm = 6371.0

// Distance returns the haversine distance between a and b in kilometers.
func Distance(a, b types.GeoPoint) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := 0.5 - math.Cos(dLat)/2 +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*(1-math.Cos(dLon))/2

	// rounding can push h a hair outside [0,1]
	h = math.Max(0, math.Min(1, h))
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
