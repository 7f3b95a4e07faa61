// Package geo implements the geofence check that gates proximity-required
// check-ins. Pure computation, no state.
package geo

import (
	"math"

	"spotter/pkg/types"
)

// earthRadiusMeters is the mean Earth radius used by the haversine formula.
const earthRadiusMeters = 6371000

// DefaultRadiusMeters is used when a session requires proximity but the
// initiator did not configure a radius.
const DefaultRadiusMeters = 500

// Distance returns the haversine distance between two coordinates in meters.
func Distance(a, b types.GeoPoint) float64 {
	phi1 := radians(a.Latitude)
	phi2 := radians(b.Latitude)
	deltaPhi := radians(b.Latitude - a.Latitude)
	deltaLambda := radians(b.Longitude - a.Longitude)

	h := math.Sin(deltaPhi/2)*math.Sin(deltaPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(deltaLambda/2)*math.Sin(deltaLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

// WithinRadius reports whether candidate lies inside the circular geofence
// around target.
func WithinRadius(target, candidate types.GeoPoint, radiusMeters float64) bool {
	return Distance(target, candidate) <= radiusMeters
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
