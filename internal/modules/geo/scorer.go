// Package geo contains the pure geographic scoring helpers used by pricing and matching.
package geo

import (
	"math"

	"rideflow/internal/types"
)

const (
	earthRadiusKm = 6371.0

	// ProximitySlope is the score lost per kilometre of separation.
	ProximitySlope = 25.0
	maxScore       = 100.0
)

// DistanceKm returns the great-circle distance in kilometres between a and b.
func DistanceKm(a, b types.Point) float64 {
	if a == b {
		return 0
	}
	return haversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// ProximityScore maps a distance to [0,100] with a linear decay of
// ProximitySlope points per km. It reaches 0 at 4 km.
func ProximityScore(distanceKm float64) float64 {
	if distanceKm < 0 || math.IsNaN(distanceKm) {
		distanceKm = 0
	}
	s := maxScore - ProximitySlope*distanceKm
	if s < 0 {
		return 0
	}
	return s
}

// RouteMatchScore averages the pickup-to-pickup and drop-to-drop proximity
// scores of a request against a scheduled route.
func RouteMatchScore(reqPickup, reqDrop, schedPickup, schedDrop types.Point) float64 {
	pickup := ProximityScore(DistanceKm(reqPickup, schedPickup))
	drop := ProximityScore(DistanceKm(reqDrop, schedDrop))
	return (pickup + drop) / 2
}
