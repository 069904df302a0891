// README: Great-circle distance helpers shared by the index, ETA and heatmap modules.
package geo

import (
	"context"
	"math"

	"swiftdispatch/internal/types"
)

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func HaversineKm(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// Destination returns the point reached after travelling distanceKm from p
// along the initial bearing (degrees clockwise from north).
func Destination(p types.Point, bearingDeg, distanceKm float64) types.Point {
	delta := distanceKm / earthRadiusKm
	theta := degreesToRadians(bearingDeg)
	lat1 := degreesToRadians(p.Lat)
	lng1 := degreesToRadians(p.Lng)

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(theta))
	lng2 := lng1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(lat1),
		math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2),
	)
	return types.Point{Lat: radiansToDegrees(lat2), Lng: normalizeLng(radiansToDegrees(lng2))}
}

// GreatCircle is the default distance source for ETA predictions.
type GreatCircle struct{}

func (GreatCircle) DistanceKm(_ context.Context, from, to types.Point) (float64, error) {
	return HaversineKm(from, to), nil
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

func radiansToDegrees(rad float64) float64 {
	return rad * 180.0 / math.Pi
}

func normalizeLng(lng float64) float64 {
	for lng > 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return lng
}
