package geo

import (
	"math"

	"github.com/example/carpool/internal/models"
)

// Valid reports whether c lies within the WGS84 latitude/longitude ranges.
func Valid(c models.Coord) bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// DistanceMeters is the straight-line distance between two optional points.
// It returns false when either end is unknown.
func DistanceMeters(from, to *models.Coord) (float64, bool) {
	if from == nil || to == nil {
		return 0, false
	}
	return Haversine(from.Lat, from.Lon, to.Lat, to.Lon), true
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
