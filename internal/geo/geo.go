// Package geo holds coordinate types and great-circle distance math.
package geo

import (
	"errors"
	"fmt"

	"github.com/golang/geo/s2"
)

// earthRadiusInMeters is the volumetric mean radius of the Earth.
const earthRadiusInMeters = 6371000

// ErrInvalidCoordinate is returned when a latitude or longitude is outside its valid range.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Coordinate is a latitude-first position in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// IsValidLatLon reports whether lat is within [-90, 90] and lon within [-180, 180].
func IsValidLatLon(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Validate returns an error wrapping ErrInvalidCoordinate when c is out of range.
func (c Coordinate) Validate() error {
	// Written as negated ranges so that NaN fails too.
	if !(c.Lat >= -90 && c.Lat <= 90) {
		return fmt.Errorf("%w: latitude %v must be between -90 and 90", ErrInvalidCoordinate, c.Lat)
	}
	if !(c.Lon >= -180 && c.Lon <= 180) {
		return fmt.Errorf("%w: longitude %v must be between -180 and 180", ErrInvalidCoordinate, c.Lon)
	}
	return nil
}

// DistanceMeters returns the Haversine distance between a and b.
// Callers are expected to pass coordinates that satisfy Validate.
func DistanceMeters(a, b Coordinate) float64 {
	p1 := s2.LatLngFromDegrees(a.Lat, a.Lon)
	p2 := s2.LatLngFromDegrees(b.Lat, b.Lon)
	return p1.Distance(p2).Radians() * earthRadiusInMeters
}
