// Package geometry derives the canonical line geometry of a route from its stops.
package geometry

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"

	"route_engine/internal/geo"
	"route_engine/internal/models"
)

// SortedStops returns a copy of stops ordered by Order. Ties keep their input order.
func SortedStops(stops []models.Stop) []models.Stop {
	sorted := make([]models.Stop, len(stops))
	copy(sorted, stops)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})
	return sorted
}

// Build returns the geometry of stops, or nil when fewer than two stops are given.
// Stops may arrive in insertion order; they are sorted by Order first.
func Build(stops []models.Stop) *models.Geometry {
	if len(stops) < 2 {
		return nil
	}
	sorted := SortedStops(stops)

	coords := make([]geom.Coord, 0, len(sorted))
	points := make([]geo.Coordinate, 0, len(sorted))
	for _, s := range sorted {
		coords = append(coords, geom.Coord{s.Longitude, s.Latitude})
		points = append(points, s.Coordinate())
	}

	return &models.Geometry{
		Line:        geom.NewLineString(geom.XY).MustSetCoords(coords),
		EncodedPath: EncodePath(points),
	}
}

// Refresh recomputes the derived geometry fields of route from its stops.
func Refresh(route *models.Route) error {
	route.Geometry = Build(route.Stops)
	if route.Geometry == nil {
		route.Shape = nil
		route.EncodedPath = ""
		return nil
	}
	shape, err := wkb.Marshal(route.Geometry.Line, binary.LittleEndian)
	if err != nil {
		return fmt.Errorf("encode route shape: %w", err)
	}
	route.Shape = shape
	route.EncodedPath = route.Geometry.EncodedPath
	return nil
}

// EncodePath writes coords as "lat,lon;lat,lon" with six decimals per value.
func EncodePath(coords []geo.Coordinate) string {
	parts := make([]string, 0, len(coords))
	for _, c := range coords {
		parts = append(parts, strconv.FormatFloat(c.Lat, 'f', 6, 64)+","+strconv.FormatFloat(c.Lon, 'f', 6, 64))
	}
	return strings.Join(parts, ";")
}

// DecodePath parses a string written by EncodePath.
func DecodePath(path string) ([]geo.Coordinate, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	pairs := strings.Split(path, ";")
	coords := make([]geo.Coordinate, 0, len(pairs))
	for i, pair := range pairs {
		latStr, lonStr, ok := strings.Cut(pair, ",")
		if !ok {
			return nil, fmt.Errorf("path point %d: expected \"lat,lon\", got %q", i, pair)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
		if err != nil {
			return nil, fmt.Errorf("path point %d: latitude: %w", i, err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
		if err != nil {
			return nil, fmt.Errorf("path point %d: longitude: %w", i, err)
		}
		coords = append(coords, geo.Coordinate{Lat: lat, Lon: lon})
	}
	return coords, nil
}

// LengthMeters sums the great-circle distance between consecutive points of g.
func LengthMeters(g *models.Geometry) float64 {
	coords := g.Coordinates()
	var total float64
	for i := 1; i < len(coords); i++ {
		total += geo.DistanceMeters(
			geo.Coordinate{Lat: coords[i-1][1], Lon: coords[i-1][0]},
			geo.Coordinate{Lat: coords[i][1], Lon: coords[i][0]},
		)
	}
	return total
}
