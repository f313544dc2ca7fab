package models

import (
	"gorm.io/gorm"

	"route_engine/internal/geo"
)

// Stop represents a boarding point along a route.
// Order is the zero-based position of the stop within its route.
type Stop struct {
	gorm.Model

	Name          string  `json:"name"`
	LocalizedName string  `json:"localized_name,omitempty"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Order         int     `json:"order" gorm:"column:seq"`

	// Foreign key to route
	RouteID uint `json:"route_id" gorm:"index"`
}

// Coordinate returns the stop position as a latitude-first coordinate.
func (s Stop) Coordinate() geo.Coordinate {
	return geo.Coordinate{Lat: s.Latitude, Lon: s.Longitude}
}
