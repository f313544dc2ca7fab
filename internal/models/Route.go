package models

import (
	"strings"

	"gorm.io/gorm"
)

// Route represents an ordered path of stops served by one vehicle service.
// Number is the human-facing route code and must be unique among active routes.
type Route struct {
	gorm.Model

	Name     string `json:"name"`
	Number   string `json:"number" gorm:"index;not null"`
	IsActive bool   `json:"is_active"`

	// Shape is the WKB encoding of the line geometry, refreshed on every write.
	Shape       []byte `gorm:"type:bytea" json:"-"`
	EncodedPath string `json:"-"`

	// Associations
	Stops []Stop `gorm:"foreignKey:RouteID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"stops"`

	// Geometry is derived from Stops and never authored directly.
	Geometry *Geometry `gorm:"-" json:"geometry,omitempty"`
}

// NormalizeNumber returns the comparison key for a route number.
func NormalizeNumber(number string) string {
	return strings.ToLower(strings.TrimSpace(number))
}

// Clone returns a copy of r that shares no slices with it.
func (r Route) Clone() Route {
	out := r
	if r.Stops != nil {
		out.Stops = make([]Stop, len(r.Stops))
		copy(out.Stops, r.Stops)
	}
	if r.Shape != nil {
		out.Shape = append([]byte(nil), r.Shape...)
	}
	if r.Geometry != nil {
		g := *r.Geometry
		if g.Line != nil {
			g.Line = g.Line.Clone()
		}
		out.Geometry = &g
	}
	return out
}

// Label identifies r in human-readable messages.
func (r Route) Label() string {
	number := strings.TrimSpace(r.Number)
	if number == "" {
		number = "(no number)"
	}
	return "route " + number
}
