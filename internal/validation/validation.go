// Package validation decides whether a candidate route may be persisted.
//
// Every rule runs on every call so that callers see the full set of problems at once.
// Errors block persistence; warnings are advisories. Each message starts with a stable
// category prefix such as "Duplicate route number:".
package validation

import (
	"fmt"
	"strings"

	"route_engine/internal/geo"
	"route_engine/internal/geometry"
	"route_engine/internal/models"
)

// Message categories.
const (
	CategoryMinimumStops      = "Minimum stops"
	CategoryOrderingIntegrity = "Ordering integrity"
	CategoryCoordinateBounds  = "Coordinate bounds"
	CategoryDuplicateNumber   = "Duplicate route number"
	CategoryStopProximity     = "Stop proximity"
	CategoryEmptyName         = "Empty name"
)

// MinStops is the smallest number of stops a persistable route has.
const MinStops = 2

// Thresholds tune the proximity warnings per deployment.
type Thresholds struct {
	MinStopSeparationMeters float64
	MaxStopGapMeters        float64
}

// DefaultThresholds suit a city bus network.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinStopSeparationMeters: 50,
		MaxStopGapMeters:        10000,
	}
}

// Result is the outcome of validating one route.
type Result struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Summary joins the errors into one line.
func (r Result) Summary() string {
	return strings.Join(r.Errors, "; ")
}

// Engine applies the route rules. It holds no mutable state and is safe for concurrent use.
type Engine struct {
	thresholds Thresholds
}

// NewEngine creates an Engine with the given thresholds.
func NewEngine(thresholds Thresholds) *Engine {
	return &Engine{thresholds: thresholds}
}

// Thresholds returns the configured thresholds.
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// Validate checks route against the rules. existing is the set of routes the number
// must not collide with; inactive entries are ignored.
func (e *Engine) Validate(route models.Route, existing []models.Route) Result {
	r := &collector{}

	checkMinimumStops(r, route)
	checkOrdering(r, route)
	checkCoordinates(r, route)
	checkDuplicateNumber(r, route, existing)
	e.checkProximity(r, route)
	checkNames(r, route)

	return Result{
		IsValid:  len(r.errors) == 0,
		Errors:   r.errors,
		Warnings: r.warnings,
	}
}

type collector struct {
	errors   []string
	warnings []string
}

func (c *collector) errorf(category, format string, args ...any) {
	c.errors = append(c.errors, category+": "+fmt.Sprintf(format, args...))
}

func (c *collector) warnf(category, format string, args ...any) {
	c.warnings = append(c.warnings, category+": "+fmt.Sprintf(format, args...))
}

func checkMinimumStops(c *collector, route models.Route) {
	if len(route.Stops) < MinStops {
		c.errorf(CategoryMinimumStops, "route has %d stop(s), at least %d are required", len(route.Stops), MinStops)
	}
}

func checkOrdering(c *collector, route models.Route) {
	n := len(route.Stops)
	seen := make(map[int]bool, n)
	var outOfRange, duplicates []string
	for _, s := range route.Stops {
		switch {
		case s.Order < 0 || s.Order >= n:
			outOfRange = append(outOfRange, fmt.Sprint(s.Order))
		case seen[s.Order]:
			duplicates = append(duplicates, fmt.Sprint(s.Order))
		default:
			seen[s.Order] = true
		}
	}
	if len(outOfRange) > 0 {
		c.errorf(CategoryOrderingIntegrity, "stop order values %s are outside 0..%d", strings.Join(outOfRange, ", "), n-1)
	}
	if len(duplicates) > 0 {
		c.errorf(CategoryOrderingIntegrity, "stop order values %s are used more than once", strings.Join(duplicates, ", "))
	}
}

func checkCoordinates(c *collector, route models.Route) {
	for _, s := range geometry.SortedStops(route.Stops) {
		if err := s.Coordinate().Validate(); err != nil {
			c.errorf(CategoryCoordinateBounds, "%s: %v", stopLabel(s), err)
		}
	}
}

func checkDuplicateNumber(c *collector, route models.Route, existing []models.Route) {
	number := models.NormalizeNumber(route.Number)
	for _, other := range existing {
		if !other.IsActive || models.NormalizeNumber(other.Number) != number {
			continue
		}
		if route.ID != 0 && other.ID == route.ID {
			continue
		}
		if number == "" {
			c.errorf(CategoryDuplicateNumber, "blank route number is already used by another active route")
			return
		}
		if other.ID != 0 {
			c.errorf(CategoryDuplicateNumber, "%q is already used by route %d", strings.TrimSpace(route.Number), other.ID)
		} else {
			c.errorf(CategoryDuplicateNumber, "%q is already used by another route", strings.TrimSpace(route.Number))
		}
		return
	}
}

func (e *Engine) checkProximity(c *collector, route models.Route) {
	stops := geometry.SortedStops(route.Stops)
	for i := 1; i < len(stops); i++ {
		prev, next := stops[i-1], stops[i]
		if prev.Coordinate().Validate() != nil || next.Coordinate().Validate() != nil {
			continue
		}
		d := geo.DistanceMeters(prev.Coordinate(), next.Coordinate())
		switch {
		case d <= e.thresholds.MinStopSeparationMeters:
			c.warnf(CategoryStopProximity, "%s and %s are only %.0f m apart (minimum %.0f m); possible duplicate stop",
				stopLabel(prev), stopLabel(next), d, e.thresholds.MinStopSeparationMeters)
		case d > e.thresholds.MaxStopGapMeters:
			c.warnf(CategoryStopProximity, "%s and %s are %.0f m apart (maximum %.0f m); possible missing stop",
				stopLabel(prev), stopLabel(next), d, e.thresholds.MaxStopGapMeters)
		}
	}
}

func checkNames(c *collector, route models.Route) {
	if strings.TrimSpace(route.Name) == "" {
		c.warnf(CategoryEmptyName, "route name is blank")
	}
	if strings.TrimSpace(route.Number) == "" {
		c.warnf(CategoryEmptyName, "route number is blank")
	}
	for _, s := range geometry.SortedStops(route.Stops) {
		if strings.TrimSpace(s.Name) == "" {
			c.warnf(CategoryEmptyName, "stop at order %d has a blank name", s.Order)
		}
	}
}

func stopLabel(s models.Stop) string {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return fmt.Sprintf("stop %d", s.Order)
	}
	return fmt.Sprintf("stop %d (%s)", s.Order, name)
}
