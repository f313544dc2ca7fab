// Package codec translates between raw bytes and candidate routes for the
// supported interchange formats.
//
// Decoding never stops on a malformed record. Bad rows or features are recorded
// as RecordErrors and the remaining records are still returned. Only problems that
// make the whole input unreadable (missing CSV columns, broken JSON) abort with a
// *FormatError.
package codec

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"route_engine/internal/geometry"
	"route_engine/internal/models"
)

// Format names a wire format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatGeoJSON Format = "geojson"
	FormatJSON    Format = "json"
)

// ErrUnsupportedFormat is returned for unknown format names.
var ErrUnsupportedFormat = errors.New("unsupported format")

// ParseFormat accepts a format name or a file name/extension such as "routes.geojson".
func ParseFormat(s string) (Format, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if ext := filepath.Ext(name); ext != "" {
		name = strings.TrimPrefix(ext, ".")
	}
	switch name {
	case "csv":
		return FormatCSV, nil
	case "geojson":
		return FormatGeoJSON, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// ContentType returns the MIME type used when serving f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatGeoJSON:
		return "application/geo+json"
	default:
		return "application/json"
	}
}

// FileExtension returns the conventional extension for f, including the dot.
func (f Format) FileExtension() string {
	return "." + string(f)
}

// EncodeOptions control which parts of a route set are written.
type EncodeOptions struct {
	IncludeStops    bool
	IncludeInactive bool
}

// FormatError is a file-level failure; nothing in the input was decoded.
type FormatError struct {
	Format Format
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %v", e.Format, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func formatErrorf(f Format, format string, args ...any) *FormatError {
	return &FormatError{Format: f, Err: fmt.Errorf(format, args...)}
}

// RecordError describes one row or feature that could not be decoded.
type RecordError struct {
	// Record locates the input, e.g. "row 4" or "feature 2".
	Record  string `json:"record"`
	Message string `json:"message"`
}

func (e RecordError) Error() string {
	return e.Record + ": " + e.Message
}

// DecodedRoute is a candidate route plus the location it was read from.
type DecodedRoute struct {
	Route  models.Route
	Source string
}

// DecodeResult holds everything a decode call produced.
type DecodeResult struct {
	Routes   []DecodedRoute
	Errors   []RecordError
	Warnings []string
}

func (r *DecodeResult) recordErrorf(record, format string, args ...any) {
	r.Errors = append(r.Errors, RecordError{Record: record, Message: fmt.Sprintf(format, args...)})
}

func (r *DecodeResult) add(route models.Route, source string) {
	route.Geometry = geometry.Build(route.Stops)
	r.Routes = append(r.Routes, DecodedRoute{Route: route, Source: source})
}

// Codec reads and writes routes in one format.
type Codec interface {
	Format() Format
	// Decode returns a *FormatError when the input as a whole is unreadable.
	Decode(r io.Reader) (*DecodeResult, error)
	// Encode writes routes and returns how many were written.
	Encode(w io.Writer, routes []models.Route, opts EncodeOptions) (int, error)
}

// ForFormat returns the codec for f.
func ForFormat(f Format) (Codec, error) {
	switch f {
	case FormatCSV:
		return CSV{}, nil
	case FormatGeoJSON:
		return GeoJSON{}, nil
	case FormatJSON:
		return JSON{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, string(f))
}

// selectRoutes drops inactive routes unless opts asks for them.
func selectRoutes(routes []models.Route, opts EncodeOptions) []models.Route {
	if opts.IncludeInactive {
		return routes
	}
	out := make([]models.Route, 0, len(routes))
	for _, r := range routes {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out
}

// routeGroup accumulates per-stop records that share a route number.
type routeGroup struct {
	route  models.Route
	first  int
	last   int
	failed bool
}

type groupSet struct {
	order  []string
	groups map[string]*routeGroup
}

func newGroupSet() *groupSet {
	return &groupSet{groups: make(map[string]*routeGroup)}
}

// get returns the group for number, creating it from the given route fields.
func (s *groupSet) get(number string, position int, init func() models.Route) *routeGroup {
	key := models.NormalizeNumber(number)
	g, ok := s.groups[key]
	if !ok {
		g = &routeGroup{route: init(), first: position}
		s.groups[key] = g
		s.order = append(s.order, key)
	}
	g.last = position
	return g
}

func (s *groupSet) each(fn func(g *routeGroup)) {
	for _, key := range s.order {
		fn(s.groups[key])
	}
}

func positionRange(noun string, first, last int) string {
	if first == last {
		return fmt.Sprintf("%s %d", noun, first)
	}
	return fmt.Sprintf("%ss %d-%d", noun, first, last)
}
