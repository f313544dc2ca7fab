package codec

import (
	"encoding/json"
	"fmt"
	"io"

	gjson "github.com/twpayne/go-geom/encoding/geojson"
	"gorm.io/gorm"

	"route_engine/internal/geometry"
	"route_engine/internal/models"
)

// JSON is the lossless backup format. It carries ids and the derived geometry.
type JSON struct{}

func (JSON) Format() Format { return FormatJSON }

type jsonDocument struct {
	Routes []jsonRoute `json:"routes"`
}

type jsonRoute struct {
	ID       uint          `json:"id,omitempty"`
	Name     string        `json:"name"`
	Number   string        `json:"number"`
	IsActive *bool         `json:"isActive,omitempty"`
	Stops    []jsonStop    `json:"stops,omitempty"`
	Geometry *jsonGeometry `json:"geometry,omitempty"`
}

type jsonStop struct {
	ID            uint    `json:"id,omitempty"`
	Name          string  `json:"name"`
	LocalizedName string  `json:"localizedName,omitempty"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Order         int     `json:"order"`
}

type jsonGeometry struct {
	Line        json.RawMessage `json:"line,omitempty"`
	EncodedPath string          `json:"encodedPath"`
}

func (JSON) Decode(r io.Reader) (*DecodeResult, error) {
	var doc struct {
		Routes *[]json.RawMessage `json:"routes"`
	}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, &FormatError{Format: FormatJSON, Err: fmt.Errorf("parse document: %w", err)}
	}
	if doc.Routes == nil {
		return nil, formatErrorf(FormatJSON, "document has no routes array")
	}

	result := &DecodeResult{}
	for i, raw := range *doc.Routes {
		where := fmt.Sprintf("route %d", i)
		var in jsonRoute
		if err := json.Unmarshal(raw, &in); err != nil {
			result.recordErrorf(where, "%v", err)
			continue
		}

		route := models.Route{
			Model:    gorm.Model{ID: in.ID},
			Name:     in.Name,
			Number:   in.Number,
			IsActive: in.IsActive == nil || *in.IsActive,
		}
		for _, s := range in.Stops {
			route.Stops = append(route.Stops, models.Stop{
				Model:         gorm.Model{ID: s.ID},
				Name:          s.Name,
				LocalizedName: s.LocalizedName,
				Latitude:      s.Latitude,
				Longitude:     s.Longitude,
				Order:         s.Order,
			})
		}
		if w := checkStoredPath(route, in.Geometry); w != "" {
			result.Warnings = append(result.Warnings, where+": "+w)
		}
		result.add(route, where)
	}
	return result, nil
}

// checkStoredPath compares a backed-up encoded path with the one rebuilt from stops.
func checkStoredPath(route models.Route, stored *jsonGeometry) string {
	if stored == nil || stored.EncodedPath == "" || len(route.Stops) == 0 {
		return ""
	}
	coords, err := geometry.DecodePath(stored.EncodedPath)
	if err != nil {
		return fmt.Sprintf("stored geometry ignored: %v", err)
	}
	rebuilt := geometry.Build(route.Stops)
	if rebuilt == nil || geometry.EncodePath(coords) != rebuilt.EncodedPath {
		return "stored geometry does not match stops, rebuilt from stops"
	}
	return ""
}

func (JSON) Encode(w io.Writer, routes []models.Route, opts EncodeOptions) (int, error) {
	doc := jsonDocument{Routes: []jsonRoute{}}
	for _, route := range selectRoutes(routes, opts) {
		active := route.IsActive
		out := jsonRoute{
			ID:       route.ID,
			Name:     route.Name,
			Number:   route.Number,
			IsActive: &active,
		}
		stops := geometry.SortedStops(route.Stops)
		if opts.IncludeStops {
			for _, s := range stops {
				out.Stops = append(out.Stops, jsonStop{
					ID:            s.ID,
					Name:          s.Name,
					LocalizedName: s.LocalizedName,
					Latitude:      s.Latitude,
					Longitude:     s.Longitude,
					Order:         s.Order,
				})
			}
		}
		if g := geometry.Build(stops); g != nil {
			line, err := gjson.Marshal(g.Line)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", route.Label(), err)
			}
			out.Geometry = &jsonGeometry{Line: line, EncodedPath: g.EncodedPath}
		}
		doc.Routes = append(doc.Routes, out)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return 0, err
	}
	return len(doc.Routes), nil
}
