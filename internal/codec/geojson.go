package codec

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"
	gjson "github.com/twpayne/go-geom/encoding/geojson"

	"route_engine/internal/geometry"
	"route_engine/internal/models"
)

// GeoJSON reads and writes a FeatureCollection.
//
// A LineString Feature carries a whole route: its coordinates are the stops in
// order and properties.stops names them. A Point Feature carries a single stop
// and is grouped with other points by route_number.
type GeoJSON struct{}

func (GeoJSON) Format() Format { return FormatGeoJSON }

type rawFeatureCollection struct {
	Type     string            `json:"type"`
	Features []json.RawMessage `json:"features"`
}

type geojsonStop struct {
	Name      string `json:"name"`
	NameLocal string `json:"name_local,omitempty"`
	Order     int    `json:"order"`
}

func (GeoJSON) Decode(r io.Reader) (*DecodeResult, error) {
	var fc rawFeatureCollection
	if err := json.NewDecoder(r).Decode(&fc); err != nil {
		return nil, &FormatError{Format: FormatGeoJSON, Err: fmt.Errorf("parse feature collection: %w", err)}
	}
	if fc.Type != "FeatureCollection" {
		return nil, formatErrorf(FormatGeoJSON, "expected type FeatureCollection, got %q", fc.Type)
	}

	result := &DecodeResult{}
	points := newGroupSet()
	// Routes are emitted in feature order; point groups take the slot of their first point.
	type slot struct {
		route  *models.Route
		source string
		group  *routeGroup
	}
	var slots []slot

	for i, raw := range fc.Features {
		where := fmt.Sprintf("feature %d", i)
		var f gjson.Feature
		if err := json.Unmarshal(raw, &f); err != nil {
			result.recordErrorf(where, "%v", err)
			continue
		}

		switch g := f.Geometry.(type) {
		case *geom.LineString:
			route, err := lineStringRoute(g, f.Properties)
			if err != nil {
				result.recordErrorf(where, "%v", err)
				continue
			}
			slots = append(slots, slot{route: &route, source: where})
		case *geom.Point:
			number, ok := propString(f.Properties, "route_number")
			if !ok || number == "" {
				result.recordErrorf(where, "properties.route_number is required")
				continue
			}
			isNew := false
			group := points.get(number, i, func() models.Route {
				isNew = true
				name, _ := propString(f.Properties, "name")
				return models.Route{Name: name, Number: number, IsActive: true}
			})
			if isNew {
				slots = append(slots, slot{group: group})
			}
			stop, active, err := pointStop(g, f.Properties)
			if err != nil {
				result.recordErrorf(where, "%v", err)
				group.failed = true
				continue
			}
			if group.first == i {
				group.route.IsActive = active
			}
			group.route.Stops = append(group.route.Stops, stop)
		case nil:
			result.recordErrorf(where, "feature has no geometry")
		default:
			result.recordErrorf(where, "unsupported geometry type %T", g)
		}
	}

	for _, s := range slots {
		if s.route != nil {
			result.add(*s.route, s.source)
			continue
		}
		if s.group.failed {
			continue
		}
		result.add(s.group.route, positionRange("feature", s.group.first, s.group.last))
	}
	return result, nil
}

func lineStringRoute(ls *geom.LineString, props map[string]interface{}) (models.Route, error) {
	number, ok := propString(props, "route_number")
	if !ok || number == "" {
		return models.Route{}, fmt.Errorf("properties.route_number is required")
	}
	name, _ := propString(props, "name")
	active, err := propBool(props, "is_active", true)
	if err != nil {
		return models.Route{}, err
	}

	coords := ls.Coords()
	var named []interface{}
	if v, ok := props["stops"]; ok && v != nil {
		named, ok = v.([]interface{})
		if !ok {
			return models.Route{}, fmt.Errorf("properties.stops must be an array")
		}
		if len(named) != len(coords) {
			return models.Route{}, fmt.Errorf("properties.stops has %d entries for %d coordinates", len(named), len(coords))
		}
	}

	route := models.Route{Name: name, Number: number, IsActive: active}
	for i, c := range coords {
		stop := models.Stop{Longitude: c.X(), Latitude: c.Y(), Order: i}
		if named != nil {
			entry, ok := named[i].(map[string]interface{})
			if !ok {
				return models.Route{}, fmt.Errorf("properties.stops[%d] must be an object", i)
			}
			stop.Name, _ = propString(entry, "name")
			stop.LocalizedName, _ = propString(entry, "name_local")
			if _, present := entry["order"]; present {
				order, err := propInt(entry, "order")
				if err != nil {
					return models.Route{}, fmt.Errorf("properties.stops[%d]: %w", i, err)
				}
				stop.Order = order
			}
		}
		route.Stops = append(route.Stops, stop)
	}
	return route, nil
}

func pointStop(p *geom.Point, props map[string]interface{}) (models.Stop, bool, error) {
	if len(p.FlatCoords()) < 2 {
		return models.Stop{}, false, fmt.Errorf("point has no coordinates")
	}
	order, err := propInt(props, "stop_order")
	if err != nil {
		return models.Stop{}, false, err
	}
	active, err := propBool(props, "is_active", true)
	if err != nil {
		return models.Stop{}, false, err
	}
	name, _ := propString(props, "stop_name")
	local, _ := propString(props, "stop_name_local")
	return models.Stop{
		Name:          name,
		LocalizedName: local,
		Longitude:     p.X(),
		Latitude:      p.Y(),
		Order:         order,
	}, active, nil
}

// Encode writes one LineString Feature per route with coordinates in stop order.
func (GeoJSON) Encode(w io.Writer, routes []models.Route, opts EncodeOptions) (int, error) {
	fc := gjson.FeatureCollection{Features: []*gjson.Feature{}}
	for _, route := range selectRoutes(routes, opts) {
		stops := geometry.SortedStops(route.Stops)
		coords := make([]geom.Coord, 0, len(stops))
		for _, s := range stops {
			coords = append(coords, geom.Coord{s.Longitude, s.Latitude})
		}
		ls, err := geom.NewLineString(geom.XY).SetCoords(coords)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", route.Label(), err)
		}

		props := map[string]interface{}{
			"name":         route.Name,
			"route_number": route.Number,
			"is_active":    route.IsActive,
		}
		if opts.IncludeStops {
			named := make([]geojsonStop, 0, len(stops))
			for _, s := range stops {
				named = append(named, geojsonStop{Name: s.Name, NameLocal: s.LocalizedName, Order: s.Order})
			}
			props["stops"] = named
		}
		fc.Features = append(fc.Features, &gjson.Feature{Geometry: ls, Properties: props})
	}

	data, err := json.Marshal(&fc)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(data); err != nil {
		return 0, err
	}
	return len(fc.Features), nil
}

func propString(props map[string]interface{}, key string) (string, bool) {
	switch v := props[key].(type) {
	case string:
		return strings.TrimSpace(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	}
	return "", false
}

func propBool(props map[string]interface{}, key string, def bool) (bool, error) {
	switch v := props[key].(type) {
	case nil:
		return def, nil
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("properties.%s %q is not a boolean", key, v)
		}
		return b, nil
	}
	return false, fmt.Errorf("properties.%s must be a boolean", key)
}

func propInt(props map[string]interface{}, key string) (int, error) {
	switch v := props[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s %v is not an integer", key, v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%s %q is not an integer", key, v)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("%s is required", key)
	}
	return 0, fmt.Errorf("%s must be a number", key)
}
