package models

import (
	"encoding/json"
	"fmt"

	"github.com/twpayne/go-geom"
	gjson "github.com/twpayne/go-geom/encoding/geojson"
)

// Geometry is the derived line representation of a route.
// Line uses the XY layout, so each coordinate is (longitude, latitude).
// EncodedPath is the "lat,lon;lat,lon" form of the same points.
type Geometry struct {
	Line        *geom.LineString
	EncodedPath string
}

type geometryJSON struct {
	Line        json.RawMessage `json:"line"`
	EncodedPath string          `json:"encoded_path"`
}

// MarshalJSON writes the line as a GeoJSON LineString next to the encoded path.
func (g Geometry) MarshalJSON() ([]byte, error) {
	out := geometryJSON{EncodedPath: g.EncodedPath, Line: json.RawMessage("null")}
	if g.Line != nil {
		line, err := gjson.Marshal(g.Line)
		if err != nil {
			return nil, err
		}
		out.Line = line
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (g *Geometry) UnmarshalJSON(data []byte) error {
	var in geometryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	g.EncodedPath = in.EncodedPath
	g.Line = nil
	if len(in.Line) == 0 || string(in.Line) == "null" {
		return nil
	}
	var t geom.T
	if err := gjson.Unmarshal(in.Line, &t); err != nil {
		return err
	}
	ls, ok := t.(*geom.LineString)
	if !ok {
		return fmt.Errorf("geometry line must be a LineString, got %T", t)
	}
	g.Line = ls
	return nil
}

// Coordinates returns the line as (longitude, latitude) pairs.
func (g *Geometry) Coordinates() [][2]float64 {
	if g == nil || g.Line == nil {
		return nil
	}
	out := make([][2]float64, 0, g.Line.NumCoords())
	for _, c := range g.Line.Coords() {
		out = append(out, [2]float64{c.X(), c.Y()})
	}
	return out
}
