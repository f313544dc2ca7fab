package codec

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"route_engine/internal/geometry"
	"route_engine/internal/models"
)

// CSV column names.
const (
	colName          = "name"
	colRouteNumber   = "route_number"
	colStopName      = "stop_name"
	colStopNameLocal = "stop_name_local"
	colStopLat       = "stop_lat"
	colStopLon       = "stop_lon"
	colStopOrder     = "stop_order"
	colIsActive      = "is_active"
)

var csvHeader = []string{
	colName, colRouteNumber, colStopName, colStopNameLocal,
	colStopLat, colStopLon, colStopOrder, colIsActive,
}

var csvRequired = []string{colName, colRouteNumber, colStopName, colStopLat, colStopLon, colStopOrder}

// CSV holds one row per stop; rows sharing route_number form one route.
type CSV struct{}

func (CSV) Format() Format { return FormatCSV }

// Decode reads a header row followed by stop rows. Row numbers in errors are
// 1-based and count the header as row 1.
func (CSV) Decode(r io.Reader) (*DecodeResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, formatErrorf(FormatCSV, "empty input, expected a header row")
	}
	if err != nil {
		return nil, &FormatError{Format: FormatCSV, Err: fmt.Errorf("read header: %w", err)}
	}

	idx := makeIndex(header)
	var missing []string
	for _, col := range csvRequired {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, formatErrorf(FormatCSV, "missing required columns: %s", strings.Join(missing, ", "))
	}

	result := &DecodeResult{}
	groups := newGroupSet()

	for row := 2; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		where := fmt.Sprintf("row %d", row)
		if err != nil {
			result.recordErrorf(where, "%v", err)
			continue
		}

		get := func(col string) string {
			i, ok := idx[col]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		number := get(colRouteNumber)
		if number == "" {
			result.recordErrorf(where, "%s is empty", colRouteNumber)
			continue
		}
		group := groups.get(number, row, func() models.Route {
			return models.Route{Name: get(colName), Number: number, IsActive: true}
		})

		stop, active, err := parseCSVStop(get)
		if err != nil {
			result.recordErrorf(where, "%v", err)
			group.failed = true
			continue
		}
		if group.first == row {
			group.route.IsActive = active
		} else if get(colName) != group.route.Name {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: route %s name %q differs from %q, keeping the first", where, number, get(colName), group.route.Name))
		}
		group.route.Stops = append(group.route.Stops, stop)
	}

	groups.each(func(g *routeGroup) {
		if g.failed {
			return
		}
		result.add(g.route, positionRange("row", g.first, g.last))
	})
	return result, nil
}

func parseCSVStop(get func(string) string) (models.Stop, bool, error) {
	lat, err := strconv.ParseFloat(get(colStopLat), 64)
	if err != nil || math.IsNaN(lat) || math.IsInf(lat, 0) {
		return models.Stop{}, false, fmt.Errorf("%s %q is not a number", colStopLat, get(colStopLat))
	}
	lon, err := strconv.ParseFloat(get(colStopLon), 64)
	if err != nil || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return models.Stop{}, false, fmt.Errorf("%s %q is not a number", colStopLon, get(colStopLon))
	}
	order, err := strconv.Atoi(get(colStopOrder))
	if err != nil {
		return models.Stop{}, false, fmt.Errorf("%s %q is not an integer", colStopOrder, get(colStopOrder))
	}
	active := true
	if v := get(colIsActive); v != "" {
		active, err = strconv.ParseBool(v)
		if err != nil {
			return models.Stop{}, false, fmt.Errorf("%s %q is not a boolean", colIsActive, v)
		}
	}
	return models.Stop{
		Name:          get(colStopName),
		LocalizedName: get(colStopNameLocal),
		Latitude:      lat,
		Longitude:     lon,
		Order:         order,
	}, active, nil
}

// Encode writes the header and one row per stop in route order. Without
// IncludeStops each route gets a single row with empty stop columns.
func (CSV) Encode(w io.Writer, routes []models.Route, opts EncodeOptions) (int, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return 0, err
	}

	written := 0
	for _, route := range selectRoutes(routes, opts) {
		active := strconv.FormatBool(route.IsActive)
		if !opts.IncludeStops || len(route.Stops) == 0 {
			if err := writer.Write([]string{route.Name, route.Number, "", "", "", "", "", active}); err != nil {
				return written, err
			}
			written++
			continue
		}
		for _, s := range geometry.SortedStops(route.Stops) {
			row := []string{
				route.Name,
				route.Number,
				s.Name,
				s.LocalizedName,
				formatFloat(s.Latitude),
				formatFloat(s.Longitude),
				strconv.Itoa(s.Order),
				active,
			}
			if err := writer.Write(row); err != nil {
				return written, err
			}
		}
		written++
	}

	writer.Flush()
	return written, writer.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// makeIndex maps lower-cased header names to their column position.
func makeIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := idx[name]; !dup {
			idx[name] = i
		}
	}
	return idx
}
