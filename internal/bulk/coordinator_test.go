package bulk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"route_engine/internal/codec"
	"route_engine/internal/metrics"
	"route_engine/internal/models"
	"route_engine/internal/store"
	"route_engine/internal/store/memstore"
	"route_engine/internal/validation"
)

// hookStore wraps memstore so tests can inject failures and observe concurrency.
type hookStore struct {
	*memstore.Store
	onCreate func(route models.Route) error
	onDelete func(id uint) error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newHookStore() *hookStore {
	return &hookStore{Store: memstore.New()}
}

func (s *hookStore) CreateRoute(ctx context.Context, route models.Route) (models.Route, error) {
	if s.onCreate != nil {
		if err := s.onCreate(route); err != nil {
			return models.Route{}, err
		}
	}
	return s.Store.CreateRoute(ctx, route)
}

func (s *hookStore) DeleteRoute(ctx context.Context, id uint) error {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if s.onDelete != nil {
		if err := s.onDelete(id); err != nil {
			return err
		}
	}
	return s.Store.DeleteRoute(ctx, id)
}

func newCoordinator(s store.Store) *Coordinator {
	return NewCoordinator(s, validation.NewEngine(validation.DefaultThresholds()), 4)
}

const csvHeader = "name,route_number,stop_name,stop_lat,stop_lon,stop_order\n"

// csvRoute writes rows for a route with stops about 500 m apart.
func csvRoute(b *strings.Builder, number string, stops int) {
	for i := 0; i < stops; i++ {
		fmt.Fprintf(b, "Line %s,%s,Stop %d,%.4f,77.59,%d\n", number, number, i, 12.97+float64(i)*0.0045, i)
	}
}

func seed(t *testing.T, s store.Store, number string, active bool) models.Route {
	t.Helper()
	created, err := s.CreateRoute(context.Background(), models.Route{
		Name:     "Line " + number,
		Number:   number,
		IsActive: active,
		Stops: []models.Stop{
			{Name: "A", Order: 0, Latitude: 12.97, Longitude: 77.59},
			{Name: "B", Order: 1, Latitude: 12.9745, Longitude: 77.59},
		},
	})
	require.NoError(t, err)
	return created
}

func partialBatch() string {
	var b strings.Builder
	b.WriteString(csvHeader)
	for i := 0; i < 10; i++ {
		csvRoute(&b, fmt.Sprintf("R%d", i), 3)
		if i%2 == 0 {
			csvRoute(&b, fmt.Sprintf("X%d", i), 1)
		}
	}
	return b.String()
}

func TestImportPartialFailure(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	c := newCoordinator(s)

	outcome, err := c.Import(ctx, strings.NewReader(partialBatch()), codec.FormatCSV, ImportOptions{})
	require.NoError(t, err)

	assert.Equal(t, 10, outcome.ImportedCount)
	assert.Equal(t, 10, outcome.Created)
	require.Len(t, outcome.Errors, 5)
	for _, e := range outcome.Errors {
		assert.Contains(t, e.Record, "route X")
		assert.True(t, strings.HasPrefix(e.Reason, validation.CategoryMinimumStops))
	}
	assert.NotEmpty(t, outcome.BatchID)

	routes, err := s.ListRoutes(ctx, false)
	require.NoError(t, err)
	require.Len(t, routes, 10)
	for i, r := range routes {
		assert.Equal(t, fmt.Sprintf("R%d", i), r.Number)
		assert.NotNil(t, r.Geometry)
	}
}

func TestImportValidateOnlyDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	c := newCoordinator(s)

	outcome, err := c.Import(ctx, strings.NewReader(partialBatch()), codec.FormatCSV, ImportOptions{ValidateOnly: true})
	require.NoError(t, err)
	assert.True(t, outcome.ValidateOnly)
	assert.Equal(t, 10, outcome.ImportedCount)
	assert.Zero(t, outcome.Created)
	assert.Len(t, outcome.Errors, 5)

	routes, err := s.ListRoutes(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, routes)
}

func TestImportOverwriteExisting(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	existing := seed(t, s, "335E", true)
	c := newCoordinator(s)

	var b strings.Builder
	b.WriteString(csvHeader)
	csvRoute(&b, "335e", 3)

	outcome, err := c.Import(ctx, strings.NewReader(b.String()), codec.FormatCSV, ImportOptions{})
	require.NoError(t, err)
	assert.Zero(t, outcome.ImportedCount)
	require.Len(t, outcome.Errors, 1)
	assert.Contains(t, outcome.Errors[0].Reason, "Duplicate route number")

	outcome, err = c.Import(ctx, strings.NewReader(b.String()), codec.FormatCSV, ImportOptions{OverwriteExisting: true})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.ImportedCount)
	assert.Equal(t, 1, outcome.Updated)
	assert.Empty(t, outcome.Errors)

	routes, err := s.ListRoutes(ctx, false)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, existing.ID, routes[0].ID)
	assert.Len(t, routes[0].Stops, 3)
}

func TestImportDuplicatesWithinBatch(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	c := newCoordinator(s)

	feature := `{"type": "Feature", "geometry": {"type": "LineString", "coordinates": [[77.59, 12.97], [77.59, 12.9745]]},
		"properties": {"name": "%s", "route_number": "%s", "stops": [{"name": "A", "order": 0}, {"name": "B", "order": 1}]}}`
	input := `{"type": "FeatureCollection", "features": [` +
		fmt.Sprintf(feature, "First", "500D") + "," +
		fmt.Sprintf(feature, "Second", " 500d ") + "," +
		fmt.Sprintf(feature, "Third", "201") + `]}`

	outcome, err := c.Import(ctx, strings.NewReader(input), codec.FormatGeoJSON, ImportOptions{OverwriteExisting: true})
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.ImportedCount)
	require.Len(t, outcome.Errors, 1)
	assert.Equal(t, "feature 1 (route 500d)", outcome.Errors[0].Record)

	routes, err := s.ListRoutes(ctx, false)
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "First", routes[0].Name)
}

func TestImportFormatErrorAborts(t *testing.T) {
	s := memstore.New()
	c := newCoordinator(s)

	_, err := c.Import(context.Background(), strings.NewReader("name,route_number\nA,1\n"), codec.FormatCSV, ImportOptions{})
	var formatErr *codec.FormatError
	assert.True(t, errors.As(err, &formatErr))

	_, err = c.Import(context.Background(), strings.NewReader(""), codec.Format("kml"), ImportOptions{})
	assert.True(t, errors.Is(err, codec.ErrUnsupportedFormat))

	routes, _ := s.ListRoutes(context.Background(), false)
	assert.Empty(t, routes)
}

func TestImportPersistenceErrorIsAttributed(t *testing.T) {
	ctx := context.Background()
	s := newHookStore()
	s.onCreate = func(route models.Route) error {
		if route.Number == "R3" {
			return errors.New("connection reset")
		}
		return nil
	}
	c := newCoordinator(s)

	var b strings.Builder
	b.WriteString(csvHeader)
	for i := 0; i < 5; i++ {
		csvRoute(&b, fmt.Sprintf("R%d", i), 2)
	}

	outcome, err := c.Import(ctx, strings.NewReader(b.String()), codec.FormatCSV, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, outcome.ImportedCount)
	require.Len(t, outcome.Errors, 1)
	assert.Equal(t, "rows 8-9 (route R3)", outcome.Errors[0].Record)
	assert.Equal(t, "connection reset", outcome.Errors[0].Reason)
}

func TestImportCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newHookStore()
	created := 0
	s.onCreate = func(models.Route) error {
		created++
		if created == 2 {
			cancel()
		}
		return nil
	}
	c := newCoordinator(s)

	var b strings.Builder
	b.WriteString(csvHeader)
	for i := 0; i < 5; i++ {
		csvRoute(&b, fmt.Sprintf("R%d", i), 2)
	}

	outcome, err := c.Import(ctx, strings.NewReader(b.String()), codec.FormatCSV, ImportOptions{})
	require.NoError(t, err)
	assert.True(t, outcome.Cancelled)
	assert.Equal(t, 1, outcome.ImportedCount)
	assert.Empty(t, outcome.Errors)
	require.Len(t, outcome.NotAttempted, 4)
	assert.Equal(t, "rows 4-5 (route R1)", outcome.NotAttempted[0])

	routes, err := s.ListRoutes(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, routes, 1)
}

func TestBulkDeleteIndependence(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	first := seed(t, s, "1", true)
	second := seed(t, s, "2", true)
	c := newCoordinator(s)

	result := c.BulkDelete(ctx, []uint{first.ID, 999, second.ID})
	assert.Equal(t, []uint{first.ID, second.ID}, result.Succeeded)
	assert.Equal(t, []Failure{{ID: 999, Reason: "not found"}}, result.Failed)
	assert.Empty(t, result.NotAttempted)
	assert.False(t, result.Cancelled)

	routes, err := s.ListRoutes(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, routes)
}

func TestBulkDeleteBoundedConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newHookStore()
	var ids []uint
	for i := 0; i < 20; i++ {
		ids = append(ids, seed(t, s, fmt.Sprintf("N%d", i), true).ID)
	}
	s.onDelete = func(id uint) error {
		time.Sleep(5 * time.Millisecond)
		if id%5 == 0 {
			return errors.New("lock timeout")
		}
		return nil
	}

	c := NewCoordinator(s, validation.NewEngine(validation.DefaultThresholds()), 3)
	result := c.BulkDelete(ctx, ids)

	assert.LessOrEqual(t, s.maxInFlight.Load(), int32(3))
	assert.Len(t, result.Succeeded, 16)
	require.Len(t, result.Failed, 4)
	for i, f := range result.Failed {
		assert.Equal(t, uint(5*(i+1)), f.ID)
		assert.Equal(t, "lock timeout", f.Reason)
	}
	for i := 1; i < len(result.Succeeded); i++ {
		assert.Less(t, result.Succeeded[i-1], result.Succeeded[i])
	}
}

func TestBulkDeleteCancelled(t *testing.T) {
	s := memstore.New()
	first := seed(t, s, "1", true)
	c := newCoordinator(s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := c.BulkDelete(ctx, []uint{first.ID, 2})

	assert.Empty(t, result.Succeeded)
	assert.Empty(t, result.Failed)
	assert.Equal(t, []uint{first.ID, 2}, result.NotAttempted)
	assert.True(t, result.Cancelled)

	routes, _ := s.ListRoutes(context.Background(), false)
	assert.Len(t, routes, 1)
}

func TestBulkUpdate(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	a := seed(t, s, "A1", true)
	b := seed(t, s, "B2", true)
	c := newCoordinator(s)

	renamed := a
	renamed.Name = "Renamed"
	renamed.IsActive = false

	short := b
	short.Stops = short.Stops[:1]

	clash := seed(t, s, "C3", true)
	clash.Number = "b2"

	missing := a
	missing.ID = 42

	result, err := c.BulkUpdate(ctx, []models.Route{renamed, short, clash, missing, {Name: "no id"}})
	require.NoError(t, err)
	assert.Equal(t, []uint{a.ID}, result.Succeeded)
	require.Len(t, result.Failed, 4)
	assert.Contains(t, result.Failed[0].Reason, validation.CategoryMinimumStops)
	assert.Contains(t, result.Failed[1].Reason, validation.CategoryDuplicateNumber)
	assert.Equal(t, Failure{ID: 42, Reason: "not found"}, result.Failed[2])
	assert.Equal(t, "route id is required", result.Failed[3].Reason)

	routes, err := s.ListRoutes(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", routes[0].Name)
	assert.False(t, routes[0].IsActive)
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	first := seed(t, s, "335E", true)
	inactive := seed(t, s, "KIA-9", false)
	third := seed(t, s, "500D", true)
	c := newCoordinator(s)

	t.Run("all active routes in persisted order", func(t *testing.T) {
		var buf bytes.Buffer
		outcome, err := c.Export(ctx, &buf, nil, codec.FormatJSON, ExportOptions{IncludeStops: true})
		require.NoError(t, err)
		assert.Equal(t, 2, outcome.WrittenCount)
		assert.Less(t, strings.Index(buf.String(), "335E"), strings.Index(buf.String(), "500D"))
		assert.NotContains(t, buf.String(), "KIA-9")
	})

	t.Run("caller order, missing and inactive ids", func(t *testing.T) {
		var buf bytes.Buffer
		outcome, err := c.Export(ctx, &buf, []uint{third.ID, 77, inactive.ID, first.ID}, codec.FormatCSV, ExportOptions{IncludeStops: true})
		require.NoError(t, err)
		assert.Equal(t, 2, outcome.WrittenCount)
		assert.Equal(t, []ItemError{{Record: "route id 77", Reason: "not found"}}, outcome.Errors)
		assert.Len(t, outcome.Warnings, 1)
		assert.Less(t, strings.Index(buf.String(), "500D"), strings.Index(buf.String(), "335E"))
	})

	t.Run("include inactive", func(t *testing.T) {
		var buf bytes.Buffer
		outcome, err := c.Export(ctx, &buf, nil, codec.FormatGeoJSON, ExportOptions{IncludeInactive: true})
		require.NoError(t, err)
		assert.Equal(t, 3, outcome.WrittenCount)
	})

	t.Run("unsupported format", func(t *testing.T) {
		_, err := c.Export(ctx, &bytes.Buffer{}, nil, codec.Format("xml"), ExportOptions{})
		assert.True(t, errors.Is(err, codec.ErrUnsupportedFormat))
	})
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	source := memstore.New()
	seed(t, source, "335E", true)
	seed(t, source, "500D", true)

	var buf bytes.Buffer
	_, err := newCoordinator(source).Export(ctx, &buf, nil, codec.FormatGeoJSON, ExportOptions{IncludeStops: true})
	require.NoError(t, err)

	target := memstore.New()
	outcome, err := newCoordinator(target).Import(ctx, &buf, codec.FormatGeoJSON, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.ImportedCount)

	want, _ := source.ListRoutes(ctx, false)
	got, _ := target.ListRoutes(ctx, false)
	require.Len(t, got, 2)
	for i := range want {
		assert.Equal(t, want[i].Number, got[i].Number)
		assert.Equal(t, want[i].EncodedPath, got[i].EncodedPath)
	}
}

func TestValidateAgainstStore(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seed(t, s, "335E", true)
	c := newCoordinator(s)
	before := testutil.ToFloat64(metrics.Validations.WithLabelValues("invalid"))

	result, err := c.Validate(ctx, models.Route{
		Name:     "Another",
		Number:   "335E",
		IsActive: true,
		Stops: []models.Stop{
			{Name: "A", Order: 0, Latitude: 12.97, Longitude: 77.59},
			{Name: "B", Order: 1, Latitude: 12.9745, Longitude: 77.59},
		},
	})
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	require.Len(t, result.Errors, 1)
	assert.True(t, strings.HasPrefix(result.Errors[0], "Duplicate route number"))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Validations.WithLabelValues("invalid")))
}

func TestFanOutCorrelatesOutOfOrderCompletion(t *testing.T) {
	c := newCoordinator(memstore.New())
	ids := []uint{1, 2, 3, 4, 5, 6}

	var mu sync.Mutex
	var completed []uint
	result := c.fanOut(context.Background(), "test", ids, nil, func(_ context.Context, i int) error {
		time.Sleep(time.Duration(len(ids)-i) * time.Millisecond)
		mu.Lock()
		completed = append(completed, ids[i])
		mu.Unlock()
		if ids[i]%2 == 0 {
			return fmt.Errorf("even id %d", ids[i])
		}
		return nil
	})

	assert.Len(t, completed, len(ids))
	assert.Equal(t, []uint{1, 3, 5}, result.Succeeded)
	assert.Equal(t, []Failure{{2, "even id 2"}, {4, "even id 4"}, {6, "even id 6"}}, result.Failed)
}

func TestImportNonFiniteCoordinateKeepsExportsWorking(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	c := newCoordinator(s)

	input := csvHeader +
		"Line A,A,S0,NaN,77.59,0\n" +
		"Line A,A,S1,12.9745,77.59,1\n"
	var b strings.Builder
	b.WriteString(input)
	csvRoute(&b, "B", 2)

	outcome, err := c.Import(ctx, strings.NewReader(b.String()), codec.FormatCSV, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.ImportedCount)
	require.Len(t, outcome.Errors, 1)
	assert.Equal(t, "row 2", outcome.Errors[0].Record)

	for _, format := range []codec.Format{codec.FormatJSON, codec.FormatGeoJSON, codec.FormatCSV} {
		var buf bytes.Buffer
		exported, err := c.Export(ctx, &buf, nil, format, ExportOptions{IncludeStops: true})
		require.NoError(t, err, format)
		assert.Equal(t, 1, exported.WrittenCount, format)
	}
}

func TestImportBlankNumbersDryRunMatchesImport(t *testing.T) {
	ctx := context.Background()
	route := `{"name": "%s", "number": " ", "stops": [
		{"name": "A", "latitude": 12.97, "longitude": 77.59, "order": 0},
		{"name": "B", "latitude": 12.9745, "longitude": 77.59, "order": 1}]}`
	input := `{"routes": [` + fmt.Sprintf(route, "First") + "," + fmt.Sprintf(route, "Second") + `]}`

	s := newHookStore()
	c := newCoordinator(s)

	dryRun, err := c.Import(ctx, strings.NewReader(input), codec.FormatJSON, ImportOptions{ValidateOnly: true})
	require.NoError(t, err)
	committed, err := c.Import(ctx, strings.NewReader(input), codec.FormatJSON, ImportOptions{})
	require.NoError(t, err)

	assert.Equal(t, dryRun.ImportedCount, committed.ImportedCount)
	assert.Equal(t, 1, committed.ImportedCount)
	require.Len(t, committed.Errors, 1)
	assert.True(t, strings.HasPrefix(committed.Errors[0].Reason, validation.CategoryDuplicateNumber))
	assert.Equal(t, dryRun.Errors, committed.Errors)
}

// detachedListStore serves snapshots even after the caller's context is cancelled.
type detachedListStore struct {
	*memstore.Store
}

func (s detachedListStore) ListRoutes(_ context.Context, activeOnly bool) ([]models.Route, error) {
	return s.Store.ListRoutes(context.Background(), activeOnly)
}

func TestBulkUpdateCancelledStillReportsRejections(t *testing.T) {
	s := memstore.New()
	a := seed(t, s, "A1", true)
	b := seed(t, s, "B2", true)
	c := newCoordinator(detachedListStore{s})

	short := a
	short.Stops = short.Stops[:1]
	renamed := b
	renamed.Name = "Renamed"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := c.BulkUpdate(ctx, []models.Route{short, renamed, {Name: "no id"}})
	require.NoError(t, err)

	require.Len(t, result.Failed, 2)
	assert.Equal(t, a.ID, result.Failed[0].ID)
	assert.Contains(t, result.Failed[0].Reason, validation.CategoryMinimumStops)
	assert.Equal(t, "route id is required", result.Failed[1].Reason)
	assert.Equal(t, []uint{b.ID}, result.NotAttempted)
	assert.True(t, result.Cancelled)
	assert.Empty(t, result.Succeeded)
}
