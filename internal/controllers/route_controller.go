package controllers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"route_engine/internal/bulk"
	"route_engine/internal/codec"
	"route_engine/internal/geometry"
	"route_engine/internal/models"
	"route_engine/internal/report"
)

// RouteController serves the validation, geometry and bulk endpoints.
type RouteController struct {
	coordinator    *bulk.Coordinator
	maxImportBytes int64
}

func NewRouteController(coordinator *bulk.Coordinator, maxImportBytes int64) *RouteController {
	return &RouteController{coordinator: coordinator, maxImportBytes: maxImportBytes}
}

type stopInput struct {
	ID            uint    `json:"id"`
	Name          string  `json:"name"`
	LocalizedName string  `json:"localized_name"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Order         int     `json:"order"`
}

// routeInput is the request form of a route. is_active defaults to true.
type routeInput struct {
	ID       uint        `json:"id"`
	Name     string      `json:"name"`
	Number   string      `json:"number"`
	IsActive *bool       `json:"is_active"`
	Stops    []stopInput `json:"stops"`
}

func (in routeInput) toModel() models.Route {
	route := models.Route{
		Name:     in.Name,
		Number:   in.Number,
		IsActive: in.IsActive == nil || *in.IsActive,
	}
	route.ID = in.ID
	for _, s := range in.Stops {
		stop := models.Stop{
			Name:          s.Name,
			LocalizedName: s.LocalizedName,
			Latitude:      s.Latitude,
			Longitude:     s.Longitude,
			Order:         s.Order,
		}
		stop.ID = s.ID
		route.Stops = append(route.Stops, stop)
	}
	return route
}

// Validate checks one route against the persisted routes without saving it.
func (rc *RouteController) Validate(c *gin.Context) {
	var input routeInput
	if err := c.ShouldBindJSON(&input); err != nil {
		logrus.WithError(err).Warn("Validate: invalid input payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}

	result, err := rc.coordinator.Validate(c.Request.Context(), input.toModel())
	if err != nil {
		rc.internalError(c, "validate", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Geometry previews the line built from the posted stops.
func (rc *RouteController) Geometry(c *gin.Context) {
	var input struct {
		Stops []stopInput `json:"stops" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}

	g := geometry.Build(routeInput{Stops: input.Stops}.toModel().Stops)
	if g == nil {
		c.JSON(http.StatusOK, gin.H{"geometry": nil, "length_meters": 0})
		return
	}
	c.JSON(http.StatusOK, gin.H{"geometry": g, "length_meters": geometry.LengthMeters(g)})
}

// Import decodes an uploaded file, either a multipart "file" field or the raw body.
func (rc *RouteController) Import(c *gin.Context) {
	validateOnly, err := queryBool(c, "validate_only", false)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	overwrite, err := queryBool(c, "overwrite", false)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	data, filename, status, err := rc.readUpload(c)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	formatName := c.Query("format")
	if formatName == "" {
		formatName = filepath.Ext(filename)
	}
	format, err := codec.ParseFormat(formatName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := rc.coordinator.Import(c.Request.Context(), bytes.NewReader(data), format, bulk.ImportOptions{
		ValidateOnly:      validateOnly,
		OverwriteExisting: overwrite,
	})
	var formatErr *codec.FormatError
	switch {
	case errors.As(err, &formatErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": formatErr.Error()})
		return
	case errors.Is(err, codec.ErrUnsupportedFormat):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		rc.internalError(c, "import", err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// readUpload returns the uploaded bytes and the client file name, if any. On
// failure it also returns the status to answer with.
func (rc *RouteController) readUpload(c *gin.Context) ([]byte, string, int, error) {
	body := c.Request.Body
	filename := ""
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, rc.maxImportBytes+1<<20)
		fh, err := c.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, "", http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", rc.maxImportBytes)
			}
			return nil, "", http.StatusBadRequest, fmt.Errorf("multipart field \"file\" is required: %w", err)
		}
		if fh.Size > rc.maxImportBytes {
			return nil, "", http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", rc.maxImportBytes)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, "", http.StatusBadRequest, err
		}
		defer f.Close()
		body = f
		filename = fh.Filename
	}

	data, err := io.ReadAll(io.LimitReader(body, rc.maxImportBytes+1))
	if err != nil {
		return nil, "", http.StatusBadRequest, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > rc.maxImportBytes {
		return nil, "", http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", rc.maxImportBytes)
	}
	return data, filename, 0, nil
}

// Export streams the selected routes as a file download.
func (rc *RouteController) Export(c *gin.Context) {
	format, err := codec.ParseFormat(c.DefaultQuery("format", string(codec.FormatJSON)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ids, err := parseIDs(c.Query("ids"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	includeStops, err := queryBool(c, "include_stops", true)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	includeInactive, err := queryBool(c, "include_inactive", false)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var buf bytes.Buffer
	outcome, err := rc.coordinator.Export(c.Request.Context(), &buf, ids, format, bulk.ExportOptions{
		IncludeStops:    includeStops,
		IncludeInactive: includeInactive,
	})
	if err != nil {
		rc.internalError(c, "export", err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=routes-%s%s", outcome.BatchID[:8], format.FileExtension()))
	c.Header("X-Batch-ID", outcome.BatchID)
	c.Header("X-Export-Count", strconv.Itoa(outcome.WrittenCount))
	if len(outcome.Errors) > 0 {
		missing := make([]string, 0, len(outcome.Errors))
		for _, e := range outcome.Errors {
			missing = append(missing, strings.TrimPrefix(e.Record, "route id "))
		}
		c.Header("X-Export-Missing", strings.Join(missing, ","))
	}
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())
}

// BulkDelete removes each id independently.
func (rc *RouteController) BulkDelete(c *gin.Context) {
	var input struct {
		IDs []uint `json:"ids" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, rc.coordinator.BulkDelete(c.Request.Context(), input.IDs))
}

// BulkUpdate validates and updates each route by id.
func (rc *RouteController) BulkUpdate(c *gin.Context) {
	var input struct {
		Routes []routeInput `json:"routes" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}

	routes := make([]models.Route, 0, len(input.Routes))
	for _, r := range input.Routes {
		routes = append(routes, r.toModel())
	}
	result, err := rc.coordinator.BulkUpdate(c.Request.Context(), routes)
	if err != nil {
		rc.internalError(c, "bulk_update", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (rc *RouteController) internalError(c *gin.Context, endpoint string, err error) {
	logrus.WithError(err).WithField("endpoint", endpoint).Error("Request failed")
	report.ReportError(err, report.Options{
		Level: sentry.LevelError,
		Tags:  map[string]string{"endpoint": endpoint},
		ExtraContext: map[string]interface{}{
			"path":  c.Request.URL.Path,
			"query": c.Request.URL.RawQuery,
		},
	})
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func queryBool(c *gin.Context, key string, def bool) (bool, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: expected a boolean, got %q", key, raw)
	}
	return v, nil
}

func parseIDs(raw string) ([]uint, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var ids []uint
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("ids: invalid route id %q", part)
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}
