// Package bulk orchestrates multi-route import, export, delete and update.
//
// Bulk calls are not transactional. Each item succeeds or fails on its own, and
// items already committed stay committed when later items fail or the call is
// cancelled.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"route_engine/internal/codec"
	"route_engine/internal/metrics"
	"route_engine/internal/models"
	"route_engine/internal/store"
	"route_engine/internal/validation"
)

// DefaultConcurrency caps the number of in-flight store calls per bulk operation.
const DefaultConcurrency = 8

// Coordinator runs bulk operations against a Store.
type Coordinator struct {
	store       store.Store
	validator   *validation.Engine
	concurrency int
}

// NewCoordinator creates a Coordinator. A concurrency below 1 uses DefaultConcurrency.
func NewCoordinator(s store.Store, v *validation.Engine, concurrency int) *Coordinator {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Coordinator{store: s, validator: v, concurrency: concurrency}
}

// Validate checks one route against the currently persisted routes.
func (c *Coordinator) Validate(ctx context.Context, route models.Route) (validation.Result, error) {
	existing, err := c.store.ListRoutes(ctx, false)
	if err != nil {
		return validation.Result{}, fmt.Errorf("list routes: %w", err)
	}
	result := c.validator.Validate(route, existing)
	if result.IsValid {
		metrics.Validations.WithLabelValues("valid").Inc()
	} else {
		metrics.Validations.WithLabelValues("invalid").Inc()
	}
	return result, nil
}

type importPlan struct {
	route  models.Route
	label  string
	update bool
}

// Import decodes r, validates every candidate against one snapshot of persisted
// routes taken at the start of the call, and persists the valid ones.
//
// The returned error is non-nil only when nothing was processed: an unsupported
// format, a *codec.FormatError or a failure to read the snapshot.
func (c *Coordinator) Import(ctx context.Context, r io.Reader, format codec.Format, opts ImportOptions) (*ImportOutcome, error) {
	dec, err := codec.ForFormat(format)
	if err != nil {
		return nil, err
	}
	batchID := uuid.NewString()
	log := logrus.WithFields(logrus.Fields{
		"batch_id":      batchID,
		"format":        format,
		"validate_only": opts.ValidateOnly,
		"overwrite":     opts.OverwriteExisting,
	})

	decoded, err := dec.Decode(r)
	if err != nil {
		metrics.ImportRejected.WithLabelValues(string(format)).Inc()
		log.WithError(err).Warn("Import: input rejected")
		return nil, err
	}

	snapshot, err := c.store.ListRoutes(ctx, false)
	if err != nil {
		log.WithError(err).Error("Import: failed to list existing routes")
		return nil, fmt.Errorf("list routes: %w", err)
	}

	outcome := &ImportOutcome{
		BatchID:      batchID,
		Format:       format,
		ValidateOnly: opts.ValidateOnly,
		Errors:       []ItemError{},
		Warnings:     append([]string{}, decoded.Warnings...),
	}
	for _, e := range decoded.Errors {
		outcome.Errors = append(outcome.Errors, ItemError{Record: e.Record, Reason: e.Message})
	}
	metrics.ImportRecords.WithLabelValues(string(format), "unreadable").Add(float64(len(decoded.Errors)))

	plans := c.planImport(decoded.Routes, snapshot, opts, outcome)
	metrics.ImportRecords.WithLabelValues(string(format), "invalid").Add(float64(len(decoded.Routes) - len(plans)))

	if opts.ValidateOnly {
		outcome.ImportedCount = len(plans)
		log.WithFields(logrus.Fields{"valid": len(plans), "errors": len(outcome.Errors)}).Info("Import: validation finished")
		return outcome, nil
	}

	for i, p := range plans {
		if ctx.Err() == nil {
			err := c.persist(ctx, p)
			if err == nil {
				outcome.ImportedCount++
				if p.update {
					outcome.Updated++
				} else {
					outcome.Created++
				}
				metrics.ImportRecords.WithLabelValues(string(format), "imported").Inc()
				continue
			}
			if ctx.Err() == nil || !errors.Is(err, ctx.Err()) {
				log.WithError(err).WithField("record", p.label).Warn("Import: failed to persist route")
				outcome.Errors = append(outcome.Errors, ItemError{Record: p.label, Reason: persistReason(err)})
				metrics.ImportRecords.WithLabelValues(string(format), "failed").Inc()
				continue
			}
		}

		outcome.Cancelled = true
		for _, rest := range plans[i:] {
			outcome.NotAttempted = append(outcome.NotAttempted, rest.label)
		}
		metrics.ImportRecords.WithLabelValues(string(format), "not_attempted").Add(float64(len(plans) - i))
		break
	}

	log.WithFields(logrus.Fields{
		"imported":      outcome.ImportedCount,
		"errors":        len(outcome.Errors),
		"not_attempted": len(outcome.NotAttempted),
	}).Info("Import: finished")
	return outcome, nil
}

// planImport validates every candidate and returns the ones to persist. Routes
// accepted earlier in the batch join the comparison set without an id, so a
// later duplicate inside the same batch is rejected.
func (c *Coordinator) planImport(candidates []codec.DecodedRoute, snapshot []models.Route, opts ImportOptions, outcome *ImportOutcome) []importPlan {
	byNumber := make(map[string]models.Route, len(snapshot))
	for _, r := range snapshot {
		key := models.NormalizeNumber(r.Number)
		if prev, ok := byNumber[key]; !ok || (!prev.IsActive && r.IsActive) {
			byNumber[key] = r
		}
	}

	compare := append([]models.Route{}, snapshot...)
	var plans []importPlan
	for _, d := range candidates {
		route := d.Route.Clone()
		route.Model = gorm.Model{}
		for i := range route.Stops {
			route.Stops[i].Model = gorm.Model{}
		}

		update := false
		if existing, ok := byNumber[models.NormalizeNumber(route.Number)]; ok && opts.OverwriteExisting {
			route.ID = existing.ID
			update = true
		}
		label := d.Source + " (" + route.Label() + ")"

		result := c.validator.Validate(route, compare)
		for _, w := range result.Warnings {
			outcome.Warnings = append(outcome.Warnings, label+": "+w)
		}
		if !result.IsValid {
			outcome.Errors = append(outcome.Errors, ItemError{Record: label, Reason: result.Summary()})
			continue
		}

		pending := route.Clone()
		pending.ID = 0
		compare = append(compare, pending)
		plans = append(plans, importPlan{route: route, label: label, update: update})
	}
	return plans
}

func (c *Coordinator) persist(ctx context.Context, p importPlan) error {
	if p.update {
		_, err := c.store.UpdateRoute(ctx, p.route.ID, p.route)
		return err
	}
	_, err := c.store.CreateRoute(ctx, p.route)
	return err
}

// Export writes the selected routes to w. With no ids every route is selected
// in persisted order; otherwise routes are written in the order of ids.
func (c *Coordinator) Export(ctx context.Context, w io.Writer, ids []uint, format codec.Format, opts ExportOptions) (*ExportOutcome, error) {
	enc, err := codec.ForFormat(format)
	if err != nil {
		return nil, err
	}
	outcome := &ExportOutcome{
		BatchID:  uuid.NewString(),
		Format:   format,
		Errors:   []ItemError{},
		Warnings: []string{},
	}

	var routes []models.Route
	if len(ids) == 0 {
		routes, err = c.store.ListRoutes(ctx, !opts.IncludeInactive)
		if err != nil {
			return nil, fmt.Errorf("list routes: %w", err)
		}
	} else {
		all, err := c.store.ListRoutes(ctx, false)
		if err != nil {
			return nil, fmt.Errorf("list routes: %w", err)
		}
		byID := make(map[uint]models.Route, len(all))
		for _, r := range all {
			byID[r.ID] = r
		}
		seen := make(map[uint]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			r, ok := byID[id]
			switch {
			case !ok:
				outcome.Errors = append(outcome.Errors, ItemError{Record: fmt.Sprintf("route id %d", id), Reason: "not found"})
			case !r.IsActive && !opts.IncludeInactive:
				outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("route id %d: inactive, skipped", id))
			default:
				routes = append(routes, r)
			}
		}
	}

	written, err := enc.Encode(w, routes, codec.EncodeOptions{
		IncludeStops:    opts.IncludeStops,
		IncludeInactive: opts.IncludeInactive,
	})
	if err != nil {
		logrus.WithError(err).WithField("batch_id", outcome.BatchID).Error("Export: failed to encode routes")
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	outcome.WrittenCount = written
	metrics.ExportedRoutes.WithLabelValues(string(format)).Add(float64(written))

	logrus.WithFields(logrus.Fields{
		"batch_id": outcome.BatchID,
		"format":   format,
		"written":  written,
		"missing":  len(outcome.Errors),
	}).Info("Export: finished")
	return outcome, nil
}

// BulkDelete deletes every id independently, at most concurrency at a time.
func (c *Coordinator) BulkDelete(ctx context.Context, ids []uint) *Result {
	return c.fanOut(ctx, "delete", ids, nil, func(ctx context.Context, i int) error {
		return c.store.DeleteRoute(ctx, ids[i])
	})
}

// BulkUpdate validates every route against one snapshot, with the other routes of
// the batch applied, and updates the valid ones by id concurrently.
func (c *Coordinator) BulkUpdate(ctx context.Context, routes []models.Route) (*Result, error) {
	snapshot, err := c.store.ListRoutes(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}

	pending := make(map[uint]models.Route, len(routes))
	for _, r := range routes {
		if r.ID != 0 {
			pending[r.ID] = r
		}
	}
	compare := make([]models.Route, 0, len(snapshot))
	for _, r := range snapshot {
		if p, ok := pending[r.ID]; ok {
			r = p
		}
		compare = append(compare, r)
	}

	ids := make([]uint, len(routes))
	rejected := make([]string, len(routes))
	for i, r := range routes {
		ids[i] = r.ID
		if r.ID == 0 {
			rejected[i] = "route id is required"
			continue
		}
		if result := c.validator.Validate(r, compare); !result.IsValid {
			rejected[i] = result.Summary()
		}
	}

	return c.fanOut(ctx, "update", ids, rejected, func(ctx context.Context, i int) error {
		_, err := c.store.UpdateRoute(ctx, ids[i], routes[i])
		return err
	}), nil
}

type itemState int

const (
	itemNotAttempted itemState = iota
	itemSucceeded
	itemFailed
)

type itemResult struct {
	state  itemState
	reason string
}

// fanOut runs fn for every id with bounded concurrency and correlates results
// back to the input position regardless of completion order. A non-empty
// rejected[i] fails item i up front; fn is not called for it.
func (c *Coordinator) fanOut(ctx context.Context, operation string, ids []uint, rejected []string, fn func(ctx context.Context, i int) error) *Result {
	batchID := uuid.NewString()
	results := make([]itemResult, len(ids))
	for i, reason := range rejected {
		if reason != "" {
			results[i] = itemResult{state: itemFailed, reason: reason}
		}
	}

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i := range ids {
		if results[i].state != itemNotAttempted {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := fn(ctx, i); err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					return nil
				}
				results[i] = itemResult{state: itemFailed, reason: persistReason(err)}
				return nil
			}
			results[i] = itemResult{state: itemSucceeded}
			return nil
		})
	}
	_ = g.Wait()

	out := &Result{BatchID: batchID, Succeeded: []uint{}, Failed: []Failure{}}
	for i, r := range results {
		switch r.state {
		case itemSucceeded:
			out.Succeeded = append(out.Succeeded, ids[i])
		case itemFailed:
			out.Failed = append(out.Failed, Failure{ID: ids[i], Reason: r.reason})
		default:
			out.NotAttempted = append(out.NotAttempted, ids[i])
		}
	}
	out.Cancelled = len(out.NotAttempted) > 0

	metrics.BulkItems.WithLabelValues(operation, "succeeded").Add(float64(len(out.Succeeded)))
	metrics.BulkItems.WithLabelValues(operation, "failed").Add(float64(len(out.Failed)))
	metrics.BulkItems.WithLabelValues(operation, "not_attempted").Add(float64(len(out.NotAttempted)))

	entry := logrus.WithFields(logrus.Fields{
		"batch_id":      batchID,
		"operation":     operation,
		"succeeded":     len(out.Succeeded),
		"failed":        len(out.Failed),
		"not_attempted": len(out.NotAttempted),
	})
	if len(out.Failed) > 0 {
		entry.Warn("Bulk operation finished with failures")
	} else {
		entry.Info("Bulk operation finished")
	}
	return out
}

// persistReason turns a store error into the reason shown to callers.
func persistReason(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not found"
	case errors.Is(err, store.ErrDuplicateNumber):
		return validation.CategoryDuplicateNumber + ": " + err.Error()
	}
	return err.Error()
}
