package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ImportRecords counts imported records by outcome (imported, invalid, failed, not_attempted, unreadable).
	ImportRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "route_import_records_total",
		Help: "Number of records processed by route imports, by format and outcome",
	}, []string{"format", "outcome"})

	// ImportRejected counts imports aborted by a file-level format error.
	ImportRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "route_import_rejected_total",
		Help: "Number of imports rejected before any record was processed",
	}, []string{"format"})

	ExportedRoutes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "route_export_routes_total",
		Help: "Number of routes written by exports",
	}, []string{"format"})
)

var (
	// BulkItems counts bulk delete/update items by outcome (succeeded, failed, not_attempted).
	BulkItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "route_bulk_items_total",
		Help: "Number of items handled by bulk route operations",
	}, []string{"operation", "outcome"})

	Validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "route_validations_total",
		Help: "Number of single-route validations, by result (valid, invalid)",
	}, []string{"result"})
)
