package bulk

import "route_engine/internal/codec"

// ItemError attributes one failure to the record or id it came from.
type ItemError struct {
	Record string `json:"record"`
	Reason string `json:"reason"`
}

// ImportOptions control an import call.
type ImportOptions struct {
	// ValidateOnly reports what would happen without writing anything.
	ValidateOnly bool
	// OverwriteExisting updates a route in place when its number already exists.
	OverwriteExisting bool
}

// ImportOutcome is the aggregate result of one import call.
type ImportOutcome struct {
	BatchID      string       `json:"batch_id"`
	Format       codec.Format `json:"format"`
	ValidateOnly bool         `json:"validate_only"`
	// ImportedCount is the number of routes written, or that would be written when ValidateOnly is set.
	ImportedCount int         `json:"imported_count"`
	Created       int         `json:"created"`
	Updated       int         `json:"updated"`
	Errors        []ItemError `json:"errors"`
	Warnings      []string    `json:"warnings"`
	// NotAttempted lists records skipped because the call was cancelled.
	NotAttempted []string `json:"not_attempted,omitempty"`
	Cancelled    bool     `json:"cancelled,omitempty"`
}

// ExportOptions control an export call.
type ExportOptions struct {
	IncludeStops    bool
	IncludeInactive bool
}

// ExportOutcome is the aggregate result of one export call.
type ExportOutcome struct {
	BatchID      string       `json:"batch_id"`
	Format       codec.Format `json:"format"`
	WrittenCount int          `json:"written_count"`
	Errors       []ItemError  `json:"errors"`
	Warnings     []string     `json:"warnings"`
}

// Failure is a bulk item that did not succeed.
type Failure struct {
	ID     uint   `json:"id"`
	Reason string `json:"reason"`
}

// Result is the outcome of a bulk delete or bulk update. Every input id appears
// in exactly one of Succeeded, Failed or NotAttempted, in input order.
type Result struct {
	BatchID      string    `json:"batch_id"`
	Succeeded    []uint    `json:"succeeded"`
	Failed       []Failure `json:"failed"`
	NotAttempted []uint    `json:"not_attempted,omitempty"`
	Cancelled    bool      `json:"cancelled,omitempty"`
}
