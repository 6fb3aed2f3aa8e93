package model

import (
	"strings"
	"time"
)

// SyncResult summarises one sync pass. Success is true iff Errors is empty,
// regardless of how many records were processed.
type SyncResult struct {
	Success          bool      `json:"success"`
	RecordsProcessed int       `json:"recordsProcessed"`
	RecordsCreated   int       `json:"recordsCreated"`
	RecordsUpdated   int       `json:"recordsUpdated"`
	Errors           []string  `json:"errors"`
	Timestamp        time.Time `json:"timestamp"`
}

// NewSyncResult returns an empty result stamped with now.
func NewSyncResult(now time.Time) SyncResult {
	return SyncResult{Errors: []string{}, Timestamp: now}
}

// AddError appends a failure message.
func (r *SyncResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// Finish sets Success from Errors and returns r.
func (r SyncResult) Finish() SyncResult {
	r.Success = len(r.Errors) == 0
	return r
}

// ErrorSummary joins all errors into one line.
func (r SyncResult) ErrorSummary() string {
	return strings.Join(r.Errors, ", ")
}

// SyncStatus is the persisted outcome of the most recent sync.
type SyncStatus string

const (
	SyncStatusNever   SyncStatus = "never"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusError   SyncStatus = "error"
)

// SyncStats are the cumulative counters persisted next to the configuration.
type SyncStats struct {
	TotalRecords         int `json:"totalRecords"`
	LastRecordsProcessed int `json:"lastRecordsProcessed"`
	LastRecordsCreated   int `json:"lastRecordsCreated"`
	LastRecordsUpdated   int `json:"lastRecordsUpdated"`
}
