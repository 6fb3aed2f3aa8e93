// Package sync drives synchronisation of remote record collections into the
// local document store.
//
// The package contains three main components:
//
//   - [Service] runs one pass for one collection: fetch, transform and
//     idempotent upsert, accumulating a [model.SyncResult]. A streaming
//     variant processes records in paced batches and emits progress events.
//   - [Scheduler] re-runs a Service at the collection's configured interval.
//   - [Registry] owns one Service (and optional Scheduler) per collection.
package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/njoerd114/apisync/internal/model"
	"github.com/njoerd114/apisync/internal/state"
)

// DocumentStore provides the document persistence capability.
// Implemented by [state.Store].
type DocumentStore interface {
	FindByExternalID(ctx context.Context, collection, externalID string) (*state.Document, error)
	CreateDocument(ctx context.Context, collection, externalID string, data json.RawMessage, syncedAt time.Time) (*state.Document, error)
	UpdateDocument(ctx context.Context, collection, id string, data json.RawMessage, syncedAt time.Time) (*state.Document, error)
}

// SettingsStore provides access to the persisted per-collection configuration
// and sync status. Implemented by [settings.Store].
type SettingsStore interface {
	Load(ctx context.Context, collection string) (model.SyncConfig, error)
	Seed(ctx context.Context, cfg model.SyncConfig) (bool, error)
	SetToken(ctx context.Context, collection, token string) error
	RecordResult(ctx context.Context, collection string, result model.SyncResult) error
	RecordFailure(ctx context.Context, collection, message string) error
}
