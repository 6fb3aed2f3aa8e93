// Package settings is the typed adapter over the persisted, admin-editable
// settings documents. Each collection has one document holding its
// [model.SyncConfig] plus the status of the most recent sync.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/njoerd114/apisync/internal/model"
)

const keyPrefix = "api-sync-config:"

// Defaults applied when a settings document omits the field entirely.
const (
	DefaultSyncInterval  = 5 * time.Minute
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = time.Second
)

// ErrNotFound is returned when no settings document exists for a collection.
var ErrNotFound = errors.New("sync configuration not found")

// Backend is the settings document capability. Implemented by [state.Store].
type Backend interface {
	ReadGlobal(ctx context.Context, key string) (json.RawMessage, error)
	WriteGlobal(ctx context.Context, key string, partial map[string]any) error
	SettingsKeys(ctx context.Context) ([]string, error)
}

// Document is the JSON layout of one settings document. Durations are stored
// in milliseconds.
type Document struct {
	APIURL         string            `json:"apiUrl"`
	Endpoint       string            `json:"endpoint"`
	BearerToken    string            `json:"bearerToken,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	CollectionName string            `json:"collectionName"`
	Kind           model.Kind        `json:"kind,omitempty"`
	AutoSync       bool              `json:"autoSync"`
	SyncInterval   *int64            `json:"syncInterval,omitempty"`
	RetryAttempts  *int              `json:"retryAttempts,omitempty"`
	RetryDelay     *int64            `json:"retryDelay,omitempty"`
	FieldMapping   map[string]string `json:"fieldMapping,omitempty"`

	LastSync       *time.Time       `json:"lastSync,omitempty"`
	LastSyncStatus model.SyncStatus `json:"lastSyncStatus,omitempty"`
	LastSyncError  *string          `json:"lastSyncError,omitempty"`
	SyncStats      model.SyncStats  `json:"syncStats"`
}

// Config converts the document to a [model.SyncConfig], applying defaults for
// absent interval and retry fields.
func (d Document) Config() model.SyncConfig {
	cfg := model.SyncConfig{
		APIURL:         d.APIURL,
		Endpoint:       d.Endpoint,
		BearerToken:    d.BearerToken,
		Headers:        d.Headers,
		CollectionName: d.CollectionName,
		Kind:           d.Kind,
		AutoSync:       d.AutoSync,
		SyncInterval:   DefaultSyncInterval,
		RetryAttempts:  DefaultRetryAttempts,
		RetryDelay:     DefaultRetryDelay,
		FieldMapping:   d.FieldMapping,
	}
	if d.SyncInterval != nil {
		cfg.SyncInterval = time.Duration(*d.SyncInterval) * time.Millisecond
	}
	if d.RetryAttempts != nil {
		cfg.RetryAttempts = *d.RetryAttempts
	}
	if d.RetryDelay != nil {
		cfg.RetryDelay = time.Duration(*d.RetryDelay) * time.Millisecond
	}
	return cfg
}

// Status returns the persisted outcome, defaulting to "never".
func (d Document) Status() model.SyncStatus {
	if d.LastSyncStatus == "" {
		return model.SyncStatusNever
	}
	return d.LastSyncStatus
}

// Store reads and writes settings documents through a [Backend].
type Store struct {
	backend Backend
	now     func() time.Time

	// mu serialises read-modify-write of cumulative stats.
	mu sync.Mutex
}

// New creates a Store over backend.
func New(backend Backend) *Store {
	return &Store{backend: backend, now: time.Now}
}

// Key returns the settings key for collection.
func Key(collection string) string { return keyPrefix + collection }

// Read returns the raw settings document for collection, or [ErrNotFound].
func (s *Store) Read(ctx context.Context, collection string) (*Document, error) {
	raw, err := s.backend.ReadGlobal(ctx, Key(collection))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("collection %q: %w", collection, ErrNotFound)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding settings for %q: %w", collection, err)
	}
	if doc.CollectionName == "" {
		doc.CollectionName = collection
	}
	return &doc, nil
}

// Load returns the current [model.SyncConfig] for collection. It always reads
// the backend so admin edits and token rotation are picked up.
func (s *Store) Load(ctx context.Context, collection string) (model.SyncConfig, error) {
	doc, err := s.Read(ctx, collection)
	if err != nil {
		return model.SyncConfig{}, err
	}
	return doc.Config(), nil
}

// Collections lists every collection that has a settings document.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	keys, err := s.backend.SettingsKeys(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, k := range keys {
		if name, ok := strings.CutPrefix(k, keyPrefix); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// Seed writes cfg as the settings document for its collection unless one
// already exists. It reports whether a document was written.
func (s *Store) Seed(ctx context.Context, cfg model.SyncConfig) (bool, error) {
	raw, err := s.backend.ReadGlobal(ctx, Key(cfg.CollectionName))
	if err != nil {
		return false, err
	}
	if raw != nil {
		return false, nil
	}
	fields := configFields(cfg)
	fields["lastSyncStatus"] = model.SyncStatusNever
	fields["syncStats"] = model.SyncStats{}
	if err := s.backend.WriteGlobal(ctx, Key(cfg.CollectionName), fields); err != nil {
		return false, fmt.Errorf("seeding settings for %q: %w", cfg.CollectionName, err)
	}
	return true, nil
}

// Patch is a partial admin edit of a configuration. Nil fields are left
// unchanged.
type Patch struct {
	APIURL        *string           `json:"apiUrl,omitempty"`
	Endpoint      *string           `json:"endpoint,omitempty"`
	BearerToken   *string           `json:"bearerToken,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Kind          *model.Kind       `json:"kind,omitempty"`
	AutoSync      *bool             `json:"autoSync,omitempty"`
	SyncInterval  *int64            `json:"syncInterval,omitempty"`
	RetryAttempts *int              `json:"retryAttempts,omitempty"`
	RetryDelay    *int64            `json:"retryDelay,omitempty"`
	FieldMapping  map[string]string `json:"fieldMapping,omitempty"`
}

// Validate rejects values that could never produce a working configuration.
func (p Patch) Validate() error {
	if p.APIURL != nil && strings.TrimSpace(*p.APIURL) == "" {
		return errors.New("apiUrl must not be empty")
	}
	if p.Kind != nil {
		if _, err := model.ParseKind(string(*p.Kind)); err != nil {
			return err
		}
	}
	if p.SyncInterval != nil && *p.SyncInterval < 0 {
		return errors.New("syncInterval must be >= 0")
	}
	if p.RetryAttempts != nil && *p.RetryAttempts < 0 {
		return errors.New("retryAttempts must be >= 0")
	}
	if p.RetryDelay != nil && *p.RetryDelay < 0 {
		return errors.New("retryDelay must be >= 0")
	}
	return nil
}

// Update merges p into the settings document for collection. The document
// must already exist.
func (s *Store) Update(ctx context.Context, collection string, p Patch) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, err := s.Read(ctx, collection); err != nil {
		return err
	}

	fields := map[string]any{}
	if p.APIURL != nil {
		fields["apiUrl"] = *p.APIURL
	}
	if p.Endpoint != nil {
		fields["endpoint"] = *p.Endpoint
	}
	if p.BearerToken != nil {
		fields["bearerToken"] = *p.BearerToken
	}
	if p.Headers != nil {
		fields["headers"] = p.Headers
	}
	if p.Kind != nil {
		fields["kind"] = *p.Kind
	}
	if p.AutoSync != nil {
		fields["autoSync"] = *p.AutoSync
	}
	if p.SyncInterval != nil {
		fields["syncInterval"] = *p.SyncInterval
	}
	if p.RetryAttempts != nil {
		fields["retryAttempts"] = *p.RetryAttempts
	}
	if p.RetryDelay != nil {
		fields["retryDelay"] = *p.RetryDelay
	}
	if p.FieldMapping != nil {
		fields["fieldMapping"] = p.FieldMapping
	}
	if len(fields) == 0 {
		return nil
	}
	return s.backend.WriteGlobal(ctx, Key(collection), fields)
}

// SetToken stores a rotated bearer token for collection.
func (s *Store) SetToken(ctx context.Context, collection, token string) error {
	if _, err := s.Read(ctx, collection); err != nil {
		return err
	}
	return s.backend.WriteGlobal(ctx, Key(collection), map[string]any{"bearerToken": token})
}

// RecordResult persists the outcome of a sync pass: status, error summary and
// stats. totalRecords accumulates created+updated across runs.
func (s *Store) RecordResult(ctx context.Context, collection string, r model.SyncResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.Read(ctx, collection)
	if err != nil {
		return err
	}

	fields := map[string]any{
		"lastSync": s.now().UTC(),
		"syncStats": model.SyncStats{
			TotalRecords:         doc.SyncStats.TotalRecords + r.RecordsCreated + r.RecordsUpdated,
			LastRecordsProcessed: r.RecordsProcessed,
			LastRecordsCreated:   r.RecordsCreated,
			LastRecordsUpdated:   r.RecordsUpdated,
		},
	}
	if r.Success {
		fields["lastSyncStatus"] = model.SyncStatusSuccess
		fields["lastSyncError"] = nil
	} else {
		fields["lastSyncStatus"] = model.SyncStatusError
		fields["lastSyncError"] = r.ErrorSummary()
	}
	return s.backend.WriteGlobal(ctx, Key(collection), fields)
}

// RecordFailure persists an error status without touching stats. Used when a
// pass could not run at all.
func (s *Store) RecordFailure(ctx context.Context, collection, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.backend.WriteGlobal(ctx, Key(collection), map[string]any{
		"lastSync":       s.now().UTC(),
		"lastSyncStatus": model.SyncStatusError,
		"lastSyncError":  message,
	})
}

// StatusPatch is an externally supplied status write-back.
type StatusPatch struct {
	LastSync       *time.Time        `json:"lastSync,omitempty"`
	LastSyncStatus *model.SyncStatus `json:"lastSyncStatus,omitempty"`
	LastSyncError  *string           `json:"lastSyncError,omitempty"`
	SyncStats      *model.SyncStats  `json:"syncStats,omitempty"`
}

// Validate rejects unknown status values.
func (p StatusPatch) Validate() error {
	if p.LastSyncStatus == nil {
		return nil
	}
	switch *p.LastSyncStatus {
	case model.SyncStatusNever, model.SyncStatusSuccess, model.SyncStatusError:
		return nil
	default:
		return fmt.Errorf("lastSyncStatus %q must be one of never, success, error", *p.LastSyncStatus)
	}
}

// WriteStatus merges p into the status fields of collection.
func (s *Store) WriteStatus(ctx context.Context, collection string, p StatusPatch) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.Read(ctx, collection); err != nil {
		return err
	}
	fields := map[string]any{}
	if p.LastSync != nil {
		fields["lastSync"] = p.LastSync.UTC()
	}
	if p.LastSyncStatus != nil {
		fields["lastSyncStatus"] = *p.LastSyncStatus
	}
	if p.LastSyncError != nil {
		fields["lastSyncError"] = *p.LastSyncError
	}
	if p.SyncStats != nil {
		fields["syncStats"] = *p.SyncStats
	}
	if len(fields) == 0 {
		return nil
	}
	return s.backend.WriteGlobal(ctx, Key(collection), fields)
}

func configFields(cfg model.SyncConfig) map[string]any {
	fields := map[string]any{
		"apiUrl":         cfg.APIURL,
		"endpoint":       cfg.Endpoint,
		"collectionName": cfg.CollectionName,
		"autoSync":       cfg.AutoSync,
		"syncInterval":   cfg.SyncInterval.Milliseconds(),
		"retryAttempts":  cfg.RetryAttempts,
		"retryDelay":     cfg.RetryDelay.Milliseconds(),
	}
	if cfg.BearerToken != "" {
		fields["bearerToken"] = cfg.BearerToken
	}
	if cfg.Kind != "" {
		fields["kind"] = cfg.Kind
	}
	if len(cfg.Headers) > 0 {
		fields["headers"] = cfg.Headers
	}
	if len(cfg.FieldMapping) > 0 {
		fields["fieldMapping"] = cfg.FieldMapping
	}
	return fields
}
