package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/apisync/internal/apiclient"
	"github.com/njoerd114/apisync/internal/model"
	"github.com/njoerd114/apisync/internal/state"
	"github.com/njoerd114/apisync/internal/transform"
)

// Deps are the collaborators shared by every [Service] in a process.
type Deps struct {
	Documents DocumentStore

	// Settings is optional. Without it, [Service.Run] uses the in-memory
	// configuration and does not persist status.
	Settings SettingsStore

	Logger     *slog.Logger
	Clock      func() time.Time
	Transforms transform.Set

	// Stream holds the default batch pacing for [Service.SyncStream].
	Stream StreamOptions

	HTTPClient *http.Client
	Timeout    time.Duration
}

// ErrBusy is returned by managed passes while another pass of the same
// collection is running.
var ErrBusy = errors.New("a sync of this collection is already running")

// Filter narrows a pass to the records of one parent: a contractor id for
// bookings or an album id for photos. An empty ParentID syncs everything.
type Filter struct {
	ParentID string
}

// Service synchronises one collection. Create one with [NewService]. All
// methods are safe for concurrent use; records within a pass are processed
// sequentially.
type Service struct {
	docs       DocumentStore
	settings   SettingsStore
	transforms transform.Set
	stream     StreamOptions
	hc         *http.Client
	timeout    time.Duration
	now        func() time.Time
	log        *slog.Logger
	inst       instruments

	// running is the single pass slot shared by every trigger path.
	running atomic.Bool

	mu     sync.RWMutex
	cfg    model.SyncConfig
	client *apiclient.Client
}

// NewService creates a Service for cfg.
func NewService(cfg model.SyncConfig, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	s := &Service{
		docs:       deps.Documents,
		settings:   deps.Settings,
		transforms: deps.Transforms,
		stream:     deps.Stream.withDefaults(),
		hc:         deps.HTTPClient,
		timeout:    deps.Timeout,
		now:        now,
		log:        logger.With("collection", cfg.CollectionName),
		inst:       newInstruments(logger),
	}
	s.apply(cfg)
	return s
}

// --- Configuration -----------------------------------------------------------

// Collection returns the local collection name.
func (s *Service) Collection() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.CollectionName
}

// Config returns a snapshot of the current configuration.
func (s *Service) Config() model.SyncConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// UpdateConfig replaces the configuration and rebuilds the API client. The
// collection name is kept when cfg leaves it empty.
func (s *Service) UpdateConfig(cfg model.SyncConfig) {
	s.apply(cfg)
	s.log.Debug("sync configuration updated", "api_url", cfg.APIURL, "endpoint", cfg.Endpoint)
}

func (s *Service) apply(cfg model.SyncConfig) {
	cfg = cfg.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.CollectionName == "" {
		cfg.CollectionName = s.cfg.CollectionName
	}
	s.cfg = cfg
	s.client = apiclient.New(apiclient.Options{
		BaseURL:       cfg.APIURL,
		Endpoint:      cfg.Endpoint,
		Token:         cfg.BearerToken,
		Headers:       cfg.Headers,
		Timeout:       s.timeout,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
		HTTPClient:    s.hc,
		Logger:        s.log,
	})
}

// UpdateToken rotates the bearer token for subsequent requests. With a
// settings store the token is persisted first, so the reload at the start of
// the next managed pass keeps it; on a persistence error nothing changes.
func (s *Service) UpdateToken(ctx context.Context, token string) error {
	if s.settings != nil {
		if err := s.settings.SetToken(ctx, s.Collection(), token); err != nil {
			return fmt.Errorf("saving bearer token for %q: %w", s.Collection(), err)
		}
	}

	s.mu.Lock()
	s.cfg.BearerToken = token
	client := s.client
	s.mu.Unlock()
	client.UpdateToken(token)
	return nil
}

// Busy reports whether a managed pass is running.
func (s *Service) Busy() bool { return s.running.Load() }

func (s *Service) acquire() bool { return s.running.CompareAndSwap(false, true) }

func (s *Service) release() { s.running.Store(false) }

// Reload re-reads the configuration from the settings store. It is a no-op
// when the service has no settings store.
func (s *Service) Reload(ctx context.Context) error {
	if s.settings == nil {
		return nil
	}
	name := s.Collection()
	cfg, err := s.settings.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("loading sync configuration for %q: %w", name, err)
	}
	cfg.CollectionName = name
	s.apply(cfg)
	return nil
}

// Ping checks the remote endpoint with the current configuration.
func (s *Service) Ping(ctx context.Context) error {
	_, client := s.snapshot()
	return client.Ping(ctx)
}

func (s *Service) snapshot() (model.SyncConfig, *apiclient.Client) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone(), s.client
}

// --- Passes ------------------------------------------------------------------

// fetchFunc performs the remote request for one pass.
type fetchFunc func(ctx context.Context, c *apiclient.Client) apiclient.Response

func getBookings(ctx context.Context, c *apiclient.Client) apiclient.Response {
	return c.GetBookings(ctx)
}

func getPhotos(ctx context.Context, c *apiclient.Client) apiclient.Response {
	return c.GetPhotos(ctx)
}

// SyncBookings fetches every booking and upserts it.
func (s *Service) SyncBookings(ctx context.Context) model.SyncResult {
	return s.pass(ctx, model.KindBookings, getBookings)
}

// SyncBookingsByContractor fetches and upserts the bookings of one contractor.
func (s *Service) SyncBookingsByContractor(ctx context.Context, contractorID string) model.SyncResult {
	return s.pass(ctx, model.KindBookings, func(ctx context.Context, c *apiclient.Client) apiclient.Response {
		return c.GetBookingsByContractor(ctx, contractorID)
	})
}

// SyncPhotos fetches every photo and upserts it.
func (s *Service) SyncPhotos(ctx context.Context) model.SyncResult {
	return s.pass(ctx, model.KindPhotos, getPhotos)
}

// SyncPhotosByAlbum fetches and upserts the photos of one album.
func (s *Service) SyncPhotosByAlbum(ctx context.Context, albumID int64) model.SyncResult {
	return s.pass(ctx, model.KindPhotos, func(ctx context.Context, c *apiclient.Client) apiclient.Response {
		return c.GetPhotosByAlbum(ctx, albumID)
	})
}

// Sync runs the pass matching the collection kind and filter. A
// configuration that names no valid kind, or an album id that is not a
// number, yields a failed result.
func (s *Service) Sync(ctx context.Context, f Filter) model.SyncResult {
	kind, fetch, err := s.plan(f)
	if err != nil {
		result := model.NewSyncResult(s.now())
		result.AddError(err.Error())
		return result.Finish()
	}
	return s.pass(ctx, kind, fetch)
}

func (s *Service) plan(f Filter) (model.Kind, fetchFunc, error) {
	cfg, _ := s.snapshot()
	kind, err := cfg.ResolvedKind()
	if err != nil {
		return "", nil, err
	}

	switch kind {
	case model.KindBookings:
		if f.ParentID == "" {
			return kind, getBookings, nil
		}
		return kind, func(ctx context.Context, c *apiclient.Client) apiclient.Response {
			return c.GetBookingsByContractor(ctx, f.ParentID)
		}, nil
	case model.KindPhotos:
		if f.ParentID == "" {
			return kind, getPhotos, nil
		}
		albumID, err := strconv.ParseInt(f.ParentID, 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("invalid album id %q", f.ParentID)
		}
		return kind, func(ctx context.Context, c *apiclient.Client) apiclient.Response {
			return c.GetPhotosByAlbum(ctx, albumID)
		}, nil
	}
	return "", nil, fmt.Errorf("unsupported collection kind %q", kind)
}

// Run performs a managed pass: reload configuration, sync, and persist the
// outcome. The returned error is reserved for [ErrBusy], configuration load
// and status persistence failures; sync failures are reported in the result.
func (s *Service) Run(ctx context.Context, f Filter) (model.SyncResult, error) {
	if !s.acquire() {
		return model.SyncResult{}, ErrBusy
	}
	defer s.release()

	if err := s.Reload(ctx); err != nil {
		return model.SyncResult{}, err
	}
	return s.execute(ctx, f)
}

// execute runs and records a pass against the current configuration.
func (s *Service) execute(ctx context.Context, f Filter) (model.SyncResult, error) {
	ctx, span := s.startSpan(ctx, f)
	defer span.End()

	result := s.Sync(ctx, f)
	return result, s.finish(ctx, span, result)
}

func (s *Service) startSpan(ctx context.Context, f Filter) (context.Context, trace.Span) {
	return s.inst.tracer.Start(ctx, spanRun, trace.WithAttributes(
		attribute.String("sync.collection", s.Collection()),
		attribute.String("sync.parent_id", f.ParentID),
	))
}

// finish records metrics and span attributes for result and persists it.
func (s *Service) finish(ctx context.Context, span trace.Span, result model.SyncResult) error {
	s.inst.cntProcessed.Add(ctx, int64(result.RecordsProcessed))
	if result.RecordsCreated > 0 {
		s.inst.cntCreated.Add(ctx, int64(result.RecordsCreated))
	}
	if result.RecordsUpdated > 0 {
		s.inst.cntUpdated.Add(ctx, int64(result.RecordsUpdated))
	}
	if n := len(result.Errors); n > 0 {
		s.inst.cntErrors.Add(ctx, int64(n))
		span.SetStatus(codes.Error, result.Errors[0])
	}
	span.SetAttributes(
		attribute.Int("sync.processed", result.RecordsProcessed),
		attribute.Int("sync.created", result.RecordsCreated),
		attribute.Int("sync.updated", result.RecordsUpdated),
		attribute.Int("sync.errors", len(result.Errors)),
	)

	s.log.Info("sync complete",
		"success", result.Success,
		"processed", result.RecordsProcessed,
		"created", result.RecordsCreated,
		"updated", result.RecordsUpdated,
		"errors", len(result.Errors),
	)

	if s.settings == nil {
		return nil
	}
	// Persist even when the caller has gone away.
	if err := s.settings.RecordResult(context.WithoutCancel(ctx), s.Collection(), result); err != nil {
		span.RecordError(err)
		return fmt.Errorf("recording sync status: %w", err)
	}
	return nil
}

// pass runs the fetch, normalise and upsert steps. It never returns an error;
// every failure is reported in the result.
func (s *Service) pass(ctx context.Context, kind model.Kind, fetch fetchFunc) model.SyncResult {
	cfg, client := s.snapshot()
	result := model.NewSyncResult(s.now())

	records, err := fetchRecords(ctx, client, fetch)
	if err != nil {
		result.AddError(err.Error())
		s.log.Warn("sync aborted", "error", err)
		return result.Finish()
	}
	result.RecordsProcessed = len(records)

	s.process(ctx, cfg, kind, records, &result)
	return result.Finish()
}

// batchCounts are the outcomes of processing a slice of records.
type batchCounts struct {
	created, updated, errors int
	cancelled                bool
}

// process transforms and upserts records in order, adding to result. It stops
// at a record boundary when ctx is cancelled, recording one error.
func (s *Service) process(ctx context.Context, cfg model.SyncConfig, kind model.Kind, records []json.RawMessage, result *model.SyncResult) batchCounts {
	var counts batchCounts
	for i, raw := range records {
		if err := ctx.Err(); err != nil {
			result.AddError(fmt.Sprintf("sync cancelled after %d of %d records: %v", i, len(records), err))
			counts.errors++
			counts.cancelled = true
			return counts
		}

		id, created, err := s.processRecord(ctx, cfg, kind, raw)
		if err != nil {
			msg := fmt.Sprintf("Error processing %s %s: %v", recordLabel(kind), id, err)
			result.AddError(msg)
			counts.errors++
			s.log.Warn("record failed", "external_id", id, "error", err)
			continue
		}
		if created {
			result.RecordsCreated++
			counts.created++
		} else {
			result.RecordsUpdated++
			counts.updated++
		}
	}
	return counts
}

func recordLabel(kind model.Kind) string {
	if kind == model.KindPhotos {
		return "photo"
	}
	return "booking"
}

// processRecord transforms one raw record and upserts it. It returns the
// record's upstream id for labelling, even on failure.
func (s *Service) processRecord(ctx context.Context, cfg model.SyncConfig, kind model.Kind, raw json.RawMessage) (string, bool, error) {
	var (
		rec model.Record
		id  string
	)
	switch kind {
	case model.KindBookings:
		rb, err := model.DecodeBooking(raw)
		id = labelID(rb.ID)
		if err != nil {
			return id, false, fmt.Errorf("decoding booking: %w", err)
		}
		b, err := s.transforms.ToBooking(rb, cfg.FieldMapping, s.now())
		if err != nil {
			return id, false, err
		}
		rec = b
	case model.KindPhotos:
		rp, err := model.DecodePhoto(raw)
		id = labelID(rp.ID)
		if err != nil {
			return id, false, fmt.Errorf("decoding photo: %w", err)
		}
		p, err := s.transforms.ToPhoto(rp, cfg.FieldMapping)
		if err != nil {
			return id, false, err
		}
		rec = p
	default:
		return "unknown", false, fmt.Errorf("unsupported collection kind %q", kind)
	}

	if rec.Key() == "" {
		return id, false, errors.New("transform produced a record without externalId")
	}
	created, err := s.upsert(ctx, cfg.CollectionName, rec)
	return id, created, err
}

func labelID(id model.FlexID) string {
	if id == "" {
		return "unknown"
	}
	return id.String()
}

// upsert writes rec keyed by its external id, stamping lastSynced. It
// reports whether a new document was created. A uniqueness violation on
// create means a concurrent writer won the race; the write is retried as an
// update.
func (s *Service) upsert(ctx context.Context, collection string, rec model.Record) (bool, error) {
	syncedAt := s.now().UTC()
	rec = rec.Stamp(syncedAt)
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encoding record: %w", err)
	}

	existing, err := s.docs.FindByExternalID(ctx, collection, rec.Key())
	if err != nil {
		return false, fmt.Errorf("looking up existing document: %w", err)
	}
	if existing != nil {
		if _, err := s.docs.UpdateDocument(ctx, collection, existing.ID, data, syncedAt); err != nil {
			return false, fmt.Errorf("updating document: %w", err)
		}
		return false, nil
	}

	_, err = s.docs.CreateDocument(ctx, collection, rec.Key(), data, syncedAt)
	if errors.Is(err, state.ErrDuplicate) {
		existing, err = s.docs.FindByExternalID(ctx, collection, rec.Key())
		if err != nil {
			return false, fmt.Errorf("looking up existing document: %w", err)
		}
		if existing == nil {
			return false, fmt.Errorf("document %q reported as duplicate but not found", rec.Key())
		}
		if _, err := s.docs.UpdateDocument(ctx, collection, existing.ID, data, syncedAt); err != nil {
			return false, fmt.Errorf("updating document: %w", err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("creating document: %w", err)
	}
	return true, nil
}

// --- Response shape ----------------------------------------------------------

// fetchRecords performs the fetch and normalises the body to a slice of raw
// records.
func fetchRecords(ctx context.Context, client *apiclient.Client, fetch fetchFunc) ([]json.RawMessage, error) {
	resp := fetch(ctx, client)
	if !resp.Success {
		return nil, fmt.Errorf("API request failed: %s", resp.Error)
	}
	data := bytes.TrimSpace(resp.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, errors.New("API request failed: no data returned")
	}
	return normalizeRecords(data)
}

// normalizeRecords accepts a bare JSON array or an object whose "results"
// field is an array.
func normalizeRecords(data json.RawMessage) ([]json.RawMessage, error) {
	switch data[0] {
	case '[':
		var records []json.RawMessage
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("decoding response array: %w", err)
		}
		return records, nil
	case '{':
		var envelope struct {
			Results *json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("decoding response object: %w", err)
		}
		if envelope.Results != nil {
			inner := bytes.TrimSpace(*envelope.Results)
			if len(inner) > 0 && inner[0] == '[' {
				var records []json.RawMessage
				if err := json.Unmarshal(inner, &records); err != nil {
					return nil, fmt.Errorf("decoding results array: %w", err)
				}
				return records, nil
			}
		}
	}
	return nil, errors.New("unexpected response shape: expected an array or an object with a results array")
}
