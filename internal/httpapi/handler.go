package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/njoerd114/apisync/internal/model"
	"github.com/njoerd114/apisync/internal/settings"
	"github.com/njoerd114/apisync/internal/state"
	syncp "github.com/njoerd114/apisync/internal/sync"
)

// Services resolves collection names to live sync services. Implemented by
// [syncp.Registry].
type Services interface {
	Lookup(name string) (*syncp.Service, error)
	Names() []string
}

// SettingsAdmin is the settings document surface used by the admin routes.
// Implemented by [settings.Store].
type SettingsAdmin interface {
	Read(ctx context.Context, collection string) (*settings.Document, error)
	Update(ctx context.Context, collection string, p settings.Patch) error
	SetToken(ctx context.Context, collection, token string) error
	WriteStatus(ctx context.Context, collection string, p settings.StatusPatch) error
	Collections(ctx context.Context) ([]string, error)
}

// DocumentLister pages through synchronised documents. Implemented by
// [state.Store].
type DocumentLister interface {
	ListDocuments(ctx context.Context, collection string, lq state.ListQuery) (*state.Page, error)
}

// SyncHandler serves the sync trigger and admin routes.
type SyncHandler struct {
	services Services
	settings SettingsAdmin
	docs     DocumentLister
	log      *slog.Logger
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(services Services, st SettingsAdmin, docs DocumentLister, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncHandler{services: services, settings: st, docs: docs, log: logger}
}

// --- Sync triggers ---------------------------------------------------------

// Sync runs a full managed pass for the collection in the URL.
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	h.runSync(w, r, chi.URLParam(r, "collection"), chi.URLParam(r, "parentID"))
}

// SyncContractor is the bookings alias of the filtered sync route.
func (h *SyncHandler) SyncContractor(w http.ResponseWriter, r *http.Request) {
	h.runSync(w, r, string(model.KindBookings), chi.URLParam(r, "id"))
}

// SyncAlbum is the photos alias of the filtered sync route.
func (h *SyncHandler) SyncAlbum(w http.ResponseWriter, r *http.Request) {
	h.runSync(w, r, string(model.KindPhotos), chi.URLParam(r, "id"))
}

func (h *SyncHandler) runSync(w http.ResponseWriter, r *http.Request, collection, parentID string) {
	svc, ok := h.service(w, collection)
	if !ok {
		return
	}

	// The pass outlives a disconnecting client.
	ctx := context.WithoutCancel(r.Context())
	result, err := svc.Run(ctx, syncp.Filter{ParentID: parentID})
	if errors.Is(err, syncp.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.log.Error("sync request failed", "collection", collection, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	message := fmt.Sprintf("Synced %d records", result.RecordsProcessed)
	if !result.Success {
		message = fmt.Sprintf("Sync finished with %d errors", len(result.Errors))
	}
	writeJSON(w, http.StatusOK, envelope{Success: result.Success, Data: result, Message: message})
}

// Stream runs a managed pass and reports progress as Server-Sent Events.
// Optional query parameters: batchSize, batchDelay (milliseconds), parentId.
func (h *SyncHandler) Stream(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	opts, err := streamOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	svc, ok := h.service(w, collection)
	if !ok {
		return
	}
	if svc.Busy() {
		writeError(w, http.StatusConflict, syncp.ErrBusy.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(ev model.Event) {
		b, err := json.Marshal(ev)
		if err != nil {
			h.log.Warn("encoding stream event", "type", ev.EventType(), "error", err)
			return
		}
		// Write errors mean the client went away; the pass carries on.
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err == nil {
			flusher.Flush()
		}
	}

	ctx := context.WithoutCancel(r.Context())
	filter := syncp.Filter{ParentID: r.URL.Query().Get("parentId")}
	if _, err := svc.RunStream(ctx, filter, opts, emit); err != nil {
		h.log.Error("streaming sync failed", "collection", collection, "error", err)
	}
}

func streamOptions(r *http.Request) (syncp.StreamOptions, error) {
	var opts syncp.StreamOptions
	q := r.URL.Query()
	if v := q.Get("batchSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return opts, fmt.Errorf("batchSize must be a positive integer, got %q", v)
		}
		opts.BatchSize = n
	}
	if v := q.Get("batchDelay"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return opts, fmt.Errorf("batchDelay must be a non-negative number of milliseconds, got %q", v)
		}
		opts.BatchDelay = time.Duration(ms) * time.Millisecond
		if ms == 0 {
			opts.BatchDelay = -1 // no pause; zero selects the default
		}
	}
	return opts, nil
}

// --- Admin -------------------------------------------------------------------

type tokenRequest struct {
	Collection string `json:"collection"`
	Token      string `json:"token"`
}

// UpdateToken rotates the bearer token of a collection in both the live
// service and its settings document.
func (h *SyncHandler) UpdateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Collection == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, "collection and token are required")
		return
	}

	// A live service persists the token itself; a stored collection that
	// was never initialised only has its settings document.
	var err error
	if svc, lookupErr := h.services.Lookup(req.Collection); lookupErr == nil {
		err = svc.UpdateToken(r.Context(), req.Token)
	} else {
		err = h.settings.SetToken(r.Context(), req.Collection, req.Token)
	}
	switch {
	case errors.Is(err, settings.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("collection %q is not configured", req.Collection))
		return
	case err != nil:
		h.log.Error("saving token", "collection", req.Collection, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.log.Info("bearer token updated", "collection", req.Collection)
	writeData(w, nil, "Token updated")
}

// UpdateConfig merges admin-edited fields into a settings document and
// reloads the live service.
func (h *SyncHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")

	var patch settings.Patch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := patch.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.settings.Update(r.Context(), collection, patch); err != nil {
		h.settingsError(w, collection, err)
		return
	}
	if svc, err := h.services.Lookup(collection); err == nil {
		if err := svc.Reload(r.Context()); err != nil {
			h.log.Error("reloading configuration", "collection", collection, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	doc, err := h.settings.Read(r.Context(), collection)
	if err != nil {
		h.settingsError(w, collection, err)
		return
	}
	h.log.Info("sync configuration updated", "collection", collection)
	writeData(w, newStatusView(collection, doc, h.initialized(collection)), "Configuration updated")
}

// WriteStatus stores externally supplied status fields.
func (h *SyncHandler) WriteStatus(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")

	var patch settings.StatusPatch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := patch.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.settings.WriteStatus(r.Context(), collection, patch); err != nil {
		h.settingsError(w, collection, err)
		return
	}
	writeData(w, nil, "Status updated")
}

// statusView is one collection in the status listing. The bearer token is
// reduced to HasToken.
type statusView struct {
	Collection     string            `json:"collection"`
	Initialized    bool              `json:"initialized"`
	Configured     bool              `json:"configured"`
	APIURL         string            `json:"apiUrl,omitempty"`
	Endpoint       string            `json:"endpoint,omitempty"`
	Kind           model.Kind        `json:"kind,omitempty"`
	HasToken       bool              `json:"hasToken"`
	AutoSync       bool              `json:"autoSync"`
	SyncInterval   int64             `json:"syncInterval"`
	RetryAttempts  int               `json:"retryAttempts"`
	RetryDelay     int64             `json:"retryDelay"`
	FieldMapping   map[string]string `json:"fieldMapping,omitempty"`
	LastSync       *time.Time        `json:"lastSync,omitempty"`
	LastSyncStatus model.SyncStatus  `json:"lastSyncStatus"`
	LastSyncError  *string           `json:"lastSyncError,omitempty"`
	SyncStats      model.SyncStats   `json:"syncStats"`
}

func newStatusView(collection string, doc *settings.Document, initialized bool) statusView {
	v := statusView{
		Collection:     collection,
		Initialized:    initialized,
		LastSyncStatus: model.SyncStatusNever,
	}
	if doc == nil {
		return v
	}
	cfg := doc.Config()
	v.Configured = true
	v.APIURL = cfg.APIURL
	v.Endpoint = cfg.Endpoint
	v.Kind = cfg.Kind
	v.HasToken = cfg.BearerToken != ""
	v.AutoSync = cfg.AutoSync
	v.SyncInterval = cfg.SyncInterval.Milliseconds()
	v.RetryAttempts = cfg.RetryAttempts
	v.RetryDelay = cfg.RetryDelay.Milliseconds()
	v.FieldMapping = cfg.FieldMapping
	v.LastSync = doc.LastSync
	v.LastSyncStatus = doc.Status()
	v.LastSyncError = doc.LastSyncError
	v.SyncStats = doc.SyncStats
	return v
}

// Status lists every initialised service and every settings document.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	names, err := h.settings.Collections(ctx)
	if err != nil {
		h.log.Error("listing settings", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	services := h.services.Names()
	for _, n := range services {
		if !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}

	views := make([]statusView, 0, len(names))
	for _, name := range names {
		doc, err := h.settings.Read(ctx, name)
		if err != nil && !errors.Is(err, settings.ErrNotFound) {
			h.log.Error("reading settings", "collection", name, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views = append(views, newStatusView(name, doc, h.initialized(name)))
	}

	writeData(w, map[string]any{
		"services":    services,
		"collections": views,
	}, "")
}

// --- Documents ---------------------------------------------------------------

type documentView struct {
	ID         string          `json:"id"`
	ExternalID string          `json:"externalId"`
	Data       json.RawMessage `json:"data"`
	LastSynced time.Time       `json:"lastSynced"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type documentPage struct {
	Success     bool           `json:"success"`
	Docs        []documentView `json:"docs"`
	TotalDocs   int            `json:"totalDocs"`
	TotalPages  int            `json:"totalPages"`
	Page        int            `json:"page"`
	Limit       int            `json:"limit"`
	HasNextPage bool           `json:"hasNextPage"`
	HasPrevPage bool           `json:"hasPrevPage"`
}

// ListDocuments returns a page of synchronised documents, most recently
// synced first. albumId and contractorId filter on the stored record.
func (h *SyncHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	q := r.URL.Query()

	lq := state.ListQuery{Equals: map[string]any{}}
	var err error
	if lq.Page, err = optionalInt(q.Get("page"), 1); err != nil {
		writeError(w, http.StatusBadRequest, "page must be an integer")
		return
	}
	if lq.Limit, err = optionalInt(q.Get("limit"), 10); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if v := q.Get("albumId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "albumId must be an integer")
			return
		}
		lq.Equals["albumId"] = id
	}
	if v := q.Get("contractorId"); v != "" {
		lq.Equals["contractorId"] = v
	}

	page, err := h.docs.ListDocuments(r.Context(), collection, lq)
	if err != nil {
		h.log.Error("listing documents", "collection", collection, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := documentPage{
		Success:     true,
		Docs:        make([]documentView, 0, len(page.Docs)),
		TotalDocs:   page.TotalDocs,
		TotalPages:  page.TotalPages,
		Page:        page.Page,
		Limit:       page.Limit,
		HasNextPage: page.HasNextPage,
		HasPrevPage: page.HasPrevPage,
	}
	for _, d := range page.Docs {
		out.Docs = append(out.Docs, documentView{
			ID:         d.ID,
			ExternalID: d.ExternalID,
			Data:       d.Data,
			LastSynced: d.LastSynced,
			CreatedAt:  d.CreatedAt,
			UpdatedAt:  d.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func optionalInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// --- Helpers -----------------------------------------------------------------

func (h *SyncHandler) service(w http.ResponseWriter, collection string) (*syncp.Service, bool) {
	svc, err := h.services.Lookup(collection)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return svc, true
}

func (h *SyncHandler) initialized(collection string) bool {
	_, err := h.services.Lookup(collection)
	return err == nil
}

func (h *SyncHandler) settingsError(w http.ResponseWriter, collection string, err error) {
	if errors.Is(err, settings.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("collection %q is not configured", collection))
		return
	}
	h.log.Error("settings write failed", "collection", collection, "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

// HealthHandler reports liveness.
type HealthHandler struct {
	version string
}

// NewHealthHandler creates a HealthHandler reporting version.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version}
}

// Health responds with a small JSON body and 200.
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.version})
}
