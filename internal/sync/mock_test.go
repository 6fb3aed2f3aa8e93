package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/njoerd114/apisync/internal/model"
	"github.com/njoerd114/apisync/internal/settings"
	"github.com/njoerd114/apisync/internal/state"
)

// --- Mock Document Store -----------------------------------------------------

type mockDocs struct {
	mu     sync.Mutex
	docs   map[string]*state.Document // collection/externalID → document
	nextID int

	// raceOnCreate makes the next CreateDocument for this external ID insert
	// the row itself and then report ErrDuplicate, as a concurrent writer would.
	raceOnCreate string
	failCreate   error
}

func newMockDocs() *mockDocs {
	return &mockDocs{docs: make(map[string]*state.Document)}
}

func docKey(collection, externalID string) string { return collection + "/" + externalID }

func (m *mockDocs) FindByExternalID(_ context.Context, collection, externalID string) (*state.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docKey(collection, externalID)]
	if !ok {
		return nil, nil
	}
	cp := *doc
	return &cp, nil
}

func (m *mockDocs) CreateDocument(_ context.Context, collection, externalID string, data json.RawMessage, syncedAt time.Time) (*state.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failCreate != nil {
		return nil, m.failCreate
	}
	key := docKey(collection, externalID)
	if m.raceOnCreate == externalID {
		m.raceOnCreate = ""
		m.insertLocked(collection, externalID, json.RawMessage(`{}`), syncedAt)
		return nil, fmt.Errorf("creating %s: %w", key, state.ErrDuplicate)
	}
	if _, ok := m.docs[key]; ok {
		return nil, fmt.Errorf("creating %s: %w", key, state.ErrDuplicate)
	}
	doc := m.insertLocked(collection, externalID, data, syncedAt)
	cp := *doc
	return &cp, nil
}

func (m *mockDocs) insertLocked(collection, externalID string, data json.RawMessage, syncedAt time.Time) *state.Document {
	m.nextID++
	doc := &state.Document{
		ID:         fmt.Sprintf("doc-%d", m.nextID),
		Collection: collection,
		ExternalID: externalID,
		Data:       data,
		LastSynced: syncedAt,
	}
	m.docs[docKey(collection, externalID)] = doc
	return doc
}

func (m *mockDocs) UpdateDocument(_ context.Context, collection, id string, data json.RawMessage, syncedAt time.Time) (*state.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.docs {
		if doc.Collection == collection && doc.ID == id {
			doc.Data = data
			doc.LastSynced = syncedAt
			cp := *doc
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("updating %s/%s: %w", collection, id, state.ErrNotFound)
}

func (m *mockDocs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func (m *mockDocs) get(collection, externalID string) *state.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[docKey(collection, externalID)]
}

// --- Mock Settings Store -----------------------------------------------------

type mockSettings struct {
	mu       sync.Mutex
	configs  map[string]model.SyncConfig
	results  map[string][]model.SyncResult
	failures map[string][]string
	seeded   []string
	loadErr  error
	loads    int
}

func newMockSettings() *mockSettings {
	return &mockSettings{
		configs:  make(map[string]model.SyncConfig),
		results:  make(map[string][]model.SyncResult),
		failures: make(map[string][]string),
	}
}

func (m *mockSettings) put(cfg model.SyncConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.CollectionName] = cfg.Clone()
}

func (m *mockSettings) Load(_ context.Context, collection string) (model.SyncConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return model.SyncConfig{}, m.loadErr
	}
	cfg, ok := m.configs[collection]
	if !ok {
		return model.SyncConfig{}, fmt.Errorf("collection %q: %w", collection, settings.ErrNotFound)
	}
	return cfg.Clone(), nil
}

func (m *mockSettings) Seed(_ context.Context, cfg model.SyncConfig) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[cfg.CollectionName]; ok {
		return false, nil
	}
	m.configs[cfg.CollectionName] = cfg.Clone()
	m.seeded = append(m.seeded, cfg.CollectionName)
	return true, nil
}

func (m *mockSettings) SetToken(_ context.Context, collection, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[collection]
	if !ok {
		return settings.ErrNotFound
	}
	cfg.BearerToken = token
	m.configs[collection] = cfg
	return nil
}

func (m *mockSettings) RecordResult(_ context.Context, collection string, result model.SyncResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[collection] = append(m.results[collection], result)
	return nil
}

func (m *mockSettings) RecordFailure(_ context.Context, collection, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[collection] = append(m.failures[collection], message)
	return nil
}

func (m *mockSettings) resultCount(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results[collection])
}

func (m *mockSettings) failureList(collection string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.failures[collection]...)
}

// --- Mock Remote API ---------------------------------------------------------

// mockRemote is an httptest server returning a fixed body and recording the
// Authorization header and query of every request.
type mockRemote struct {
	srv *httptest.Server

	mu       sync.Mutex
	body     string
	status   int
	auth     []string
	queries  []string
	block    chan struct{}
	requests int
}

func newMockRemote(body string) *mockRemote {
	m := &mockRemote{body: body, status: http.StatusOK}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.auth = append(m.auth, r.Header.Get("Authorization"))
		m.queries = append(m.queries, r.URL.RawQuery)
		m.requests++
		body, status, block := m.body, m.status, m.block
		m.mu.Unlock()

		if block != nil {
			<-block
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	return m
}

func (m *mockRemote) setBody(body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.body = body
}

func (m *mockRemote) setStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

func (m *mockRemote) authHeaders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.auth...)
}

func (m *mockRemote) lastQuery() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queries) == 0 {
		return ""
	}
	return m.queries[len(m.queries)-1]
}

func (m *mockRemote) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

func (m *mockRemote) close() { m.srv.Close() }
