package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/njoerd114/apisync/internal/model"
	"github.com/njoerd114/apisync/internal/settings"
	"github.com/njoerd114/apisync/internal/state"
	"github.com/njoerd114/apisync/internal/transform"
)

var (
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	testNow    = time.Date(2026, 2, 17, 9, 0, 0, 0, time.UTC)
)

func testClock() time.Time { return testNow }

func bookingsConfig(remote *mockRemote) model.SyncConfig {
	return model.SyncConfig{
		APIURL:         remote.srv.URL + "/",
		Endpoint:       "/api/v1/Bookings",
		BearerToken:    "token-1",
		CollectionName: "bookings",
		RetryAttempts:  1,
		RetryDelay:     time.Millisecond,
	}
}

func photosConfig(remote *mockRemote) model.SyncConfig {
	cfg := bookingsConfig(remote)
	cfg.Endpoint = "photos"
	cfg.CollectionName = "gallery"
	cfg.Kind = model.KindPhotos
	return cfg
}

func newTestService(cfg model.SyncConfig, docs *mockDocs, st *mockSettings) *Service {
	deps := Deps{
		Documents: docs,
		Logger:    testLogger,
		Clock:     testClock,
		Stream:    StreamOptions{BatchSize: 100, BatchDelay: -1},
	}
	if st != nil {
		deps.Settings = st
	}
	return NewService(cfg, deps)
}

func bookingsJSON(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"id":%d,"patient":{"firstName":"P","lastName":"%d"},"startTime":"2026-02-%02dT10:00:00Z","status":"Planned"}`, i+1, i, i%28+1)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func photosJSON(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"id":%d,"albumId":%d,"title":"t%d","url":"u","thumbnailUrl":"th"}`, i+1, i%3+1, i)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ---------------------------------------------------------------------------
// Idempotent upsert
// ---------------------------------------------------------------------------

func TestSyncBookings_SecondRunUpdatesOnly(t *testing.T) {
	remote := newMockRemote(bookingsJSON(3))
	defer remote.close()
	docs := newMockDocs()
	svc := newTestService(bookingsConfig(remote), docs, nil)

	first := svc.SyncBookings(context.Background())
	if !first.Success || first.RecordsProcessed != 3 || first.RecordsCreated != 3 || first.RecordsUpdated != 0 {
		t.Fatalf("first run = %+v", first)
	}

	second := svc.SyncBookings(context.Background())
	if !second.Success {
		t.Fatalf("second run errors: %v", second.Errors)
	}
	if second.RecordsCreated != 0 || second.RecordsUpdated != 3 {
		t.Errorf("second run created=%d updated=%d, want 0 and 3", second.RecordsCreated, second.RecordsUpdated)
	}
	if docs.count() != 3 {
		t.Errorf("documents = %d, want 3", docs.count())
	}
}

func TestSyncBookings_StoredDocument(t *testing.T) {
	remote := newMockRemote(`[{"id":"b-1","contractorId":9,"patient":{"firstname":"Ada","lastname":"Lovelace"},"startTime":"2026-02-18T10:00:00Z","status":"Cancelled"}]`)
	defer remote.close()
	docs := newMockDocs()
	svc := newTestService(bookingsConfig(remote), docs, nil)

	if res := svc.SyncBookings(context.Background()); !res.Success {
		t.Fatalf("sync failed: %v", res.Errors)
	}
	doc := docs.get("bookings", "b-1")
	if doc == nil {
		t.Fatal("document not stored")
	}
	if !doc.LastSynced.Equal(testNow) {
		t.Errorf("LastSynced = %v, want %v", doc.LastSynced, testNow)
	}
	var b model.Booking
	if err := json.Unmarshal(doc.Data, &b); err != nil {
		t.Fatalf("decoding stored booking: %v", err)
	}
	if b.FullName != "Ada Lovelace" || b.Status != model.StatusCancelled || b.ContractorID != "9" {
		t.Errorf("stored booking = %+v", b)
	}
	if !b.LastSynced.Equal(testNow) {
		t.Errorf("data lastSynced = %v", b.LastSynced)
	}
	if len(b.RawData) == 0 {
		t.Error("rawData not kept")
	}
}

func TestUpsert_DuplicateOnCreateRetriedAsUpdate(t *testing.T) {
	remote := newMockRemote(`[{"id":1}]`)
	defer remote.close()
	docs := newMockDocs()
	docs.raceOnCreate = "1"
	svc := newTestService(bookingsConfig(remote), docs, nil)

	res := svc.SyncBookings(context.Background())
	if !res.Success {
		t.Fatalf("errors: %v", res.Errors)
	}
	if res.RecordsCreated != 0 || res.RecordsUpdated != 1 {
		t.Errorf("created=%d updated=%d, want 0 and 1", res.RecordsCreated, res.RecordsUpdated)
	}
	if docs.count() != 1 {
		t.Errorf("documents = %d, want 1", docs.count())
	}
	if string(docs.get("bookings", "1").Data) == "{}" {
		t.Error("racing insert was not overwritten by the update")
	}
}

// ---------------------------------------------------------------------------
// Per-record and pass-level failures
// ---------------------------------------------------------------------------

func TestSyncBookings_MalformedDateIsolated(t *testing.T) {
	remote := newMockRemote(`[{"id":1,"startTime":"2026-01-01T00:00:00Z"},{"id":2,"startTime":"31/31/2026"},{"id":3}]`)
	defer remote.close()
	docs := newMockDocs()
	svc := newTestService(bookingsConfig(remote), docs, nil)

	res := svc.SyncBookings(context.Background())
	if res.Success {
		t.Error("Success = true, want false with one failing record")
	}
	if res.RecordsProcessed != 3 || res.RecordsCreated != 2 {
		t.Errorf("processed=%d created=%d, want 3 and 2", res.RecordsProcessed, res.RecordsCreated)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %v, want exactly one", res.Errors)
	}
	if !strings.HasPrefix(res.Errors[0], "Error processing booking 2: ") {
		t.Errorf("error = %q, want it labelled with external id 2", res.Errors[0])
	}
}

func TestSync_ResponseShapes(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		wantSuccess   bool
		wantProcessed int
		wantErrors    int
	}{
		{"bare array", `[{"id":1},{"id":2}]`, true, 2, 0},
		{"results envelope", `{"results":[{"id":1},{"id":2},{"id":3}],"count":3}`, true, 3, 0},
		{"empty array", `[]`, true, 0, 0},
		{"foreign object", `{"foo":"bar"}`, false, 0, 1},
		{"results not array", `{"results":"nope"}`, false, 0, 1},
		{"scalar", `42`, false, 0, 1},
		{"null", `null`, false, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := newMockRemote(tt.body)
			defer remote.close()
			svc := newTestService(bookingsConfig(remote), newMockDocs(), nil)

			res := svc.Sync(context.Background(), Filter{})
			if res.Success != tt.wantSuccess || res.RecordsProcessed != tt.wantProcessed || len(res.Errors) != tt.wantErrors {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestSync_TransportFailure(t *testing.T) {
	remote := newMockRemote("upstream down")
	defer remote.close()
	remote.setStatus(http.StatusBadGateway)
	svc := newTestService(bookingsConfig(remote), newMockDocs(), nil)

	res := svc.SyncBookings(context.Background())
	if res.Success || res.RecordsProcessed != 0 || len(res.Errors) != 1 {
		t.Fatalf("result = %+v", res)
	}
	want := "API request failed: HTTP error! status: 502, message: upstream down"
	if res.Errors[0] != want {
		t.Errorf("error = %q, want %q", res.Errors[0], want)
	}
}

func TestSync_StoreFailureIsPerRecord(t *testing.T) {
	remote := newMockRemote(`[{"id":1},{"id":2}]`)
	defer remote.close()
	docs := newMockDocs()
	docs.failCreate = errors.New("disk full")
	svc := newTestService(bookingsConfig(remote), docs, nil)

	res := svc.SyncBookings(context.Background())
	if len(res.Errors) != 2 || res.RecordsProcessed != 2 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Errors[1], "Error processing booking 2") || !strings.Contains(res.Errors[1], "disk full") {
		t.Errorf("error = %q", res.Errors[1])
	}
}

func TestSync_CancelledStopsAtRecordBoundary(t *testing.T) {
	remote := newMockRemote(bookingsJSON(5))
	defer remote.close()
	docs := newMockDocs()
	svc := newTestService(bookingsConfig(remote), docs, nil)

	cfg, client := svc.snapshot()
	records, err := fetchRecords(context.Background(), client, getBookings)
	if err != nil {
		t.Fatalf("fetchRecords: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := model.NewSyncResult(testNow)
	counts := svc.process(ctx, cfg, model.KindBookings, records, &res)
	if !counts.cancelled {
		t.Error("process did not report cancellation")
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "cancelled after 0 of 5") {
		t.Errorf("errors = %v", res.Errors)
	}
	if docs.count() != 0 {
		t.Errorf("documents = %d, want 0", docs.count())
	}
}

// ---------------------------------------------------------------------------
// Filtered passes
// ---------------------------------------------------------------------------

func TestSyncBookingsByContractor_Query(t *testing.T) {
	remote := newMockRemote(`{"results":[{"id":1,"contractorId":"c-7"}]}`)
	defer remote.close()
	svc := newTestService(bookingsConfig(remote), newMockDocs(), nil)

	res := svc.SyncBookingsByContractor(context.Background(), "c-7")
	if !res.Success || res.RecordsCreated != 1 {
		t.Fatalf("result = %+v", res)
	}
	if q := remote.lastQuery(); q != "contractorId=c-7" {
		t.Errorf("query = %q", q)
	}
}

func TestSyncPhotosByAlbum(t *testing.T) {
	remote := newMockRemote(photosJSON(2))
	defer remote.close()
	docs := newMockDocs()
	svc := newTestService(photosConfig(remote), docs, nil)

	res := svc.Sync(context.Background(), Filter{ParentID: "3"})
	if !res.Success || res.RecordsCreated != 2 {
		t.Fatalf("result = %+v", res)
	}
	if q := remote.lastQuery(); q != "albumId=3" {
		t.Errorf("query = %q", q)
	}
	if docs.get("gallery", "1") == nil {
		t.Error("photo stored outside the configured collection")
	}

	bad := svc.Sync(context.Background(), Filter{ParentID: "abc"})
	if bad.Success || len(bad.Errors) != 1 {
		t.Errorf("non-numeric album id result = %+v", bad)
	}
}

func TestSync_UnknownKind(t *testing.T) {
	remote := newMockRemote(`[]`)
	defer remote.close()
	cfg := bookingsConfig(remote)
	cfg.CollectionName = "events"
	svc := newTestService(cfg, newMockDocs(), nil)

	res := svc.Sync(context.Background(), Filter{})
	if res.Success || len(res.Errors) != 1 {
		t.Errorf("result = %+v", res)
	}
	if remote.requestCount() != 0 {
		t.Error("remote called for an unresolvable kind")
	}
}

func TestSync_CustomTransform(t *testing.T) {
	remote := newMockRemote(`[{"id":1,"startTime":"garbage"}]`)
	defer remote.close()
	docs := newMockDocs()
	svc := NewService(bookingsConfig(remote), Deps{
		Documents: docs,
		Logger:    testLogger,
		Clock:     testClock,
		Transforms: transform.Set{
			Booking: transform.Custom(func(r model.RemoteBooking) (model.Booking, error) {
				return model.Booking{ExternalID: "ext-" + r.ID.String(), FullName: "custom"}, nil
			}),
		},
	})

	res := svc.SyncBookings(context.Background())
	if !res.Success {
		t.Fatalf("errors: %v", res.Errors)
	}
	if docs.get("bookings", "ext-1") == nil {
		t.Error("custom transform output not stored under its own key")
	}
}

// ---------------------------------------------------------------------------
// Token rotation and managed runs
// ---------------------------------------------------------------------------

func TestUpdateToken_BetweenPasses(t *testing.T) {
	remote := newMockRemote(`[]`)
	defer remote.close()
	svc := newTestService(bookingsConfig(remote), newMockDocs(), nil)

	svc.SyncBookings(context.Background())
	if err := svc.UpdateToken(context.Background(), "token-2"); err != nil {
		t.Fatalf("UpdateToken: %v", err)
	}
	svc.SyncBookings(context.Background())

	got := remote.authHeaders()
	if len(got) != 2 || got[0] != "Bearer token-1" || got[1] != "Bearer token-2" {
		t.Errorf("Authorization headers = %v", got)
	}
	if svc.Config().BearerToken != "token-2" {
		t.Errorf("config token = %q", svc.Config().BearerToken)
	}
}

func TestRun_ReloadsConfigAndRecordsResult(t *testing.T) {
	remote := newMockRemote(bookingsJSON(2))
	defer remote.close()
	st := newMockSettings()
	cfg := bookingsConfig(remote)
	st.put(cfg)
	svc := newTestService(cfg, newMockDocs(), st)

	// Rotate the token in the settings store only; Run must pick it up.
	if err := st.SetToken(context.Background(), "bookings", "rotated"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	res, err := svc.Run(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.RecordsCreated != 2 {
		t.Errorf("result = %+v", res)
	}
	if got := remote.authHeaders(); len(got) != 1 || got[0] != "Bearer rotated" {
		t.Errorf("Authorization headers = %v", got)
	}
	if st.resultCount("bookings") != 1 {
		t.Errorf("recorded results = %d, want 1", st.resultCount("bookings"))
	}
}

func TestRun_RotatedTokenSurvivesReload(t *testing.T) {
	remote := newMockRemote(`[]`)
	defer remote.close()
	st := newMockSettings()
	cfg := bookingsConfig(remote)
	st.put(cfg)
	svc := newTestService(cfg, newMockDocs(), st)
	ctx := context.Background()

	if _, err := svc.Run(ctx, Filter{}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := svc.UpdateToken(ctx, "token-2"); err != nil {
		t.Fatalf("UpdateToken: %v", err)
	}
	if _, err := svc.Run(ctx, Filter{}); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	got := remote.authHeaders()
	if len(got) != 2 || got[0] != "Bearer token-1" || got[1] != "Bearer token-2" {
		t.Errorf("Authorization headers = %v, want token-1 then token-2", got)
	}
	stored, err := st.Load(ctx, "bookings")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stored.BearerToken != "token-2" {
		t.Errorf("stored token = %q, want token-2", stored.BearerToken)
	}
}

func TestUpdateToken_PersistFailureKeepsToken(t *testing.T) {
	remote := newMockRemote(`[]`)
	defer remote.close()
	svc := newTestService(bookingsConfig(remote), newMockDocs(), newMockSettings())

	err := svc.UpdateToken(context.Background(), "token-2")
	if !errors.Is(err, settings.ErrNotFound) {
		t.Fatalf("UpdateToken error = %v, want settings.ErrNotFound", err)
	}
	if got := svc.Config().BearerToken; got != "token-1" {
		t.Errorf("token = %q after failed rotation, want token-1", got)
	}
}

func TestRun_BusyWhilePassInFlight(t *testing.T) {
	remote := newMockRemote(`[]`)
	block := make(chan struct{})
	remote.mu.Lock()
	remote.block = block
	remote.mu.Unlock()
	defer remote.close()

	st := newMockSettings()
	cfg := bookingsConfig(remote)
	st.put(cfg)
	svc := newTestService(cfg, newMockDocs(), st)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Run(context.Background(), Filter{})
		done <- err
	}()
	waitFor(t, func() bool { return remote.requestCount() == 1 })

	if !svc.Busy() {
		t.Error("Busy = false during a pass")
	}
	if _, err := svc.Run(context.Background(), Filter{}); !errors.Is(err, ErrBusy) {
		t.Errorf("overlapping Run error = %v, want ErrBusy", err)
	}
	var events eventLog
	if _, err := svc.RunStream(context.Background(), Filter{}, StreamOptions{}, events.emit); !errors.Is(err, ErrBusy) {
		t.Errorf("overlapping RunStream error = %v, want ErrBusy", err)
	}
	if types := events.types(); len(types) != 1 || types[0] != model.EventError {
		t.Errorf("RunStream events = %v, want one error", types)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if st.resultCount("bookings") != 1 {
		t.Errorf("recorded results = %d, want 1", st.resultCount("bookings"))
	}
	if remote.requestCount() != 1 {
		t.Errorf("remote requests = %d, want 1", remote.requestCount())
	}
	if svc.Busy() {
		t.Error("Busy = true after the pass finished")
	}
}

func TestRun_MissingConfig(t *testing.T) {
	remote := newMockRemote(`[]`)
	defer remote.close()
	st := newMockSettings()
	svc := newTestService(bookingsConfig(remote), newMockDocs(), st)

	if _, err := svc.Run(context.Background(), Filter{}); err == nil {
		t.Fatal("Run should fail when no settings document exists")
	}
	if remote.requestCount() != 0 {
		t.Error("remote called without configuration")
	}
}

func TestRun_WithoutSettingsUsesInMemoryConfig(t *testing.T) {
	remote := newMockRemote(`[{"id":1}]`)
	defer remote.close()
	svc := newTestService(bookingsConfig(remote), newMockDocs(), nil)

	res, err := svc.Run(context.Background(), Filter{})
	if err != nil || !res.Success {
		t.Fatalf("Run = %+v, %v", res, err)
	}
}

func TestUpdateConfig_KeepsCollection(t *testing.T) {
	remote := newMockRemote(`[]`)
	defer remote.close()
	svc := newTestService(bookingsConfig(remote), newMockDocs(), nil)

	cfg := svc.Config()
	cfg.CollectionName = ""
	cfg.Endpoint = "v2/bookings"
	svc.UpdateConfig(cfg)

	if svc.Collection() != "bookings" {
		t.Errorf("Collection = %q", svc.Collection())
	}
	if svc.Config().Endpoint != "v2/bookings" {
		t.Errorf("Endpoint = %q", svc.Config().Endpoint)
	}
}

func TestConfig_ReturnsCopy(t *testing.T) {
	remote := newMockRemote(`[]`)
	defer remote.close()
	cfg := bookingsConfig(remote)
	cfg.FieldMapping = map[string]string{"a": "b"}
	svc := newTestService(cfg, newMockDocs(), nil)

	snap := svc.Config()
	snap.FieldMapping["a"] = "mutated"
	if svc.Config().FieldMapping["a"] != "b" {
		t.Error("Config snapshot aliases internal state")
	}
}

var _ DocumentStore = (*state.Store)(nil)
