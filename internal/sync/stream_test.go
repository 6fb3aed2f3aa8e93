package sync

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/njoerd114/apisync/internal/model"
)

type eventLog struct {
	events []model.Event
}

func (l *eventLog) emit(e model.Event) { l.events = append(l.events, e) }

func (l *eventLog) types() []model.EventType {
	out := make([]model.EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.EventType()
	}
	return out
}

func TestSyncStream_BatchesAndComplete(t *testing.T) {
	remote := newMockRemote(photosJSON(250))
	defer remote.close()
	docs := newMockDocs()
	svc := newTestService(photosConfig(remote), docs, nil)

	var log eventLog
	res := svc.SyncStream(context.Background(), Filter{}, StreamOptions{BatchSize: 100, BatchDelay: time.Millisecond}, log.emit)
	if !res.Success || res.RecordsProcessed != 250 {
		t.Fatalf("result = %+v", res)
	}

	want := []model.EventType{
		model.EventStart, model.EventFetch, model.EventFetched, model.EventProcessing,
		model.EventBatchStart, model.EventBatchComplete,
		model.EventBatchStart, model.EventBatchComplete,
		model.EventBatchStart, model.EventBatchComplete,
		model.EventComplete,
	}
	got := log.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	sizes := []int{}
	for _, e := range log.events {
		if bs, ok := e.(model.BatchStartEvent); ok {
			sizes = append(sizes, bs.RecordsInBatch)
			if bs.TotalBatches != 3 || bs.TotalRecords != 250 {
				t.Errorf("batch_start = %+v", bs)
			}
		}
	}
	if len(sizes) != 3 || sizes[0] != 100 || sizes[1] != 100 || sizes[2] != 50 {
		t.Errorf("batch sizes = %v, want [100 100 50]", sizes)
	}

	last, ok := log.events[len(log.events)-1].(model.CompleteEvent)
	if !ok {
		t.Fatalf("last event = %T, want CompleteEvent", log.events[len(log.events)-1])
	}
	if last.CreatedCount+last.UpdatedCount != 250 {
		t.Errorf("created+updated = %d, want 250", last.CreatedCount+last.UpdatedCount)
	}
	if last.TotalProcessed != 250 || !last.Success {
		t.Errorf("complete = %+v", last)
	}
	if docs.count() != 250 {
		t.Errorf("documents = %d, want 250", docs.count())
	}
}

func TestSyncStream_RunningCounters(t *testing.T) {
	remote := newMockRemote(photosJSON(3))
	defer remote.close()
	svc := newTestService(photosConfig(remote), newMockDocs(), nil)

	svc.SyncStream(context.Background(), Filter{}, StreamOptions{BatchSize: 2, BatchDelay: -1}, func(model.Event) {})

	var log eventLog
	svc.SyncStream(context.Background(), Filter{}, StreamOptions{BatchSize: 2, BatchDelay: -1}, log.emit)

	var completes []model.BatchCompleteEvent
	for _, e := range log.events {
		if bc, ok := e.(model.BatchCompleteEvent); ok {
			completes = append(completes, bc)
		}
	}
	if len(completes) != 2 {
		t.Fatalf("batch_complete events = %d, want 2", len(completes))
	}
	if completes[0].UpdatedCount != 2 || completes[0].TotalProcessed != 2 {
		t.Errorf("first batch = %+v", completes[0])
	}
	if completes[1].UpdatedCount != 3 || completes[1].TotalProcessed != 3 || completes[1].CreatedCount != 0 {
		t.Errorf("second batch = %+v", completes[1])
	}
}

func TestSyncStream_FetchFailureEmitsError(t *testing.T) {
	remote := newMockRemote("nope")
	defer remote.close()
	remote.setStatus(http.StatusNotFound)
	svc := newTestService(photosConfig(remote), newMockDocs(), nil)

	var log eventLog
	res := svc.SyncStream(context.Background(), Filter{}, StreamOptions{}, log.emit)
	if res.Success || len(res.Errors) != 1 {
		t.Fatalf("result = %+v", res)
	}

	got := log.types()
	want := []model.EventType{model.EventStart, model.EventFetch, model.EventError}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	ev := log.events[2].(model.ErrorEvent)
	if ev.Error != res.Errors[0] {
		t.Errorf("error event = %q, result error = %q", ev.Error, res.Errors[0])
	}
}

func TestSyncStream_EmptyCollection(t *testing.T) {
	remote := newMockRemote(`{"results":[]}`)
	defer remote.close()
	svc := newTestService(bookingsConfig(remote), newMockDocs(), nil)

	var log eventLog
	res := svc.SyncStream(context.Background(), Filter{}, StreamOptions{}, log.emit)
	if !res.Success {
		t.Fatalf("empty stream should succeed: %v", res.Errors)
	}
	got := log.types()
	if len(got) != 5 || got[4] != model.EventComplete {
		t.Errorf("events = %v", got)
	}
}

func TestSyncStream_CancelDuringDelay(t *testing.T) {
	remote := newMockRemote(photosJSON(4))
	defer remote.close()
	svc := newTestService(photosConfig(remote), newMockDocs(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	var log eventLog
	emit := func(e model.Event) {
		log.emit(e)
		if e.EventType() == model.EventBatchComplete {
			cancel()
		}
	}
	res := svc.SyncStream(ctx, Filter{}, StreamOptions{BatchSize: 2, BatchDelay: time.Hour}, emit)
	if res.Success {
		t.Error("cancelled stream reported success")
	}
	last := log.events[len(log.events)-1]
	if last.EventType() != model.EventError {
		t.Errorf("last event = %q, want error", last.EventType())
	}
	terminal := 0
	for _, e := range log.events {
		if e.EventType() == model.EventComplete || e.EventType() == model.EventError {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("terminal events = %d, want exactly 1", terminal)
	}
}

func TestRunStream_RecordsResult(t *testing.T) {
	remote := newMockRemote(photosJSON(5))
	defer remote.close()
	st := newMockSettings()
	cfg := photosConfig(remote)
	st.put(cfg)
	svc := newTestService(cfg, newMockDocs(), st)

	res, err := svc.RunStream(context.Background(), Filter{}, StreamOptions{BatchSize: 2}, func(model.Event) {})
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}
	if !res.Success || res.RecordsCreated != 5 {
		t.Errorf("result = %+v", res)
	}
	if st.resultCount("gallery") != 1 {
		t.Errorf("recorded results = %d, want 1", st.resultCount("gallery"))
	}
}

func TestStreamOptions_Defaults(t *testing.T) {
	got := StreamOptions{}.withDefaults()
	if got.BatchSize != DefaultBatchSize || got.BatchDelay != DefaultBatchDelay {
		t.Errorf("withDefaults = %+v", got)
	}
	if d := (StreamOptions{BatchDelay: -1}).withDefaults().BatchDelay; d != 0 {
		t.Errorf("negative delay should disable pacing, got %v", d)
	}
	merged := StreamOptions{BatchSize: 7}.orDefault(StreamOptions{BatchSize: 100, BatchDelay: time.Second})
	if merged.BatchSize != 7 || merged.BatchDelay != time.Second {
		t.Errorf("orDefault = %+v", merged)
	}
}
