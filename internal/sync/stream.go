package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/njoerd114/apisync/internal/model"
)

// Default batch pacing for streaming passes.
const (
	DefaultBatchSize  = 100
	DefaultBatchDelay = 50 * time.Millisecond
)

// StreamOptions control batch pacing of [Service.SyncStream]. Zero fields
// fall back to the service defaults.
type StreamOptions struct {
	BatchSize  int
	BatchDelay time.Duration
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchDelay < 0 {
		o.BatchDelay = 0
	} else if o.BatchDelay == 0 {
		o.BatchDelay = DefaultBatchDelay
	}
	return o
}

// orDefault fills zero fields of o from def.
func (o StreamOptions) orDefault(def StreamOptions) StreamOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.BatchDelay == 0 {
		o.BatchDelay = def.BatchDelay
	}
	if o.BatchDelay < 0 {
		o.BatchDelay = 0
	}
	return o
}

// SyncStream runs a pass in batches, calling emit with progress events as
// they occur. The remote collection is fetched once; a pause of BatchDelay
// separates consecutive batches. The event sequence is start, fetch, fetched,
// processing, then a batch_start/batch_complete pair per batch, terminated by
// exactly one complete or error event. emit is called from the calling
// goroutine.
func (s *Service) SyncStream(ctx context.Context, f Filter, opts StreamOptions, emit func(model.Event)) model.SyncResult {
	opts = opts.orDefault(s.stream)
	result := model.NewSyncResult(s.now())
	collection := s.Collection()

	fail := func(msg string) model.SyncResult {
		result.AddError(msg)
		emit(model.ErrorEvent{
			Header: model.Header{Type: model.EventError, Message: "Sync failed: " + msg},
			Error:  msg,
		})
		return result.Finish()
	}

	emit(model.StartEvent{
		Header:     model.Header{Type: model.EventStart, Message: fmt.Sprintf("Starting sync for %s", collection)},
		Collection: collection,
	})

	kind, fetch, err := s.plan(f)
	if err != nil {
		return fail(err.Error())
	}
	cfg, client := s.snapshot()

	emit(model.FetchEvent{Header: model.Header{Type: model.EventFetch, Message: "Fetching records from API"}})
	records, err := fetchRecords(ctx, client, fetch)
	if err != nil {
		s.log.Warn("streaming sync aborted", "error", err)
		return fail(err.Error())
	}
	total := len(records)
	result.RecordsProcessed = total

	emit(model.FetchedEvent{
		Header:       model.Header{Type: model.EventFetched, Message: fmt.Sprintf("Fetched %d records", total)},
		TotalRecords: total,
	})

	totalBatches := (total + opts.BatchSize - 1) / opts.BatchSize
	emit(model.ProcessingEvent{
		Header:       model.Header{Type: model.EventProcessing, Message: fmt.Sprintf("Processing %d records in %d batches", total, totalBatches)},
		TotalRecords: total,
		BatchSize:    opts.BatchSize,
		TotalBatches: totalBatches,
	})

	var processed int
	for batch := 1; batch <= totalBatches; batch++ {
		start := (batch - 1) * opts.BatchSize
		end := min(start+opts.BatchSize, total)
		chunk := records[start:end]

		emit(model.BatchStartEvent{
			Header:         model.Header{Type: model.EventBatchStart, Message: fmt.Sprintf("Processing batch %d/%d", batch, totalBatches)},
			Batch:          batch,
			TotalBatches:   totalBatches,
			RecordsInBatch: len(chunk),
			TotalProcessed: processed,
			TotalRecords:   total,
		})

		counts := s.process(ctx, cfg, kind, chunk, &result)
		if counts.cancelled {
			return fail(result.Errors[len(result.Errors)-1])
		}
		processed += len(chunk)

		emit(model.BatchCompleteEvent{
			Header:         model.Header{Type: model.EventBatchComplete, Message: fmt.Sprintf("Completed batch %d/%d", batch, totalBatches)},
			Batch:          batch,
			TotalBatches:   totalBatches,
			RecordsInBatch: len(chunk),
			TotalProcessed: processed,
			TotalRecords:   total,
			CreatedCount:   result.RecordsCreated,
			UpdatedCount:   result.RecordsUpdated,
			ErrorCount:     len(result.Errors),
		})

		if batch < totalBatches && opts.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return fail(fmt.Sprintf("sync cancelled after %d of %d records: %v", processed, total, ctx.Err()))
			case <-time.After(opts.BatchDelay):
			}
		}
	}

	result = result.Finish()
	emit(model.CompleteEvent{
		Header:         model.Header{Type: model.EventComplete, Message: fmt.Sprintf("Sync complete: %d created, %d updated, %d errors", result.RecordsCreated, result.RecordsUpdated, len(result.Errors))},
		SyncResult:     result,
		CreatedCount:   result.RecordsCreated,
		UpdatedCount:   result.RecordsUpdated,
		TotalProcessed: processed,
	})
	return result
}

// RunStream is the managed form of [Service.SyncStream]: it reloads the
// configuration first and persists the outcome afterwards. A busy service or
// a configuration load failure is reported as a single error event.
func (s *Service) RunStream(ctx context.Context, f Filter, opts StreamOptions, emit func(model.Event)) (model.SyncResult, error) {
	if !s.acquire() {
		emit(model.ErrorEvent{
			Header: model.Header{Type: model.EventError, Message: "Sync failed: " + ErrBusy.Error()},
			Error:  ErrBusy.Error(),
		})
		return model.SyncResult{}, ErrBusy
	}
	defer s.release()

	if err := s.Reload(ctx); err != nil {
		emit(model.ErrorEvent{
			Header: model.Header{Type: model.EventError, Message: "Sync failed: " + err.Error()},
			Error:  err.Error(),
		})
		return model.SyncResult{}, err
	}

	ctx, span := s.startSpan(ctx, f)
	defer span.End()

	result := s.SyncStream(ctx, f, opts, emit)
	return result, s.finish(ctx, span, result)
}
