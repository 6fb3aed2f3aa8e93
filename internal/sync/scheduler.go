package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrorHandler receives scheduler tick failures.
type ErrorHandler func(collection string, err error)

// Scheduler re-runs a [Service] at its configured interval. Create one with
// [NewScheduler] and start it with [Scheduler.Run].
//
// A tick that fires while any managed pass of the collection is running,
// scheduled or triggered elsewhere, is skipped. A
// failing or panicking tick is recorded as error status and reported to the
// error handler; it never stops the timer.
type Scheduler struct {
	svc     *Service
	onError ErrorHandler
	log     *slog.Logger
	inst    instruments

	wg sync.WaitGroup
}

// NewScheduler creates a Scheduler for svc. onError may be nil.
func NewScheduler(svc *Service, onError ErrorHandler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		svc:     svc,
		onError: onError,
		log:     logger.With("collection", svc.Collection()),
		inst:    svc.inst,
	}
}

// Run starts the ticker loop. It blocks until ctx is cancelled and any
// in-flight pass has finished.
func (sc *Scheduler) Run(ctx context.Context) error {
	interval := sc.svc.Config().SyncInterval
	if interval <= 0 {
		return fmt.Errorf("collection %q: sync interval must be positive, got %v", sc.svc.Collection(), interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	sc.log.Info("auto-sync scheduler started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			sc.wg.Wait()
			sc.log.Info("auto-sync scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			sc.Tick(ctx)

			// Pick up interval changes applied by the previous pass's reload.
			if next := sc.svc.Config().SyncInterval; next > 0 && next != interval {
				sc.log.Info("auto-sync interval changed", "from", interval, "to", next)
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Tick starts one pass in the background unless the service already has one
// in flight. It reports whether a pass was started.
func (sc *Scheduler) Tick(ctx context.Context) bool {
	if !sc.svc.acquire() {
		sc.inst.cntTickSkips.Add(ctx, 1)
		sc.log.Warn("previous sync still running, skipping tick")
		return false
	}

	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		defer sc.svc.release()
		sc.runTick(ctx)
	}()
	return true
}

// Wait blocks until the in-flight pass, if any, has finished.
func (sc *Scheduler) Wait() { sc.wg.Wait() }

func (sc *Scheduler) runTick(ctx context.Context) {
	ctx, span := sc.inst.tracer.Start(ctx, spanTick, trace.WithAttributes(
		attribute.String("sync.collection", sc.svc.Collection()),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("sync panicked: %v", r)
			span.RecordError(err)
			sc.fail(ctx, err)
		}
	}()

	if err := sc.svc.Reload(ctx); err != nil {
		span.RecordError(err)
		sc.fail(ctx, err)
		return
	}
	if !sc.svc.Config().AutoSyncEnabled() {
		sc.log.Debug("auto-sync disabled, skipping tick")
		return
	}

	result, err := sc.svc.execute(ctx, Filter{})
	if err != nil {
		span.RecordError(err)
		sc.fail(ctx, err)
		return
	}
	if !result.Success {
		sc.log.Warn("auto-sync finished with errors", "errors", len(result.Errors))
	}
}

// fail records err as the collection's sync status and forwards it to the
// error handler.
func (sc *Scheduler) fail(ctx context.Context, err error) {
	collection := sc.svc.Collection()
	sc.inst.cntTickErrors.Add(ctx, 1)
	sc.log.Error("auto-sync tick failed", "error", err)

	if sc.svc.settings != nil {
		if rerr := sc.svc.settings.RecordFailure(context.WithoutCancel(ctx), collection, err.Error()); rerr != nil {
			sc.log.Error("recording sync failure", "error", rerr)
		}
	}
	if sc.onError != nil {
		sc.onError(collection, err)
	}
}
