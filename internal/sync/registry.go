package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/njoerd114/apisync/internal/model"
	"github.com/njoerd114/apisync/internal/settings"
)

// ErrUnknownCollection is returned for collections the registry does not know.
var ErrUnknownCollection = errors.New("unknown collection")

// Registry maps collection names to their live [Service]. It is owned by the
// application root and holds at most one Service per collection.
type Registry struct {
	deps    Deps
	onError ErrorHandler
	log     *slog.Logger

	mu         sync.Mutex
	services   map[string]*Service
	schedulers map[string]*Scheduler
	manual     bool
	wg         sync.WaitGroup
}

// NewRegistry creates an empty Registry. Every Service it constructs shares
// deps; onError receives scheduler tick failures and may be nil.
func NewRegistry(deps Deps, onError ErrorHandler) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		deps:       deps,
		onError:    onError,
		log:        logger,
		services:   make(map[string]*Service),
		schedulers: make(map[string]*Scheduler),
	}
}

// DisableSchedulers stops Initialize from starting auto-sync schedulers. Use it
// for one-shot processes that trigger passes themselves.
func (r *Registry) DisableSchedulers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manual = true
}

// Get returns the Service for name.
func (r *Registry) Get(name string) (*Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Lookup is like [Registry.Get] but returns [ErrUnknownCollection].
func (r *Registry) Lookup(name string) (*Service, error) {
	svc, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("collection %q: %w", name, ErrUnknownCollection)
	}
	return svc, nil
}

// Names returns the registered collection names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Initialize returns the Service for name, constructing it if absent.
//
// The persisted settings document wins over seed. When no document exists,
// seed is written as the initial document; when neither exists Initialize
// fails. The auto-sync scheduler is started under ctx when the resulting
// configuration enables it.
func (r *Registry) Initialize(ctx context.Context, name string, seed *model.SyncConfig) (*Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if svc, ok := r.services[name]; ok {
		return svc, nil
	}
	if err := model.ValidateCollectionName(name); err != nil {
		return nil, err
	}

	cfg, err := r.resolveConfig(ctx, name, seed)
	if err != nil {
		return nil, err
	}
	cfg.CollectionName = name
	if _, err := cfg.ResolvedKind(); err != nil {
		return nil, fmt.Errorf("collection %q: %w", name, err)
	}

	svc := NewService(cfg, r.deps)
	r.services[name] = svc
	r.log.Info("sync service initialized", "collection", name, "auto_sync", cfg.AutoSyncEnabled())

	if cfg.AutoSyncEnabled() && !r.manual {
		sched := NewScheduler(svc, r.onError, r.log)
		r.schedulers[name] = sched
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			_ = sched.Run(ctx)
		}()
	}
	return svc, nil
}

func (r *Registry) resolveConfig(ctx context.Context, name string, seed *model.SyncConfig) (model.SyncConfig, error) {
	if r.deps.Settings == nil {
		if seed == nil {
			return model.SyncConfig{}, fmt.Errorf("collection %q: no configuration", name)
		}
		return seed.Clone(), nil
	}

	cfg, err := r.deps.Settings.Load(ctx, name)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, settings.ErrNotFound) {
		return model.SyncConfig{}, fmt.Errorf("loading configuration for %q: %w", name, err)
	}
	if seed == nil {
		return model.SyncConfig{}, fmt.Errorf("collection %q: no configuration: %w", name, err)
	}

	cfg = seed.Clone()
	cfg.CollectionName = name
	if _, err := r.deps.Settings.Seed(ctx, cfg); err != nil {
		return model.SyncConfig{}, fmt.Errorf("seeding configuration for %q: %w", name, err)
	}
	r.log.Info("seeded sync configuration", "collection", name)
	return cfg, nil
}

// Scheduler returns the running scheduler for name, if any.
func (r *Registry) Scheduler(name string) (*Scheduler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sched, ok := r.schedulers[name]
	return sched, ok
}

// Wait blocks until every scheduler started by Initialize has exited. The
// schedulers exit when the context passed to Initialize is cancelled.
func (r *Registry) Wait() {
	r.wg.Wait()
}
