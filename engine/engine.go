// Package engine owns the cache of loaded models and runs interrogations
// against it.
//
//   - engine.go: Engine, Options and construction.
//   - handle.go: cached handles, single-flight loading and release.
//   - evict.go: unloading and LRU eviction under the memory budget.
//   - interrogate.go: the interrogation path and score splitting.
//   - status.go: snapshots of the cache.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/krau/multitagger/backend"
	"github.com/krau/multitagger/model"
	"github.com/krau/multitagger/preprocess"
	"github.com/krau/multitagger/registry"
	"github.com/krau/multitagger/taxonomy"
)

var (
	ErrModelNotFound    = registry.ErrModelNotFound
	ErrTaxonomyLoad     = taxonomy.ErrLoad
	ErrBackendLoad      = backend.ErrLoad
	ErrInvalidImage     = preprocess.ErrInvalidImage
	ErrInference        = backend.ErrInference
	ErrInferenceTimeout = errors.New("inference timed out")
	ErrInvalidThreshold = errors.New("threshold must be within [0, 1]")
)

// Models resolves model names and makes model files available locally.
// *registry.Registry implements it.
type Models interface {
	Resolve(name string) (model.Descriptor, error)
	Fetch(ctx context.Context, desc model.Descriptor) (model.Descriptor, error)
}

type Options struct {
	// MemoryBudget bounds the summed footprint of loaded models, in bytes.
	// Zero disables eviction.
	MemoryBudget int64
	// InferenceTimeout bounds one adapter call. Zero disables it.
	InferenceTimeout time.Duration
	// SerializeInference runs at most one inference per model at a time,
	// even for sessions that report being safe for concurrent use.
	SerializeInference bool
	Logger             *slog.Logger
}

type Engine struct {
	models   Models
	adapters map[model.Kind]backend.Adapter
	opts     Options
	logger   *slog.Logger

	loads singleflight.Group

	mu      sync.Mutex
	handles map[string]*handle
	now     func() time.Time
}

func New(models Models, adapters map[model.Kind]backend.Adapter, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		models:   models,
		adapters: adapters,
		opts:     opts,
		logger:   logger,
		handles:  make(map[string]*handle),
		now:      time.Now,
	}
}

// Preload loads name into the cache without running inference.
func (e *Engine) Preload(ctx context.Context, name string) error {
	desc, err := e.resolve(name)
	if err != nil {
		return err
	}
	h, err := e.acquire(ctx, desc)
	if err != nil {
		return err
	}
	e.release(h)
	return nil
}

// resolve looks name up in the catalog. A loaded model that disappeared
// from the catalog on a rescan keeps serving under its loaded descriptor.
func (e *Engine) resolve(name string) (model.Descriptor, error) {
	desc, err := e.models.Resolve(name)
	if err == nil || !errors.Is(err, ErrModelNotFound) {
		return desc, err
	}
	e.mu.Lock()
	h, ok := e.handles[name]
	e.mu.Unlock()
	if !ok {
		return desc, err
	}
	return h.desc, nil
}

// Close unloads every model.
func (e *Engine) Close() {
	n := e.UnloadAll()
	e.logger.Info("Engine closed", slog.Int("unloaded", n))
}
