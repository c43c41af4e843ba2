package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/krau/multitagger/backend"
	"github.com/krau/multitagger/model"
	"github.com/krau/multitagger/taxonomy"
)

// handle is a loaded model. Only the engine holds handles; callers hold
// one for the duration of a single inference.
type handle struct {
	name      string
	desc      model.Descriptor
	adapter   backend.Adapter
	session   backend.Session
	labels    []taxonomy.Label
	footprint int64
	loadedAt  time.Time
	serialize bool

	// run is held for the whole adapter call when serialize is set.
	run sync.Mutex

	// guarded by Engine.mu
	lastUsed time.Time
	inflight int
	retired  bool
}

// acquire returns the cached handle for desc, loading it on a miss. The
// returned handle must be released.
func (e *Engine) acquire(ctx context.Context, desc model.Descriptor) (*handle, error) {
	for {
		e.mu.Lock()
		if h, ok := e.handles[desc.Name]; ok {
			h.inflight++
			h.lastUsed = e.now()
			e.mu.Unlock()
			return h, nil
		}
		e.mu.Unlock()

		// the load is shared by every waiter, so it must outlive the caller
		// that happened to start it
		ch := e.loads.DoChan(desc.Name, func() (any, error) {
			return nil, e.load(context.WithoutCancel(ctx), desc)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		}
	}
}

func (e *Engine) release(h *handle) {
	e.mu.Lock()
	h.inflight--
	closeNow := h.retired && h.inflight == 0
	e.mu.Unlock()
	if closeNow {
		e.close(h)
	}
}

func (e *Engine) load(ctx context.Context, desc model.Descriptor) error {
	e.mu.Lock()
	_, ok := e.handles[desc.Name]
	e.mu.Unlock()
	if ok {
		return nil
	}

	adapter, ok := e.adapters[desc.Kind]
	if !ok {
		return fmt.Errorf("%w: no backend for %s models", backend.ErrLoad, desc.Kind)
	}

	local, err := e.models.Fetch(ctx, desc)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", backend.ErrLoad, desc.Name, err)
	}

	labels, err := taxonomy.Load(local.LabelPath)
	if err != nil {
		return err
	}
	if local.CharacterPath != "" {
		if labels, err = taxonomy.WithCharacters(labels, local.CharacterPath); err != nil {
			return err
		}
	}

	e.makeRoom(backend.SizeOf(local.ModelPath), desc.Name)

	start := e.now()
	session, err := adapter.Load(ctx, local)
	if err != nil {
		if !errors.Is(err, backend.ErrLoad) {
			err = fmt.Errorf("%w: %s: %w", backend.ErrLoad, desc.Name, err)
		}
		return err
	}

	h := &handle{
		name:      desc.Name,
		desc:      local,
		adapter:   adapter,
		session:   session,
		labels:    labels,
		footprint: session.Footprint(),
		loadedAt:  e.now(),
		serialize: e.opts.SerializeInference || !session.Concurrent(),
	}
	h.lastUsed = h.loadedAt

	e.mu.Lock()
	e.handles[desc.Name] = h
	e.mu.Unlock()

	e.logger.Info("Model loaded",
		slog.String("model", desc.Name),
		slog.String("target", string(session.Target())),
		slog.Int("labels", len(labels)),
		slog.Int64("footprint", h.footprint),
		slog.Duration("took", e.now().Sub(start)))

	e.makeRoom(0, desc.Name)
	return nil
}

func (e *Engine) close(h *handle) {
	if err := h.adapter.Unload(h.session); err != nil {
		e.logger.Error("Failed to unload model", slog.String("model", h.name), slog.String("error", err.Error()))
		return
	}
	e.logger.Info("Model unloaded", slog.String("model", h.name))
}
