package engine

import (
	"log/slog"
	"slices"
)

// Unload removes name from the cache. A handle still serving a request is
// closed when that request finishes. It reports whether name was loaded.
func (e *Engine) Unload(name string) bool {
	e.mu.Lock()
	h, ok := e.handles[name]
	if !ok {
		e.mu.Unlock()
		return false
	}
	closeNow := e.retireLocked(h)
	e.mu.Unlock()
	if closeNow {
		e.close(h)
	}
	return true
}

// UnloadAll empties the cache and returns how many models were loaded.
func (e *Engine) UnloadAll() int {
	e.mu.Lock()
	var idle []*handle
	n := len(e.handles)
	for _, h := range e.handles {
		if e.retireLocked(h) {
			idle = append(idle, h)
		}
	}
	e.mu.Unlock()
	for _, h := range idle {
		e.close(h)
	}
	return n
}

// discard drops h after its session broke, unless it was already replaced.
func (e *Engine) discard(h *handle) {
	e.mu.Lock()
	if e.handles[h.name] != h {
		e.mu.Unlock()
		return
	}
	closeNow := e.retireLocked(h)
	e.mu.Unlock()
	e.logger.Warn("Model session discarded", slog.String("model", h.name))
	if closeNow {
		e.close(h)
	}
}

// retireLocked removes h from the cache and reports whether it is idle and
// can be closed right away.
func (e *Engine) retireLocked(h *handle) bool {
	delete(e.handles, h.name)
	h.retired = true
	return h.inflight == 0
}

// makeRoom evicts least recently used idle handles until need more bytes
// fit in the memory budget. keep is never evicted.
func (e *Engine) makeRoom(need int64, keep string) {
	budget := e.opts.MemoryBudget
	if budget <= 0 {
		return
	}

	e.mu.Lock()
	var used int64
	candidates := make([]*handle, 0, len(e.handles))
	for _, h := range e.handles {
		used += h.footprint
		if h.name != keep && h.inflight == 0 {
			candidates = append(candidates, h)
		}
	}
	slices.SortFunc(candidates, func(a, b *handle) int {
		return a.lastUsed.Compare(b.lastUsed)
	})
	var victims []*handle
	for _, h := range candidates {
		if used+need <= budget {
			break
		}
		e.retireLocked(h)
		used -= h.footprint
		victims = append(victims, h)
	}
	e.mu.Unlock()

	if used+need > budget {
		e.logger.Warn("Memory budget exceeded",
			slog.Int64("budget", budget),
			slog.Int64("used", used),
			slog.Int64("need", need))
	}
	for _, h := range victims {
		e.logger.Info("Evicting model", slog.String("model", h.name), slog.Int64("footprint", h.footprint))
		e.close(h)
	}
}
