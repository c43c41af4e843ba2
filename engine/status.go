package engine

import (
	"cmp"
	"slices"
	"time"
)

type ModelStatus struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Target    string    `json:"target"`
	Labels    int       `json:"labels"`
	Footprint int64     `json:"footprint"`
	InFlight  int       `json:"in_flight"`
	LoadedAt  time.Time `json:"loaded_at"`
	LastUsed  time.Time `json:"last_used"`
}

// Status lists the loaded models ordered by name.
func (e *Engine) Status() []ModelStatus {
	e.mu.Lock()
	out := make([]ModelStatus, 0, len(e.handles))
	for _, h := range e.handles {
		out = append(out, ModelStatus{
			Name:      h.name,
			Kind:      string(h.desc.Kind),
			Target:    string(h.session.Target()),
			Labels:    len(h.labels),
			Footprint: h.footprint,
			InFlight:  h.inflight,
			LoadedAt:  h.loadedAt,
			LastUsed:  h.lastUsed,
		})
	}
	e.mu.Unlock()
	slices.SortFunc(out, func(a, b ModelStatus) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Loaded reports whether name is in the cache.
func (e *Engine) Loaded(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.handles[name]
	return ok
}

type TagScore struct {
	Tag   string  `json:"tag"`
	Score float32 `json:"score"`
}

// Ranked orders scores by confidence, highest first, for presentation.
func Ranked(scores map[string]float32) []TagScore {
	items := make([]TagScore, 0, len(scores))
	for tag, score := range scores {
		items = append(items, TagScore{Tag: tag, Score: score})
	}
	slices.SortFunc(items, func(a, b TagScore) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Tag, b.Tag)
	})
	return items
}
