package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/krau/multitagger/backend"
	"github.com/krau/multitagger/preprocess"
	"github.com/krau/multitagger/taxonomy"
)

// Result holds the scores of one image. Err is set, and the maps are nil,
// when that image could not be decoded.
type Result struct {
	Ratings    map[string]float32 `json:"ratings"`
	Characters map[string]float32 `json:"characters"`
	Tags       map[string]float32 `json:"tags"`
	Err        error              `json:"-"`
}

// Interrogate tags every image with model name. Results are in input
// order. Images that cannot be decoded get a Result with Err set and do not
// fail the call. Ratings are always reported; characters and tags are
// kept when their score is at least threshold.
func (e *Engine) Interrogate(ctx context.Context, name string, images [][]byte, threshold float32) ([]Result, error) {
	if math.IsNaN(float64(threshold)) || threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold)
	}
	desc, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(images))
	if len(images) == 0 {
		return results, nil
	}

	decoded := make([]image.Image, len(images))
	valid := 0
	for i, data := range images {
		img, err := preprocess.Decode(data)
		if err != nil {
			results[i].Err = err
			continue
		}
		decoded[i] = img
		valid++
	}
	if valid == 0 {
		return results, nil
	}

	h, err := e.acquire(ctx, desc)
	if err != nil {
		return nil, err
	}

	spec := h.session.Input()
	rows := make([][]float32, 0, valid)
	slots := make([]int, 0, valid)
	for i, img := range decoded {
		if img == nil {
			continue
		}
		row, err := preprocess.Prepare(img, spec)
		if err != nil {
			if errors.Is(err, preprocess.ErrInvalidImage) {
				results[i].Err = err
				continue
			}
			e.release(h)
			return nil, err
		}
		rows = append(rows, row)
		slots = append(slots, i)
	}
	if len(rows) == 0 {
		e.release(h)
		return results, nil
	}

	scores, err := e.infer(ctx, h, preprocess.Stack(rows, spec))
	if err != nil {
		return nil, err
	}
	for j, slot := range slots {
		res, err := split(h.labels, scores[j], threshold, h.desc.Sigmoid)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", backend.ErrInference, name, err)
		}
		results[slot] = res
	}
	return results, nil
}

// infer runs the adapter call and releases h once it returns, which may be
// after infer itself returned on timeout.
func (e *Engine) infer(ctx context.Context, h *handle, batch preprocess.Batch) ([][]float32, error) {
	callCtx := ctx
	if e.opts.InferenceTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.opts.InferenceTimeout)
		defer cancel()
	}

	type outcome struct {
		scores [][]float32
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer e.release(h)
		if h.serialize {
			h.run.Lock()
			defer h.run.Unlock()
		}
		// the caller may have given up while this call waited for the lock
		if err := callCtx.Err(); err != nil {
			done <- outcome{err: err}
			return
		}
		scores, err := h.adapter.Infer(callCtx, h.session, batch)
		done <- outcome{scores, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		return nil, e.abandoned(ctx, h)
	}

	if out.err != nil && callCtx.Err() != nil && errors.Is(out.err, callCtx.Err()) {
		return nil, e.abandoned(ctx, h)
	}
	if out.err != nil {
		if errors.Is(out.err, backend.ErrSessionCorrupted) {
			e.discard(h)
		}
		if !errors.Is(out.err, backend.ErrInference) {
			out.err = fmt.Errorf("%w: %s: %w", backend.ErrInference, h.name, out.err)
		}
		return nil, out.err
	}
	if len(out.scores) != batch.Len() {
		return nil, fmt.Errorf("%w: %s returned %d rows for %d images",
			backend.ErrInference, h.name, len(out.scores), batch.Len())
	}
	return out.scores, nil
}

// abandoned is the error of a call whose context ended before the adapter
// answered.
func (e *Engine) abandoned(ctx context.Context, h *handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.logger.Warn("Inference timed out",
		slog.String("model", h.name),
		slog.Duration("timeout", e.opts.InferenceTimeout))
	return fmt.Errorf("%w: %s after %s", ErrInferenceTimeout, h.name, e.opts.InferenceTimeout)
}

func split(labels []taxonomy.Label, scores []float32, threshold float32, sigmoid bool) (Result, error) {
	if len(scores) != len(labels) {
		return Result{}, fmt.Errorf("model returned %d scores for %d labels", len(scores), len(labels))
	}
	res := Result{
		Ratings:    make(map[string]float32),
		Characters: make(map[string]float32),
		Tags:       make(map[string]float32),
	}
	for i, l := range labels {
		p := scores[i]
		if sigmoid {
			p = Sigmoid(p)
		}
		switch l.Category {
		case taxonomy.Rating:
			res.Ratings[l.Name] = p
		case taxonomy.Character:
			if p >= threshold {
				res.Characters[l.Name] = p
			}
		default:
			if p >= threshold {
				res.Tags[l.Name] = p
			}
		}
	}
	return res, nil
}

// Sigmoid maps a logit to a probability. Inputs are clamped to [-50, 50].
func Sigmoid(x float32) float32 {
	if x > 50 {
		x = 50
	} else if x < -50 {
		x = -50
	}
	return 1 / (1 + float32(math.Exp(float64(-x))))
}
