package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krau/multitagger/backend"
	"github.com/krau/multitagger/model"
	"github.com/krau/multitagger/preprocess"
	"github.com/krau/multitagger/registry"
)

const scenarioLabels = "name,category\ngeneral,9\nsensitive,9\n1girl,4\nsolo,0\n"

var scenarioScores = []float32{0.1, 0.9, 0.8, 0.7}

type fakeModels struct {
	descs   map[string]model.Descriptor
	fetches atomic.Int32
}

func (m *fakeModels) Resolve(name string) (model.Descriptor, error) {
	d, ok := m.descs[name]
	if !ok {
		return model.Descriptor{}, fmt.Errorf("%w: %s", registry.ErrModelNotFound, name)
	}
	return d, nil
}

func (m *fakeModels) Fetch(_ context.Context, d model.Descriptor) (model.Descriptor, error) {
	m.fetches.Add(1)
	return d, nil
}

type fakeSession struct {
	input      model.InputSpec
	concurrent bool
	footprint  int64
}

func (s *fakeSession) Input() model.InputSpec { return s.input }
func (s *fakeSession) Target() backend.Target  { return backend.TargetCPU }
func (s *fakeSession) Concurrent() bool        { return s.concurrent }
func (s *fakeSession) Footprint() int64        { return s.footprint }

type fakeAdapter struct {
	loadDelay  time.Duration
	concurrent bool
	footprint  int64

	mu      sync.Mutex
	loadErr error
	infer   func(batch preprocess.Batch) ([][]float32, error)

	loads     atomic.Int32
	unloads   atomic.Int32
	infers    atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
}

func (a *fakeAdapter) Load(_ context.Context, d model.Descriptor) (backend.Session, error) {
	a.loads.Add(1)
	time.Sleep(a.loadDelay)
	a.mu.Lock()
	err := a.loadErr
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fakeSession{input: d.Input, concurrent: a.concurrent, footprint: a.footprint}, nil
}

func (a *fakeAdapter) Infer(_ context.Context, _ backend.Session, batch preprocess.Batch) ([][]float32, error) {
	a.infers.Add(1)
	n := a.active.Add(1)
	defer a.active.Add(-1)
	for {
		m := a.maxActive.Load()
		if n <= m || a.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	a.mu.Lock()
	infer := a.infer
	a.mu.Unlock()
	if infer != nil {
		return infer(batch)
	}
	out := make([][]float32, batch.Len())
	for i := range out {
		out[i] = append([]float32(nil), scenarioScores...)
	}
	return out, nil
}

func (a *fakeAdapter) Unload(backend.Session) error {
	a.unloads.Add(1)
	return nil
}

func (a *fakeAdapter) setInfer(f func(preprocess.Batch) ([][]float32, error)) {
	a.mu.Lock()
	a.infer = f
	a.mu.Unlock()
}

func writeModel(t *testing.T, name, labels string) model.Descriptor {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("weights"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "selected_tags.csv"), []byte(labels), 0o644))
	input := model.WDInput()
	input.Size = 8
	return model.Descriptor{
		Name:      name,
		Kind:      model.KindONNX,
		Dir:       dir,
		ModelPath: filepath.Join(dir, "model.onnx"),
		LabelPath: filepath.Join(dir, "selected_tags.csv"),
		Input:     input,
	}
}

func newTestEngine(t *testing.T, adapter *fakeAdapter, opts Options, names ...string) (*Engine, *fakeModels) {
	t.Helper()
	models := &fakeModels{descs: make(map[string]model.Descriptor)}
	for _, n := range names {
		models.descs[n] = writeModel(t, n, scenarioLabels)
	}
	opts.Logger = slog.New(slog.DiscardHandler)
	e := New(models, map[model.Kind]backend.Adapter{model.KindONNX: adapter}, opts)
	t.Cleanup(e.Close)
	return e, models
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 6, 4))
	for y := range 4 {
		for x := range 6 {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

var (
	red  = color.NRGBA{R: 255, A: 255}
	blue = color.NRGBA{B: 200, A: 255}
)

func TestInterrogateSplitsScores(t *testing.T) {
	adapter := &fakeAdapter{}
	e, _ := newTestEngine(t, adapter, Options{}, "m")

	res, err := e.Interrogate(context.Background(), "m", [][]byte{pngBytes(t, red)}, 0.5)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.NoError(t, res[0].Err)
	assert.Equal(t, map[string]float32{"solo": 0.7}, res[0].Tags)
	assert.Equal(t, map[string]float32{"1girl": 0.8}, res[0].Characters)
	assert.Equal(t, map[string]float32{"general": 0.1, "sensitive": 0.9}, res[0].Ratings)
}

func TestThresholdIsInclusive(t *testing.T) {
	adapter := &fakeAdapter{}
	e, _ := newTestEngine(t, adapter, Options{}, "m")

	res, err := e.Interrogate(context.Background(), "m", [][]byte{pngBytes(t, red)}, 0.7)
	require.NoError(t, err)
	assert.Equal(t, map[string]float32{"solo": 0.7}, res[0].Tags)
}

func TestThresholdFilteringIsMonotonic(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.setInfer(contentScores)
	e, _ := newTestEngine(t, adapter, Options{}, "m")
	img := pngBytes(t, color.NRGBA{R: 180, G: 90, B: 30, A: 255})

	var prev *Result
	for _, th := range []float32{0, 0.1, 0.2, 0.3, 0.5, 0.7, 0.9, 1} {
		res, err := e.Interrogate(context.Background(), "m", [][]byte{img}, th)
		require.NoError(t, err)
		cur := res[0]
		if prev != nil {
			for tag := range cur.Tags {
				assert.Contains(t, prev.Tags, tag, "threshold %v", th)
			}
			for tag := range cur.Characters {
				assert.Contains(t, prev.Characters, tag, "threshold %v", th)
			}
			assert.Equal(t, prev.Ratings, cur.Ratings, "ratings are never filtered")
		}
		prev = &cur
	}
}

// contentScores derives each label score from the pixels of its own row.
func contentScores(batch preprocess.Batch) ([][]float32, error) {
	out := make([][]float32, batch.Len())
	for i := range out {
		row := batch.Row(i)
		out[i] = []float32{row[0] / 255, row[1] / 255, row[2] / 255, 1 - row[0]/255}
	}
	return out, nil
}

func TestBatchResultsAreIndependent(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.setInfer(contentScores)
	e, _ := newTestEngine(t, adapter, Options{}, "m")
	img, other := pngBytes(t, red), pngBytes(t, blue)

	single, err := e.Interrogate(context.Background(), "m", [][]byte{img}, 0.2)
	require.NoError(t, err)
	batch, err := e.Interrogate(context.Background(), "m", [][]byte{img, other}, 0.2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, single[0], batch[0])
	assert.NotEqual(t, batch[0], batch[1])
}

func TestInvalidImagesKeepTheirSlot(t *testing.T) {
	adapter := &fakeAdapter{}
	var batched int
	adapter.setInfer(func(b preprocess.Batch) ([][]float32, error) {
		batched = b.Len()
		return contentScores(b)
	})
	e, _ := newTestEngine(t, adapter, Options{}, "m")

	images := [][]byte{pngBytes(t, red), {}, []byte("definitely not an image"), pngBytes(t, blue)}
	res, err := e.Interrogate(context.Background(), "m", images, 0)
	require.NoError(t, err)
	require.Len(t, res, 4)
	assert.Equal(t, 2, batched)

	assert.NoError(t, res[0].Err)
	assert.ErrorIs(t, res[1].Err, ErrInvalidImage)
	assert.ErrorIs(t, res[2].Err, ErrInvalidImage)
	assert.NoError(t, res[3].Err)
	assert.Nil(t, res[1].Tags)
	assert.NotEmpty(t, res[0].Ratings)
	assert.NotEmpty(t, res[3].Ratings)
}

func TestNoBackendCallWithoutValidImages(t *testing.T) {
	adapter := &fakeAdapter{}
	e, _ := newTestEngine(t, adapter, Options{}, "m")

	res, err := e.Interrogate(context.Background(), "m", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, res)

	res, err = e.Interrogate(context.Background(), "m", [][]byte{{}}, 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.ErrorIs(t, res[0].Err, ErrInvalidImage)

	assert.Zero(t, adapter.loads.Load())
	assert.Zero(t, adapter.infers.Load())
}

func TestUnknownModel(t *testing.T) {
	adapter := &fakeAdapter{}
	e, _ := newTestEngine(t, adapter, Options{}, "m")

	_, err := e.Interrogate(context.Background(), "missing", [][]byte{pngBytes(t, red)}, 0)
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.Empty(t, e.Status())
	assert.Zero(t, adapter.loads.Load())
}

func TestInvalidThreshold(t *testing.T) {
	e, _ := newTestEngine(t, &fakeAdapter{}, Options{}, "m")
	for _, th := range []float32{-0.1, 1.5} {
		_, err := e.Interrogate(context.Background(), "m", [][]byte{pngBytes(t, red)}, th)
		assert.ErrorIs(t, err, ErrInvalidThreshold)
	}
}

func TestConcurrentRequestsLoadOnce(t *testing.T) {
	adapter := &fakeAdapter{loadDelay: 50 * time.Millisecond, concurrent: true}
	e, models := newTestEngine(t, adapter, Options{}, "m")
	img := pngBytes(t, red)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Interrogate(context.Background(), "m", [][]byte{img}, 0)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), adapter.loads.Load())
	assert.Equal(t, int32(1), models.fetches.Load())
	assert.Equal(t, int32(16), adapter.infers.Load())
}

func TestUnloadIsIdempotent(t *testing.T) {
	adapter := &fakeAdapter{}
	e, _ := newTestEngine(t, adapter, Options{}, "m")
	require.NoError(t, e.Preload(context.Background(), "m"))
	require.True(t, e.Loaded("m"))

	assert.True(t, e.Unload("m"))
	assert.False(t, e.Unload("m"))
	assert.False(t, e.Unload("never-loaded"))
	assert.Equal(t, int32(1), adapter.unloads.Load())

	_, err := e.Interrogate(context.Background(), "m", [][]byte{pngBytes(t, red)}, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), adapter.loads.Load())
}

func TestUnloadAll(t *testing.T) {
	adapter := &fakeAdapter{}
	e, _ := newTestEngine(t, adapter, Options{}, "a", "b")
	require.NoError(t, e.Preload(context.Background(), "a"))
	require.NoError(t, e.Preload(context.Background(), "b"))

	assert.Equal(t, 2, e.UnloadAll())
	assert.Empty(t, e.Status())
	assert.Equal(t, int32(2), adapter.unloads.Load())
	assert.Zero(t, e.UnloadAll())
}

func TestLoadFailuresAreNotCached(t *testing.T) {
	adapter := &fakeAdapter{loadErr: errors.New("corrupted payload")}
	e, _ := newTestEngine(t, adapter, Options{}, "m")
	img := pngBytes(t, red)

	for range 2 {
		_, err := e.Interrogate(context.Background(), "m", [][]byte{img}, 0)
		assert.ErrorIs(t, err, ErrBackendLoad)
		assert.False(t, e.Loaded("m"))
	}
	assert.Equal(t, int32(2), adapter.loads.Load())
}

func TestMissingLabelsFailBeforeBackendLoad(t *testing.T) {
	adapter := &fakeAdapter{}
	e, models := newTestEngine(t, adapter, Options{}, "m")
	require.NoError(t, os.Remove(models.descs["m"].LabelPath))

	_, err := e.Interrogate(context.Background(), "m", [][]byte{pngBytes(t, red)}, 0)
	assert.ErrorIs(t, err, ErrTaxonomyLoad)
	assert.Zero(t, adapter.loads.Load())
	assert.False(t, e.Loaded("m"))
}

func TestMissingAdapter(t *testing.T) {
	adapter := &fakeAdapter{}
	e, models := newTestEngine(t, adapter, Options{}, "m")
	d := models.descs["m"]
	d.Kind = model.KindDeepDanbooru
	models.descs["m"] = d

	_, err := e.Interrogate(context.Background(), "m", [][]byte{pngBytes(t, red)}, 0)
	assert.ErrorIs(t, err, ErrBackendLoad)
}

func TestTimeoutLeavesModelReady(t *testing.T) {
	adapter := &fakeAdapter{}
	block := make(chan struct{})
	adapter.setInfer(func(b preprocess.Batch) ([][]float32, error) {
		<-block
		return contentScores(b)
	})
	e, _ := newTestEngine(t, adapter, Options{InferenceTimeout: 50 * time.Millisecond}, "m")
	img := pngBytes(t, red)

	_, err := e.Interrogate(context.Background(), "m", [][]byte{img}, 0)
	assert.ErrorIs(t, err, ErrInferenceTimeout)
	assert.True(t, e.Loaded("m"))

	close(block)
	adapter.setInfer(nil)
	res, err := e.Interrogate(context.Background(), "m", [][]byte{img}, 0)
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.Equal(t, int32(1), adapter.loads.Load())
}

func TestInferenceErrorKeepsModel(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.setInfer(func(preprocess.Batch) ([][]float32, error) {
		return nil, errors.New("shape mismatch")
	})
	e, _ := newTestEngine(t, adapter, Options{}, "m")

	_, err := e.Interrogate(context.Background(), "m", [][]byte{pngBytes(t, red)}, 0)
	assert.ErrorIs(t, err, ErrInference)
	assert.True(t, e.Loaded("m"))
}

func TestCorruptedSessionIsEvicted(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.setInfer(func(preprocess.Batch) ([][]float32, error) {
		return nil, fmt.Errorf("%w: device lost", backend.ErrSessionCorrupted)
	})
	e, _ := newTestEngine(t, adapter, Options{}, "m")
	img := pngBytes(t, red)

	_, err := e.Interrogate(context.Background(), "m", [][]byte{img}, 0)
	assert.ErrorIs(t, err, ErrInference)
	assert.False(t, e.Loaded("m"))
	assert.Eventually(t, func() bool { return adapter.unloads.Load() == 1 }, time.Second, 5*time.Millisecond)

	adapter.setInfer(nil)
	_, err = e.Interrogate(context.Background(), "m", [][]byte{img}, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), adapter.loads.Load())
}

func TestScoreCountMismatch(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.setInfer(func(b preprocess.Batch) ([][]float32, error) {
		return [][]float32{{0.5}}, nil
	})
	e, _ := newTestEngine(t, adapter, Options{}, "m")

	_, err := e.Interrogate(context.Background(), "m", [][]byte{pngBytes(t, red)}, 0)
	assert.ErrorIs(t, err, ErrInference)
}

func runConcurrently(t *testing.T, e *Engine, name string, n int) {
	t.Helper()
	img := pngBytes(t, red)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Interrogate(context.Background(), name, [][]byte{img}, 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func slowScores(b preprocess.Batch) ([][]float32, error) {
	time.Sleep(10 * time.Millisecond)
	out := make([][]float32, b.Len())
	for i := range out {
		out[i] = append([]float32(nil), scenarioScores...)
	}
	return out, nil
}

func TestInferenceIsSerializedPerModel(t *testing.T) {
	t.Run("session not concurrent", func(t *testing.T) {
		adapter := &fakeAdapter{concurrent: false}
		adapter.setInfer(slowScores)
		e, _ := newTestEngine(t, adapter, Options{}, "m")
		runConcurrently(t, e, "m", 8)
		assert.Equal(t, int32(1), adapter.maxActive.Load())
	})
	t.Run("forced by options", func(t *testing.T) {
		adapter := &fakeAdapter{concurrent: true}
		adapter.setInfer(slowScores)
		e, _ := newTestEngine(t, adapter, Options{SerializeInference: true}, "m")
		runConcurrently(t, e, "m", 8)
		assert.Equal(t, int32(1), adapter.maxActive.Load())
	})
}

func TestDifferentModelsRunInParallel(t *testing.T) {
	adapter := &fakeAdapter{concurrent: false}
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	adapter.setInfer(func(b preprocess.Batch) ([][]float32, error) {
		started <- struct{}{}
		<-release
		return slowScores(b)
	})
	e, _ := newTestEngine(t, adapter, Options{}, "a", "b")
	img := pngBytes(t, red)

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Interrogate(context.Background(), name, [][]byte{img}, 0)
			assert.NoError(t, err)
		}()
	}
	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("models did not run in parallel")
		}
	}
	close(release)
	wg.Wait()
	assert.Equal(t, int32(2), adapter.maxActive.Load())
}

func TestLeastRecentlyUsedIsEvicted(t *testing.T) {
	adapter := &fakeAdapter{footprint: 60}
	e, _ := newTestEngine(t, adapter, Options{MemoryBudget: 150}, "a", "b", "c")
	ctx := context.Background()
	img := pngBytes(t, red)

	require.NoError(t, e.Preload(ctx, "a"))
	require.NoError(t, e.Preload(ctx, "b"))
	_, err := e.Interrogate(ctx, "a", [][]byte{img}, 0)
	require.NoError(t, err)

	require.NoError(t, e.Preload(ctx, "c"))
	assert.True(t, e.Loaded("a"))
	assert.False(t, e.Loaded("b"))
	assert.True(t, e.Loaded("c"))
	assert.Equal(t, int32(1), adapter.unloads.Load())
}

func TestModelInUseIsNotEvicted(t *testing.T) {
	adapter := &fakeAdapter{footprint: 60}
	entered := make(chan struct{})
	release := make(chan struct{})
	adapter.setInfer(func(b preprocess.Batch) ([][]float32, error) {
		close(entered)
		<-release
		return slowScores(b)
	})
	e, _ := newTestEngine(t, adapter, Options{MemoryBudget: 100}, "a", "b")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := e.Interrogate(ctx, "a", [][]byte{pngBytes(t, red)}, 0)
		done <- err
	}()
	<-entered

	require.NoError(t, e.Preload(ctx, "b"))
	assert.True(t, e.Loaded("a"), "a is serving a request")
	assert.True(t, e.Loaded("b"))

	close(release)
	require.NoError(t, <-done)
	assert.Zero(t, adapter.unloads.Load())
}

func TestUnloadWaitsForInFlightInference(t *testing.T) {
	adapter := &fakeAdapter{}
	entered := make(chan struct{})
	release := make(chan struct{})
	adapter.setInfer(func(b preprocess.Batch) ([][]float32, error) {
		close(entered)
		<-release
		return slowScores(b)
	})
	e, _ := newTestEngine(t, adapter, Options{}, "m")

	done := make(chan error, 1)
	go func() {
		_, err := e.Interrogate(context.Background(), "m", [][]byte{pngBytes(t, red)}, 0)
		done <- err
	}()
	<-entered

	assert.True(t, e.Unload("m"))
	assert.False(t, e.Loaded("m"))
	assert.Zero(t, adapter.unloads.Load())

	close(release)
	require.NoError(t, <-done)
	assert.Eventually(t, func() bool { return adapter.unloads.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSigmoidOverLogits(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.setInfer(func(b preprocess.Batch) ([][]float32, error) {
		return [][]float32{{0, 100, -100, 2}}, nil
	})
	e, models := newTestEngine(t, adapter, Options{}, "m")
	d := models.descs["m"]
	d.Sigmoid = true
	models.descs["m"] = d

	res, err := e.Interrogate(context.Background(), "m", [][]byte{pngBytes(t, red)}, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res[0].Ratings["general"], 1e-6)
	assert.InDelta(t, 1.0, res[0].Ratings["sensitive"], 1e-6)
	assert.Empty(t, res[0].Characters)
	assert.InDelta(t, 0.8808, res[0].Tags["solo"], 1e-4)
}

func TestStatus(t *testing.T) {
	adapter := &fakeAdapter{footprint: 42}
	e, _ := newTestEngine(t, adapter, Options{}, "b", "a")
	require.NoError(t, e.Preload(context.Background(), "b"))
	require.NoError(t, e.Preload(context.Background(), "a"))

	st := e.Status()
	require.Len(t, st, 2)
	assert.Equal(t, "a", st[0].Name)
	assert.Equal(t, "b", st[1].Name)
	assert.Equal(t, "cpu", st[0].Target)
	assert.Equal(t, int64(42), st[0].Footprint)
	assert.Equal(t, 4, st[0].Labels)
	assert.Zero(t, st[0].InFlight)
}

func TestRanked(t *testing.T) {
	got := Ranked(map[string]float32{"solo": 0.7, "1girl": 0.9, "smile": 0.7})
	assert.Equal(t, []TagScore{
		{Tag: "1girl", Score: 0.9},
		{Tag: "smile", Score: 0.7},
		{Tag: "solo", Score: 0.7},
	}, got)
}

func TestSigmoid(t *testing.T) {
	assert.InDelta(t, 0.5, Sigmoid(0), 1e-6)
	assert.InDelta(t, 1.0, Sigmoid(1000), 1e-6)
	assert.InDelta(t, 0.0, Sigmoid(-1000), 1e-6)
}

func TestTimedOutQueuedCallsSkipTheBackend(t *testing.T) {
	adapter := &fakeAdapter{concurrent: false}
	adapter.setInfer(func(b preprocess.Batch) ([][]float32, error) {
		time.Sleep(200 * time.Millisecond)
		return contentScores(b)
	})
	e, _ := newTestEngine(t, adapter, Options{InferenceTimeout: 50 * time.Millisecond}, "m")
	require.NoError(t, e.Preload(context.Background(), "m"))
	img := pngBytes(t, red)

	var wg sync.WaitGroup
	var timedOut atomic.Int32
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Interrogate(context.Background(), "m", [][]byte{img}, 0)
			if errors.Is(err, ErrInferenceTimeout) {
				timedOut.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), timedOut.Load())

	assert.Eventually(t, func() bool {
		st := e.Status()
		return len(st) == 1 && st[0].InFlight == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), adapter.infers.Load(), "only the call holding the session ran")
	assert.True(t, e.Loaded("m"))
}

func TestLoadedModelSurvivesCatalogRemoval(t *testing.T) {
	adapter := &fakeAdapter{}
	e, models := newTestEngine(t, adapter, Options{}, "m")
	require.NoError(t, e.Preload(context.Background(), "m"))
	delete(models.descs, "m")

	res, err := e.Interrogate(context.Background(), "m", [][]byte{pngBytes(t, red)}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, map[string]float32{"solo": 0.7}, res[0].Tags)
	assert.Equal(t, int32(1), adapter.loads.Load())

	require.True(t, e.Unload("m"))
	_, err = e.Interrogate(context.Background(), "m", [][]byte{pngBytes(t, red)}, 0)
	assert.ErrorIs(t, err, ErrModelNotFound)
}
