package cmd

import (
	"fmt"
	"log/slog"

	"github.com/krau/multitagger/backend"
	"github.com/krau/multitagger/backend/tensorflow"
	"github.com/krau/multitagger/config"
	"github.com/krau/multitagger/engine"
	"github.com/krau/multitagger/model"
	"github.com/krau/multitagger/onnx"
	"github.com/krau/multitagger/registry"
)

func newRegistry(cfg config.Config) (*registry.Registry, error) {
	var catalog []registry.CatalogEntry
	if cfg.Models.RemoteCatalog {
		catalog = registry.DefaultCatalog
	}
	reg := registry.New(registry.Options{
		ONNXDir:         cfg.Models.ONNXDir,
		DeepDanbooruDir: cfg.Models.DeepDanbooruDir,
		CacheDir:        cfg.Models.CacheDir,
		Endpoint:        cfg.Models.HFEndpoint,
		Catalog:         catalog,
	}, slog.Default())
	if err := reg.Refresh(); err != nil {
		return nil, fmt.Errorf("failed to scan models: %w", err)
	}
	return reg, nil
}

// newEngine wires the backends. A runtime that fails to start only makes
// its own models unavailable.
func newEngine(cfg config.Config, reg *registry.Registry) *engine.Engine {
	adapters := map[model.Kind]backend.Adapter{
		model.KindDeepDanbooru: tensorflow.New(slog.Default()),
	}
	if err := onnx.Init(cfg.Libonnx); err != nil {
		slog.Error("ONNX models are unavailable", slog.String("error", err.Error()))
	} else {
		adapters[model.KindONNX] = backend.NewONNX(backend.ONNXOptions{
			Device:         cfg.Device,
			IntraOpThreads: cfg.Engine.IntraOpThreads,
			Serialize:      cfg.Engine.SerializeInference,
		}, slog.Default())
	}
	eng := engine.New(reg, adapters, engine.Options{
		MemoryBudget:       cfg.Engine.MemoryBudget(),
		InferenceTimeout:   cfg.Engine.InferenceTimeout(),
		SerializeInference: cfg.Engine.SerializeInference,
		Logger:             slog.Default(),
	})
	reg.KeepLoaded(eng.Loaded)
	return eng
}

func closeEngine(eng *engine.Engine) {
	eng.Close()
	onnx.Destroy()
}
