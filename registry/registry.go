package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/krau/multitagger/model"
)

var ErrModelNotFound = errors.New("model not found")

type Options struct {
	ONNXDir         string
	DeepDanbooruDir string
	CacheDir        string
	Endpoint        string
	Catalog         []CatalogEntry
}

// Registry knows every model that can be loaded: local ONNX model
// directories, local DeepDanbooru projects and the remote catalog.
type Registry struct {
	opts    Options
	fetcher *Fetcher
	logger  *slog.Logger

	mu     sync.RWMutex
	models map[string]model.Descriptor
	keep   func(name string) bool
}

func New(opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:    opts,
		fetcher: NewFetcher(opts.Endpoint, opts.CacheDir, logger),
		logger:  logger,
		models:  make(map[string]model.Descriptor),
	}
}

// KeepLoaded makes Refresh retain the previous descriptor of every name
// for which loaded reports true, even if its directory no longer scans.
func (r *Registry) KeepLoaded(loaded func(name string) bool) {
	r.mu.Lock()
	r.keep = loaded
	r.mu.Unlock()
}

// Refresh rescans the model directories. Directories that are not valid
// models are skipped with a warning. A local ONNX model replaces a catalog
// entry of the same name.
func (r *Registry) Refresh() error {
	models := make(map[string]model.Descriptor, len(r.opts.Catalog))
	for _, e := range r.opts.Catalog {
		models[e.Name] = e.descriptor()
	}
	if err := r.scan(r.opts.DeepDanbooruDir, "deepdanbooru project", deepDanbooruDescriptor, models); err != nil {
		return err
	}
	if err := r.scan(r.opts.ONNXDir, "onnx model", onnxDescriptor, models); err != nil {
		return err
	}

	r.mu.Lock()
	if r.keep != nil {
		for name, d := range r.models {
			if _, ok := models[name]; !ok && r.keep(name) {
				r.logger.Warn("Model no longer found, keeping it while loaded", slog.String("name", name))
				models[name] = d
			}
		}
	}
	r.models = models
	r.mu.Unlock()
	r.logger.Debug("Registry refreshed", slog.Int("models", len(models)))
	return nil
}

func (r *Registry) scan(root, kind string, describe func(string) (model.Descriptor, error), into map[string]model.Descriptor) error {
	if root == "" {
		return nil
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to read model directory %s: %w", root, err)
	}
	for _, e := range entries {
		path := filepath.Join(root, e.Name())
		if !e.IsDir() {
			r.logger.Warn("Not a directory, skipped", slog.String("path", path))
			continue
		}
		d, err := describe(path)
		if err != nil {
			r.logger.Warn("Invalid "+kind+", skipped", slog.String("path", path), slog.String("reason", err.Error()))
			continue
		}
		r.logger.Debug("Found "+kind, slog.String("name", d.Name), slog.String("path", path))
		into[d.Name] = d
	}
	return nil
}

// List returns every known model ordered by name.
func (r *Registry) List() []model.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Descriptor, 0, len(r.models))
	for _, d := range r.models {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b model.Descriptor) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, d := range list {
		names[i] = d.Name
	}
	return names
}

func (r *Registry) Resolve(name string) (model.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[name]
	if !ok {
		return model.Descriptor{}, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return d, nil
}

// Fetch makes the files of desc available locally and returns a descriptor
// pointing at them. Local descriptors are returned unchanged.
func (r *Registry) Fetch(ctx context.Context, desc model.Descriptor) (model.Descriptor, error) {
	if !desc.IsRemote() {
		return desc, nil
	}
	modelPath, err := r.fetcher.Download(ctx, desc.Remote.Repo, desc.Remote.ModelFile)
	if err != nil {
		return desc, err
	}
	labelPath, err := r.fetcher.Download(ctx, desc.Remote.Repo, desc.Remote.LabelFile)
	if err != nil {
		return desc, err
	}
	desc.Dir = filepath.Dir(modelPath)
	desc.ModelPath = modelPath
	desc.LabelPath = labelPath
	return desc, nil
}
