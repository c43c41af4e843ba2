package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/krau/multitagger/model"
)

const (
	projectManifest   = "project.json"
	projectTags       = "tags.txt"
	projectCharacters = "tags-character.txt"
	savedModelDir     = "saved_model"
	sidecarFile       = "tagger.toml"
)

// project is the subset of a DeepDanbooru project.json the tagger uses.
type project struct {
	ImageWidth  int `json:"image_width"`
	ImageHeight int `json:"image_height"`

	SavedModel      string `json:"saved_model"`
	InputOperation  string `json:"input_operation"`
	OutputOperation string `json:"output_operation"`
}

// sidecar overrides the defaults of a local ONNX model.
type sidecar struct {
	Sigmoid    bool            `toml:"sigmoid"`
	InputName  string          `toml:"input_name"`
	OutputName string          `toml:"output_name"`
	Input      model.InputSpec `toml:"input"`
}

func deepDanbooruDescriptor(dir string) (model.Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(dir, projectManifest))
	if errors.Is(err, os.ErrNotExist) {
		return model.Descriptor{}, fmt.Errorf("has no %s", projectManifest)
	}
	if err != nil {
		return model.Descriptor{}, err
	}
	var p project
	if err := json.Unmarshal(data, &p); err != nil {
		return model.Descriptor{}, fmt.Errorf("malformed %s: %w", projectManifest, err)
	}
	if p.ImageWidth <= 0 || p.ImageWidth != p.ImageHeight {
		return model.Descriptor{}, fmt.Errorf("%s declares a %dx%d input, a square input is required",
			projectManifest, p.ImageWidth, p.ImageHeight)
	}

	modelPath := dir
	switch {
	case p.SavedModel != "":
		modelPath = filepath.Join(dir, p.SavedModel)
	case isDir(filepath.Join(dir, savedModelDir)):
		modelPath = filepath.Join(dir, savedModelDir)
	}
	return model.Descriptor{
		Name:          filepath.Base(dir),
		Kind:          model.KindDeepDanbooru,
		Dir:           dir,
		ModelPath:     modelPath,
		LabelPath:     filepath.Join(dir, projectTags),
		CharacterPath: filepath.Join(dir, projectCharacters),
		InputName:     p.InputOperation,
		OutputName:    p.OutputOperation,
		Input:         model.DeepDanbooruInput(p.ImageWidth),
	}, nil
}

func onnxDescriptor(dir string) (model.Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return model.Descriptor{}, err
	}
	var weights, csvs, txts []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".onnx":
			weights = append(weights, e.Name())
		case ".csv":
			csvs = append(csvs, e.Name())
		case ".txt":
			txts = append(txts, e.Name())
		}
	}
	if len(weights) != 1 {
		return model.Descriptor{}, fmt.Errorf("requires exactly one .onnx model, found %d", len(weights))
	}
	manifests := csvs
	if len(manifests) == 0 {
		manifests = txts
	}
	if len(manifests) != 1 {
		return model.Descriptor{}, fmt.Errorf("requires exactly one label manifest, found %d", len(manifests))
	}

	d := model.Descriptor{
		Name:      filepath.Base(dir),
		Kind:      model.KindONNX,
		Dir:       dir,
		ModelPath: filepath.Join(dir, weights[0]),
		LabelPath: filepath.Join(dir, manifests[0]),
		Input:     model.WDInput(),
	}

	data, err := os.ReadFile(filepath.Join(dir, sidecarFile))
	if errors.Is(err, os.ErrNotExist) {
		return d, nil
	}
	if err != nil {
		return model.Descriptor{}, err
	}
	var sc sidecar
	if err := toml.Unmarshal(data, &sc); err != nil {
		return model.Descriptor{}, fmt.Errorf("malformed %s: %w", sidecarFile, err)
	}
	d.Input = d.Input.Merge(sc.Input)
	if d.Input.Normalize == model.NormalizeMeanStd && d.Input.Std == [3]float32{} {
		d.Input.Mean, d.Input.Std = model.ClipMean, model.ClipStd
	}
	d.Sigmoid = sc.Sigmoid
	d.InputName = sc.InputName
	d.OutputName = sc.OutputName
	return d, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
