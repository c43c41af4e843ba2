package registry

import "github.com/krau/multitagger/model"

// CatalogEntry is a model that can be downloaded on first use.
type CatalogEntry struct {
	Name      string
	Repo      string
	ModelFile string
	LabelFile string
}

// DefaultCatalog lists the WD14 taggers published by SmilingWolf.
var DefaultCatalog = []CatalogEntry{
	{Name: "wd14-vit.v1", Repo: "SmilingWolf/wd-v1-4-vit-tagger"},
	{Name: "wd14-vit.v2", Repo: "SmilingWolf/wd-v1-4-vit-tagger-v2"},
	{Name: "wd14-convnext.v1", Repo: "SmilingWolf/wd-v1-4-convnext-tagger"},
	{Name: "wd14-convnext.v2", Repo: "SmilingWolf/wd-v1-4-convnext-tagger-v2"},
	// the repo name says v2 but the weights are v1
	{Name: "wd14-convnextv2.v1", Repo: "SmilingWolf/wd-v1-4-convnextv2-tagger-v2"},
	{Name: "wd14-swinv2-v1", Repo: "SmilingWolf/wd-v1-4-swinv2-tagger-v2"},
	{Name: "wd-v1-4-moat-tagger.v2", Repo: "SmilingWolf/wd-v1-4-moat-tagger-v2"},
}

const (
	defaultModelFile = "model.onnx"
	defaultLabelFile = "selected_tags.csv"
	wdInputSize      = 448
)

func (e CatalogEntry) descriptor() model.Descriptor {
	modelFile, labelFile := e.ModelFile, e.LabelFile
	if modelFile == "" {
		modelFile = defaultModelFile
	}
	if labelFile == "" {
		labelFile = defaultLabelFile
	}
	input := model.WDInput()
	input.Size = wdInputSize
	return model.Descriptor{
		Name: e.Name,
		Kind: model.KindONNX,
		Remote: model.RemoteSource{
			Repo:      e.Repo,
			ModelFile: modelFile,
			LabelFile: labelFile,
		},
		Input: input,
	}
}
