package model

// Kind is the inference runtime family a model runs on.
type Kind string

const (
	// KindONNX models are static ONNX graphs (WD14 taggers, JoyTag).
	KindONNX Kind = "onnx"
	// KindDeepDanbooru models are TensorFlow SavedModel projects.
	KindDeepDanbooru Kind = "deepdanbooru"
)

// RemoteSource points at files in a HuggingFace repository that are
// downloaded the first time the model is loaded.
type RemoteSource struct {
	Repo      string
	ModelFile string
	LabelFile string
}

// Descriptor identifies a loadable model without holding its weights.
type Descriptor struct {
	Name string
	Kind Kind

	Dir           string
	ModelPath     string
	LabelPath     string
	CharacterPath string

	Remote RemoteSource

	// InputName and OutputName select graph endpoints. Empty means the
	// backend default.
	InputName  string
	OutputName string

	Input InputSpec
	// Sigmoid is set for models that emit logits instead of probabilities.
	Sigmoid bool
}

func (d Descriptor) IsRemote() bool {
	return d.Remote.Repo != ""
}
