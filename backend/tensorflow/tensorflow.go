package tensorflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	tf "github.com/tensorflow/tensorflow/tensorflow/go"

	"github.com/krau/multitagger/backend"
	"github.com/krau/multitagger/model"
	"github.com/krau/multitagger/preprocess"
)

// Endpoints of a DeepDanbooru Keras model exported as a SavedModel.
const (
	defaultTFInput  = "serving_default_input_1"
	defaultTFOutput = "StatefulPartitionedCall"
)

var savedModelTags = []string{"serve"}

// Adapter runs DeepDanbooru projects exported as SavedModels. The
// session is fed one image at a time; Infer loops over the batch.
type Adapter struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{logger: logger}
}

type tfSession struct {
	model     *tf.SavedModel
	input     tf.Output
	output    tf.Output
	spec      model.InputSpec
	footprint int64
}

func (s *tfSession) Input() model.InputSpec { return s.spec }
func (s *tfSession) Target() backend.Target { return backend.TargetTensorFlow }
func (s *tfSession) Concurrent() bool       { return true }
func (s *tfSession) Footprint() int64       { return s.footprint }

func (a *Adapter) Load(_ context.Context, desc model.Descriptor) (backend.Session, error) {
	if desc.Input.Size <= 0 {
		return nil, fmt.Errorf("%w: %s: project declares no image size", backend.ErrLoad, desc.Name)
	}
	m, err := tf.LoadSavedModel(desc.ModelPath, savedModelTags, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load saved model %s: %w", backend.ErrLoad, desc.ModelPath, err)
	}

	inName, outName := desc.InputName, desc.OutputName
	if inName == "" {
		inName = defaultTFInput
	}
	if outName == "" {
		outName = defaultTFOutput
	}
	inOp := m.Graph.Operation(inName)
	outOp := m.Graph.Operation(outName)
	if inOp == nil || outOp == nil {
		m.Session.Close()
		return nil, fmt.Errorf("%w: %s: graph has no operation %q or %q", backend.ErrLoad, desc.Name, inName, outName)
	}

	a.logger.Debug("Loaded saved model", slog.String("model", desc.Name), slog.String("path", desc.ModelPath))
	return &tfSession{
		model:     m,
		input:     inOp.Output(0),
		output:    outOp.Output(0),
		spec:      desc.Input,
		footprint: backend.SizeOf(desc.ModelPath),
	}, nil
}

func (a *Adapter) Infer(ctx context.Context, sess backend.Session, batch preprocess.Batch) ([][]float32, error) {
	s, ok := sess.(*tfSession)
	if !ok {
		return nil, fmt.Errorf("%w: session %T is not a TensorFlow session", backend.ErrInference, sess)
	}
	if want := preprocess.Shape(s.spec); !slices.Equal(batch.Shape[1:], want) {
		return nil, fmt.Errorf("%w: batch shape %v does not match model input %v", backend.ErrInference, batch.Shape[1:], want)
	}
	return backend.LoopBatch(ctx, batch, func(row []float32) ([]float32, error) {
		tensor, err := tf.NewTensor(nhwc(row, s.spec.Size))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create tensor: %w", backend.ErrInference, err)
		}
		output, err := s.model.Session.Run(
			map[tf.Output]*tf.Tensor{s.input: tensor},
			[]tf.Output{s.output},
			nil,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", backend.ErrInference, err)
		}
		probabilities, ok := output[0].Value().([][]float32)
		if !ok || len(probabilities) != 1 {
			return nil, fmt.Errorf("%w: unexpected output %T", backend.ErrInference, output[0].Value())
		}
		return probabilities[0], nil
	})
}

func (a *Adapter) Unload(sess backend.Session) error {
	s, ok := sess.(*tfSession)
	if !ok {
		return fmt.Errorf("session %T is not a TensorFlow session", sess)
	}
	return s.model.Session.Close()
}

// nhwc reshapes one flat image into the [1][H][W][3] value tf.NewTensor takes.
func nhwc(row []float32, size int) [][][][]float32 {
	img := make([][][]float32, size)
	for y := range size {
		img[y] = make([][]float32, size)
		for x := range size {
			i := (y*size + x) * 3
			img[y][x] = row[i : i+3 : i+3]
		}
	}
	return [][][][]float32{img}
}
