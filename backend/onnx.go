package backend

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/krau/multitagger/model"
	"github.com/krau/multitagger/preprocess"
)

type ONNXOptions struct {
	// Device is auto, cuda or cpu. auto and cuda fall back to cpu when
	// the CUDA provider cannot be used.
	Device         string
	IntraOpThreads int
	Serialize      bool
}

// ONNX runs tensor-graph models through onnxruntime. The runtime
// environment must be initialized before Load is called.
type ONNX struct {
	opts   ONNXOptions
	logger *slog.Logger
}

func NewONNX(opts ONNXOptions, logger *slog.Logger) *ONNX {
	if logger == nil {
		logger = slog.Default()
	}
	return &ONNX{opts: opts, logger: logger}
}

type onnxSession struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	input      model.InputSpec
	width      int64
	target     Target
	footprint  int64
	concurrent bool

	// singleImage is set when the model input has a fixed batch size of one.
	singleImage bool
}

func (s *onnxSession) Input() model.InputSpec { return s.input }
func (s *onnxSession) Target() Target         { return s.target }
func (s *onnxSession) Concurrent() bool       { return s.concurrent }
func (s *onnxSession) Footprint() int64       { return s.footprint }

func (a *ONNX) Load(_ context.Context, desc model.Descriptor) (Session, error) {
	if !ort.IsInitialized() {
		return nil, fmt.Errorf("%w: onnxruntime environment is not initialized", ErrLoad)
	}
	inputs, outputs, err := ort.GetInputOutputInfo(desc.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get model input/output info: %w", ErrLoad, err)
	}
	in, err := pickEndpoint(inputs, desc.InputName)
	if err != nil {
		return nil, fmt.Errorf("%w: input: %w", ErrLoad, err)
	}
	out, err := pickEndpoint(outputs, desc.OutputName)
	if err != nil {
		return nil, fmt.Errorf("%w: output: %w", ErrLoad, err)
	}
	spec, err := resolveInput(desc.Input, in.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, desc.Name, err)
	}
	var width int64 = -1
	if dims := out.Dimensions; len(dims) == 2 && dims[1] > 0 {
		width = dims[1]
	}

	session, target, err := a.newSession(desc, in.Name, out.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create ONNX Runtime session: %w", ErrLoad, err)
	}
	return &onnxSession{
		session:     session,
		inputName:   in.Name,
		outputName:  out.Name,
		input:       spec,
		width:       width,
		target:      target,
		footprint:   SizeOf(desc.ModelPath),
		concurrent:  !a.opts.Serialize,
		singleImage: in.Dimensions[0] == 1,
	}, nil
}

func (a *ONNX) newSession(desc model.Descriptor, input, output string) (*ort.DynamicAdvancedSession, Target, error) {
	opts, target, err := a.sessionOptions(a.opts.Device != "cpu")
	if err != nil {
		return nil, "", err
	}
	session, err := ort.NewDynamicAdvancedSession(desc.ModelPath, []string{input}, []string{output}, opts)
	opts.Destroy()
	if err == nil || target == TargetCPU {
		return session, target, err
	}

	a.logger.Warn("CUDA session failed, falling back to CPU",
		slog.String("model", desc.Name), slog.String("error", err.Error()))
	opts, target, err = a.sessionOptions(false)
	if err != nil {
		return nil, "", err
	}
	defer opts.Destroy()
	session, err = ort.NewDynamicAdvancedSession(desc.ModelPath, []string{input}, []string{output}, opts)
	return session, target, err
}

func (a *ONNX) sessionOptions(cuda bool) (*ort.SessionOptions, Target, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, "", fmt.Errorf("failed to create session options: %w", err)
	}
	if a.opts.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(a.opts.IntraOpThreads); err != nil {
			opts.Destroy()
			return nil, "", err
		}
	}
	if !cuda {
		return opts, TargetCPU, nil
	}
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err == nil {
		defer cudaOpts.Destroy()
		err = opts.AppendExecutionProviderCUDA(cudaOpts)
	}
	if err != nil {
		a.logger.Warn("CUDA execution provider unavailable, using CPU", slog.String("error", err.Error()))
		return opts, TargetCPU, nil
	}
	return opts, TargetCUDA, nil
}

func (a *ONNX) Infer(ctx context.Context, sess Session, batch preprocess.Batch) ([][]float32, error) {
	s, ok := sess.(*onnxSession)
	if !ok {
		return nil, fmt.Errorf("%w: session %T is not an ONNX session", ErrInference, sess)
	}
	if batch.Len() == 0 {
		return nil, nil
	}
	if want := preprocess.Shape(s.input); !slices.Equal(batch.Shape[1:], want) {
		return nil, fmt.Errorf("%w: batch shape %v does not match model input %v", ErrInference, batch.Shape[1:], want)
	}
	return runBatch(ctx, batch, s.singleImage, s.run)
}

// runBatch feeds the batch in one run, or one image per run for models
// exported with a fixed batch size of one.
func runBatch(ctx context.Context, batch preprocess.Batch, singleImage bool, run func(preprocess.Batch) ([][]float32, error)) ([][]float32, error) {
	if !singleImage || batch.Len() == 1 {
		return run(batch)
	}
	shape := append([]int64{1}, batch.Shape[1:]...)
	return LoopBatch(ctx, batch, func(row []float32) ([]float32, error) {
		rows, err := run(preprocess.Batch{Data: row, Shape: shape})
		if err != nil {
			return nil, err
		}
		return rows[0], nil
	})
}

func (s *onnxSession) run(batch preprocess.Batch) ([][]float32, error) {
	n := batch.Len()
	input, err := ort.NewTensor(ort.NewShape(batch.Shape...), batch.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create input tensor: %w", ErrInference, err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if s.width > 0 {
		output, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(n), s.width))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create output tensor: %w", ErrInference, err)
		}
		outputs[0] = output
	}
	if err := s.session.Run([]ort.Value{input}, outputs); err != nil {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	defer outputs[0].Destroy()

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: unexpected output type %T", ErrInference, outputs[0])
	}
	data := logits.GetData()
	if len(data)%n != 0 {
		return nil, fmt.Errorf("%w: output of %d values cannot be split into %d rows", ErrInference, len(data), n)
	}
	return splitRows(data, n), nil
}

func (a *ONNX) Unload(sess Session) error {
	s, ok := sess.(*onnxSession)
	if !ok {
		return fmt.Errorf("session %T is not an ONNX session", sess)
	}
	return s.session.Destroy()
}

func pickEndpoint(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, error) {
	if len(infos) == 0 {
		return ort.InputOutputInfo{}, fmt.Errorf("model declares none")
	}
	if name == "" {
		return infos[0], nil
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return ort.InputOutputInfo{}, fmt.Errorf("model has no endpoint named %q", name)
}

// resolveInput reconciles the declared spec with the model's input
// dimensions, filling in the layout and size when they are not declared.
func resolveInput(spec model.InputSpec, dims []int64) (model.InputSpec, error) {
	if len(dims) != 4 {
		return spec, fmt.Errorf("expected a 4D image input, got %v", dims)
	}
	var layout model.Layout
	var size int64
	switch {
	case dims[3] == 3:
		layout, size = model.LayoutNHWC, dims[1]
	case dims[1] == 3:
		layout, size = model.LayoutNCHW, dims[2]
	default:
		return spec, fmt.Errorf("cannot find the channel dimension in %v", dims)
	}
	if spec.Layout == "" {
		spec.Layout = layout
	} else if spec.Layout != layout {
		return spec, fmt.Errorf("declared layout %s, model input is %s %v", spec.Layout, layout, dims)
	}
	switch {
	case size > 0 && spec.Size == 0:
		spec.Size = int(size)
	case size > 0 && int64(spec.Size) != size:
		return spec, fmt.Errorf("declared input size %d, model input is %d", spec.Size, size)
	case size <= 0 && spec.Size == 0:
		return spec, fmt.Errorf("model input size is dynamic and none is declared")
	}
	return spec, nil
}
