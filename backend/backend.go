package backend

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/krau/multitagger/model"
	"github.com/krau/multitagger/preprocess"
)

var (
	ErrLoad      = errors.New("failed to load model")
	ErrInference = errors.New("inference failed")
	// ErrSessionCorrupted marks inference failures after which the session
	// must not be reused.
	ErrSessionCorrupted = errors.New("session state corrupted")
)

// Target is the execution target a session actually runs on.
type Target string

const (
	TargetCUDA       Target = "cuda"
	TargetCPU        Target = "cpu"
	TargetTensorFlow Target = "tensorflow"
)

// Session is a loaded model owned by an Adapter.
type Session interface {
	// Input is the resolved input spec, with Size always set.
	Input() model.InputSpec
	Target() Target
	// Concurrent reports whether Infer may run concurrently on this session.
	Concurrent() bool
	// Footprint is the estimated memory held by the session, in bytes.
	Footprint() int64
}

// Adapter runs one runtime family. Infer always accepts a batch and returns
// one score row per image, whether or not the runtime batches natively.
type Adapter interface {
	Load(ctx context.Context, desc model.Descriptor) (Session, error)
	Infer(ctx context.Context, s Session, batch preprocess.Batch) ([][]float32, error)
	Unload(s Session) error
}

// SizeOf returns the size of a file, or of every file under a directory.
func SizeOf(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}

// splitRows cuts a flat N×L output into rows.
func splitRows(data []float32, n int) [][]float32 {
	if n == 0 {
		return nil
	}
	width := len(data) / n
	rows := make([][]float32, n)
	for i := range rows {
		row := make([]float32, width)
		copy(row, data[i*width:(i+1)*width])
		rows[i] = row
	}
	return rows
}

// LoopBatch runs single-image inference for every row of batch and stacks
// the results, for runtimes that only take one image at a time.
func LoopBatch(ctx context.Context, batch preprocess.Batch, run func(row []float32) ([]float32, error)) ([][]float32, error) {
	out := make([][]float32, 0, batch.Len())
	for i := range batch.Len() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scores, err := run(batch.Row(i))
		if err != nil {
			return nil, err
		}
		out = append(out, scores)
	}
	return out, nil
}
