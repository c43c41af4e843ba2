package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/webp"

	"github.com/krau/multitagger/model"
)

var ErrInvalidImage = errors.New("invalid image")

// Batch is a stack of preprocessed images sharing one shape.
type Batch struct {
	Data  []float32
	Shape []int64
}

func (b Batch) Len() int {
	if len(b.Shape) == 0 {
		return 0
	}
	return int(b.Shape[0])
}

// Row returns the tensor of the i-th image in the batch.
func (b Batch) Row(i int) []float32 {
	stride := len(b.Data) / b.Len()
	return b.Data[i*stride : (i+1)*stride]
}

// Decode sniffs and decodes raw image bytes, honoring EXIF orientation.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidImage)
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("%w: unsupported content type %s", ErrInvalidImage, mt.String())
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	return img, nil
}

// Shape is the per-image tensor shape for spec, without the batch dimension.
func Shape(spec model.InputSpec) []int64 {
	s := int64(spec.Size)
	if spec.Layout == model.LayoutNCHW {
		return []int64{3, s, s}
	}
	return []int64{s, s, 3}
}

// Prepare turns img into the flat tensor described by spec.
func Prepare(img image.Image, spec model.InputSpec) ([]float32, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrInvalidImage)
	}
	size := spec.Size
	if size <= 0 {
		return nil, fmt.Errorf("input size is not set")
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: image has no pixels", ErrInvalidImage)
	}
	fill := spec.FillColor()

	// flatten transparency onto the fill color
	flat := imaging.Overlay(imaging.New(w, h, fill), img, image.Pt(0, 0), 1.0)

	scale := float64(size) / float64(max(w, h))
	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))
	filter := imaging.Lanczos
	if scale > 1 {
		filter = imaging.CatmullRom
	}
	resized := imaging.Resize(flat, nw, nh, filter)

	canvas := imaging.New(size, size, fill)
	canvas = imaging.Paste(canvas, resized, image.Pt((size-nw)/2, (size-nh)/2))

	return toTensor(canvas, spec), nil
}

func toTensor(img *image.NRGBA, spec model.InputSpec) []float32 {
	size := spec.Size
	plane := size * size
	out := make([]float32, 3*plane)

	order := [3]int{0, 1, 2}
	if spec.Channels == model.BGR {
		order = [3]int{2, 1, 0}
	}
	nchw := spec.Layout == model.LayoutNCHW

	for y := range size {
		row := img.Pix[y*img.Stride:]
		for x := range size {
			px := row[x*4 : x*4+3]
			for c := range 3 {
				v := normalize(float32(px[order[c]]), c, spec)
				if nchw {
					out[c*plane+y*size+x] = v
				} else {
					out[(y*size+x)*3+c] = v
				}
			}
		}
	}
	return out
}

func normalize(v float32, c int, spec model.InputSpec) float32 {
	switch spec.Normalize {
	case model.NormalizeUnit:
		return v / 255
	case model.NormalizeMeanStd:
		std := spec.Std[c]
		if std == 0 {
			std = 1
		}
		return (v/255 - spec.Mean[c]) / std
	default:
		return v
	}
}

// Stack builds a batch from tensors produced by Prepare with the same spec.
func Stack(rows [][]float32, spec model.InputSpec) Batch {
	shape := append([]int64{int64(len(rows))}, Shape(spec)...)
	if len(rows) == 0 {
		return Batch{Shape: shape}
	}
	data := make([]float32, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		data = append(data, r...)
	}
	return Batch{Data: data, Shape: shape}
}

// PrepareBatch prepares every image and stacks them. It fails on the first
// image that cannot be prepared; callers that need per-image isolation
// use Prepare and Stack directly.
func PrepareBatch(imgs []image.Image, spec model.InputSpec) (Batch, error) {
	rows := make([][]float32, 0, len(imgs))
	for i, img := range imgs {
		r, err := Prepare(img, spec)
		if err != nil {
			return Batch{}, fmt.Errorf("image %d: %w", i, err)
		}
		rows = append(rows, r)
	}
	return Stack(rows, spec), nil
}
