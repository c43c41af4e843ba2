package model

import (
	"image/color"
	"strings"
)

type Layout string

const (
	LayoutNHWC Layout = "NHWC"
	LayoutNCHW Layout = "NCHW"
)

type ChannelOrder string

const (
	RGB ChannelOrder = "RGB"
	BGR ChannelOrder = "BGR"
)

type Normalization string

const (
	// NormalizeRaw keeps pixel values in 0-255.
	NormalizeRaw Normalization = "raw"
	// NormalizeUnit scales pixel values into 0-1.
	NormalizeUnit Normalization = "unit"
	// NormalizeMeanStd scales into 0-1 then applies per-channel mean/std.
	NormalizeMeanStd Normalization = "meanstd"
)

var (
	ClipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// InputSpec describes the tensor a model expects for one image.
// A zero Size means the size is read from the model when it is loaded.
type InputSpec struct {
	Size      int           `toml:"size"`
	Layout    Layout        `toml:"layout"`
	Channels  ChannelOrder  `toml:"channels"`
	Normalize Normalization `toml:"normalize"`
	Mean      [3]float32    `toml:"mean"`
	Std       [3]float32    `toml:"std"`
	Fill      string        `toml:"fill"`
}

func (s InputSpec) FillColor() color.NRGBA {
	switch strings.ToLower(s.Fill) {
	case "black":
		return color.NRGBA{A: 255}
	case "gray", "grey":
		return color.NRGBA{R: 128, G: 128, B: 128, A: 255}
	default:
		return color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	}
}

// WDInput is the layout of the SmilingWolf WD14 taggers: BGR, 0-255,
// padded with white.
func WDInput() InputSpec {
	return InputSpec{
		Layout:    LayoutNHWC,
		Channels:  BGR,
		Normalize: NormalizeRaw,
		Fill:      "white",
	}
}

// DeepDanbooruInput is the layout DeepDanbooru projects are trained with.
func DeepDanbooruInput(size int) InputSpec {
	return InputSpec{
		Size:      size,
		Layout:    LayoutNHWC,
		Channels:  RGB,
		Normalize: NormalizeUnit,
		Fill:      "black",
	}
}

// ClipInput matches CLIP-normalized vision towers such as JoyTag.
func ClipInput(size int) InputSpec {
	return InputSpec{
		Size:      size,
		Layout:    LayoutNCHW,
		Channels:  RGB,
		Normalize: NormalizeMeanStd,
		Mean:      ClipMean,
		Std:       ClipStd,
		Fill:      "white",
	}
}

// Merge returns s with every non-zero field of o applied on top.
func (s InputSpec) Merge(o InputSpec) InputSpec {
	if o.Size > 0 {
		s.Size = o.Size
	}
	if o.Layout != "" {
		s.Layout = Layout(strings.ToUpper(string(o.Layout)))
	}
	if o.Channels != "" {
		s.Channels = ChannelOrder(strings.ToUpper(string(o.Channels)))
	}
	if o.Normalize != "" {
		s.Normalize = Normalization(strings.ToLower(string(o.Normalize)))
	}
	if o.Mean != [3]float32{} {
		s.Mean = o.Mean
	}
	if o.Std != [3]float32{} {
		s.Std = o.Std
	}
	if o.Fill != "" {
		s.Fill = o.Fill
	}
	return s
}
