package preprocess

import (
	"fmt"
	"strings"

	"inferbridge/frame"
	"inferbridge/tensor"
)

type Interpolation int

const (
	Bilinear Interpolation = iota
	Nearest
)

func ParseInterpolation(s string) (Interpolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bilinear", "linear":
		return Bilinear, nil
	case "nearest", "nearest_neighbor":
		return Nearest, nil
	}
	return Bilinear, fmt.Errorf("unknown interpolation %q", s)
}

func (i Interpolation) String() string {
	if i == Nearest {
		return "nearest"
	}
	return "bilinear"
}

// Layout is the dimension order of the produced tensor.
type Layout int

const (
	NHWC Layout = iota
	NCHW
)

func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nhwc":
		return NHWC, nil
	case "nchw":
		return NCHW, nil
	}
	return NHWC, fmt.Errorf("unknown layout %q", s)
}

func (l Layout) String() string {
	if l == NCHW {
		return "nchw"
	}
	return "nhwc"
}

// Params describe how a frame becomes a model input.
type Params struct {
	Name          string
	TargetWidth   int
	TargetHeight  int
	SourceFormat  frame.PixelFormat
	TargetFormat  frame.PixelFormat
	Layout        Layout
	DType         tensor.DType
	Interpolation Interpolation
	// Mean and StdDev hold one value per target channel, or a single value
	// applied to all channels. Empty means 0 and 1.
	Mean   []float64
	StdDev []float64
}

func (p Params) Validate() error {
	if p.TargetWidth <= 0 || p.TargetHeight <= 0 {
		return fmt.Errorf("invalid target size %dx%d", p.TargetWidth, p.TargetHeight)
	}
	if p.SourceFormat.Channels() == 0 {
		return fmt.Errorf("invalid source format %s", p.SourceFormat)
	}
	if p.TargetFormat.Channels() == 0 {
		return fmt.Errorf("invalid target format %s", p.TargetFormat)
	}
	switch p.DType {
	case tensor.Float32, tensor.Float64, tensor.UInt8, tensor.Int32:
	default:
		return fmt.Errorf("unsupported tensor dtype %s", p.DType)
	}
	channels := p.TargetFormat.Channels()
	if n := len(p.Mean); n > 1 && n != channels {
		return fmt.Errorf("mean has %d values, target format %s has %d channels", n, p.TargetFormat, channels)
	}
	if n := len(p.StdDev); n > 1 && n != channels {
		return fmt.Errorf("stddev has %d values, target format %s has %d channels", n, p.TargetFormat, channels)
	}
	for _, s := range p.StdDev {
		if s == 0 {
			return fmt.Errorf("stddev must not be zero")
		}
	}
	return nil
}

// Shape is the shape of the tensors produced with these parameters.
func (p Params) Shape() tensor.Shape {
	c := int64(p.TargetFormat.Channels())
	h, w := int64(p.TargetHeight), int64(p.TargetWidth)
	if p.Layout == NCHW {
		return tensor.Shape{1, c, h, w}
	}
	return tensor.Shape{1, h, w, c}
}

func (p Params) mean(c int) float64 {
	switch len(p.Mean) {
	case 0:
		return 0
	case 1:
		return p.Mean[0]
	}
	return p.Mean[c]
}

func (p Params) stddev(c int) float64 {
	switch len(p.StdDev) {
	case 0:
		return 1
	case 1:
		return p.StdDev[0]
	}
	return p.StdDev[c]
}
