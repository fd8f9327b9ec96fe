package preprocess

import (
	"fmt"
	"image"
	"math"

	"github.com/nfnt/resize"

	"inferbridge/frame"
	"inferbridge/tensor"
)

// Native implements Ops in pure Go.
type Native struct{}

func (Native) Resize(f *frame.Frame, width int, height int, interpolation Interpolation) (*frame.Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid size %dx%d", width, height)
	}
	fn := resize.Bilinear
	if interpolation == Nearest {
		fn = resize.NearestNeighbor
	}
	img, err := toImage(f)
	if err != nil {
		return nil, err
	}
	resized := resize.Resize(uint(width), uint(height), img, fn)
	out := frame.New(width, height, f.Format)
	out.Index = f.Index
	out.Timestamp = f.Timestamp
	fromImage(resized, out)
	return out, nil
}

// toImage wraps the frame pixels positionally: channel order is preserved
// and 3 channel frames get an opaque fourth channel. image.RGBA is used
// because the resizer interpolates its channels independently.
func toImage(f *frame.Frame) (image.Image, error) {
	rect := image.Rect(0, 0, f.Width, f.Height)
	switch f.Channels {
	case 1:
		return &image.Gray{Pix: f.Data, Stride: f.Width, Rect: rect}, nil
	case 3:
		img := image.NewRGBA(rect)
		for src, dst := 0, 0; src < len(f.Data); src, dst = src+3, dst+4 {
			img.Pix[dst] = f.Data[src]
			img.Pix[dst+1] = f.Data[src+1]
			img.Pix[dst+2] = f.Data[src+2]
			img.Pix[dst+3] = 0xff
		}
		return img, nil
	case 4:
		return &image.RGBA{Pix: f.Data, Stride: f.Width * 4, Rect: rect}, nil
	}
	return nil, fmt.Errorf("unsupported channel count %d", f.Channels)
}

func fromImage(img image.Image, out *frame.Frame) {
	bounds := img.Bounds()
	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < out.Height; y++ {
			copy(out.Data[y*out.Width:(y+1)*out.Width], src.Pix[y*src.Stride:])
		}
		return
	case *image.RGBA:
		for y := 0; y < out.Height; y++ {
			row := src.Pix[y*src.Stride:]
			for x := 0; x < out.Width; x++ {
				copy(out.Data[(y*out.Width+x)*out.Channels:], row[x*4:x*4+out.Channels])
			}
		}
		return
	}
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			r, g, b, a := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			px := [4]byte{byte(r >> 8), byte(g >> 8), byte(b >> 8), byte(a >> 8)}
			i := (y*out.Width + x) * out.Channels
			if out.Channels == 1 {
				out.Data[i] = px[0]
				continue
			}
			copy(out.Data[i:i+out.Channels], px[:out.Channels])
		}
	}
}

func (Native) Convert(f *frame.Frame, to frame.PixelFormat) (*frame.Frame, error) {
	if f.Format.Channels() == 0 || to.Channels() == 0 {
		return nil, fmt.Errorf("cannot convert %s to %s", f.Format, to)
	}
	out := frame.New(f.Width, f.Height, to)
	out.Index = f.Index
	out.Timestamp = f.Timestamp
	if f.Format == to {
		copy(out.Data, f.Data)
		return out, nil
	}
	n := f.Width * f.Height
	for i := 0; i < n; i++ {
		r, g, b, a := readPixel(f.Format, f.Data[i*f.Channels:])
		writePixel(to, out.Data[i*out.Channels:], r, g, b, a)
	}
	return out, nil
}

func readPixel(format frame.PixelFormat, px []byte) (r, g, b, a byte) {
	switch format {
	case frame.Gray:
		return px[0], px[0], px[0], 0xff
	case frame.RGB:
		return px[0], px[1], px[2], 0xff
	case frame.BGR:
		return px[2], px[1], px[0], 0xff
	case frame.RGBA:
		return px[0], px[1], px[2], px[3]
	case frame.BGRA:
		return px[2], px[1], px[0], px[3]
	}
	return 0, 0, 0, 0
}

func writePixel(format frame.PixelFormat, px []byte, r, g, b, a byte) {
	switch format {
	case frame.Gray:
		// ITU-R 601 luma, same weights as color.GrayModel.
		px[0] = byte((19595*uint32(r) + 38470*uint32(g) + 7471*uint32(b) + 1<<15) >> 16)
	case frame.RGB:
		px[0], px[1], px[2] = r, g, b
	case frame.BGR:
		px[0], px[1], px[2] = b, g, r
	case frame.RGBA:
		px[0], px[1], px[2], px[3] = r, g, b, a
	case frame.BGRA:
		px[0], px[1], px[2], px[3] = b, g, r, a
	}
}

func (Native) Normalize(f *frame.Frame, params Params) (*tensor.Tensor, error) {
	if f.Channels != params.TargetFormat.Channels() {
		return nil, fmt.Errorf("frame has %d channels, want %d", f.Channels, params.TargetFormat.Channels())
	}
	t, err := tensor.New(params.Name, params.DType, params.Shape())
	if err != nil {
		return nil, err
	}
	channels := f.Channels
	plane := f.Width * f.Height
	scale := make([]float64, channels)
	offset := make([]float64, channels)
	for c := 0; c < channels; c++ {
		scale[c] = 1 / params.stddev(c)
		offset[c] = params.mean(c)
	}
	index := func(i, c int) int {
		if params.Layout == NCHW {
			return c*plane + i
		}
		return i*channels + c
	}
	switch params.DType {
	case tensor.Float32:
		out := t.Float32s()
		for i := 0; i < plane; i++ {
			for c := 0; c < channels; c++ {
				v := (float64(f.Data[i*channels+c]) - offset[c]) * scale[c]
				out[index(i, c)] = float32(clamp(v, -math.MaxFloat32, math.MaxFloat32))
			}
		}
	case tensor.Float64:
		out := t.Float64s()
		for i := 0; i < plane; i++ {
			for c := 0; c < channels; c++ {
				out[index(i, c)] = (float64(f.Data[i*channels+c]) - offset[c]) * scale[c]
			}
		}
	case tensor.UInt8:
		out := t.Uint8s()
		for i := 0; i < plane; i++ {
			for c := 0; c < channels; c++ {
				v := (float64(f.Data[i*channels+c]) - offset[c]) * scale[c]
				out[index(i, c)] = uint8(clamp(math.Round(v), 0, math.MaxUint8))
			}
		}
	case tensor.Int32:
		out := t.Int32s()
		for i := 0; i < plane; i++ {
			for c := 0; c < channels; c++ {
				v := (float64(f.Data[i*channels+c]) - offset[c]) * scale[c]
				out[index(i, c)] = int32(clamp(math.Round(v), math.MinInt32, math.MaxInt32))
			}
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %s", params.DType)
	}
	return t, nil
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FromPlanes packs normalized per-channel planes of width*height values into
// a tensor laid out and clamped per params.
func FromPlanes(params Params, planes [][]float32) (*tensor.Tensor, error) {
	channels := params.TargetFormat.Channels()
	if len(planes) != channels {
		return nil, fmt.Errorf("got %d planes, want %d", len(planes), channels)
	}
	plane := params.TargetWidth * params.TargetHeight
	for c, p := range planes {
		if len(p) != plane {
			return nil, fmt.Errorf("plane %d has %d values, want %d", c, len(p), plane)
		}
	}
	t, err := tensor.New(params.Name, params.DType, params.Shape())
	if err != nil {
		return nil, err
	}
	for c, p := range planes {
		for i, v := range p {
			j := i*channels + c
			if params.Layout == NCHW {
				j = c*plane + i
			}
			switch params.DType {
			case tensor.Float32:
				t.Float32s()[j] = v
			case tensor.Float64:
				t.Float64s()[j] = float64(v)
			case tensor.UInt8:
				t.Uint8s()[j] = uint8(clamp(math.Round(float64(v)), 0, math.MaxUint8))
			case tensor.Int32:
				t.Int32s()[j] = int32(clamp(math.Round(float64(v)), math.MinInt32, math.MaxInt32))
			default:
				return nil, fmt.Errorf("unsupported dtype %s", params.DType)
			}
		}
	}
	return t, nil
}
