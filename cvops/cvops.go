// Package cvops implements the preprocessing capability and a frame source
// on top of OpenCV.
package cvops

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"inferbridge/frame"
	"inferbridge/preprocess"
	"inferbridge/tensor"
)

// Ops implements preprocess.Ops with OpenCV.
type Ops struct{}

var _ preprocess.Ops = Ops{}

func matType(channels int) (gocv.MatType, error) {
	switch channels {
	case 1:
		return gocv.MatTypeCV8UC1, nil
	case 3:
		return gocv.MatTypeCV8UC3, nil
	case 4:
		return gocv.MatTypeCV8UC4, nil
	}
	return gocv.MatTypeCV8UC1, fmt.Errorf("unsupported channel count %d", channels)
}

func toMat(f *frame.Frame) (gocv.Mat, error) {
	mt, err := matType(f.Channels)
	if err != nil {
		return gocv.NewMat(), err
	}
	return gocv.NewMatFromBytes(f.Height, f.Width, mt, f.Data)
}

func fromMat(mat gocv.Mat, format frame.PixelFormat, src *frame.Frame) (*frame.Frame, error) {
	if mat.Channels() != format.Channels() {
		return nil, fmt.Errorf("mat has %d channels, %s needs %d", mat.Channels(), format, format.Channels())
	}
	out := frame.New(mat.Cols(), mat.Rows(), format)
	copy(out.Data, mat.ToBytes())
	out.Index = src.Index
	out.Timestamp = src.Timestamp
	return out, nil
}

func (Ops) Resize(f *frame.Frame, width int, height int, interpolation preprocess.Interpolation) (*frame.Frame, error) {
	src, err := toMat(f)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	dst := gocv.NewMat()
	defer dst.Close()
	flag := gocv.InterpolationLinear
	if interpolation == preprocess.Nearest {
		flag = gocv.InterpolationNearestNeighbor
	}
	gocv.Resize(src, &dst, image.Pt(width, height), 0, 0, flag)
	if dst.Empty() {
		return nil, fmt.Errorf("resize to %dx%d produced no data", width, height)
	}
	return fromMat(dst, f.Format, f)
}

var toBGR = map[frame.PixelFormat]gocv.ColorConversionCode{
	frame.Gray: gocv.ColorGrayToBGR,
	frame.RGB:  gocv.ColorRGBToBGR,
	frame.RGBA: gocv.ColorRGBAToBGR,
	frame.BGRA: gocv.ColorBGRAToBGR,
}

var fromBGR = map[frame.PixelFormat]gocv.ColorConversionCode{
	frame.Gray: gocv.ColorBGRToGray,
	frame.RGB:  gocv.ColorBGRToRGB,
	frame.RGBA: gocv.ColorBGRToRGBA,
	frame.BGRA: gocv.ColorBGRToBGRA,
}

// Convert goes through BGR, the OpenCV native order, so any declared pair of
// formats can be served with two conversions at most.
func (Ops) Convert(f *frame.Frame, to frame.PixelFormat) (*frame.Frame, error) {
	if to.Channels() == 0 {
		return nil, fmt.Errorf("cannot convert to %s", to)
	}
	if f.Format == to {
		return f.Clone(), nil
	}
	src, err := toMat(f)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	bgr := src
	if f.Format != frame.BGR {
		code, ok := toBGR[f.Format]
		if !ok {
			return nil, fmt.Errorf("cannot convert from %s", f.Format)
		}
		bgr = gocv.NewMat()
		defer bgr.Close()
		gocv.CvtColor(src, &bgr, code)
	}
	if to == frame.BGR {
		return fromMat(bgr, to, f)
	}
	dst := gocv.NewMat()
	defer dst.Close()
	gocv.CvtColor(bgr, &dst, fromBGR[to])
	return fromMat(dst, to, f)
}

// Normalize splits the frame into planes and scales each with
// ConvertToWithParams, so (px - mean) / stddev runs inside OpenCV.
func (Ops) Normalize(f *frame.Frame, params preprocess.Params) (*tensor.Tensor, error) {
	if f.Channels != params.TargetFormat.Channels() {
		return nil, fmt.Errorf("frame has %d channels, want %d", f.Channels, params.TargetFormat.Channels())
	}
	src, err := toMat(f)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	channels := gocv.Split(src)
	defer func() {
		for _, c := range channels {
			c.Close()
		}
	}()
	planes := make([][]float32, len(channels))
	for c, channel := range channels {
		std := value(params.StdDev, c, 1)
		mean := value(params.Mean, c, 0)
		scaled := gocv.NewMat()
		channel.ConvertToWithParams(&scaled, gocv.MatTypeCV32F, float32(1/std), float32(-mean/std))
		data, err := scaled.DataPtrFloat32()
		if err != nil {
			scaled.Close()
			return nil, err
		}
		planes[c] = append([]float32(nil), data...)
		scaled.Close()
	}
	return preprocess.FromPlanes(params, planes)
}

func value(values []float64, c int, fallback float64) float64 {
	switch len(values) {
	case 0:
		return fallback
	case 1:
		return values[0]
	}
	return values[c]
}
