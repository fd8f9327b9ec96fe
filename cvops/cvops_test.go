package cvops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferbridge/frame"
	"inferbridge/preprocess"
	"inferbridge/tensor"
)

func TestOpsAgreeWithNativeOnConversionAndNormalization(t *testing.T) {
	f := frame.New(4, 2, frame.BGRA)
	for i := range f.Data {
		f.Data[i] = byte(i * 5)
	}
	params := preprocess.Params{
		Name:         "input",
		TargetWidth:  4,
		TargetHeight: 2,
		SourceFormat: frame.BGRA,
		TargetFormat: frame.RGB,
		Layout:       preprocess.NCHW,
		DType:        tensor.Float32,
		Mean:         []float64{10},
		StdDev:       []float64{2},
	}
	cv, err := preprocess.New(params, Ops{})
	require.NoError(t, err)
	native, err := preprocess.New(params, preprocess.Native{})
	require.NoError(t, err)

	got, err := cv.Preprocess(f)
	require.NoError(t, err)
	want, err := native.Preprocess(f)
	require.NoError(t, err)
	assert.Equal(t, want.Shape, got.Shape)
	assert.InDeltaSlice(t, want.Float32s(), got.Float32s(), 1e-4)
}

func TestResizeKeepsFormat(t *testing.T) {
	f := frame.New(8, 8, frame.RGB)
	for i := 0; i < len(f.Data); i += 3 {
		f.Data[i], f.Data[i+1], f.Data[i+2] = 1, 2, 3
	}
	out, err := Ops{}.Resize(f, 2, 4, preprocess.Bilinear)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Width)
	assert.Equal(t, 4, out.Height)
	assert.Equal(t, frame.RGB, out.Format)
	assert.Equal(t, []byte{1, 2, 3}, out.Data[:3])
}
