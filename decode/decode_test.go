package decode

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferbridge/model"
	"inferbridge/tensor"
)

func floats(t *testing.T, name string, shape tensor.Shape, values ...float32) *tensor.Tensor {
	t.Helper()
	out, err := tensor.FromFloat32s(name, shape, values)
	require.NoError(t, err)
	return out
}

func result(outputs map[string]*tensor.Tensor) *model.Result {
	return &model.Result{
		RequestID: "req-1",
		Sequence:  7,
		Outputs:   outputs,
		Completed: time.Unix(1700000000, 0).UTC(),
	}
}

func TestClassifyTopK(t *testing.T) {
	schema := Schema{
		Kind:           Classification,
		Labels:         []string{"cat", "dog", "bird", "fish"},
		Classification: ClassificationSchema{TopK: 2},
	}
	res, err := Decode(result(map[string]*tensor.Tensor{
		"scores": floats(t, "scores", tensor.Shape{1, 4}, 0.1, 0.6, 0.05, 0.25),
	}), schema)
	require.NoError(t, err)

	assert.Equal(t, uint64(7), res.Sequence)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, Classification, res.Kind)
	require.Len(t, res.Classifications, 2)
	assert.Equal(t, "dog", res.Classifications[0].Label)
	assert.Equal(t, 1, res.Classifications[0].Class)
	assert.InDelta(t, 0.6, res.Classifications[0].Score, 1e-6)
	assert.Equal(t, "fish", res.Classifications[1].Label)
}

func TestTopKKeepsIndexOrderOnTies(t *testing.T) {
	assert.Equal(t, []int{1, 3, 0}, topK([]float64{0.2, 0.5, 0.1, 0.5}, 3, 0))
	assert.Equal(t, []int{1, 3}, topK([]float64{0.2, 0.5, 0.1, 0.5}, 2, 0))
	assert.Equal(t, []int{1, 3}, topK([]float64{0.2, 0.5, 0.1, 0.5}, 4, 0.3))
	assert.Empty(t, topK([]float64{0.2, math.NaN()}, 2, 0.5))
}

func TestClassifySoftmax(t *testing.T) {
	schema := Schema{
		Kind:           Classification,
		Classification: ClassificationSchema{Scores: "logits", Activation: Softmax, TopK: 1},
	}
	res, err := Decode(result(map[string]*tensor.Tensor{
		"logits": floats(t, "logits", tensor.Shape{3}, 1, 2, 3),
	}), schema)
	require.NoError(t, err)

	require.Len(t, res.Classifications, 1)
	sum := math.Exp(1) + math.Exp(2) + math.Exp(3)
	assert.Equal(t, 2, res.Classifications[0].Class)
	assert.Equal(t, "2", res.Classifications[0].Label)
	assert.InDelta(t, math.Exp(3)/sum, res.Classifications[0].Score, 1e-9)
}

func TestClassifyDequantizes(t *testing.T) {
	scores, err := tensor.FromBytes("scores", tensor.UInt8, tensor.Shape{1, 3}, []byte{0, 128, 255})
	require.NoError(t, err)
	schema := Schema{
		Kind:           Classification,
		Classification: ClassificationSchema{QuantScale: 1.0 / 255, MinScore: 0.4},
	}
	res, err := Decode(result(map[string]*tensor.Tensor{"scores": scores}), schema)
	require.NoError(t, err)

	require.Len(t, res.Classifications, 2)
	assert.Equal(t, 2, res.Classifications[0].Class)
	assert.InDelta(t, 1.0, res.Classifications[0].Score, 1e-9)
	assert.InDelta(t, 128.0/255, res.Classifications[1].Score, 1e-9)
}

func TestClassifySchemaMismatch(t *testing.T) {
	schema := Schema{Kind: Classification, Classification: ClassificationSchema{Scores: "scores"}}

	_, err := Decode(result(map[string]*tensor.Tensor{
		"other": floats(t, "other", tensor.Shape{1, 2}, 0, 1),
	}), schema)
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	_, err = Decode(result(map[string]*tensor.Tensor{
		"scores": floats(t, "scores", tensor.Shape{2, 2}, 0, 1, 2, 3),
	}), schema)
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	_, err = Decode(nil, schema)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestEmptyKeyNeedsSingleOutput(t *testing.T) {
	schema := Schema{Kind: Classification}
	_, err := Decode(result(map[string]*tensor.Tensor{
		"a": floats(t, "a", tensor.Shape{2}, 0, 1),
		"b": floats(t, "b", tensor.Shape{2}, 0, 1),
	}), schema)

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, SchemaMismatch, decodeErr.Kind)
}

func TestEmptyKeyStillValidatesOutput(t *testing.T) {
	yolo := Schema{Kind: Detection, Detection: DetectionSchema{Layout: YOLO, InputWidth: 100, InputHeight: 100}}
	_, err := Decode(result(map[string]*tensor.Tensor{
		"out": {Name: "out", DType: tensor.Float32, Shape: tensor.Shape{1, 6, 2}, Data: make([]byte, 8)},
	}), yolo)
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	_, err = Decode(result(map[string]*tensor.Tensor{
		"out": {Name: "out", DType: tensor.Float32, Shape: tensor.Shape{1, 4}, Data: make([]byte, 4)},
	}), Schema{Kind: Classification})
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	_, err = Decode(result(map[string]*tensor.Tensor{"out": nil}), Schema{Kind: Classification})
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func ssdSchema() Schema {
	return Schema{
		Kind:   Detection,
		Labels: []string{"person", "car"},
		Detection: DetectionSchema{
			Layout:         SSD,
			Boxes:          "boxes",
			Scores:         "scores",
			Classes:        "classes",
			Count:          "count",
			ScoreThreshold: 0.5,
			IoUThreshold:   0.5,
		},
	}
}

func TestDetectSSD(t *testing.T) {
	res, err := Decode(result(map[string]*tensor.Tensor{
		"boxes": floats(t, "boxes", tensor.Shape{1, 4, 4},
			0.1, 0.2, 0.5, 0.6,
			0.12, 0.22, 0.5, 0.6,
			0.6, 0.6, 0.9, 0.9,
			0, 0, 1, 1),
		"scores":  floats(t, "scores", tensor.Shape{1, 4}, 0.9, 0.8, 0.7, 0.95),
		"classes": floats(t, "classes", tensor.Shape{1, 4}, 0, 0, 1, 1),
		"count":   floats(t, "count", tensor.Shape{1}, 3),
	}), ssdSchema())
	require.NoError(t, err)

	// the fourth row lies beyond count, the second overlaps the first
	require.Len(t, res.Detections, 2)
	first := res.Detections[0]
	assert.Equal(t, "person", first.Label)
	assert.InDelta(t, 0.9, first.Score, 1e-6)
	assert.InDelta(t, 0.2, first.Box.XMin, 1e-6)
	assert.InDelta(t, 0.1, first.Box.YMin, 1e-6)
	assert.InDelta(t, 0.6, first.Box.XMax, 1e-6)
	assert.InDelta(t, 0.5, first.Box.YMax, 1e-6)
	assert.Equal(t, "car", res.Detections[1].Label)
}

func TestDetectSSDPerClassScores(t *testing.T) {
	schema := ssdSchema()
	schema.Detection.Classes = ""
	schema.Detection.Count = ""
	res, err := Decode(result(map[string]*tensor.Tensor{
		"boxes": floats(t, "boxes", tensor.Shape{1, 2, 4},
			0, 0, 0.5, 0.5,
			0.5, 0.5, 1, 1),
		"scores": floats(t, "scores", tensor.Shape{1, 2, 2},
			0.2, 0.7,
			0.1, 0.3),
	}), schema)
	require.NoError(t, err)

	require.Len(t, res.Detections, 1)
	assert.Equal(t, 1, res.Detections[0].Class)
	assert.Equal(t, "car", res.Detections[0].Label)
}

func TestDetectSSDSchemaMismatch(t *testing.T) {
	_, err := Decode(result(map[string]*tensor.Tensor{
		"boxes":   floats(t, "boxes", tensor.Shape{1, 2, 3}, 0, 0, 0, 0, 0, 0),
		"scores":  floats(t, "scores", tensor.Shape{1, 2}, 0.9, 0.8),
		"classes": floats(t, "classes", tensor.Shape{1, 2}, 0, 0),
		"count":   floats(t, "count", tensor.Shape{1}, 2),
	}), ssdSchema())
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	_, err = Decode(result(map[string]*tensor.Tensor{
		"boxes":   floats(t, "boxes", tensor.Shape{1, 1, 4}, 0, 0, 1, 1),
		"scores":  floats(t, "scores", tensor.Shape{1, 2}, 0.9, 0.8),
		"classes": floats(t, "classes", tensor.Shape{1, 2}, 0, 0),
		"count":   floats(t, "count", tensor.Shape{1}, 2),
	}), ssdSchema())
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestDetectYOLO(t *testing.T) {
	schema := Schema{
		Kind: Detection,
		Detection: DetectionSchema{
			Layout:         YOLO,
			Output:         "output0",
			ScoreThreshold: 0.5,
			IoUThreshold:   0.5,
			InputWidth:     100,
			InputHeight:    100,
		},
	}
	res, err := Decode(result(map[string]*tensor.Tensor{
		"output0": floats(t, "output0", tensor.Shape{1, 6, 2},
			50, 10,
			50, 10,
			20, 4,
			20, 4,
			0.9, 0.1,
			0.1, 0.8),
	}), schema)
	require.NoError(t, err)

	require.Len(t, res.Detections, 2)
	assert.Equal(t, 0, res.Detections[0].Class)
	assert.InDelta(t, 0.4, res.Detections[0].Box.XMin, 1e-6)
	assert.InDelta(t, 0.6, res.Detections[0].Box.YMax, 1e-6)
	assert.Equal(t, 1, res.Detections[1].Class)
	assert.InDelta(t, 0.08, res.Detections[1].Box.XMin, 1e-6)
	assert.InDelta(t, 0.12, res.Detections[1].Box.XMax, 1e-6)

	schema.Labels = []string{"only one"}
	_, err = Decode(result(map[string]*tensor.Tensor{
		"output0": floats(t, "output0", tensor.Shape{1, 6, 1}, 1, 1, 1, 1, 1, 1),
	}), schema)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestNonMaxSuppressionPrefersLargerBoxOnTie(t *testing.T) {
	small := candidate{index: 0, class: 3, score: 0.8, box: Box{XMin: 0, YMin: 0, XMax: 10, YMax: 1}}
	large := candidate{index: 1, class: 3, score: 0.8, box: Box{XMin: 0, YMin: 0, XMax: 20, YMax: 1}}
	require.InDelta(t, 0.5, small.box.IoU(large.box), 1e-9)

	kept := nonMaxSuppression([]candidate{small, large}, 0.4, false, 0)
	require.Len(t, kept, 1)
	assert.Equal(t, 1, kept[0].index)
	assert.Equal(t, 20.0, kept[0].box.Area())
}

func TestNonMaxSuppressionTieOnAreaKeepsLowerIndex(t *testing.T) {
	a := candidate{index: 4, score: 0.7, box: Box{XMax: 1, YMax: 1}}
	b := candidate{index: 2, score: 0.7, box: Box{XMax: 1, YMax: 1}}

	kept := nonMaxSuppression([]candidate{a, b}, 0.5, false, 0)
	require.Len(t, kept, 1)
	assert.Equal(t, 2, kept[0].index)
}

func TestNonMaxSuppressionClasses(t *testing.T) {
	a := candidate{index: 0, class: 0, score: 0.9, box: Box{XMax: 1, YMax: 1}}
	b := candidate{index: 1, class: 1, score: 0.8, box: Box{XMax: 1, YMax: 1}}
	c := candidate{index: 2, class: 2, score: 0.7, box: Box{XMin: 2, YMin: 2, XMax: 3, YMax: 3}}

	assert.Len(t, nonMaxSuppression([]candidate{a, b, c}, 0.5, false, 0), 3)
	assert.Len(t, nonMaxSuppression([]candidate{a, b, c}, 0.5, true, 0), 2)
	kept := nonMaxSuppression([]candidate{c, b, a}, 0.5, false, 2)
	require.Len(t, kept, 2)
	assert.Equal(t, 0, kept[0].index)
	assert.Equal(t, 1, kept[1].index)
}

func TestKeypoints(t *testing.T) {
	schema := Schema{
		Kind: Keypoints,
		Keypoints: KeypointSchema{
			Tensor:   "pose",
			Names:    []string{"nose", "left_eye", "right_eye"},
			MinScore: 0.5,
		},
	}
	res, err := Decode(result(map[string]*tensor.Tensor{
		"pose": floats(t, "pose", tensor.Shape{1, 1, 3, 3},
			0.1, 0.2, 0.9,
			0.3, 0.4, 0.2,
			0.5, 0.6, 0.6),
	}), schema)
	require.NoError(t, err)

	require.Len(t, res.Keypoints, 2)
	assert.Equal(t, "nose", res.Keypoints[0].Name)
	assert.Equal(t, 0, res.Keypoints[0].Index)
	assert.InDelta(t, 0.1, res.Keypoints[0].Y, 1e-6)
	assert.InDelta(t, 0.2, res.Keypoints[0].X, 1e-6)
	assert.Equal(t, "right_eye", res.Keypoints[1].Name)
	assert.Equal(t, 2, res.Keypoints[1].Index)

	_, err = Decode(result(map[string]*tensor.Tensor{
		"pose": floats(t, "pose", tensor.Shape{1, 3, 2}, 0, 0, 0, 0, 0, 0),
	}), schema)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestSchemaValidate(t *testing.T) {
	assert.Error(t, Schema{}.Validate())
	assert.Error(t, Schema{Kind: Classification, Classification: ClassificationSchema{Activation: "relu"}}.Validate())
	assert.Error(t, Schema{Kind: Detection, Detection: DetectionSchema{IoUThreshold: 1.5}}.Validate())
	assert.Error(t, Schema{Kind: Detection, Detection: DetectionSchema{Layout: YOLO}}.Validate())
	assert.NoError(t, ssdSchema().Validate())

	_, err := NewDecoder(Schema{Kind: "segmentation"})
	assert.Error(t, err)
}

func TestLoadLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.txt")
	require.NoError(t, os.WriteFile(path, []byte("background\r\nperson\r\ncar\n\n"), 0o644))

	labels, err := LoadLabels(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"background", "person", "car"}, labels)

	_, err = LoadLabels(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
