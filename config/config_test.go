package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferbridge/decode"
	"inferbridge/frame"
	"inferbridge/preprocess"
	"inferbridge/tensor"
)

const yamlConfig = `
model:
  path: model/mobilenet
  backend: tflite
  input_shape: [1, 224, 224, 3]
  inference_timeout_ms: 500
preprocess:
  target_width: 224
  target_height: 224
  source_format: bgr
  target_format: rgb
  mean: [127.5]
  stddev: [127.5]
output:
  kind: detection
  labels: [person, car]
  detection:
    boxes: TFLite_Detection_PostProcess
    scores: TFLite_Detection_PostProcess:2
    classes: TFLite_Detection_PostProcess:1
    iou_threshold: 0.4
transport:
  endpoint: {scheme: tcp, host: 10.0.0.2, port: 7000}
  codec: msgpack
source:
  kind: socket
  width: 640
  height: 480
  format: bgr
`

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(yamlConfig), "yaml")
	require.NoError(t, err)

	assert.Equal(t, "tflite", cfg.Model.Backend)
	assert.Equal(t, -1, cfg.Model.Version)
	assert.Equal(t, 500*time.Millisecond, cfg.InferenceTimeout())
	assert.Equal(t, decode.Detection, cfg.Output.Kind)
	assert.Equal(t, 0.4, cfg.Output.Detection.IoUThreshold)
	// untouched defaults survive a partial section
	assert.Equal(t, 0.5, cfg.Output.Detection.ScoreThreshold)
	assert.Equal(t, 100, cfg.Output.Detection.MaxDetections)
	assert.Equal(t, "tcp", cfg.Transport.Endpoint.Scheme)
	assert.Equal(t, 64, cfg.Transport.Watermark)
	assert.Equal(t, 4, cfg.Pipeline.QueueSize)
	assert.Equal(t, frame.BGR, cfg.SourceFormat())

	params, err := cfg.PreprocessParams()
	require.NoError(t, err)
	assert.Equal(t, frame.BGR, params.SourceFormat)
	assert.Equal(t, frame.RGB, params.TargetFormat)
	assert.Equal(t, preprocess.NHWC, params.Layout)
	assert.Equal(t, tensor.Float32, params.DType)

	schema := cfg.DecodeSchema()
	assert.Equal(t, 224, schema.Detection.InputWidth)
	assert.Equal(t, []string{"person", "car"}, schema.Labels)

	opts := cfg.ModelOptions(nil)
	assert.Equal(t, tensor.Shape{1, 224, 224, 3}, opts.InputShape)
	assert.Equal(t, 500*time.Millisecond, opts.Timeout)
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"model": {"path": "m", "input_shape": [-1, 3, 32, 32]},
		"preprocess": {"target_width": 32, "target_height": 32, "layout": "nchw", "dtype": "uint8"},
		"source": {"kind": "images", "path": "frames"}
	}`), "json")
	require.NoError(t, err)

	assert.Equal(t, "tensorflow", cfg.Model.Backend)
	assert.Equal(t, []string{"serve"}, cfg.Model.Tags)
	assert.Equal(t, "ws", cfg.Transport.Endpoint.Scheme)
	params, err := cfg.PreprocessParams()
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3, 32, 32}, params.Shape())
}

// document builds a valid JSON config with some sections replaced.
func document(sections map[string]string) []byte {
	doc := map[string]string{
		"model":      `{"path": "m", "input_shape": [1, 8, 8, 3]}`,
		"preprocess": `{"target_width": 8, "target_height": 8}`,
		"source":     `{"kind": "images", "path": "frames"}`,
	}
	for name, section := range sections {
		doc[name] = section
	}
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%q: %s", name, doc[name])
	}
	return []byte("{" + strings.Join(parts, ", ") + "}")
}

func TestDocumentIsValid(t *testing.T) {
	_, err := Parse(document(nil), "json")
	require.NoError(t, err)
}

func TestValidationErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		sections map[string]string
		kind     error
		field    string
	}{
		{"missing path", map[string]string{"model": `{"input_shape": [1, 8, 8, 3]}`}, ErrMissingField, "model.path"},
		{"missing shape", map[string]string{"model": `{"path": "m"}`}, ErrMissingField, "model.input_shape"},
		{"backend", map[string]string{"model": `{"path": "m", "input_shape": [1, 8, 8, 3], "backend": "caffe"}`}, ErrInvalidValue, "model.backend"},
		{"ops", map[string]string{"preprocess": `{"target_width": 8, "target_height": 8, "ops": "cuda"}`}, ErrInvalidValue, "preprocess.ops"},
		{"zero width", map[string]string{"preprocess": `{"target_width": 0, "target_height": 8}`}, ErrInvalidValue, "preprocess.target_width"},
		{"negative height", map[string]string{"preprocess": `{"target_width": 8, "target_height": -8}`}, ErrInvalidValue, "preprocess.target_height"},
		{"mean length", map[string]string{"preprocess": `{"target_width": 8, "target_height": 8, "mean": [1, 2]}`}, ErrInvalidValue, "preprocess"},
		{"zero stddev", map[string]string{"preprocess": `{"target_width": 8, "target_height": 8, "stddev": [0]}`}, ErrInvalidValue, "preprocess"},
		{"unknown layout", map[string]string{"preprocess": `{"target_width": 8, "target_height": 8, "layout": "hwcn"}`}, ErrInvalidValue, "preprocess.layout"},
		{"shape mismatch", map[string]string{"model": `{"path": "m", "input_shape": [1, 16, 16, 3]}`}, ErrInvalidValue, "model.input_shape"},
		{"unknown kind", map[string]string{"output": `{"kind": "segmentation"}`}, ErrInvalidValue, "output"},
		{"port", map[string]string{"transport": `{"endpoint": {"port": 70000}}`}, ErrInvalidValue, "transport.endpoint.port"},
		{"host", map[string]string{"transport": `{"endpoint": {"host": ""}}`}, ErrMissingField, "transport.endpoint.host"},
		{"codec", map[string]string{"transport": `{"codec": "xml"}`}, ErrInvalidValue, "transport.codec"},
		{"queue", map[string]string{"pipeline": `{"queue_size": 0}`}, ErrInvalidValue, "pipeline.queue_size"},
		{"source", map[string]string{"source": `{"kind": "socket", "width": 0, "height": 0}`}, ErrInvalidValue, "source.width"},
		{"format mismatch", map[string]string{"source": `{"kind": "images", "path": "frames", "format": "bgr"}`}, ErrInvalidValue, "source.format"},
		{"camera", map[string]string{"source": `{"kind": "gstreamer", "width": 8, "height": 8, "camera": "ip"}`}, ErrInvalidValue, "source.camera"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(document(tc.sections), "json")
			require.ErrorIs(t, err, tc.kind)
			var configErr *ConfigError
			require.ErrorAs(t, err, &configErr)
			assert.Equal(t, tc.field, configErr.Field)
		})
	}
}

func TestSyntaxErrorIsParseError(t *testing.T) {
	_, err := Parse([]byte(`{"model": `), "json")
	assert.ErrorIs(t, err, ErrParse)
	assert.NotErrorIs(t, err, ErrInvalidValue)
}

func TestLoadPicksFormatAndLabels(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "labels.txt"), []byte("cat\ndog\n"), 0o644))
	path := filepath.Join(dir, "bridge.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
model: {path: m, input_shape: [1, 8, 8, 3]}
preprocess: {target_width: 8, target_height: 8}
output: {labels_path: labels.txt}
source: {kind: images, path: frames}
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, cfg.Output.Labels)

	_, err = Load(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseUnknownFormat(t *testing.T) {
	_, err := Parse([]byte("model = 1"), "toml")
	assert.ErrorIs(t, err, ErrParse)
}
