// Package config loads the inference bridge configuration from JSON or YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"inferbridge/decode"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Config struct {
	Model      ModelConfig      `json:"model" yaml:"model"`
	Preprocess PreprocessConfig `json:"preprocess" yaml:"preprocess"`
	Output     OutputConfig     `json:"output" yaml:"output"`
	Transport  TransportConfig  `json:"transport" yaml:"transport"`
	Pipeline   PipelineConfig   `json:"pipeline" yaml:"pipeline"`
	Source     SourceConfig     `json:"source" yaml:"source"`
	Monitor    MonitorConfig    `json:"monitor" yaml:"monitor"`
}

type ModelConfig struct {
	Path    string `json:"path" yaml:"path"`
	Backend string `json:"backend" yaml:"backend"` // tensorflow, tflite, onnx
	// Version selects a numbered subdirectory, -1 for the latest one.
	Version            int      `json:"version" yaml:"version"`
	SignaturePath      string   `json:"signature_path" yaml:"signature_path"`
	Input              string   `json:"input" yaml:"input"`
	Tags               []string `json:"tags" yaml:"tags"`
	InputShape         []int64  `json:"input_shape" yaml:"input_shape"`
	InferenceTimeoutMs int      `json:"inference_timeout_ms" yaml:"inference_timeout_ms"`
	Warmup             bool     `json:"warmup" yaml:"warmup"`
	Threads            int      `json:"threads" yaml:"threads"`
	DelegatePath       string   `json:"delegate_path" yaml:"delegate_path"`
	ArtifactsPath      string   `json:"artifacts_path" yaml:"artifacts_path"`
	SharedLibraryPath  string   `json:"shared_library_path" yaml:"shared_library_path"`
}

type PreprocessConfig struct {
	Ops           string    `json:"ops" yaml:"ops"` // native, opencv
	TargetWidth   int       `json:"target_width" yaml:"target_width"`
	TargetHeight  int       `json:"target_height" yaml:"target_height"`
	SourceFormat  string    `json:"source_format" yaml:"source_format"`
	TargetFormat  string    `json:"target_format" yaml:"target_format"`
	Layout        string    `json:"layout" yaml:"layout"`
	DType         string    `json:"dtype" yaml:"dtype"`
	Interpolation string    `json:"interpolation" yaml:"interpolation"`
	Mean          []float64 `json:"mean" yaml:"mean"`
	StdDev        []float64 `json:"stddev" yaml:"stddev"`
}

type OutputConfig struct {
	Kind           decode.Kind                 `json:"kind" yaml:"kind"`
	Labels         []string                    `json:"labels" yaml:"labels"`
	LabelsPath     string                      `json:"labels_path" yaml:"labels_path"`
	Classification decode.ClassificationSchema `json:"classification" yaml:"classification"`
	Detection      decode.DetectionSchema      `json:"detection" yaml:"detection"`
	Keypoints      decode.KeypointSchema       `json:"keypoints" yaml:"keypoints"`
}

type Endpoint struct {
	Scheme string `json:"scheme" yaml:"scheme"` // ws, wss, tcp, mqtt
	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
	Path   string `json:"path" yaml:"path"`
}

type TransportConfig struct {
	Endpoint         Endpoint `json:"endpoint" yaml:"endpoint"`
	Codec            string   `json:"codec" yaml:"codec"` // json, msgpack
	Watermark        int      `json:"watermark" yaml:"watermark"`
	MaxRetries       int      `json:"max_retries" yaml:"max_retries"`
	RetryDelayMs     int      `json:"retry_delay_ms" yaml:"retry_delay_ms"`
	MaxRetryDelayMs  int      `json:"max_retry_delay_ms" yaml:"max_retry_delay_ms"`
	ConnectTimeoutMs int      `json:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	WriteTimeoutMs   int      `json:"write_timeout_ms" yaml:"write_timeout_ms"`
	QoS              int      `json:"qos" yaml:"qos"`
}

type PipelineConfig struct {
	QueueSize      int `json:"queue_size" yaml:"queue_size"`
	DrainTimeoutMs int `json:"drain_timeout_ms" yaml:"drain_timeout_ms"`
}

type SourceConfig struct {
	Kind    string `json:"kind" yaml:"kind"` // images, socket, gstreamer, opencv
	Path    string `json:"path" yaml:"path"`
	Device  int    `json:"device" yaml:"device"`
	Address string `json:"address" yaml:"address"`
	Width   int    `json:"width" yaml:"width"`
	Height  int    `json:"height" yaml:"height"`
	Format  string `json:"format" yaml:"format"`
	Camera  string `json:"camera" yaml:"camera"` // usb, csi, test
	Sensor  string `json:"sensor" yaml:"sensor"`
	Loop    bool   `json:"loop" yaml:"loop"`
}

type MonitorConfig struct {
	Address string `json:"address" yaml:"address"`
}

// Default returns the configuration every document is decoded over.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Backend:            "tensorflow",
			Version:            -1,
			Tags:               []string{"serve"},
			InferenceTimeoutMs: 2000,
		},
		Preprocess: PreprocessConfig{
			Ops:           "native",
			SourceFormat:  "rgb",
			TargetFormat:  "rgb",
			Layout:        "nhwc",
			DType:         "float32",
			Interpolation: "bilinear",
		},
		Output: OutputConfig{
			Kind: decode.Classification,
			Classification: decode.ClassificationSchema{
				Activation: decode.NoActivation,
				TopK:       5,
			},
			Detection: decode.DetectionSchema{
				Layout:         decode.SSD,
				ScoreThreshold: 0.5,
				IoUThreshold:   0.5,
				MaxDetections:  100,
			},
		},
		Transport: TransportConfig{
			Endpoint:         Endpoint{Scheme: "ws", Host: "127.0.0.1", Port: 9000, Path: "/results"},
			Codec:            "json",
			Watermark:        64,
			MaxRetries:       5,
			RetryDelayMs:     1000,
			MaxRetryDelayMs:  30000,
			ConnectTimeoutMs: 5000,
			WriteTimeoutMs:   1000,
		},
		Pipeline: PipelineConfig{
			QueueSize:      4,
			DrainTimeoutMs: 5000,
		},
		Source: SourceConfig{
			Kind:    "images",
			Address: ":9990",
			Format:  "rgb",
			Camera:  "usb",
		},
		Monitor: MonitorConfig{
			Address: ":1337",
		},
	}
}

// Load reads a configuration file, picking the format by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Kind: ParseError, Err: fmt.Errorf("failed to read config file: %w", err)}
	}
	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, err
	}
	if cfg.Output.LabelsPath != "" && len(cfg.Output.Labels) == 0 {
		labelsPath := cfg.Output.LabelsPath
		if !filepath.IsAbs(labelsPath) {
			labelsPath = filepath.Join(filepath.Dir(path), labelsPath)
		}
		labels, err := decode.LoadLabels(labelsPath)
		if err != nil {
			return nil, &ConfigError{Kind: InvalidValue, Field: "output.labels_path", Err: err}
		}
		cfg.Output.Labels = labels
	}
	return cfg, nil
}

// Parse decodes data in the given format ("json" or "yaml") over the
// defaults and validates the result.
func Parse(data []byte, format string) (*Config, error) {
	cfg := Default()
	var err error
	switch strings.ToLower(format) {
	case "json":
		err = json.Unmarshal(data, cfg)
	case "yaml", "yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, &ConfigError{Kind: ParseError, Err: fmt.Errorf("unknown config format %q", format)}
	}
	if err != nil {
		return nil, &ConfigError{Kind: ParseError, Err: fmt.Errorf("failed to parse config: %w", err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type ErrorKind int

const (
	ParseError ErrorKind = iota
	MissingField
	InvalidValue
)

func (k ErrorKind) String() string {
	switch k {
	case ParseError:
		return "parse error"
	case MissingField:
		return "missing field"
	case InvalidValue:
		return "invalid value"
	}
	return "unknown"
}

type ConfigError struct {
	Kind  ErrorKind
	Field string
	Err   error
}

var (
	ErrParse        = &ConfigError{Kind: ParseError}
	ErrMissingField = &ConfigError{Kind: MissingField}
	ErrInvalidValue = &ConfigError{Kind: InvalidValue}
)

func (e *ConfigError) Error() string {
	msg := "config: " + e.Kind.String()
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func (e *ConfigError) Is(target error) bool {
	var t *ConfigError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func missing(field string) error {
	return &ConfigError{Kind: MissingField, Field: field}
}

func invalid(field string, format string, args ...any) error {
	return &ConfigError{Kind: InvalidValue, Field: field, Err: fmt.Errorf(format, args...)}
}

func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Model.InferenceTimeoutMs) * time.Millisecond
}

func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Pipeline.DrainTimeoutMs) * time.Millisecond
}
