package config

import (
	"github.com/sirupsen/logrus"

	"inferbridge/decode"
	"inferbridge/frame"
	"inferbridge/model"
	"inferbridge/preprocess"
	"inferbridge/tensor"
)

func (c *Config) Validate() error {
	for _, check := range []func() error{
		c.validateModel,
		c.validatePreprocess,
		c.validateOutput,
		c.validateTransport,
		c.validatePipeline,
		c.validateSource,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateModel() error {
	m := c.Model
	if m.Path == "" {
		return missing("model.path")
	}
	switch m.Backend {
	case "tensorflow", "tflite", "onnx":
	case "":
		return missing("model.backend")
	default:
		return invalid("model.backend", "unknown backend %q", m.Backend)
	}
	if len(m.InputShape) == 0 {
		return missing("model.input_shape")
	}
	for _, d := range m.InputShape {
		if d == 0 || d < -1 {
			return invalid("model.input_shape", "dimension %d in %v", d, m.InputShape)
		}
	}
	if m.InferenceTimeoutMs <= 0 {
		return invalid("model.inference_timeout_ms", "must be positive, got %d", m.InferenceTimeoutMs)
	}
	if m.Threads < 0 {
		return invalid("model.threads", "must not be negative, got %d", m.Threads)
	}
	return nil
}

func (c *Config) validatePreprocess() error {
	p := c.Preprocess
	switch p.Ops {
	case "native", "opencv":
	default:
		return invalid("preprocess.ops", "unknown ops %q", p.Ops)
	}
	if p.TargetWidth <= 0 {
		return invalid("preprocess.target_width", "must be positive, got %d", p.TargetWidth)
	}
	if p.TargetHeight <= 0 {
		return invalid("preprocess.target_height", "must be positive, got %d", p.TargetHeight)
	}
	params, err := c.PreprocessParams()
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return invalid("preprocess", "%v", err)
	}
	if shape := tensor.Shape(c.Model.InputShape); !shape.Matches(params.Shape()) {
		return invalid("model.input_shape", "%s does not match the preprocessed shape %s", shape, params.Shape())
	}
	return nil
}

func (c *Config) validateOutput() error {
	o := c.Output
	if o.Kind == "" {
		return missing("output.kind")
	}
	if err := c.DecodeSchema().Validate(); err != nil {
		return invalid("output", "%v", err)
	}
	return nil
}

func (c *Config) validateTransport() error {
	t := c.Transport
	switch t.Endpoint.Scheme {
	case "ws", "wss", "tcp", "mqtt":
	case "":
		return missing("transport.endpoint.scheme")
	default:
		return invalid("transport.endpoint.scheme", "unknown scheme %q", t.Endpoint.Scheme)
	}
	if t.Endpoint.Host == "" {
		return missing("transport.endpoint.host")
	}
	if t.Endpoint.Port <= 0 || t.Endpoint.Port > 65535 {
		return invalid("transport.endpoint.port", "out of range: %d", t.Endpoint.Port)
	}
	switch t.Codec {
	case "json", "msgpack":
	default:
		return invalid("transport.codec", "unknown codec %q", t.Codec)
	}
	if t.Watermark <= 0 {
		return invalid("transport.watermark", "must be positive, got %d", t.Watermark)
	}
	if t.MaxRetries < 0 {
		return invalid("transport.max_retries", "must not be negative, got %d", t.MaxRetries)
	}
	if t.RetryDelayMs <= 0 {
		return invalid("transport.retry_delay_ms", "must be positive, got %d", t.RetryDelayMs)
	}
	if t.MaxRetryDelayMs < t.RetryDelayMs {
		return invalid("transport.max_retry_delay_ms", "%d is below retry_delay_ms %d", t.MaxRetryDelayMs, t.RetryDelayMs)
	}
	if t.ConnectTimeoutMs <= 0 {
		return invalid("transport.connect_timeout_ms", "must be positive, got %d", t.ConnectTimeoutMs)
	}
	if t.WriteTimeoutMs <= 0 {
		return invalid("transport.write_timeout_ms", "must be positive, got %d", t.WriteTimeoutMs)
	}
	if t.QoS < 0 || t.QoS > 2 {
		return invalid("transport.qos", "must be 0, 1 or 2, got %d", t.QoS)
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.QueueSize <= 0 {
		return invalid("pipeline.queue_size", "must be positive, got %d", c.Pipeline.QueueSize)
	}
	if c.Pipeline.DrainTimeoutMs < 0 {
		return invalid("pipeline.drain_timeout_ms", "must not be negative, got %d", c.Pipeline.DrainTimeoutMs)
	}
	return nil
}

func (c *Config) validateSource() error {
	s := c.Source
	format, err := frame.ParsePixelFormat(s.Format)
	if err != nil {
		return invalid("source.format", "%v", err)
	}
	if expected, _ := frame.ParsePixelFormat(c.Preprocess.SourceFormat); format != expected {
		return invalid("source.format", "%s does not match preprocess.source_format %s", s.Format, c.Preprocess.SourceFormat)
	}
	switch s.Kind {
	case "images":
		if s.Path == "" {
			return missing("source.path")
		}
	case "opencv":
		if s.Device < 0 {
			return invalid("source.device", "must not be negative, got %d", s.Device)
		}
	case "socket", "gstreamer":
		if s.Width <= 0 || s.Height <= 0 {
			return invalid("source.width", "raw frames need a positive size, got %dx%d", s.Width, s.Height)
		}
		if s.Address == "" {
			return missing("source.address")
		}
		if s.Kind == "gstreamer" {
			switch s.Camera {
			case "usb", "csi", "test":
			default:
				return invalid("source.camera", "unknown camera %q", s.Camera)
			}
		}
	case "":
		return missing("source.kind")
	default:
		return invalid("source.kind", "unknown source %q", s.Kind)
	}
	return nil
}

// PreprocessParams converts the preprocess section.
func (c *Config) PreprocessParams() (preprocess.Params, error) {
	p := c.Preprocess
	params := preprocess.Params{
		Name:         c.Model.Input,
		TargetWidth:  p.TargetWidth,
		TargetHeight: p.TargetHeight,
		Mean:         p.Mean,
		StdDev:       p.StdDev,
	}
	var err error
	if params.SourceFormat, err = frame.ParsePixelFormat(p.SourceFormat); err != nil {
		return params, invalid("preprocess.source_format", "%v", err)
	}
	if params.TargetFormat, err = frame.ParsePixelFormat(p.TargetFormat); err != nil {
		return params, invalid("preprocess.target_format", "%v", err)
	}
	if params.Layout, err = preprocess.ParseLayout(p.Layout); err != nil {
		return params, invalid("preprocess.layout", "%v", err)
	}
	if params.DType, err = tensor.ParseDType(p.DType); err != nil {
		return params, invalid("preprocess.dtype", "%v", err)
	}
	if params.Interpolation, err = preprocess.ParseInterpolation(p.Interpolation); err != nil {
		return params, invalid("preprocess.interpolation", "%v", err)
	}
	return params, nil
}

// DecodeSchema converts the output section. YOLO boxes are scaled by the
// preprocessing target size.
func (c *Config) DecodeSchema() decode.Schema {
	o := c.Output
	detection := o.Detection
	detection.InputWidth = c.Preprocess.TargetWidth
	detection.InputHeight = c.Preprocess.TargetHeight
	return decode.Schema{
		Kind:           o.Kind,
		Labels:         o.Labels,
		Classification: o.Classification,
		Detection:      detection,
		Keypoints:      o.Keypoints,
	}
}

func (c *Config) ModelOptions(logger logrus.FieldLogger) model.Options {
	return model.Options{
		Version:       c.Model.Version,
		SignaturePath: c.Model.SignaturePath,
		Input:         c.Model.Input,
		InputShape:    tensor.Shape(c.Model.InputShape),
		Timeout:       c.InferenceTimeout(),
		Warmup:        c.Model.Warmup,
		Logger:        logger,
	}
}

// SourceFormat is the pixel format frames arrive in.
func (c *Config) SourceFormat() frame.PixelFormat {
	f, _ := frame.ParsePixelFormat(c.Source.Format)
	return f
}
