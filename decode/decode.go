// Package decode turns raw model outputs into classification, detection or
// keypoint results.
package decode

import (
	"errors"
	"fmt"
	"math"
	"time"

	"inferbridge/model"
	"inferbridge/tensor"
)

type Class struct {
	Label string  `json:"label" msgpack:"label"`
	Class int     `json:"class" msgpack:"class"`
	Score float64 `json:"score" msgpack:"score"`
}

// Box corners are relative to the input image, in [0, 1].
type Box struct {
	XMin float64 `json:"xmin" msgpack:"xmin"`
	YMin float64 `json:"ymin" msgpack:"ymin"`
	XMax float64 `json:"xmax" msgpack:"xmax"`
	YMax float64 `json:"ymax" msgpack:"ymax"`
}

func (b Box) Area() float64 {
	return math.Max(0, b.XMax-b.XMin) * math.Max(0, b.YMax-b.YMin)
}

func (b Box) IoU(o Box) float64 {
	x1 := math.Max(b.XMin, o.XMin)
	y1 := math.Max(b.YMin, o.YMin)
	x2 := math.Min(b.XMax, o.XMax)
	y2 := math.Min(b.YMax, o.YMax)
	intersection := math.Max(0, x2-x1) * math.Max(0, y2-y1)
	union := b.Area() + o.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

type Object struct {
	Label string  `json:"label" msgpack:"label"`
	Class int     `json:"class" msgpack:"class"`
	Score float64 `json:"score" msgpack:"score"`
	Box   Box     `json:"box" msgpack:"box"`
}

type Keypoint struct {
	Name  string  `json:"name,omitempty" msgpack:"name,omitempty"`
	Index int     `json:"index" msgpack:"index"`
	X     float64 `json:"x" msgpack:"x"`
	Y     float64 `json:"y" msgpack:"y"`
	Score float64 `json:"score" msgpack:"score"`
}

type Result struct {
	Sequence        uint64
	RequestID       string
	Timestamp       time.Time
	Kind            Kind
	Classifications []Class
	Detections      []Object
	Keypoints       []Keypoint
}

type ErrorKind int

const (
	SchemaMismatch ErrorKind = iota
)

func (k ErrorKind) String() string {
	if k == SchemaMismatch {
		return "schema mismatch"
	}
	return "unknown"
}

type DecodeError struct {
	Kind   ErrorKind
	Tensor string
	Err    error
}

var ErrSchemaMismatch = &DecodeError{Kind: SchemaMismatch}

func (e *DecodeError) Error() string {
	msg := "decode: " + e.Kind.String()
	if e.Tensor != "" {
		msg += fmt.Sprintf(" (output %q)", e.Tensor)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	var t *DecodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func mismatch(key string, format string, args ...any) error {
	return &DecodeError{Kind: SchemaMismatch, Tensor: key, Err: fmt.Errorf(format, args...)}
}

type Decoder struct {
	schema Schema
}

func NewDecoder(schema Schema) (*Decoder, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

func (d *Decoder) Schema() Schema {
	return d.schema
}

// Decode interprets res according to schema.
func Decode(res *model.Result, schema Schema) (*Result, error) {
	d, err := NewDecoder(schema)
	if err != nil {
		return nil, err
	}
	return d.Decode(res)
}

func (d *Decoder) Decode(res *model.Result) (*Result, error) {
	if res == nil {
		return nil, mismatch("", "no inference result")
	}
	out := &Result{
		Sequence:  res.Sequence,
		RequestID: res.RequestID,
		Timestamp: res.Completed,
		Kind:      d.schema.Kind,
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	var err error
	switch d.schema.Kind {
	case Classification:
		out.Classifications, err = d.classify(res.Outputs)
	case Detection:
		out.Detections, err = d.detect(res.Outputs)
	case Keypoints:
		out.Keypoints, err = d.keypoints(res.Outputs)
	default:
		err = mismatch("", "unknown output kind %q", d.schema.Kind)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// output looks a tensor up by key. An empty key selects the only output.
func output(outputs map[string]*tensor.Tensor, key string) (*tensor.Tensor, error) {
	if key == "" {
		if len(outputs) != 1 {
			return nil, mismatch("", "%d outputs, the output key must be configured", len(outputs))
		}
		for k := range outputs {
			key = k
		}
	}
	t, ok := outputs[key]
	if !ok || t == nil {
		return nil, mismatch(key, "missing output")
	}
	if err := t.Validate(); err != nil {
		return nil, mismatch(key, "%v", err)
	}
	return t, nil
}

// squeeze drops leading single item dimensions down to rank.
func squeeze(shape tensor.Shape, rank int) tensor.Shape {
	for len(shape) > rank && shape[0] == 1 {
		shape = shape[1:]
	}
	return shape
}

func numeric(key string, t *tensor.Tensor) error {
	switch t.DType {
	case tensor.Float32, tensor.Float64, tensor.UInt8, tensor.Int32, tensor.Int64:
		return nil
	}
	return mismatch(key, "unsupported dtype %s", t.DType)
}
