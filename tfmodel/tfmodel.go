// Package tfmodel runs TensorFlow SavedModels through tfgo.
package tfmodel

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	tf "github.com/galeone/tensorflow/tensorflow/go"
	tg "github.com/galeone/tfgo"

	"inferbridge/model"
	"inferbridge/tensor"
)

type Backend struct {
	Tags []string
}

func (b Backend) Name() string {
	return "tensorflow"
}

func (b Backend) Load(path string, sig *model.Signature) (model.Session, error) {
	tags := b.Tags
	if len(tags) == 0 {
		tags = []string{"serve"}
	}
	m, err := loadModel(path, tags)
	if err != nil {
		return nil, model.NewLoadError(model.CorruptGraph, path, err)
	}
	s := &session{
		model:   m,
		inputs:  make(map[string]tf.Output, len(sig.Inputs)),
		outputs: make([]tf.Output, 0, len(sig.Outputs)),
		specs:   sig.Outputs,
	}
	for key, spec := range sig.Inputs {
		op, err := lookup(m, spec.Name)
		if err != nil {
			return nil, model.NewLoadError(model.SignatureMismatch, path, fmt.Errorf("input %q: %w", key, err))
		}
		s.inputs[key] = op
	}
	for _, key := range sig.OutputKeys() {
		op, err := lookup(m, sig.Outputs[key].Name)
		if err != nil {
			return nil, model.NewLoadError(model.SignatureMismatch, path, fmt.Errorf("output %q: %w", key, err))
		}
		s.outputs = append(s.outputs, op)
		s.keys = append(s.keys, key)
	}
	return s, nil
}

// tfgo reports failures by panicking.
func loadModel(path string, tags []string) (m *tg.Model, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return tg.LoadModel(path, tags, nil), nil
}

// lookup resolves "operation:index" graph names, index 0 when omitted.
func lookup(m *tg.Model, name string) (out tf.Output, err error) {
	op, index := name, 0
	if i := strings.LastIndex(name, ":"); i > 0 {
		n, convErr := strconv.Atoi(name[i+1:])
		if convErr == nil {
			op, index = name[:i], n
		}
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("graph has no tensor %s: %v", name, r)
		}
	}()
	return m.Op(op, index), nil
}

type session struct {
	model   *tg.Model
	inputs  map[string]tf.Output
	outputs []tf.Output
	keys    []string
	specs   map[string]model.TensorSpec
}

func (s *session) Run(inputs map[string]*tensor.Tensor) (outputs map[string]*tensor.Tensor, err error) {
	feeds := make(map[tf.Output]*tf.Tensor, len(inputs))
	for key, t := range inputs {
		op, ok := s.inputs[key]
		if !ok {
			return nil, fmt.Errorf("unknown input %q", key)
		}
		dt, err := toDataType(t.DType)
		if err != nil {
			return nil, err
		}
		value, err := tf.ReadTensor(dt, t.Shape, bytes.NewReader(t.Data))
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", key, err)
		}
		feeds[op] = value
	}
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = fmt.Errorf("session run: %v", r)
		}
	}()
	results := s.model.Exec(s.outputs, feeds)
	outputs = make(map[string]*tensor.Tensor, len(results))
	for i, result := range results {
		key := s.keys[i]
		dtype, err := fromDataType(result.DataType())
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", key, err)
		}
		out, err := tensor.FromBytes(s.specs[key].Name, dtype, result.Shape(), result.TensorData())
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", key, err)
		}
		outputs[key] = out
	}
	return outputs, nil
}

// tfgo keeps the underlying session private, it is released with the
// process.
func (s *session) Close() error {
	s.model = nil
	return nil
}

func toDataType(d tensor.DType) (tf.DataType, error) {
	switch d {
	case tensor.Float32:
		return tf.Float, nil
	case tensor.Float64:
		return tf.Double, nil
	case tensor.Int32:
		return tf.Int32, nil
	case tensor.Int64:
		return tf.Int64, nil
	case tensor.UInt8:
		return tf.Uint8, nil
	}
	return 0, fmt.Errorf("dtype %s has no TensorFlow equivalent", d)
}

func fromDataType(d tf.DataType) (tensor.DType, error) {
	switch d {
	case tf.Float:
		return tensor.Float32, nil
	case tf.Double:
		return tensor.Float64, nil
	case tf.Int32:
		return tensor.Int32, nil
	case tf.Int64:
		return tensor.Int64, nil
	case tf.Uint8:
		return tensor.UInt8, nil
	}
	return tensor.Invalid, fmt.Errorf("unsupported TensorFlow dtype %v", d)
}
