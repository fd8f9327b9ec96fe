// Package onnxmodel runs ONNX graphs through ONNX Runtime.
package onnxmodel

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	ort "github.com/yalue/onnxruntime_go"

	"inferbridge/model"
	"inferbridge/tensor"
)

type Backend struct {
	// SharedLibraryPath points to the onnxruntime library, the platform
	// default is used when empty.
	SharedLibraryPath string
	Threads           int
}

var (
	envOnce sync.Once
	envErr  error
)

func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return envErr
}

func (b Backend) Name() string {
	return "onnx"
}

func (b Backend) Load(path string, sig *model.Signature) (model.Session, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, model.NewLoadError(model.NotFound, path, err)
	}
	if err := initEnvironment(b.SharedLibraryPath); err != nil {
		return nil, model.NewLoadError(model.CorruptGraph, path, err)
	}

	s := &session{}
	var inputNames, outputNames []string
	var inputValues, outputValues []ort.ArbitraryTensor
	for _, key := range sig.InputKeys() {
		t, err := newBound(key, sig.Inputs[key])
		if err != nil {
			s.Close()
			return nil, model.NewLoadError(model.SignatureMismatch, path, fmt.Errorf("input %q: %w", key, err))
		}
		s.inputs = append(s.inputs, t)
		inputNames = append(inputNames, t.spec.Name)
		inputValues = append(inputValues, t.value)
	}
	for _, key := range sig.OutputKeys() {
		t, err := newBound(key, sig.Outputs[key])
		if err != nil {
			s.Close()
			return nil, model.NewLoadError(model.SignatureMismatch, path, fmt.Errorf("output %q: %w", key, err))
		}
		s.outputs = append(s.outputs, t)
		outputNames = append(outputNames, t.spec.Name)
		outputValues = append(outputValues, t.value)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		s.Close()
		return nil, model.NewLoadError(model.CorruptGraph, path, err)
	}
	defer options.Destroy()
	if b.Threads > 0 {
		options.SetIntraOpNumThreads(b.Threads)
	}
	s.session, err = ort.NewAdvancedSession(path, inputNames, outputNames, inputValues, outputValues, options)
	if err != nil {
		s.Close()
		// ONNX Runtime validates the bound names against the graph here.
		return nil, model.NewLoadError(model.SignatureMismatch, path, fmt.Errorf("failed to create ONNX session: %w", err))
	}
	return s, nil
}

// bound is a tensor preallocated by ONNX Runtime for the whole session, with
// a byte view of its data.
type bound struct {
	key   string
	spec  model.TensorSpec
	value ort.ArbitraryTensor
	data  []byte
}

func newBound(key string, spec model.TensorSpec) (*bound, error) {
	if !spec.Shape.Concrete() {
		return nil, fmt.Errorf("shape %s must be concrete", spec.Shape)
	}
	switch spec.DType {
	case tensor.Float32:
		return allocate[float32](key, spec)
	case tensor.Float64:
		return allocate[float64](key, spec)
	case tensor.Int32:
		return allocate[int32](key, spec)
	case tensor.Int64:
		return allocate[int64](key, spec)
	case tensor.UInt8:
		return allocate[uint8](key, spec)
	}
	return nil, fmt.Errorf("unsupported dtype %s", spec.DType)
}

func allocate[T ort.TensorData](key string, spec model.TensorSpec) (*bound, error) {
	t, err := ort.NewEmptyTensor[T](ort.NewShape(spec.Shape...))
	if err != nil {
		return nil, err
	}
	values := t.GetData()
	if len(values) == 0 {
		t.Destroy()
		return nil, errors.New("empty tensor")
	}
	size := len(values) * int(unsafe.Sizeof(values[0]))
	return &bound{
		key:   key,
		spec:  spec,
		value: t,
		data:  unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), size),
	}, nil
}

type session struct {
	session *ort.AdvancedSession
	inputs  []*bound
	outputs []*bound
}

func (s *session) Run(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	for _, b := range s.inputs {
		in, ok := inputs[b.key]
		if !ok {
			return nil, fmt.Errorf("missing input %q", b.key)
		}
		if len(in.Data) != len(b.data) {
			return nil, model.NewInferenceError(model.ShapeMismatch,
				fmt.Errorf("input %q has %d bytes, session expects %d", b.key, len(in.Data), len(b.data)))
		}
		copy(b.data, in.Data)
	}
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	outputs := make(map[string]*tensor.Tensor, len(s.outputs))
	for _, b := range s.outputs {
		out, err := tensor.FromBytes(b.spec.Name, b.spec.DType, b.spec.Shape, b.data)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", b.key, err)
		}
		outputs[b.key] = out
	}
	return outputs, nil
}

func (s *session) Close() error {
	var err error
	if s.session != nil {
		err = s.session.Destroy()
		s.session = nil
	}
	for _, b := range append(s.inputs, s.outputs...) {
		b.value.Destroy()
	}
	s.inputs, s.outputs = nil, nil
	return err
}
