// Package tflitemodel runs TensorFlow Lite flatbuffers, optionally offloaded
// to the TIDL accelerator.
package tflitemodel

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/mattn/go-tflite"
	"github.com/mattn/go-tflite/delegates"

	"inferbridge/model"
	"inferbridge/tensor"
	"inferbridge/titfldelegate"
)

type Backend struct {
	Threads int
	// DelegatePath and ArtifactsPath enable the TIDL delegate when the
	// artifacts path is set.
	DelegatePath  string
	ArtifactsPath string
}

func (b Backend) Name() string {
	return "tflite"
}

func (b Backend) Load(path string, sig *model.Signature) (model.Session, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, model.NewLoadError(model.NotFound, path, err)
	}
	m := tflite.NewModelFromFile(path)
	if m == nil {
		return nil, model.NewLoadError(model.CorruptGraph, path, errors.New("cannot load model"))
	}
	options := tflite.NewInterpreterOptions()
	defer options.Delete()
	if b.Threads > 0 {
		options.SetNumThread(b.Threads)
	}
	var delegate delegates.Delegater
	if b.ArtifactsPath != "" {
		d, err := titfldelegate.Create(b.DelegatePath, b.ArtifactsPath)
		if err != nil {
			m.Delete()
			return nil, model.NewLoadError(model.CorruptGraph, path, err)
		}
		options.AddDelegate(d)
		delegate = d
	}
	s := &session{model: m, delegate: delegate}
	s.interpreter = tflite.NewInterpreter(m, options)
	if s.interpreter == nil {
		s.Close()
		return nil, model.NewLoadError(model.CorruptGraph, path, errors.New("cannot create interpreter"))
	}
	if status := s.interpreter.AllocateTensors(); status != tflite.OK {
		s.Close()
		return nil, model.NewLoadError(model.CorruptGraph, path, fmt.Errorf("tensor allocation failed: %v", status))
	}
	if err := s.bind(sig); err != nil {
		s.Close()
		return nil, model.NewLoadError(model.SignatureMismatch, path, err)
	}
	return s, nil
}

type binding struct {
	key    string
	name   string
	tensor *tflite.Tensor
	dtype  tensor.DType
	shape  tensor.Shape
}

type session struct {
	model       *tflite.Model
	interpreter *tflite.Interpreter
	delegate    delegates.Delegater
	inputs      map[string]binding
	outputs     []binding
}

func (s *session) bind(sig *model.Signature) error {
	byName := func(count int, get func(int) *tflite.Tensor) map[string]*tflite.Tensor {
		tensors := make(map[string]*tflite.Tensor, count)
		for i := 0; i < count; i++ {
			t := get(i)
			tensors[t.Name()] = t
		}
		return tensors
	}
	inputs := byName(s.interpreter.GetInputTensorCount(), s.interpreter.GetInputTensor)
	outputs := byName(s.interpreter.GetOutputTensorCount(), s.interpreter.GetOutputTensor)

	s.inputs = make(map[string]binding, len(sig.Inputs))
	for key, spec := range sig.Inputs {
		b, err := bindTensor(key, spec, inputs)
		if err != nil {
			return fmt.Errorf("input %w", err)
		}
		s.inputs[key] = b
	}
	for _, key := range sig.OutputKeys() {
		b, err := bindTensor(key, sig.Outputs[key], outputs)
		if err != nil {
			return fmt.Errorf("output %w", err)
		}
		s.outputs = append(s.outputs, b)
	}
	return nil
}

func bindTensor(key string, spec model.TensorSpec, tensors map[string]*tflite.Tensor) (binding, error) {
	t, ok := tensors[spec.Name]
	if !ok {
		return binding{}, fmt.Errorf("%q: graph has no tensor %s", key, spec.Name)
	}
	dtype, err := fromTensorType(t.Type())
	if err != nil {
		return binding{}, fmt.Errorf("%q: %w", key, err)
	}
	if dtype != spec.DType {
		return binding{}, fmt.Errorf("%q: graph tensor is %s, signature declares %s", key, dtype, spec.DType)
	}
	shape := make(tensor.Shape, t.NumDims())
	for i := range shape {
		shape[i] = int64(t.Dim(i))
	}
	if !spec.Shape.Matches(shape) {
		return binding{}, fmt.Errorf("%q: graph tensor is %s, signature declares %s", key, shape, spec.Shape)
	}
	return binding{key: key, name: spec.Name, tensor: t, dtype: dtype, shape: shape}, nil
}

func (s *session) Run(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	for key, in := range inputs {
		b, ok := s.inputs[key]
		if !ok {
			return nil, fmt.Errorf("unknown input %q", key)
		}
		if uint(len(in.Data)) != b.tensor.ByteSize() {
			return nil, model.NewInferenceError(model.ShapeMismatch,
				fmt.Errorf("input %q has %d bytes, interpreter expects %d", key, len(in.Data), b.tensor.ByteSize()))
		}
		copy(unsafe.Slice((*byte)(b.tensor.Data()), b.tensor.ByteSize()), in.Data)
	}
	if status := s.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("interpreter invoke failed: %v", status)
	}
	outputs := make(map[string]*tensor.Tensor, len(s.outputs))
	for _, b := range s.outputs {
		data := unsafe.Slice((*byte)(b.tensor.Data()), b.tensor.ByteSize())
		out, err := tensor.FromBytes(b.name, b.dtype, b.shape, data)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", b.key, err)
		}
		outputs[b.key] = out
	}
	return outputs, nil
}

func (s *session) Close() error {
	if s.interpreter != nil {
		s.interpreter.Delete()
		s.interpreter = nil
	}
	if s.delegate != nil {
		s.delegate.Delete()
		s.delegate = nil
	}
	if s.model != nil {
		s.model.Delete()
		s.model = nil
	}
	return nil
}

func fromTensorType(t tflite.TensorType) (tensor.DType, error) {
	switch t {
	case tflite.Float32:
		return tensor.Float32, nil
	case tflite.Int32:
		return tensor.Int32, nil
	case tflite.Int64:
		return tensor.Int64, nil
	case tflite.UInt8:
		return tensor.UInt8, nil
	}
	return tensor.Invalid, fmt.Errorf("unsupported tensor type %v", t)
}
