// Package modeltest provides an in-memory model backend for tests.
package modeltest

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"inferbridge/model"
	"inferbridge/tensor"
)

// Backend is a model.Backend whose sessions run RunFunc, or produce zeroed
// outputs shaped after the signature when RunFunc is nil.
type Backend struct {
	RunFunc func(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
	Delay   time.Duration
	LoadErr error

	mu        sync.Mutex
	active    int
	maxActive int
	runs      atomic.Int64
	closed    atomic.Int64
}

func (b *Backend) Name() string {
	return "fake"
}

func (b *Backend) Load(path string, sig *model.Signature) (model.Session, error) {
	if b.LoadErr != nil {
		return nil, b.LoadErr
	}
	return &session{backend: b, sig: sig}, nil
}

// MaxConcurrent reports the largest number of runs observed in flight at once.
func (b *Backend) MaxConcurrent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxActive
}

func (b *Backend) Runs() int64 {
	return b.runs.Load()
}

func (b *Backend) ClosedSessions() int64 {
	return b.closed.Load()
}

type session struct {
	backend *Backend
	sig     *model.Signature
}

func (s *session) Run(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	b := s.backend
	b.mu.Lock()
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()
	b.runs.Add(1)
	if b.Delay > 0 {
		time.Sleep(b.Delay)
	}
	if b.RunFunc != nil {
		return b.RunFunc(inputs)
	}
	outputs := make(map[string]*tensor.Tensor, len(s.sig.Outputs))
	for key, spec := range s.sig.Outputs {
		shape := spec.Shape.Clone()
		for i, d := range shape {
			if d < 0 {
				shape[i] = 1
			}
		}
		t, err := tensor.New(spec.Name, spec.DType, shape)
		if err != nil {
			return nil, err
		}
		outputs[key] = t
	}
	return outputs, nil
}

func (s *session) Close() error {
	s.backend.closed.Add(1)
	return nil
}

// WriteModel lays out a model directory holding only a signature manifest
// and returns its path.
func WriteModel(dir string, sig *model.Signature) (string, error) {
	path := filepath.Join(dir, "model")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(sig, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(path, model.SignatureFile), data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ImageClassifier is the signature of a typical NHWC image classifier.
func ImageClassifier(width, height, channels, classes int64) *model.Signature {
	return &model.Signature{
		Inputs: map[string]model.TensorSpec{
			"image": {Name: "serving_default_input_1:0", DType: tensor.Float32, Shape: tensor.Shape{1, height, width, channels}},
		},
		Outputs: map[string]model.TensorSpec{
			"scores": {Name: "StatefulPartitionedCall:0", DType: tensor.Float32, Shape: tensor.Shape{1, classes}},
		},
	}
}
