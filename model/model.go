// Package model loads inference graphs behind a backend neutral Handle and
// runs them one request at a time.
package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"inferbridge/tensor"
)

// Backend opens a model for one native runtime. The signature tells the
// backend which graph tensors to bind; backends return a LoadError of kind
// SignatureMismatch when a declared tensor is missing from the graph.
type Backend interface {
	Name() string
	Load(path string, sig *Signature) (Session, error)
}

// Session runs the graph. Inputs and outputs are keyed by the logical keys
// of the signature. A Session is never used concurrently.
type Session interface {
	Run(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
	Close() error
}

type Request struct {
	ID     string
	Inputs map[string]*tensor.Tensor
}

func NewRequest(inputs map[string]*tensor.Tensor) Request {
	return Request{ID: uuid.NewString(), Inputs: inputs}
}

type Result struct {
	RequestID string
	Sequence  uint64
	Outputs   map[string]*tensor.Tensor
	Elapsed   time.Duration
	Completed time.Time
}

const DefaultTimeout = 2 * time.Second

type Options struct {
	// Version selects a numbered model subdirectory, below 1 means latest.
	Version       int
	SignaturePath string
	// Input is the signature key frames are fed to. It may be empty when
	// the signature has a single input.
	Input      string
	InputShape tensor.Shape
	Timeout    time.Duration
	Warmup     bool
	Logger     logrus.FieldLogger
}

type Handle struct {
	path    string
	backend string
	sig     *Signature
	input   string
	session Session
	timeout time.Duration
	log     logrus.FieldLogger

	slot     chan struct{}
	seq      atomic.Uint64
	closeMu  sync.Mutex
	closed   atomic.Bool
	inFlight sync.WaitGroup
}

// Load resolves the model version, reads its signature and opens it with
// backend. Every failure is a *LoadError.
func Load(path string, backend Backend, opts Options) (h *Handle, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if backend == nil {
		return nil, NewLoadError(NotFound, path, errors.New("no backend"))
	}
	resolved, err := ResolveVersion(path, opts.Version)
	if err != nil {
		return nil, err
	}
	sigPath := opts.SignaturePath
	if sigPath == "" {
		sigPath = SignaturePath(resolved)
	}
	sig, err := LoadSignature(sigPath)
	if err != nil {
		var lerr *LoadError
		if errors.As(err, &lerr) && lerr.Path == "" {
			lerr.Path = sigPath
		}
		return nil, err
	}
	input, err := selectInput(sig, opts.Input, opts.InputShape)
	if err != nil {
		return nil, NewLoadError(SignatureMismatch, sigPath, err)
	}

	logger = logger.WithFields(logrus.Fields{"model": resolved, "backend": backend.Name()})
	logger.Info("Loading model")
	start := time.Now()
	session, err := openSession(backend, resolved, sig)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	h = &Handle{
		path:    resolved,
		backend: backend.Name(),
		sig:     sig,
		input:   input,
		session: session,
		timeout: timeout,
		log:     logger,
		slot:    make(chan struct{}, 1),
	}
	if opts.Warmup {
		// The first run triggers lazy initialization in most runtimes.
		if _, err := h.run(zeroInputs(sig)); err != nil {
			session.Close()
			return nil, NewLoadError(CorruptGraph, resolved, fmt.Errorf("warm-up run failed: %w", err))
		}
	}
	logger.WithField("elapsed", time.Since(start)).Info("Model loaded")
	return h, nil
}

func openSession(backend Backend, path string, sig *Signature) (session Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			session = nil
			err = NewLoadError(CorruptGraph, path, fmt.Errorf("backend panic: %v", r))
		}
	}()
	session, err = backend.Load(path, sig)
	if err != nil {
		var lerr *LoadError
		if errors.As(err, &lerr) {
			return nil, err
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, NewLoadError(NotFound, path, err)
		}
		return nil, NewLoadError(CorruptGraph, path, err)
	}
	if session == nil {
		return nil, NewLoadError(CorruptGraph, path, errors.New("backend returned no session"))
	}
	return session, nil
}

func selectInput(sig *Signature, key string, shape tensor.Shape) (string, error) {
	if key == "" {
		keys := sig.InputKeys()
		if len(keys) != 1 {
			return "", fmt.Errorf("signature has %d inputs, input key must be configured", len(keys))
		}
		key = keys[0]
	}
	spec, ok := sig.Inputs[key]
	if !ok {
		return "", fmt.Errorf("signature has no input %q", key)
	}
	if len(shape) > 0 && !spec.Shape.Matches(shape) {
		return "", fmt.Errorf("input %q is declared as %s, configured as %s", key, spec.Shape, shape)
	}
	return key, nil
}

func zeroInputs(sig *Signature) map[string]*tensor.Tensor {
	inputs := make(map[string]*tensor.Tensor, len(sig.Inputs))
	for key, spec := range sig.Inputs {
		shape := spec.Shape.Clone()
		for i, d := range shape {
			if d < 0 {
				shape[i] = 1
			}
		}
		t, err := tensor.New(key, spec.DType, shape)
		if err != nil {
			continue
		}
		inputs[key] = t
	}
	return inputs
}

func (h *Handle) Path() string {
	return h.path
}

func (h *Handle) Backend() string {
	return h.backend
}

func (h *Handle) Signature() *Signature {
	return h.sig
}

// Input returns the signature key frames are fed to.
func (h *Handle) Input() string {
	return h.input
}

func (h *Handle) InputSpec() TensorSpec {
	return h.sig.Inputs[h.input]
}

// Sequence returns the sequence number of the last successful inference.
func (h *Handle) Sequence() uint64 {
	return h.seq.Load()
}

func (h *Handle) validate(req Request) error {
	for key, spec := range h.sig.Inputs {
		t, ok := req.Inputs[key]
		if !ok || t == nil {
			return fmt.Errorf("missing input %q", key)
		}
		if t.DType != spec.DType {
			return fmt.Errorf("input %q is %s, signature declares %s", key, t.DType, spec.DType)
		}
		if !spec.Shape.Matches(t.Shape) {
			return fmt.Errorf("input %q has shape %s, signature declares %s", key, t.Shape, spec.Shape)
		}
		if err := t.Validate(); err != nil {
			return err
		}
	}
	for key := range req.Inputs {
		if _, ok := h.sig.Inputs[key]; !ok {
			return fmt.Errorf("unknown input %q", key)
		}
	}
	return nil
}

type runResult struct {
	outputs map[string]*tensor.Tensor
	err     error
}

// Infer runs one request. Calls on the same handle are serialized; the
// timeout covers both the wait for the handle and the run itself. A run
// that outlives the timeout keeps the handle busy until the runtime returns,
// its outputs are discarded.
func (h *Handle) Infer(ctx context.Context, req Request) (*Result, error) {
	if h.closed.Load() {
		return nil, &InferenceError{Kind: RuntimeFailure, RequestID: req.ID, Err: ErrHandleClosed}
	}
	if err := h.validate(req); err != nil {
		return nil, &InferenceError{Kind: ShapeMismatch, RequestID: req.ID, Err: err}
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case h.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("inference %s not started: %w", req.ID, ctx.Err())
	case <-timer.C:
		return nil, &InferenceError{Kind: Timeout, RequestID: req.ID, Err: fmt.Errorf("handle busy for %s", h.timeout)}
	}
	if h.closed.Load() {
		<-h.slot
		return nil, &InferenceError{Kind: RuntimeFailure, RequestID: req.ID, Err: ErrHandleClosed}
	}

	start := time.Now()
	done := make(chan runResult, 1)
	h.inFlight.Add(1)
	go func() {
		defer h.inFlight.Done()
		defer func() { <-h.slot }()
		outputs, err := h.run(req.Inputs)
		done <- runResult{outputs: outputs, err: err}
	}()

	var r runResult
	select {
	case r = <-done:
	case <-timer.C:
		h.log.WithField("request", req.ID).Warn("Inference timed out, run left to finish in background")
		return nil, &InferenceError{Kind: Timeout, RequestID: req.ID, Err: fmt.Errorf("no result after %s", h.timeout)}
	}
	if r.err != nil {
		var ierr *InferenceError
		if errors.As(r.err, &ierr) {
			ierr.RequestID = req.ID
			return nil, ierr
		}
		return nil, &InferenceError{Kind: RuntimeFailure, RequestID: req.ID, Err: r.err}
	}
	for _, key := range h.sig.OutputKeys() {
		if r.outputs[key] == nil {
			return nil, &InferenceError{Kind: RuntimeFailure, RequestID: req.ID, Err: fmt.Errorf("runtime produced no output %q", key)}
		}
	}
	return &Result{
		RequestID: req.ID,
		Sequence:  h.seq.Add(1),
		Outputs:   r.outputs,
		Elapsed:   time.Since(start),
		Completed: time.Now(),
	}, nil
}

func (h *Handle) run(inputs map[string]*tensor.Tensor) (outputs map[string]*tensor.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = fmt.Errorf("runtime panic: %v", r)
		}
	}()
	return h.session.Run(inputs)
}

// Close waits for the running inference, if any, and releases the session.
func (h *Handle) Close() error {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if h.closed.Swap(true) {
		return nil
	}
	h.slot <- struct{}{}
	h.inFlight.Wait()
	err := h.session.Close()
	<-h.slot
	h.log.Info("Model closed")
	return err
}
