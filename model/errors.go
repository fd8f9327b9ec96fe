package model

import (
	"errors"
	"fmt"
)

type LoadErrorKind int

const (
	NotFound LoadErrorKind = iota
	SignatureMismatch
	CorruptGraph
)

func (k LoadErrorKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case SignatureMismatch:
		return "signature mismatch"
	case CorruptGraph:
		return "corrupt graph"
	}
	return "unknown"
}

type LoadError struct {
	Kind LoadErrorKind
	Path string
	Err  error
}

func NewLoadError(kind LoadErrorKind, path string, err error) *LoadError {
	return &LoadError{Kind: kind, Path: path, Err: err}
}

func (e *LoadError) Error() string {
	msg := "model load: " + e.Kind.String()
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func (e *LoadError) Is(target error) bool {
	var t *LoadError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

type InferenceErrorKind int

const (
	ShapeMismatch InferenceErrorKind = iota
	RuntimeFailure
	Timeout
)

func (k InferenceErrorKind) String() string {
	switch k {
	case ShapeMismatch:
		return "shape mismatch"
	case RuntimeFailure:
		return "runtime failure"
	case Timeout:
		return "timeout"
	}
	return "unknown"
}

type InferenceError struct {
	Kind      InferenceErrorKind
	RequestID string
	Err       error
}

func NewInferenceError(kind InferenceErrorKind, err error) *InferenceError {
	return &InferenceError{Kind: kind, Err: err}
}

func (e *InferenceError) Error() string {
	msg := "inference: " + e.Kind.String()
	if e.RequestID != "" {
		msg += fmt.Sprintf(" (request %s)", e.RequestID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

func (e *InferenceError) Is(target error) bool {
	var t *InferenceError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrNotFound          = &LoadError{Kind: NotFound}
	ErrSignatureMismatch = &LoadError{Kind: SignatureMismatch}
	ErrCorruptGraph      = &LoadError{Kind: CorruptGraph}

	ErrShapeMismatch  = &InferenceError{Kind: ShapeMismatch}
	ErrRuntimeFailure = &InferenceError{Kind: RuntimeFailure}
	ErrTimeout        = &InferenceError{Kind: Timeout}
)

var ErrHandleClosed = errors.New("model handle closed")
