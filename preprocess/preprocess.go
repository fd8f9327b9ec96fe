// Package preprocess turns raw frames into model input tensors.
package preprocess

import (
	"errors"
	"fmt"

	"inferbridge/frame"
	"inferbridge/tensor"
)

type ErrorKind int

const (
	InvalidFrame ErrorKind = iota
	ChannelMismatch
	OpFailure
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidFrame:
		return "invalid frame"
	case ChannelMismatch:
		return "channel mismatch"
	case OpFailure:
		return "operation failed"
	}
	return "unknown"
}

var (
	ErrInvalidFrame    = &PreprocessError{Kind: InvalidFrame}
	ErrChannelMismatch = &PreprocessError{Kind: ChannelMismatch}
	ErrOpFailure       = &PreprocessError{Kind: OpFailure}
)

type PreprocessError struct {
	Kind  ErrorKind
	Frame uint64
	Err   error
}

func (e *PreprocessError) Error() string {
	if e.Err == nil {
		return "preprocess: " + e.Kind.String()
	}
	return fmt.Sprintf("preprocess: %s: %v", e.Kind, e.Err)
}

func (e *PreprocessError) Unwrap() error {
	return e.Err
}

// Is matches any PreprocessError of the same kind.
func (e *PreprocessError) Is(target error) bool {
	var t *PreprocessError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Ops is the image processing capability a Preprocessor relies on.
type Ops interface {
	Resize(f *frame.Frame, width int, height int, interpolation Interpolation) (*frame.Frame, error)
	Convert(f *frame.Frame, to frame.PixelFormat) (*frame.Frame, error)
	Normalize(f *frame.Frame, params Params) (*tensor.Tensor, error)
}

type Preprocessor struct {
	params Params
	ops    Ops
}

func New(params Params, ops Ops) (*Preprocessor, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	if ops == nil {
		ops = Native{}
	}
	return &Preprocessor{params: params, ops: ops}, nil
}

func (p *Preprocessor) Params() Params {
	return p.params
}

// Preprocess resizes, converts and normalizes f into a tensor shaped
// p.Params().Shape(). The frame is not retained.
func (p *Preprocessor) Preprocess(f *frame.Frame) (*tensor.Tensor, error) {
	if f == nil {
		return nil, &PreprocessError{Kind: InvalidFrame, Err: errors.New("nil frame")}
	}
	if err := f.Validate(); err != nil {
		return nil, &PreprocessError{Kind: InvalidFrame, Frame: f.Index, Err: err}
	}
	if want := p.params.SourceFormat.Channels(); f.Channels != want {
		return nil, &PreprocessError{
			Kind:  ChannelMismatch,
			Frame: f.Index,
			Err:   fmt.Errorf("frame has %d channels, %s expects %d", f.Channels, p.params.SourceFormat, want),
		}
	}

	current := f
	if f.Format == frame.Unknown {
		// Sources that only know the channel count are trusted to deliver
		// the configured order.
		relabeled := *f
		relabeled.Format = p.params.SourceFormat
		current = &relabeled
	}

	var err error
	if current.Width != p.params.TargetWidth || current.Height != p.params.TargetHeight {
		current, err = p.ops.Resize(current, p.params.TargetWidth, p.params.TargetHeight, p.params.Interpolation)
		if err != nil {
			return nil, &PreprocessError{Kind: OpFailure, Frame: f.Index, Err: fmt.Errorf("resize: %w", err)}
		}
	}
	if current.Format != p.params.TargetFormat {
		current, err = p.ops.Convert(current, p.params.TargetFormat)
		if err != nil {
			return nil, &PreprocessError{Kind: OpFailure, Frame: f.Index, Err: fmt.Errorf("convert: %w", err)}
		}
	}
	t, err := p.ops.Normalize(current, p.params)
	if err != nil {
		return nil, &PreprocessError{Kind: OpFailure, Frame: f.Index, Err: fmt.Errorf("normalize: %w", err)}
	}
	if !t.Shape.Equal(p.params.Shape()) {
		return nil, &PreprocessError{Kind: OpFailure, Frame: f.Index, Err: fmt.Errorf("ops produced %s, want %s", t.Shape, p.params.Shape())}
	}
	return t, nil
}
