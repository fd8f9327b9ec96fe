package frame

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PixelFormat int

const (
	Unknown PixelFormat = iota
	Gray
	RGB
	BGR
	RGBA
	BGRA
)

var formatNames = map[PixelFormat]string{
	Gray: "gray",
	RGB:  "rgb",
	BGR:  "bgr",
	RGBA: "rgba",
	BGRA: "bgra",
}

func (f PixelFormat) Channels() int {
	switch f {
	case Gray:
		return 1
	case RGB, BGR:
		return 3
	case RGBA, BGRA:
		return 4
	}
	return 0
}

func (f PixelFormat) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "unknown"
}

func ParsePixelFormat(s string) (PixelFormat, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "grayscale" {
		return Gray, nil
	}
	for f, name := range formatNames {
		if name == s {
			return f, nil
		}
	}
	return Unknown, fmt.Errorf("unknown pixel format %q", s)
}

func (f PixelFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *PixelFormat) UnmarshalText(text []byte) error {
	parsed, err := ParsePixelFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Frame is a raw interleaved pixel buffer.
type Frame struct {
	Width     int
	Height    int
	Channels  int
	Format    PixelFormat
	Data      []byte
	Index     uint64
	Timestamp time.Time
}

func New(width int, height int, format PixelFormat) *Frame {
	return &Frame{
		Width:    width,
		Height:   height,
		Channels: format.Channels(),
		Format:   format,
		Data:     make([]byte, width*height*format.Channels()),
	}
}

func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("frame: invalid size %dx%d", f.Width, f.Height)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("frame: invalid channel count %d", f.Channels)
	}
	if want := f.Width * f.Height * f.Channels; len(f.Data) != want {
		return fmt.Errorf("frame: %dx%dx%d wants %d bytes, got %d", f.Width, f.Height, f.Channels, want, len(f.Data))
	}
	return nil
}

func (f *Frame) Clone() *Frame {
	c := *f
	c.Data = append([]byte(nil), f.Data...)
	return &c
}

var ErrEndOfStream = errors.New("frame: end of stream")

// Source yields frames on demand. Acquire blocks until a frame is ready, the
// source is exhausted (ErrEndOfStream) or ctx is done.
type Source interface {
	Acquire(ctx context.Context) (*Frame, error)
	Close() error
}
