package frame

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// SliceSource replays frames handed over by the host, then reports
// ErrEndOfStream.
type SliceSource struct {
	mu     sync.Mutex
	frames []*Frame
	next   int
	Delay  time.Duration
}

func NewSliceSource(frames ...*Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

func (s *SliceSource) Acquire(ctx context.Context) (*Frame, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.frames) {
		return nil, ErrEndOfStream
	}
	f := s.frames[s.next]
	s.frames[s.next] = nil
	s.next++
	if f.Index == 0 {
		f.Index = uint64(s.next)
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	return f, nil
}

func (s *SliceSource) Close() error {
	return nil
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// DirSource decodes the image files of a directory in name order.
type DirSource struct {
	files  []string
	next   int
	index  uint64
	format PixelFormat
	Loop   bool
}

func NewDirSource(dir string, format PixelFormat) (*DirSource, error) {
	if format.Channels() == 0 {
		return nil, fmt.Errorf("frame: unsupported pixel format %s", format)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read image directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("frame: no images in %s", dir)
	}
	return &DirSource{files: files, format: format}, nil
}

func (s *DirSource) Acquire(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.files) {
		if !s.Loop {
			return nil, ErrEndOfStream
		}
		s.next = 0
	}
	path := s.files[s.next]
	s.next++
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("cannot decode %s: %w", path, err)
	}
	f := FromImage(img, s.format)
	s.index++
	f.Index = s.index
	f.Timestamp = time.Now()
	return f, nil
}

func (s *DirSource) Close() error {
	return nil
}

// FromImage copies img into a frame of the given format.
func FromImage(img image.Image, format PixelFormat) *Frame {
	bounds := img.Bounds()
	f := New(bounds.Dx(), bounds.Dy(), format)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			switch format {
			case Gray:
				f.Data[i] = color.GrayModel.Convert(c).(color.Gray).Y
			case RGB:
				f.Data[i], f.Data[i+1], f.Data[i+2] = c.R, c.G, c.B
			case BGR:
				f.Data[i], f.Data[i+1], f.Data[i+2] = c.B, c.G, c.R
			case RGBA:
				f.Data[i], f.Data[i+1], f.Data[i+2], f.Data[i+3] = c.R, c.G, c.B, c.A
			case BGRA:
				f.Data[i], f.Data[i+1], f.Data[i+2], f.Data[i+3] = c.B, c.G, c.R, c.A
			}
			i += f.Channels
		}
	}
	return f
}
