package cvops

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"inferbridge/frame"
)

// Capture is a frame source reading from an OpenCV VideoCapture: a camera
// index or a video file. Frames come out in BGR, the OpenCV order.
type Capture struct {
	mu     sync.Mutex
	device interface{}
	video  *gocv.VideoCapture
	mat    gocv.Mat
	index  uint64
	closed bool
}

func OpenCapture(device interface{}) (*Capture, error) {
	video, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("cannot open video capture %v: %w", device, err)
	}
	log.Print("Video capture opened: ", device)
	return &Capture{device: device, video: video, mat: gocv.NewMat()}, nil
}

func (c *Capture) Acquire(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, frame.ErrEndOfStream
	}
	if ok := c.video.Read(&c.mat); !ok || c.mat.Empty() {
		log.Print("Video capture exhausted: ", c.device)
		return nil, frame.ErrEndOfStream
	}
	var format frame.PixelFormat
	switch c.mat.Channels() {
	case 1:
		format = frame.Gray
	case 3:
		format = frame.BGR
	case 4:
		format = frame.BGRA
	default:
		return nil, fmt.Errorf("capture produced %d channels", c.mat.Channels())
	}
	f := frame.New(c.mat.Cols(), c.mat.Rows(), format)
	copy(f.Data, c.mat.ToBytes())
	c.index++
	f.Index = c.index
	f.Timestamp = time.Now()
	return f, nil
}

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.mat.Close()
	return c.video.Close()
}
