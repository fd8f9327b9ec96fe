package gstpipeline

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"

	"inferbridge/frame"
)

type Camera string

const (
	USB  Camera = "usb"
	CSI  Camera = "csi"
	Test Camera = "test"
)

// RawStream describes a camera pipeline that pushes fixed size raw frames
// into a local TCP socket, where a frame.SocketSource picks them up.
type RawStream struct {
	Camera    Camera
	Index     uint
	Sensor    Sensor
	Width     uint
	Height    uint
	OutWidth  uint
	OutHeight uint
	Format    frame.PixelFormat
	Host      string
	Port      uint
}

func (s RawStream) outSize() (uint, uint) {
	if s.OutWidth == 0 || s.OutHeight == 0 {
		return s.Width, s.Height
	}
	return s.OutWidth, s.OutHeight
}

// Setup returns the command preparing the sensor, if the camera needs one.
func (s RawStream) Setup() string {
	if s.Camera != CSI {
		return ""
	}
	return CsiCameraSetup(s.sensor(), s.Index, s.Width, s.Height)
}

func (s RawStream) sensor() Sensor {
	if s.Sensor == "" {
		return IMX219
	}
	return s.Sensor
}

func (s RawStream) Pipeline() (string, error) {
	if s.Width == 0 || s.Height == 0 {
		return "", fmt.Errorf("invalid capture size %dx%d", s.Width, s.Height)
	}
	rawFormat, err := RawFormat(s.Format)
	if err != nil {
		return "", err
	}
	host := s.Host
	if host == "" {
		host = "127.0.0.1"
	}
	width, height := s.outSize()
	var source string
	switch s.Camera {
	case USB:
		source = UsbJpegCameraV4l2Source(s.Index) +
			UsbJpegCameraConfig(s.Width, s.Height) +
			JpegDecode() +
			VideoScale(width, height)
	case CSI:
		source = CsiCameraV4l2Source(s.Index) +
			CsiCameraConfig(s.Index, s.sensor(), s.Width, s.Height) +
			TiOvxMultiscaler(width, height)
	case Test:
		source = VideoTestSource(s.Width, s.Height) +
			VideoScale(width, height)
	default:
		return "", fmt.Errorf("unknown camera %q", s.Camera)
	}
	return GStreamerLaunch() + source + VideoConvert(rawFormat) + TcpClientSink(host, s.Port), nil
}

// Launch runs the pipeline until it exits or ctx is done.
func Launch(ctx context.Context, s RawStream) error {
	pipeline, err := s.Pipeline()
	if err != nil {
		return err
	}
	if setup := s.Setup(); setup != "" {
		cmdSetup := exec.CommandContext(ctx, "bash", "-c", setup)
		log.Print(strings.Join(cmdSetup.Args, " "))
		if err := cmdSetup.Run(); err != nil {
			return fmt.Errorf("cannot setup %s camera: %w", s.Camera, err)
		}
	}
	cmd := exec.CommandContext(ctx, "bash", "-c", pipeline)
	log.Print(strings.Join(cmd.Args, " "))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("GStreamer pipeline stopped: %w", err)
	}
	return nil
}
