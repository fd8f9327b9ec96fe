package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"inferbridge/config"
	"inferbridge/cvops"
	"inferbridge/frame"
	"inferbridge/gstpipeline"
	"inferbridge/model"
	"inferbridge/monitor"
	"inferbridge/onnxmodel"
	"inferbridge/pipeline"
	"inferbridge/preprocess"
	"inferbridge/tflitemodel"
	"inferbridge/tfmodel"
)

const SOCKET_FRAMES_BUFFER_SIZE = 4
const SHUTDOWN_GRACE = 1 * time.Second

var backends = map[string]pipeline.BackendFactory{
	"tensorflow": func(cfg *config.Config) (model.Backend, error) {
		return tfmodel.Backend{Tags: cfg.Model.Tags}, nil
	},
	"tflite": func(cfg *config.Config) (model.Backend, error) {
		return tflitemodel.Backend{
			Threads:       cfg.Model.Threads,
			DelegatePath:  cfg.Model.DelegatePath,
			ArtifactsPath: cfg.Model.ArtifactsPath,
		}, nil
	},
	"onnx": func(cfg *config.Config) (model.Backend, error) {
		return onnxmodel.Backend{
			SharedLibraryPath: cfg.Model.SharedLibraryPath,
			Threads:           cfg.Model.Threads,
		}, nil
	},
}

var ops = map[string]preprocess.Ops{
	"native": preprocess.Native{},
	"opencv": cvops.Ops{},
}

// gstSource is a socket source fed by a GStreamer pipeline it owns.
type gstSource struct {
	*frame.SocketSource
	stop context.CancelFunc
}

func (s *gstSource) Close() error {
	s.stop()
	return s.SocketSource.Close()
}

func openSource(ctx context.Context, cfg *config.Config) (frame.Source, error) {
	src := cfg.Source
	format := cfg.SourceFormat()
	switch src.Kind {
	case "images":
		dir, err := frame.NewDirSource(src.Path, format)
		if err != nil {
			return nil, err
		}
		dir.Loop = src.Loop
		return dir, nil
	case "socket":
		return frame.ListenSocket(src.Address, src.Width, src.Height, format, SOCKET_FRAMES_BUFFER_SIZE)
	case "gstreamer":
		socket, err := frame.ListenSocket(src.Address, src.Width, src.Height, format, SOCKET_FRAMES_BUFFER_SIZE)
		if err != nil {
			return nil, err
		}
		addr := socket.Addr().(*net.TCPAddr)
		stream := gstpipeline.RawStream{
			Camera: gstpipeline.Camera(src.Camera),
			Index:  uint(src.Device),
			Sensor: gstpipeline.Sensor(src.Sensor),
			Width:  uint(src.Width),
			Height: uint(src.Height),
			Format: format,
			Port:   uint(addr.Port),
		}
		launchCtx, stop := context.WithCancel(context.Background())
		go func() {
			if err := gstpipeline.Launch(launchCtx, stream); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Camera pipeline failed: ", err)
			}
		}()
		return &gstSource{SocketSource: socket, stop: stop}, nil
	case "opencv":
		var device interface{} = src.Device
		if src.Path != "" {
			device = src.Path
		}
		return cvops.OpenCapture(device)
	}
	return nil, fmt.Errorf("unknown source %q", src.Kind)
}

func main() {
	configPath := flag.String("config", "inferbridge.yaml", "configuration file, JSON or YAML")
	monitorAddr := flag.String("monitor", "", "monitor listen address, overrides monitor.address")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Cannot load configuration: ", err)
	}
	if *monitorAddr != "" {
		cfg.Monitor.Address = *monitorAddr
	}

	var mon *monitor.Server
	p := pipeline.New(pipeline.Options{
		Config:     cfg,
		Backends:   backends,
		OpenSource: openSource,
		Ops:        ops,
		Preview:    func(f *frame.Frame) { mon.Preview(f) },
		Logger:     log.StandardLogger(),
	})
	mon = monitor.New(p)
	defer mon.Close()

	server := &http.Server{Addr: cfg.Monitor.Address, Handler: mon.Handler()}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	exitCode := 0
	if err := p.Start(context.Background()); err != nil {
		log.Error("Pipeline failed to start: ", err)
		exitCode = 1
	} else {
		done := make(chan error, 1)
		go func() { done <- p.Run(context.Background()) }()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case err = <-done:
		case sig := <-sigChan:
			log.Print("Received ", sig, ", draining")
			ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout()+SHUTDOWN_GRACE)
			if err := p.Shutdown(ctx); err != nil {
				log.Error("Pipeline shutdown error: ", err)
			}
			cancel()
			err = <-done
		}
		if err != nil {
			log.Error("Pipeline stopped: ", err)
			exitCode = 1
		}
	}
	p.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_GRACE)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("HTTP shutdown error: ", err)
	}
	if exitCode != 0 {
		mon.Close()
		os.Exit(exitCode)
	}
}
