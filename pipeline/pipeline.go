// Package pipeline drives frames through preprocessing, inference, decoding
// and publishing, and reports its state to the host.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"inferbridge/config"
	"inferbridge/decode"
	"inferbridge/frame"
	"inferbridge/model"
	"inferbridge/preprocess"
	"inferbridge/ring"
	"inferbridge/streamer"
	"inferbridge/tensor"
	"inferbridge/transport"
	"inferbridge/wire"
)

const statusBufferSize = 64

// acquireRetryDelay paces a source that keeps failing.
const acquireRetryDelay = 100 * time.Millisecond

type BackendFactory func(cfg *config.Config) (model.Backend, error)

type SourceFactory func(ctx context.Context, cfg *config.Config) (frame.Source, error)

type Options struct {
	// Config is used as is when set, otherwise it is loaded from ConfigPath.
	Config     *config.Config
	ConfigPath string
	// Backends are keyed by model.backend.
	Backends   map[string]BackendFactory
	OpenSource SourceFactory
	// Dialers are keyed by endpoint scheme, the transport defaults when nil.
	Dialers map[string]transport.Dialer
	// Ops are keyed by preprocess.ops, "native" is always available.
	Ops map[string]preprocess.Ops
	// Preview receives every acquired frame. It must not block or modify it.
	Preview func(*frame.Frame)
	Logger  logrus.FieldLogger
}

type Counters struct {
	Acquired         uint64 `json:"acquired"`
	AcquireErrors    uint64 `json:"acquire_errors"`
	PreprocessErrors uint64 `json:"preprocess_errors"`
	FramesDropped    uint64 `json:"frames_dropped"`
	Inferred         uint64 `json:"inferred"`
	InferenceErrors  uint64 `json:"inference_errors"`
	DecodeErrors     uint64 `json:"decode_errors"`
	Published        uint64 `json:"published"`
	ResultsDropped   uint64 `json:"results_dropped"`
	PublishFailures  uint64 `json:"publish_failures"`
	Reconnects       uint64 `json:"reconnects"`
}

type Status struct {
	State     State     `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	Model     string    `json:"model,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Connected bool      `json:"connected"`
	Sequence  uint64    `json:"sequence"`
	Counters  Counters  `json:"counters"`
	Changed   time.Time `json:"changed"`
}

type counters struct {
	acquired         atomic.Uint64
	acquireErrors    atomic.Uint64
	preprocessErrors atomic.Uint64
	inferred         atomic.Uint64
	inferenceErrors  atomic.Uint64
	decodeErrors     atomic.Uint64
}

type Pipeline struct {
	opts   Options
	log    logrus.FieldLogger
	status *streamer.Streamer[Status]
	stats  counters

	mu        sync.Mutex
	state     State
	lastErr   error
	changed   time.Time
	cfg       *config.Config
	handle    *model.Handle
	pre       *preprocess.Preprocessor
	decoder   *decode.Decoder
	source    frame.Source
	publisher *transport.Publisher
	frames    *ring.Buffer[*tensor.Tensor]
	endpoint  transport.Endpoint
	tornDown  bool

	lanes       bool
	stopAcquire context.CancelFunc
	stopWork    context.CancelFunc
	runDone     chan struct{}

	// serializes Step against Shutdown
	stepMu sync.Mutex
}

func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &Pipeline{
		opts:    opts,
		log:     logger,
		status:  streamer.NewStreamer[Status](statusBufferSize),
		state:   Idle,
		changed: time.Now(),
	}
	go p.status.Run()
	return p
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the last error recorded, fatal or per frame.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Pipeline) Config() *config.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Pipeline) statusLocked() Status {
	s := Status{
		State:   p.state,
		Changed: p.changed,
		Counters: Counters{
			Acquired:         p.stats.acquired.Load(),
			AcquireErrors:    p.stats.acquireErrors.Load(),
			PreprocessErrors: p.stats.preprocessErrors.Load(),
			Inferred:         p.stats.inferred.Load(),
			InferenceErrors:  p.stats.inferenceErrors.Load(),
			DecodeErrors:     p.stats.decodeErrors.Load(),
		},
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	if p.frames != nil {
		s.Counters.FramesDropped = p.frames.Dropped()
	}
	if p.handle != nil {
		s.Model = p.handle.Path()
		s.Backend = p.handle.Backend()
		s.Sequence = p.handle.Sequence()
	}
	if p.publisher != nil {
		stats := p.publisher.Stats()
		s.Endpoint = p.endpoint.String()
		s.Connected = stats.Connected
		s.Counters.Published = stats.Published
		s.Counters.ResultsDropped = stats.Dropped
		s.Counters.PublishFailures = stats.Failed
		s.Counters.Reconnects = stats.Reconnects
	}
	return s
}

// Subscribe returns a client receiving a status on every state change and
// recorded error. It is nil once the pipeline has shut down.
func (p *Pipeline) Subscribe(buffSize int) *streamer.Client[Status] {
	return p.status.NewClient(buffSize)
}

func (p *Pipeline) notify() {
	s := p.Status()
	p.status.Broadcast(&s)
}

func (p *Pipeline) setState(to State, err error) bool {
	p.mu.Lock()
	if !p.state.canMove(to) {
		p.mu.Unlock()
		return false
	}
	from := p.state
	p.state = to
	p.changed = time.Now()
	if err != nil {
		p.lastErr = err
	}
	s := p.statusLocked()
	p.mu.Unlock()

	entry := p.log.WithFields(logrus.Fields{"from": from, "to": to})
	if err != nil {
		entry.Error("Pipeline state changed: ", err)
	} else {
		entry.Info("Pipeline state changed")
	}
	p.status.Broadcast(&s)
	return true
}

func (p *Pipeline) recordError(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	p.notify()
}

// fail surfaces a fatal error: Error, then Stopped once torn down.
func (p *Pipeline) fail(err error) {
	p.setState(Error, err)
	p.teardown()
	p.setState(Stopped, nil)
}

// Start loads the configuration, the model and every stage. Any failure
// leaves nothing running and the cause in Status.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.setState(Loading, nil) {
		return fmt.Errorf("pipeline: cannot start while %s", p.State())
	}
	if err := p.load(ctx); err != nil {
		p.fail(err)
		return err
	}
	p.setState(Running, nil)
	return nil
}

func (p *Pipeline) load(ctx context.Context) error {
	cfg := p.opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(p.opts.ConfigPath); err != nil {
			return err
		}
	} else if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()

	factory := p.opts.Backends[cfg.Model.Backend]
	if factory == nil {
		return model.NewLoadError(model.NotFound, cfg.Model.Path, fmt.Errorf("backend %q is not available", cfg.Model.Backend))
	}
	backend, err := factory(cfg)
	if err != nil {
		return model.NewLoadError(model.NotFound, cfg.Model.Path, err)
	}
	handle, err := model.Load(cfg.Model.Path, backend, cfg.ModelOptions(p.log))
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.handle = handle
	p.mu.Unlock()

	params, err := cfg.PreprocessParams()
	if err != nil {
		return err
	}
	params.Name = handle.Input()
	ops := p.opts.Ops[cfg.Preprocess.Ops]
	if ops == nil {
		if cfg.Preprocess.Ops != "native" {
			return fmt.Errorf("pipeline: preprocess ops %q are not available", cfg.Preprocess.Ops)
		}
		ops = preprocess.Native{}
	}
	pre, err := preprocess.New(params, ops)
	if err != nil {
		return err
	}
	decoder, err := decode.NewDecoder(cfg.DecodeSchema())
	if err != nil {
		return err
	}

	if p.opts.OpenSource == nil {
		return errors.New("pipeline: no frame source")
	}
	codec, err := wire.Lookup(cfg.Transport.Codec)
	if err != nil {
		return err
	}
	dialers := p.opts.Dialers
	if dialers == nil {
		dialers = transport.Dialers(time.Duration(cfg.Transport.WriteTimeoutMs)*time.Millisecond, byte(cfg.Transport.QoS))
	}
	e := cfg.Transport.Endpoint
	endpoint := transport.Endpoint{Scheme: e.Scheme, Host: e.Host, Port: e.Port, Path: e.Path}
	dialer := dialers[endpoint.Scheme]
	if dialer == nil {
		return fmt.Errorf("pipeline: no dialer for scheme %q", endpoint.Scheme)
	}
	publisher := transport.NewPublisher(transport.PublisherOptions{
		Dialer:         dialer,
		Endpoint:       endpoint,
		Codec:          codec,
		Watermark:      cfg.Transport.Watermark,
		MaxRetries:     cfg.Transport.MaxRetries,
		RetryDelay:     time.Duration(cfg.Transport.RetryDelayMs) * time.Millisecond,
		MaxRetryDelay:  time.Duration(cfg.Transport.MaxRetryDelayMs) * time.Millisecond,
		ConnectTimeout: time.Duration(cfg.Transport.ConnectTimeoutMs) * time.Millisecond,
		Logger:         p.log,
	})
	p.mu.Lock()
	p.publisher = publisher
	p.endpoint = endpoint
	p.mu.Unlock()
	if err := publisher.Connect(ctx); err != nil {
		p.log.Warn("Consumer not reachable yet: ", err)
	}

	source, err := p.opts.OpenSource(ctx, cfg)
	if err != nil {
		return fmt.Errorf("pipeline: cannot open frame source: %w", err)
	}

	p.mu.Lock()
	p.pre = pre
	p.decoder = decoder
	p.source = source
	p.frames = ring.New[*tensor.Tensor](cfg.Pipeline.QueueSize)
	p.mu.Unlock()
	return nil
}

// teardown releases every stage once.
func (p *Pipeline) teardown() {
	p.mu.Lock()
	if p.tornDown {
		p.mu.Unlock()
		return
	}
	p.tornDown = true
	publisher, handle, source := p.publisher, p.handle, p.source
	p.mu.Unlock()

	if publisher != nil {
		publisher.Close()
		publisher.Disconnect()
	}
	if source != nil {
		if err := source.Close(); err != nil {
			p.log.Warn("Cannot close frame source: ", err)
		}
	}
	if handle != nil {
		if err := handle.Close(); err != nil {
			p.log.Warn("Cannot close model: ", err)
		}
	}
}

// Run drives the acquisition, inference and publishing lanes until the
// source ends, ctx is done, Shutdown completes or a fatal error occurs.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.state != Running || p.lanes {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("pipeline: cannot run while %s", state)
	}
	p.lanes = true
	workCtx, stopWork := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(workCtx)
	acquireCtx, stopAcquire := context.WithCancel(gctx)
	p.stopWork = stopWork
	p.stopAcquire = stopAcquire
	runDone := make(chan struct{})
	p.runDone = runDone
	p.mu.Unlock()
	defer close(runDone)
	defer stopWork()
	defer stopAcquire()

	g.Go(func() error {
		defer p.frames.Close()
		return p.acquireLane(acquireCtx)
	})
	g.Go(func() error {
		defer p.publisher.Close()
		return p.inferenceLane(gctx)
	})
	g.Go(func() error {
		err := p.publisher.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		p.fail(err)
		return err
	}
	p.setState(Draining, nil)
	p.teardown()
	p.setState(Stopped, nil)
	return nil
}

func (p *Pipeline) acquireLane(ctx context.Context) error {
	for ctx.Err() == nil {
		f, err := p.source.Acquire(ctx)
		if errors.Is(err, frame.ErrEndOfStream) {
			p.log.Info("End of stream")
			p.setState(Draining, nil)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.stats.acquireErrors.Add(1)
			p.log.Warn("Cannot acquire frame: ", err)
			p.recordError(err)
			select {
			case <-ctx.Done():
			case <-time.After(acquireRetryDelay):
			}
			continue
		}
		t, err := p.prepare(f)
		if err != nil {
			continue
		}
		if _, dropped := p.frames.Push(t); dropped {
			p.log.WithField("frame", f.Index).Debug("Inference lane saturated, dropped oldest frame")
		}
	}
	return nil
}

func (p *Pipeline) prepare(f *frame.Frame) (*tensor.Tensor, error) {
	p.stats.acquired.Add(1)
	if p.opts.Preview != nil {
		p.opts.Preview(f)
	}
	t, err := p.pre.Preprocess(f)
	if err != nil {
		p.stats.preprocessErrors.Add(1)
		p.log.WithField("frame", f.Index).Warn("Frame skipped: ", err)
		p.recordError(err)
		return nil, err
	}
	return t, nil
}

func (p *Pipeline) inferenceLane(ctx context.Context) error {
	for {
		t, err := p.frames.Pop(ctx)
		if err != nil {
			// closed and drained, or cancelled
			return nil
		}
		res, err := p.infer(ctx, t)
		if err != nil {
			continue
		}
		p.publisher.Enqueue(res)
	}
}

func (p *Pipeline) infer(ctx context.Context, t *tensor.Tensor) (*decode.Result, error) {
	req := model.NewRequest(map[string]*tensor.Tensor{p.handle.Input(): t})
	res, err := p.handle.Infer(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		p.stats.inferenceErrors.Add(1)
		p.log.WithField("request", req.ID).Warn("Inference failed: ", err)
		p.recordError(err)
		return nil, err
	}
	p.stats.inferred.Add(1)
	out, err := p.decoder.Decode(res)
	if err != nil {
		p.stats.decodeErrors.Add(1)
		p.log.WithField("seq", res.Sequence).Warn("Cannot decode result: ", err)
		p.recordError(err)
		return nil, err
	}
	return out, nil
}

// Step runs one frame through every stage for hosts that tick the pipeline
// themselves instead of calling Run. It returns frame.ErrEndOfStream once
// the source is exhausted.
func (p *Pipeline) Step(ctx context.Context) (*decode.Result, error) {
	p.stepMu.Lock()
	defer p.stepMu.Unlock()
	p.mu.Lock()
	state, lanes := p.state, p.lanes
	p.mu.Unlock()
	if state != Running || lanes {
		return nil, fmt.Errorf("pipeline: cannot step while %s", state)
	}

	f, err := p.source.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, frame.ErrEndOfStream) && ctx.Err() == nil {
			p.stats.acquireErrors.Add(1)
			p.recordError(err)
		}
		return nil, err
	}
	t, err := p.prepare(f)
	if err != nil {
		return nil, err
	}
	res, err := p.infer(ctx, t)
	if err != nil {
		return nil, err
	}
	if _, err := p.publisher.Publish(ctx, res); err != nil {
		if errors.Is(err, transport.ErrRetriesExhausted) {
			p.fail(err)
		} else {
			p.recordError(err)
		}
		return res, err
	}
	return res, nil
}

// Shutdown stops acquiring, lets queued frames finish within the drain
// timeout and releases every stage. Work left after the timeout or after ctx
// is done is discarded.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	state, lanes := p.state, p.lanes
	runDone, stopAcquire, stopWork := p.runDone, p.stopAcquire, p.stopWork
	var drain time.Duration
	if p.cfg != nil {
		drain = p.cfg.DrainTimeout()
	}
	p.mu.Unlock()

	if state == Loading {
		return errors.New("pipeline: cannot shut down while loading")
	}
	// Every path below ends Stopped.
	defer p.status.Stop()
	switch {
	case state == Idle || state == Error:
		p.setState(Stopped, nil)
		return nil
	case state == Stopped:
		return nil
	case lanes:
		p.setState(Draining, nil)
		stopAcquire()
		timer := time.NewTimer(drain)
		defer timer.Stop()
		select {
		case <-runDone:
		case <-timer.C:
			p.log.Warn("Drain timeout, discarding remaining work")
			stopWork()
			<-runDone
		case <-ctx.Done():
			stopWork()
			<-runDone
		}
		return nil
	}

	p.stepMu.Lock()
	defer p.stepMu.Unlock()
	p.setState(Draining, nil)
	p.teardown()
	p.setState(Stopped, nil)
	return nil
}
