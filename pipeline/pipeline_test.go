package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferbridge/config"
	"inferbridge/frame"
	"inferbridge/model"
	"inferbridge/model/modeltest"
	"inferbridge/tensor"
	"inferbridge/transport"
	"inferbridge/wire"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type recordingConn struct {
	mu      sync.Mutex
	written [][]byte
}

func (c *recordingConn) Write(ctx context.Context, payload []byte, binary bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, payload)
	return nil
}

func (c *recordingConn) Close() error {
	return nil
}

func (c *recordingConn) sequences(t *testing.T) []uint64 {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	seqs := make([]uint64, 0, len(c.written))
	for _, data := range c.written {
		var m wire.Message
		require.NoError(t, wire.JSON{}.Unmarshal(data, &m))
		seqs = append(seqs, m.Seq)
	}
	return seqs
}

type refusingConn struct{}

func (refusingConn) Write(ctx context.Context, payload []byte, binary bool) error {
	return errors.New("broken pipe")
}

func (refusingConn) Close() error {
	return nil
}

func dialerFor(conn transport.Conn) map[string]transport.Dialer {
	return map[string]transport.Dialer{
		"tcp": transport.DialerFunc(func(ctx context.Context, endpoint transport.Endpoint) (transport.Conn, error) {
			if conn == nil {
				return nil, errors.New("connection refused")
			}
			return conn, nil
		}),
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path, err := modeltest.WriteModel(t.TempDir(), modeltest.ImageClassifier(2, 2, 3, 3))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Model.Path = path
	cfg.Model.InputShape = []int64{1, 2, 2, 3}
	cfg.Model.InferenceTimeoutMs = 5000
	cfg.Preprocess.TargetWidth = 2
	cfg.Preprocess.TargetHeight = 2
	cfg.Output.Labels = []string{"cat", "dog", "bird"}
	cfg.Transport.Endpoint = config.Endpoint{Scheme: "tcp", Host: "127.0.0.1", Port: 9000}
	cfg.Transport.RetryDelayMs = 1
	cfg.Transport.MaxRetryDelayMs = 2
	cfg.Source.Path = "unused"
	return cfg
}

func scores(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	t, err := tensor.FromFloat32s("scores", tensor.Shape{1, 3}, []float32{0.1, 0.7, 0.2})
	if err != nil {
		return nil, err
	}
	return map[string]*tensor.Tensor{"scores": t}, nil
}

func frames(n int) []*frame.Frame {
	out := make([]*frame.Frame, n)
	for i := range out {
		out[i] = frame.New(2, 2, frame.RGB)
	}
	return out
}

func newPipeline(cfg *config.Config, backend *modeltest.Backend, source frame.Source, dialers map[string]transport.Dialer) *Pipeline {
	return New(Options{
		Config: cfg,
		Backends: map[string]BackendFactory{
			"tensorflow": func(*config.Config) (model.Backend, error) { return backend, nil },
		},
		OpenSource: func(context.Context, *config.Config) (frame.Source, error) { return source, nil },
		Dialers:    dialers,
		Logger:     quietLogger(),
	})
}

// gatedSource holds back every frame after the first until open is closed.
type gatedSource struct {
	*frame.SliceSource
	open   <-chan struct{}
	served atomic.Int64
}

func (s *gatedSource) Acquire(ctx context.Context) (*frame.Frame, error) {
	if s.served.Add(1) > 1 {
		select {
		case <-s.open:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.SliceSource.Acquire(ctx)
}

// endlessSource yields a frame every Delay until closed or ctx is done.
type endlessSource struct {
	Delay time.Duration
}

func (s *endlessSource) Acquire(ctx context.Context) (*frame.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.Delay):
		return frame.New(2, 2, frame.RGB), nil
	}
}

func (s *endlessSource) Close() error {
	return nil
}

func TestRunPublishesEveryFrameUntilEndOfStream(t *testing.T) {
	conn := &recordingConn{}
	backend := &modeltest.Backend{RunFunc: scores}
	p := newPipeline(testConfig(t), backend, frame.NewSliceSource(frames(3)...), dialerFor(conn))

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, Running, p.State())
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, Stopped, p.State())
	assert.Equal(t, []uint64{1, 2, 3}, conn.sequences(t))
	status := p.Status()
	assert.Equal(t, uint64(3), status.Counters.Acquired)
	assert.Equal(t, uint64(3), status.Counters.Inferred)
	assert.Equal(t, uint64(3), status.Counters.Published)
	assert.Equal(t, uint64(3), status.Sequence)
	assert.Equal(t, "tcp://127.0.0.1:9000", status.Endpoint)
	assert.Equal(t, int64(1), backend.ClosedSessions())
	assert.NoError(t, p.Err())
}

func TestSlowInferenceDropsOldestFrames(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	backend := &modeltest.Backend{RunFunc: func(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return scores(inputs)
	}}
	source := &gatedSource{SliceSource: frame.NewSliceSource(frames(20)...), open: started}
	conn := &recordingConn{}
	p := newPipeline(testConfig(t), backend, source, dialerFor(conn))
	require.NoError(t, p.Start(context.Background()))

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return p.Status().Counters.Acquired == 20 && p.State() == Draining
	}, 5*time.Second, 5*time.Millisecond)
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	counters := p.Status().Counters
	assert.Equal(t, uint64(15), counters.FramesDropped)
	assert.Equal(t, uint64(5), counters.Inferred)
	assert.Equal(t, uint64(5), counters.Published)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, conn.sequences(t))
	assert.Equal(t, 1, backend.MaxConcurrent())
}

func TestFrameErrorsAreSkipped(t *testing.T) {
	var calls atomic.Int64
	backend := &modeltest.Backend{RunFunc: func(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
		if calls.Add(1) == 2 {
			return nil, errors.New("runtime fault")
		}
		return scores(inputs)
	}}
	input := frames(4)
	input[1] = frame.New(2, 2, frame.Gray)
	conn := &recordingConn{}
	p := newPipeline(testConfig(t), backend, frame.NewSliceSource(input...), dialerFor(conn))

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Run(context.Background()))

	counters := p.Status().Counters
	assert.Equal(t, uint64(4), counters.Acquired)
	assert.Equal(t, uint64(1), counters.PreprocessErrors)
	assert.Equal(t, uint64(1), counters.InferenceErrors)
	assert.Equal(t, uint64(2), counters.Inferred)
	assert.Equal(t, []uint64{1, 2}, conn.sequences(t))
	assert.Equal(t, Stopped, p.State())
	assert.ErrorIs(t, p.Err(), model.ErrRuntimeFailure)
}

func TestStartFailsWithoutBackend(t *testing.T) {
	p := New(Options{Config: testConfig(t), Logger: quietLogger()})
	updates := p.Subscribe(16)
	require.NotNil(t, updates)

	err := p.Start(context.Background())
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, Stopped, p.State())
	assert.ErrorIs(t, p.Err(), model.ErrNotFound)
	assert.NotEmpty(t, p.Status().LastError)

	require.NoError(t, p.Shutdown(context.Background()))
	var states []State
	for s := range updates.C {
		states = append(states, s.State)
	}
	assert.Equal(t, []State{Loading, Error, Stopped}, states)

	assert.Error(t, p.Start(context.Background()))
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.QueueSize = 0
	p := newPipeline(cfg, &modeltest.Backend{}, frame.NewSliceSource(), dialerFor(&recordingConn{}))

	err := p.Start(context.Background())
	assert.ErrorIs(t, err, config.ErrInvalidValue)
	assert.Equal(t, Stopped, p.State())
}

func TestStateChangesAreStreamed(t *testing.T) {
	p := newPipeline(testConfig(t), &modeltest.Backend{RunFunc: scores}, frame.NewSliceSource(frames(2)...), dialerFor(&recordingConn{}))
	updates := p.Subscribe(16)
	require.NotNil(t, updates)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Run(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))

	var states []State
	for s := range updates.C {
		if len(states) == 0 || states[len(states)-1] != s.State {
			states = append(states, s.State)
		}
	}
	assert.Equal(t, []State{Loading, Running, Draining, Stopped}, states)
	assert.Nil(t, p.Subscribe(1))
}

func TestRetryExhaustionStopsPipeline(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.MaxRetries = 1
	p := newPipeline(cfg, &modeltest.Backend{RunFunc: scores}, frame.NewSliceSource(frames(3)...), dialerFor(nil))

	require.NoError(t, p.Start(context.Background()))
	err := p.Run(context.Background())
	assert.ErrorIs(t, err, transport.ErrRetriesExhausted)
	assert.Equal(t, Stopped, p.State())
	assert.ErrorIs(t, p.Err(), transport.ErrRetriesExhausted)
	assert.Equal(t, uint64(0), p.Status().Counters.Published)
}

func TestStepDrivesOneFrame(t *testing.T) {
	conn := &recordingConn{}
	p := newPipeline(testConfig(t), &modeltest.Backend{RunFunc: scores}, frame.NewSliceSource(frames(2)...), dialerFor(conn))
	require.NoError(t, p.Start(context.Background()))

	for seq := uint64(1); seq <= 2; seq++ {
		res, err := p.Step(context.Background())
		require.NoError(t, err)
		assert.Equal(t, seq, res.Sequence)
		require.NotEmpty(t, res.Classifications)
		assert.Equal(t, "dog", res.Classifications[0].Label)
	}
	_, err := p.Step(context.Background())
	assert.ErrorIs(t, err, frame.ErrEndOfStream)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, Stopped, p.State())
	assert.Equal(t, []uint64{1, 2}, conn.sequences(t))

	_, err = p.Step(context.Background())
	assert.Error(t, err)
}

func TestStepFailsOnUnreachableConsumer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.MaxRetries = 0
	conn := refusingConn{}
	p := newPipeline(cfg, &modeltest.Backend{RunFunc: scores}, frame.NewSliceSource(frames(1)...), dialerFor(conn))
	require.NoError(t, p.Start(context.Background()))

	_, err := p.Step(context.Background())
	assert.ErrorIs(t, err, transport.ErrRetriesExhausted)
	assert.Equal(t, Stopped, p.State())
}

func TestShutdownDrainsRunningPipeline(t *testing.T) {
	conn := &recordingConn{}
	p := newPipeline(testConfig(t), &modeltest.Backend{RunFunc: scores}, &endlessSource{Delay: time.Millisecond}, dialerFor(conn))
	require.NoError(t, p.Start(context.Background()))

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		return p.Status().Counters.Published >= 3
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Shutdown(context.Background()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, Stopped, p.State())
	counters := p.Status().Counters
	assert.Equal(t, counters.Inferred, counters.Published)
}

func TestRunRequiresStart(t *testing.T) {
	p := New(Options{Logger: quietLogger()})
	assert.Error(t, p.Run(context.Background()))
	_, err := p.Step(context.Background())
	assert.Error(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, Stopped, p.State())
}

func TestRefusedShutdownKeepsStatusStream(t *testing.T) {
	p := New(Options{Logger: quietLogger()})
	require.True(t, p.setState(Loading, nil))
	assert.Error(t, p.Shutdown(context.Background()))

	updates := p.Subscribe(4)
	require.NotNil(t, updates)
	p.setState(Error, errors.New("model missing"))
	select {
	case s := <-updates.C:
		assert.Equal(t, Error, s.State)
	case <-time.After(2 * time.Second):
		t.Fatal("status not streamed")
	}

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, Stopped, p.State())
	assert.Nil(t, p.Subscribe(1))
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, Idle.canMove(Loading))
	assert.True(t, Draining.canMove(Error))
	assert.False(t, Stopped.canMove(Running))
	assert.False(t, Running.canMove(Loading))
	text, err := Draining.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "draining", string(text))
}
