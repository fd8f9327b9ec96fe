package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"inferbridge/decode"
	"inferbridge/ring"
	"inferbridge/wire"
)

type PublisherOptions struct {
	Dialer   Dialer
	Endpoint Endpoint
	Codec    wire.Codec
	// Watermark bounds the pending results, the oldest is dropped first.
	Watermark      int
	MaxRetries     int
	RetryDelay     time.Duration
	MaxRetryDelay  time.Duration
	ConnectTimeout time.Duration
	OnAck          func(Ack)
	Logger         logrus.FieldLogger
}

type PublisherStats struct {
	Pending    int    `json:"pending"`
	Published  uint64 `json:"published"`
	Dropped    uint64 `json:"dropped"`
	Failed     uint64 `json:"failed"`
	Reconnects uint64 `json:"reconnects"`
	Connected  bool   `json:"connected"`
}

// Publisher owns the connection and delivers queued results in order,
// reconnecting with exponential backoff when the consumer goes away.
type Publisher struct {
	opts    PublisherOptions
	log     logrus.FieldLogger
	pending *ring.Buffer[*decode.Result]

	mu   sync.Mutex
	conn *Connection

	published  atomic.Uint64
	failed     atomic.Uint64
	reconnects atomic.Uint64
}

func NewPublisher(opts PublisherOptions) *Publisher {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.Codec == nil {
		opts.Codec = wire.JSON{}
	}
	return &Publisher{
		opts:    opts,
		log:     logger.WithField("endpoint", opts.Endpoint.String()),
		pending: ring.New[*decode.Result](opts.Watermark),
	}
}

// Enqueue queues res for delivery and reports whether an older result had to
// be dropped to make room.
func (p *Publisher) Enqueue(res *decode.Result) bool {
	evicted, dropped := p.pending.Push(res)
	if dropped && evicted != nil {
		p.log.WithField("seq", evicted.Sequence).Debug("Publish buffer full, dropped oldest result")
	}
	return dropped
}

// Connect opens the connection ahead of the first result.
func (p *Publisher) Connect(ctx context.Context) error {
	return p.connect(ctx, 0)
}

// Run delivers queued results until Close has been called and the queue is
// empty, or ctx is done. It fails with ErrRetriesExhausted when the consumer
// stays unreachable.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.closeConn()
	for {
		res, err := p.pending.Pop(ctx)
		if errors.Is(err, ring.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := p.deliver(ctx, res); err != nil && !errors.Is(err, ErrEncode) {
			return err
		}
	}
}

// Close stops accepting results. Run flushes what is queued and returns.
func (p *Publisher) Close() {
	p.pending.Close()
}

// Disconnect drops the connection of a publisher driven through Publish.
func (p *Publisher) Disconnect() {
	p.closeConn()
}

func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	connected := p.conn != nil && !p.conn.Closed()
	p.mu.Unlock()
	return PublisherStats{
		Pending:    p.pending.Len(),
		Published:  p.published.Load(),
		Dropped:    p.pending.Dropped(),
		Failed:     p.failed.Load(),
		Reconnects: p.reconnects.Load(),
		Connected:  connected,
	}
}

// Publish delivers res right away, bypassing the queue. It must not be used
// while Run is active.
func (p *Publisher) Publish(ctx context.Context, res *decode.Result) (Ack, error) {
	return p.deliver(ctx, res)
}

// deliver retries res until it is written. Failures count against
// MaxRetries until a message gets through.
func (p *Publisher) deliver(ctx context.Context, res *decode.Result) (Ack, error) {
	failures := 0
	for attempt := 1; ; attempt++ {
		conn, err := p.connection(ctx, &failures)
		if err != nil {
			return Ack{}, err
		}
		ack, err := conn.publish(ctx, res, attempt)
		if err == nil {
			p.published.Add(1)
			if p.opts.OnAck != nil {
				p.opts.OnAck(ack)
			}
			return ack, nil
		}
		if errors.Is(err, ErrEncode) {
			p.failed.Add(1)
			p.log.WithField("seq", res.Sequence).Error("Cannot encode result: ", err)
			return Ack{}, err
		}
		p.log.WithField("seq", res.Sequence).Warn("Publish failed, reconnecting: ", err)
		failures++
		if ctx.Err() != nil {
			return Ack{}, ctx.Err()
		}
	}
}

// connection returns the open connection, dialing with backoff as needed.
func (p *Publisher) connection(ctx context.Context, failures *int) (*Connection, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil && !conn.Closed() {
		return conn, nil
	}
	for {
		if *failures > p.opts.MaxRetries {
			p.failed.Add(1)
			return nil, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, *failures)
		}
		if *failures > 0 {
			p.reconnects.Add(1)
			if err := sleep(ctx, p.backoff(*failures)); err != nil {
				return nil, err
			}
		}
		if err := p.connect(ctx, *failures); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.log.Warn("Cannot connect: ", err)
			*failures++
			continue
		}
		p.mu.Lock()
		conn = p.conn
		p.mu.Unlock()
		return conn, nil
	}
}

func (p *Publisher) connect(ctx context.Context, attempt int) error {
	dialCtx := ctx
	if p.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.opts.ConnectTimeout)
		defer cancel()
	}
	conn, err := Connect(dialCtx, p.opts.Dialer, p.opts.Endpoint, p.opts.Codec)
	if err != nil {
		return err
	}
	p.mu.Lock()
	old := p.conn
	p.conn = conn
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
	p.log.WithField("retry", attempt).Info("Connected")
	return nil
}

func (p *Publisher) closeConn() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// backoff is RetryDelay * 2^(n-1), capped at MaxRetryDelay.
func (p *Publisher) backoff(n int) time.Duration {
	delay := p.opts.RetryDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if p.opts.MaxRetryDelay > 0 && delay >= p.opts.MaxRetryDelay {
			return p.opts.MaxRetryDelay
		}
	}
	if p.opts.MaxRetryDelay > 0 && delay > p.opts.MaxRetryDelay {
		return p.opts.MaxRetryDelay
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
