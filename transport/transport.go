// Package transport publishes decoded results to a remote consumer over
// websocket, raw TCP or MQTT.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"inferbridge/decode"
	"inferbridge/wire"
)

type Endpoint struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	u := url.URL{Scheme: e.Scheme, Host: e.Address(), Path: e.Path}
	return u.String()
}

// Conn writes whole messages. Implementations need not be safe for
// concurrent use.
type Conn interface {
	Write(ctx context.Context, payload []byte, binary bool) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (Conn, error)
}

type DialerFunc func(ctx context.Context, endpoint Endpoint) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint Endpoint) (Conn, error) {
	return f(ctx, endpoint)
}

type Ack struct {
	Sequence uint64
	// Attempt counts the deliveries tried for this message, starting at 1.
	Attempt int
	Bytes   int
	SentAt  time.Time
}

// Connection is an open channel to the consumer. It is closed by the first
// failed write.
type Connection struct {
	endpoint Endpoint
	codec    wire.Codec

	mu     sync.Mutex
	conn   Conn
	closed bool
}

func Connect(ctx context.Context, dialer Dialer, endpoint Endpoint, codec wire.Codec) (*Connection, error) {
	conn, err := dialer.Dial(ctx, endpoint)
	if err != nil {
		return nil, &ConnectError{Endpoint: endpoint, Err: err}
	}
	return &Connection{endpoint: endpoint, codec: codec, conn: conn}, nil
}

func (c *Connection) Endpoint() Endpoint {
	return c.endpoint
}

func (c *Connection) Publish(ctx context.Context, res *decode.Result) (Ack, error) {
	return c.publish(ctx, res, 1)
}

func (c *Connection) publish(ctx context.Context, res *decode.Result, attempt int) (Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Ack{}, &SendError{Kind: Closed, Sequence: res.Sequence}
	}
	payload, err := c.codec.Marshal(wire.FromResult(res))
	if err != nil {
		return Ack{}, &SendError{Kind: Encode, Sequence: res.Sequence, Err: err}
	}
	if err := c.conn.Write(ctx, payload, c.codec.Binary()); err != nil {
		c.closeLocked()
		return Ack{}, &SendError{Kind: Write, Sequence: res.Sequence, Err: err}
	}
	return Ack{Sequence: res.Sequence, Attempt: attempt, Bytes: len(payload), SentAt: time.Now()}, nil
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	c.closed = true
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("transport: close %s: %w", c.endpoint, err)
	}
	return nil
}

// Dialers returns a dialer per supported scheme.
func Dialers(writeTimeout time.Duration, qos byte) map[string]Dialer {
	ws := WebSocketDialer{WriteTimeout: writeTimeout}
	return map[string]Dialer{
		"ws":   ws,
		"wss":  ws,
		"tcp":  TCPDialer{WriteTimeout: writeTimeout},
		"mqtt": MQTTDialer{QoS: qos, WriteTimeout: writeTimeout},
	}
}

// writeDeadline picks the earlier of the context deadline and timeout.
func writeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}
