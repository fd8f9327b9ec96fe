package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"time"
)

// TCPDialer frames every message with a 4 byte big endian length prefix.
type TCPDialer struct {
	WriteTimeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, endpoint Endpoint) (Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", endpoint.Address())
	if err != nil {
		return nil, err
	}
	return &tcpConn{conn: conn, timeout: d.WriteTimeout}, nil
}

type tcpConn struct {
	conn    net.Conn
	timeout time.Duration
}

func (c *tcpConn) Write(ctx context.Context, payload []byte, _ bool) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("message of %d bytes is too large", len(payload))
	}
	if err := c.conn.SetWriteDeadline(writeDeadline(ctx, c.timeout)); err != nil {
		return err
	}
	lengthPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthPrefix, uint32(len(payload)))
	buffers := net.Buffers{lengthPrefix, payload}
	_, err := buffers.WriteTo(c.conn)
	return err
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

// ReadFrame reads one length prefixed message.
func ReadFrame(r io.Reader) ([]byte, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}
	data := make([]byte, binary.BigEndian.Uint32(lengthBuf))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
