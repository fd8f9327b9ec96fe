package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type WebSocketDialer struct {
	WriteTimeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, endpoint Endpoint) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn, timeout: d.WriteTimeout}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (c *wsConn) Write(ctx context.Context, payload []byte, binary bool) error {
	if err := c.conn.SetWriteDeadline(writeDeadline(ctx, c.timeout)); err != nil {
		return err
	}
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	return c.conn.WriteMessage(messageType, payload)
}

func (c *wsConn) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
