// Package transport carries patch messages from sessions to browsers over
// websockets. It delivers what it is given; retries and reconnection are
// the client's business.
package transport

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/liveweave/internal/errors"
)

// Sink receives the encoded messages of one session.
type Sink interface {
	Send(ctx context.Context, data []byte) error
	Close(reason string) error
}

// DefaultWriteTimeout bounds a single websocket write.
const DefaultWriteTimeout = 10 * time.Second

// WebSocketSink writes messages as text frames. Send may be called
// concurrently.
type WebSocketSink struct {
	conn    *websocket.Conn
	timeout time.Duration
}

// NewWebSocketSink wraps an accepted connection.
func NewWebSocketSink(conn *websocket.Conn, timeout time.Duration) *WebSocketSink {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &WebSocketSink{conn: conn, timeout: timeout}
}

// Send writes data as one text message.
func (s *WebSocketSink) Send(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return errors.WrapIO(err, errors.ErrCodeTransportClosed, "write message")
	}
	return nil
}

// Close closes the connection normally.
func (s *WebSocketSink) Close(reason string) error {
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}
