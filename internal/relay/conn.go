package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/websocket"

	"github.com/matst80/iaptunnel/internal/proto"
)

// Conn is one physical, message-oriented connection to the relay.
// ReadFrame and WriteFrame may be called concurrently with each other.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close(code proto.CloseCode, reason string) error
}

// Dialer establishes physical connections for a session. *Endpoint is the
// production implementation.
type Dialer interface {
	Connect(ctx context.Context) (Conn, error)
	Reconnect(ctx context.Context, sid string, ack uint64) (Conn, error)
}

type wsConn struct {
	c *websocket.Conn
}

func newWSConn(c *websocket.Conn) *wsConn { return &wsConn{c: c} }

func (w *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return nil, translateWSError(err)
	}
	if typ != websocket.MessageBinary {
		return nil, fmt.Errorf("%w: unexpected %s message", ErrProtocolViolation, typ)
	}
	return data, nil
}

func (w *wsConn) WriteFrame(ctx context.Context, frame []byte) error {
	if err := w.c.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return translateWSError(err)
	}
	return nil
}

func (w *wsConn) Close(code proto.CloseCode, reason string) error {
	if err := w.c.Close(websocket.StatusCode(code), reason); err != nil {
		return w.c.CloseNow()
	}
	return nil
}

func translateWSError(err error) error {
	if code := websocket.CloseStatus(err); code != -1 {
		var ce websocket.CloseError
		reason := ""
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		return &CloseError{Code: proto.CloseCode(code), Reason: reason}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
