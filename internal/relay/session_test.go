package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/iaptunnel/internal/proto"
)

// fakeConn is an in-memory relay connection. The test plays the relay by
// pushing frames into in and draining out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
	code proto.CloseCode
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// sever fails the connection from the relay side with err.
func (c *fakeConn) sever(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, c.failure()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return c.failure()
	default:
	}
	select {
	case c.out <- frame:
		return nil
	case <-c.closed:
		return c.failure()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(code proto.CloseCode, reason string) error {
	c.mu.Lock()
	if c.code == 0 {
		c.code = code
	}
	c.mu.Unlock()
	c.sever(&CloseError{Code: proto.CloseNormal, Reason: "closed locally"})
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// nextData returns the payload of the next DATA frame the client wrote.
func (c *fakeConn) nextData(t *testing.T) []byte {
	t.Helper()
	for {
		select {
		case b := <-c.out:
			f, err := proto.Decode(b)
			require.NoError(t, err)
			if f.Tag == proto.TagData {
				return f.Data
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for DATA frame")
			return nil
		}
	}
}

type reconnectCall struct {
	sid string
	ack uint64
}

type fakeDialer struct {
	mu         sync.Mutex
	conns      []*fakeConn
	connects   int
	reconnects []reconnectCall

	sid          string
	connectErr   error
	reconnectErr error
	// resumeAt is the outbound offset reported by RECONNECT_SUCCESS_ACK.
	resumeAt    uint64
	onReconnect func(c *fakeConn)
}

func newFakeDialer() *fakeDialer { return &fakeDialer{sid: "sid-1"} }

func (d *fakeDialer) Connect(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	if d.connectErr != nil {
		return nil, d.connectErr
	}
	c := newFakeConn()
	c.in <- proto.EncodeConnectSuccessSID(d.sid)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) Reconnect(ctx context.Context, sid string, ack uint64) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconnects = append(d.reconnects, reconnectCall{sid: sid, ack: ack})
	if d.reconnectErr != nil {
		return nil, d.reconnectErr
	}
	c := newFakeConn()
	c.in <- proto.EncodeReconnectSuccessAck(d.resumeAt)
	if d.onReconnect != nil {
		d.onReconnect(c)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) reconnectCalls() []reconnectCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]reconnectCall(nil), d.reconnects...)
}

func openSession(t *testing.T, d *fakeDialer) *Session {
	t.Helper()
	s, err := Open(context.Background(), d, Options{HandshakeTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenStoresSID(t *testing.T) {
	d := newFakeDialer()
	s := openSession(t, d)

	assert.Equal(t, "sid-1", s.SID())
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 1, d.connects)
}

func TestOpenRejectsDataBeforeSID(t *testing.T) {
	c := newFakeConn()
	c.in <- proto.EncodeData([]byte("early"))
	dialer := dialerFunc(func(context.Context) (Conn, error) { return c, nil })

	_, err := Open(context.Background(), dialer, Options{})
	require.ErrorIs(t, err, ErrProtocolViolation)
	assert.True(t, c.isClosed())
}

func TestOpenMapsCloseCodes(t *testing.T) {
	tests := map[string]struct {
		code proto.CloseCode
		want error
	}{
		"not authorized":  {proto.CloseNotAuthorized, ErrAccessDenied},
		"reauthenticate":  {proto.CloseReauthenticationRequired, ErrAuthentication},
		"invalid tag":     {proto.CloseInvalidTag, ErrProtocolViolation},
		"backend refused": {proto.CloseFailedToConnectToBackend, nil},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			c := newFakeConn()
			c.sever(&CloseError{Code: tt.code})
			dialer := dialerFunc(func(context.Context) (Conn, error) { return c, nil })

			_, err := Open(context.Background(), dialer, Options{})
			require.Error(t, err)
			var ce *CloseError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.code, ce.Code)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestOpenPropagatesDialError(t *testing.T) {
	d := newFakeDialer()
	d.connectErr = ErrConnectionRejected

	_, err := Open(context.Background(), d, Options{})
	assert.ErrorIs(t, err, ErrConnectionRejected)
}

func TestReadRejectsShortBuffer(t *testing.T) {
	d := newFakeDialer()
	s := openSession(t, d)
	d.conn(0).in <- proto.EncodeData([]byte("kept"))

	_, err := s.Read(make([]byte, proto.MinReadSize-1))
	require.ErrorIs(t, err, ErrShortBuffer)

	buf := make([]byte, proto.MinReadSize)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(buf[:n]))
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	s := openSession(t, newFakeDialer())

	_, err := s.Write(make([]byte, proto.MaxWriteSize+1))
	assert.ErrorIs(t, err, ErrWriteTooLarge)
}

func TestReadWrite(t *testing.T) {
	d := newFakeDialer()
	s := openSession(t, d)
	c := d.conn(0)

	c.in <- []byte{0x00, 0x42, 0x01} // unknown tag, skipped
	c.in <- proto.EncodeData([]byte("from relay"))
	buf := make([]byte, proto.MinReadSize)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "from relay", string(buf[:n]))

	n, err = s.Write([]byte("to relay"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "to relay", string(c.nextData(t)))

	c.in <- proto.EncodeAck(8)
	c.in <- proto.EncodeData([]byte("x"))
	_, err = s.Read(buf)
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, uint64(8), st.BytesSent)
	assert.Equal(t, uint64(8), st.Acknowledged)
	assert.Equal(t, uint64(11), st.BytesReceived)
}

func TestReadNormalCloseIsEOF(t *testing.T) {
	d := newFakeDialer()
	s := openSession(t, d)
	d.conn(0).sever(&CloseError{Code: proto.CloseNormal})

	_, err := s.Read(make([]byte, proto.MinReadSize))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, d.reconnectCalls())
}

func TestReadAcknowledgesInboundBytes(t *testing.T) {
	d := newFakeDialer()
	s := openSession(t, d)
	c := d.conn(0)

	payload := make([]byte, proto.MaxDataPayload)
	buf := make([]byte, proto.MinReadSize)
	for range 3 {
		c.in <- proto.EncodeData(payload)
		_, err := s.Read(buf)
		require.NoError(t, err)
	}

	select {
	case b := <-c.out:
		f, err := proto.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, proto.TagAck, f.Tag)
		assert.Equal(t, uint64(3*proto.MaxDataPayload), f.Ack)
	default:
		t.Fatal("expected an ACK frame")
	}
}

func TestReadRejectsAckBeyondWritten(t *testing.T) {
	d := newFakeDialer()
	s := openSession(t, d)
	d.conn(0).in <- proto.EncodeAck(10)

	_, err := s.Read(make([]byte, proto.MinReadSize))
	require.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, proto.CloseInvalidAck, d.conn(0).code)
}

func TestReadRejectsSIDOnEstablishedSession(t *testing.T) {
	d := newFakeDialer()
	s := openSession(t, d)
	d.conn(0).in <- proto.EncodeConnectSuccessSID("other")

	_, err := s.Read(make([]byte, proto.MinReadSize))
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReconnectAfterReadFailure(t *testing.T) {
	d := newFakeDialer()
	d.resumeAt = 3
	d.onReconnect = func(c *fakeConn) { c.in <- proto.EncodeData([]byte("z")) }
	var resumed uint64
	s, err := Open(context.Background(), d, Options{
		HandshakeTimeout: 2 * time.Second,
		OnReconnect:      func(ack uint64) { resumed = ack },
	})
	require.NoError(t, err)
	defer s.Close()
	first := d.conn(0)

	_, err = s.Write([]byte("abc"))
	require.NoError(t, err)
	first.in <- proto.EncodeData([]byte("xy"))
	buf := make([]byte, proto.MinReadSize)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "xy", string(buf[:n]))

	first.sever(errors.New("connection reset"))
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "z", string(buf[:n]))

	assert.Equal(t, []reconnectCall{{sid: "sid-1", ack: 2}}, d.reconnectCalls())
	assert.Equal(t, uint64(3), resumed)
	st := s.Stats()
	assert.Equal(t, 1, st.Reconnects)
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, uint64(3), st.Acknowledged)

	// Acknowledged bytes are not sent again; new bytes follow without gaps.
	_, err = s.Write([]byte("def"))
	require.NoError(t, err)
	assert.Equal(t, "def", string(d.conn(1).nextData(t)))
	assert.Equal(t, uint64(6), s.Stats().BytesSent)
}

func TestReconnectOnReconnectableCloseCode(t *testing.T) {
	d := newFakeDialer()
	d.onReconnect = func(c *fakeConn) { c.in <- proto.EncodeData([]byte("back")) }
	s := openSession(t, d)
	d.conn(0).sever(&CloseError{Code: proto.CloseErrorUnknown})

	buf := make([]byte, proto.MinReadSize)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "back", string(buf[:n]))
	assert.Len(t, d.reconnectCalls(), 1)
}

func TestWriteResendsUnconfirmedSuffix(t *testing.T) {
	tests := map[string]struct {
		resumeAt uint64
		want     string
	}{
		"nothing delivered":   {resumeAt: 0, want: "hello"},
		"partially delivered": {resumeAt: 2, want: "llo"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			d := newFakeDialer()
			d.resumeAt = tt.resumeAt
			s := openSession(t, d)
			d.conn(0).sever(errors.New("broken pipe"))

			n, err := s.Write([]byte("hello"))
			require.NoError(t, err)
			assert.Equal(t, 5, n)
			assert.Equal(t, tt.want, string(d.conn(1).nextData(t)))
			assert.Equal(t, uint64(5), s.Stats().BytesSent)
		})
	}
}

func TestWriteReportsUnacknowledgedBytes(t *testing.T) {
	d := newFakeDialer()
	d.resumeAt = 2
	s := openSession(t, d)

	_, err := s.Write([]byte("hello"))
	require.NoError(t, err)
	d.conn(0).sever(errors.New("broken pipe"))

	_, err = s.Write([]byte("world"))
	var ue *UnacknowledgedError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, uint64(10), ue.Written)
	assert.Equal(t, uint64(2), ue.Acknowledged)
	assert.Equal(t, uint64(8), ue.Lost())
	assert.Equal(t, uint64(2), s.Stats().BytesSent)

	// The session stays usable once the caller has been told.
	_, err = s.Write([]byte("llo"))
	require.NoError(t, err)
	assert.Equal(t, "llo", string(d.conn(1).nextData(t)))
}

func TestReconnectRejectsResumeBeyondWritten(t *testing.T) {
	d := newFakeDialer()
	d.resumeAt = 100
	s := openSession(t, d)
	d.conn(0).sever(errors.New("reset"))

	_, err := s.Read(make([]byte, proto.MinReadSize))
	require.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, StateClosed, s.State())
}

func TestFailedReconnectClosesSession(t *testing.T) {
	d := newFakeDialer()
	d.reconnectErr = ErrTransport
	s := openSession(t, d)
	d.conn(0).sever(errors.New("reset"))

	_, err := s.Read(make([]byte, proto.MinReadSize))
	require.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateClosed, s.State())
	assert.Len(t, d.reconnectCalls(), 1)

	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Len(t, d.reconnectCalls(), 1)
}

func TestTerminalCloseCodeDoesNotReconnect(t *testing.T) {
	d := newFakeDialer()
	s := openSession(t, d)
	d.conn(0).sever(&CloseError{Code: proto.CloseDestinationReadFailed})

	_, err := s.Read(make([]byte, proto.MinReadSize))
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, proto.CloseDestinationReadFailed, ce.Code)
	assert.Empty(t, d.reconnectCalls())
}

func TestCloseIsIdempotent(t *testing.T) {
	d := newFakeDialer()
	s := openSession(t, d)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, d.conn(0).isClosed())
	assert.Equal(t, proto.CloseNormal, d.conn(0).code)
	assert.Equal(t, StateClosed, s.State())

	_, err := s.Read(make([]byte, proto.MinReadSize))
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestCloseUnblocksRead(t *testing.T) {
	s := openSession(t, newFakeDialer())

	done := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, proto.MinReadSize))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not return after Close")
	}
}

type dialerFunc func(ctx context.Context) (Conn, error)

func (f dialerFunc) Connect(ctx context.Context) (Conn, error) { return f(ctx) }

func (f dialerFunc) Reconnect(context.Context, string, uint64) (Conn, error) {
	return nil, errors.New("reconnect not supported")
}
