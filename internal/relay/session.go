package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/matst80/iaptunnel/internal/obs"
	"github.com/matst80/iaptunnel/internal/proto"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ackThreshold is how many received bytes may go unacknowledged before the
// session sends an ACK frame.
const ackThreshold = 2 * proto.MaxDataPayload

// Options tune a Session.
type Options struct {
	// HandshakeTimeout bounds the connect and reconnect exchanges.
	HandshakeTimeout time.Duration
	// OnReconnect is called after a successful reconnect with the outbound
	// offset the relay resumed at.
	OnReconnect func(ack uint64)
}

// SessionStats is a point-in-time view of a session.
type SessionStats struct {
	SID           string
	State         State
	BytesSent     uint64
	BytesReceived uint64
	Acknowledged  uint64
	Reconnects    int
	Generation    uint64
}

// Session is one logical relay byte stream that survives a reconnect of its
// physical connection. Reads need buffers of at least proto.MinReadSize and
// writes may carry at most proto.MaxWriteSize bytes; use stream.Adapter for
// arbitrary sizes.
//
// Written bytes are not buffered: if a reconnect resumes below the written
// offset, the next Write reports *UnacknowledgedError and the caller decides
// whether to retransmit.
type Session struct {
	dialer Dialer
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	reconnectMu sync.Mutex
	readMu      sync.Mutex
	writeMu     sync.Mutex

	mu         sync.Mutex
	conn       Conn
	gen        uint64
	state      State
	sid        string
	err        error
	sent       uint64 // bytes handed to the relay, including in-flight
	ack        uint64 // outbound bytes confirmed by the relay
	received   uint64 // inbound bytes delivered to the reader
	ackedIn    uint64 // inbound offset last acknowledged to the relay
	resumeAck  uint64 // relay's outbound offset from the latest reconnect
	reconnects int

	writerGen uint64 // guarded by writeMu
	closeOnce sync.Once
}

// Open connects a new session. ctx bounds the session's lifetime: cancelling
// it aborts in-flight reads and writes.
func Open(ctx context.Context, d Dialer, opts Options) (*Session, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{dialer: d, opts: opts, ctx: sctx, cancel: cancel, state: StateConnecting}

	hctx, hcancel := context.WithTimeout(sctx, opts.HandshakeTimeout)
	defer hcancel()
	conn, err := d.Connect(hctx)
	if err != nil {
		cancel()
		return nil, err
	}
	sid, err := awaitConnect(hctx, conn)
	if err != nil {
		_ = conn.Close(proto.CloseNormal, "handshake failed")
		cancel()
		return nil, err
	}
	s.conn = conn
	s.sid = sid
	s.gen = 1
	s.writerGen = 1
	s.state = StateConnected
	obs.Debug("relay.session.connected", obs.Fields{"sid": sid})
	return s, nil
}

func awaitConnect(ctx context.Context, c Conn) (string, error) {
	for {
		f, err := readControlFrame(ctx, c)
		if err != nil {
			return "", err
		}
		switch f.Tag {
		case proto.TagConnectSuccessSID:
			return f.SID, nil
		case proto.TagData, proto.TagAck, proto.TagReconnectSuccessAck:
			return "", fmt.Errorf("%w: tag 0x%04x before CONNECT_SUCCESS_SID", ErrProtocolViolation, f.Tag)
		}
	}
}

func awaitReconnect(ctx context.Context, c Conn) (uint64, error) {
	for {
		f, err := readControlFrame(ctx, c)
		if err != nil {
			return 0, err
		}
		switch f.Tag {
		case proto.TagReconnectSuccessAck:
			return f.Ack, nil
		case proto.TagData, proto.TagAck, proto.TagConnectSuccessSID:
			return 0, fmt.Errorf("%w: tag 0x%04x before RECONNECT_SUCCESS_ACK", ErrProtocolViolation, f.Tag)
		}
	}
}

// readControlFrame returns the next known frame.
func readControlFrame(ctx context.Context, c Conn) (proto.Frame, error) {
	for {
		msg, err := c.ReadFrame(ctx)
		if err != nil {
			return proto.Frame{}, err
		}
		f, err := proto.Decode(msg)
		if err != nil {
			return proto.Frame{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		if f.Known() {
			return f, nil
		}
	}
}

// SID returns the relay-assigned session id.
func (s *Session) SID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		SID:           s.sid,
		State:         s.state,
		BytesSent:     s.sent,
		BytesReceived: s.received,
		Acknowledged:  s.ack,
		Reconnects:    s.reconnects,
		Generation:    s.gen,
	}
}

// current waits out any reconnect in progress and returns the live connection.
func (s *Session) current() (Conn, uint64, error) {
	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		if s.err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ErrSessionClosed, s.err)
		}
		return nil, 0, ErrSessionClosed
	}
	return s.conn, s.gen, nil
}

// Read reads the payload of the next DATA frame into p. It returns io.EOF
// once the relay closes the session normally.
func (s *Session) Read(p []byte) (int, error) {
	if len(p) < proto.MinReadSize {
		return 0, fmt.Errorf("%w: %d < %d", ErrShortBuffer, len(p), proto.MinReadSize)
	}
	s.readMu.Lock()
	defer s.readMu.Unlock()

	reconnected := false
	for {
		conn, gen, err := s.current()
		if err != nil {
			return 0, err
		}
		msg, rerr := conn.ReadFrame(s.ctx)

		s.mu.Lock()
		if s.gen != gen {
			// Frames from a replaced connection are resent by the relay.
			s.mu.Unlock()
			continue
		}
		if rerr != nil {
			s.mu.Unlock()
			if s.ctx.Err() != nil {
				return 0, ErrSessionClosed
			}
			var ce *CloseError
			if errors.As(rerr, &ce) && ce.Code == proto.CloseNormal {
				s.finish(nil)
				return 0, io.EOF
			}
			if reconnected || !recoverable(rerr) {
				s.finish(rerr)
				return 0, rerr
			}
			if err := s.reconnect(gen, rerr); err != nil {
				return 0, err
			}
			reconnected = true
			continue
		}
		f, derr := proto.Decode(msg)
		if derr != nil {
			s.mu.Unlock()
			err := fmt.Errorf("%w: %v", ErrProtocolViolation, derr)
			_ = conn.Close(proto.CloseInvalidData, "malformed frame")
			s.finish(err)
			return 0, err
		}
		var ackFrame []byte
		switch f.Tag {
		case proto.TagData:
			n := copy(p, f.Data)
			s.received += uint64(n)
			if s.received-s.ackedIn > ackThreshold {
				s.ackedIn = s.received
				ackFrame = proto.EncodeAck(s.received)
			}
			sid := s.sid
			s.mu.Unlock()
			if ackFrame != nil {
				if err := conn.WriteFrame(s.ctx, ackFrame); err != nil {
					obs.Debug("relay.session.ack_failed", obs.Fields{"sid": sid, "err": err})
				}
			}
			if n == 0 {
				continue
			}
			return n, nil
		case proto.TagAck:
			if f.Ack > s.sent || f.Ack < s.ack {
				sent, ack := s.sent, s.ack
				s.mu.Unlock()
				err := fmt.Errorf("%w: ack %d outside [%d, %d]", ErrProtocolViolation, f.Ack, ack, sent)
				_ = conn.Close(proto.CloseInvalidAck, "invalid ack")
				s.finish(err)
				return 0, err
			}
			s.ack = f.Ack
			s.mu.Unlock()
		case proto.TagConnectSuccessSID, proto.TagReconnectSuccessAck:
			s.mu.Unlock()
			err := fmt.Errorf("%w: unexpected tag 0x%04x on established session", ErrProtocolViolation, f.Tag)
			_ = conn.Close(proto.CloseInvalidTag, "unexpected tag")
			s.finish(err)
			return 0, err
		default:
			s.mu.Unlock()
		}
	}
}

// Write sends p as one DATA frame. After a transport failure the session
// reconnects once and resends whatever part of p the relay did not confirm.
func (s *Session) Write(p []byte) (int, error) {
	if len(p) > proto.MaxWriteSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrWriteTooLarge, len(p), proto.MaxWriteSize)
	}
	if len(p) == 0 {
		return 0, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkResume(); err != nil {
		return 0, err
	}

	written := 0
	reconnected := false
	for written < len(p) {
		conn, gen, err := s.current()
		if err != nil {
			return written, err
		}
		chunk := p[written:]
		s.mu.Lock()
		before := s.sent
		s.sent += uint64(len(chunk))
		s.mu.Unlock()

		werr := conn.WriteFrame(s.ctx, proto.EncodeData(chunk))
		if werr == nil {
			written = len(p)
			break
		}
		if s.ctx.Err() != nil {
			return written, ErrSessionClosed
		}
		s.mu.Lock()
		replaced := s.gen != gen
		s.mu.Unlock()
		if !replaced && (reconnected || !recoverable(werr)) {
			s.finish(werr)
			return written, werr
		}
		if err := s.reconnect(gen, werr); err != nil {
			return written, err
		}
		reconnected = true

		s.mu.Lock()
		resume := s.resumeAck
		s.writerGen = s.gen
		switch {
		case resume < before:
			sent := s.sent
			s.sent = resume
			s.mu.Unlock()
			return written, &UnacknowledgedError{Written: sent, Acknowledged: resume}
		case resume >= before+uint64(len(chunk)):
			s.sent = resume
			s.mu.Unlock()
			written = len(p)
		default:
			s.sent = resume
			written += int(resume - before)
			s.mu.Unlock()
		}
	}
	return written, nil
}

// checkResume reports bytes lost by a reconnect that happened since the last write.
func (s *Session) checkResume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == s.writerGen {
		return nil
	}
	s.writerGen = s.gen
	if s.resumeAck < s.sent {
		err := &UnacknowledgedError{Written: s.sent, Acknowledged: s.resumeAck}
		s.sent = s.resumeAck
		return err
	}
	return nil
}

func recoverable(err error) bool {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code.Reconnectable()
	}
	if errors.Is(err, ErrProtocolViolation) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// reconnect replaces the connection of generation gen. It is a no-op if
// another goroutine already replaced it.
func (s *Session) reconnect(gen uint64, cause error) error {
	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	stale := s.conn
	s.conn = nil
	s.gen++
	s.state = StateReconnecting
	sid, received := s.sid, s.received
	s.mu.Unlock()

	obs.Info("relay.session.reconnect", obs.Fields{"sid": sid, "cause": cause, "received": received})
	_ = stale.Close(proto.CloseNormal, "reconnecting")

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.HandshakeTimeout)
	defer cancel()
	conn, err := s.dialer.Reconnect(ctx, sid, received)
	if err == nil {
		var resume uint64
		resume, err = awaitReconnect(ctx, conn)
		if err == nil {
			s.mu.Lock()
			if resume > s.sent {
				err = fmt.Errorf("%w: relay resumed at %d beyond %d written", ErrProtocolViolation, resume, s.sent)
			} else if s.state == StateReconnecting {
				s.conn = conn
				s.state = StateConnected
				s.resumeAck = resume
				s.ack = resume
				s.reconnects++
			} else {
				err = ErrSessionClosed
			}
			s.mu.Unlock()
		}
		if err != nil {
			_ = conn.Close(proto.CloseNormal, "reconnect failed")
		} else {
			obs.ReconnectsTotal.WithLabelValues("ok").Inc()
			obs.Info("relay.session.resumed", obs.Fields{"sid": sid, "ack": resume})
			if s.opts.OnReconnect != nil {
				s.opts.OnReconnect(resume)
			}
			return nil
		}
	}
	obs.ReconnectsTotal.WithLabelValues("failed").Inc()
	err = fmt.Errorf("reconnect session %s: %w", sid, err)
	s.finish(err)
	return err
}

// finish moves the session to Closed, recording err as the cause.
func (s *Session) finish(err error) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.state != StateClosed {
		s.state = StateClosed
		s.err = err
	}
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close(proto.CloseNormal, "session finished")
	}
	s.cancel()
}

// Close sends a protocol-level close and releases the physical connection.
// It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		if s.state != StateClosed {
			s.state = StateClosing
		}
		s.mu.Unlock()
		s.cancel()
		if conn != nil {
			_ = conn.Close(proto.CloseNormal, "client closed")
		}
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
	})
	return nil
}
