// Package relaytest provides an in-process relay speaking the SSH Relay v4
// protocol, for tests. Each session bridges to a TCP backend or, without one,
// echoes the client's bytes back.
package relaytest

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/iaptunnel/internal/proto"
)

// Origin is the Origin header the relay requires.
const Origin = "bot:iap-tunneler"

// ReconnectRequest records the query of a /v4/reconnect handshake.
type ReconnectRequest struct {
	SID string
	Ack uint64
}

// Server is a fake relay.
type Server struct {
	// Backend is the TCP address sessions bridge to; empty means echo.
	Backend string
	// Token, when set, is the only bearer token accepted.
	Token string

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	sessions   map[string]*session
	nextSID    int
	connects   int
	reconnects []ReconnectRequest
	lastQuery  url.Values
	lastHeader http.Header
	rejectWith int
	closeWith  int
}

// NewServer starts a relay bridging sessions to backend.
func NewServer(backend string) *Server {
	s := &Server{
		Backend:  backend,
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{proto.Subprotocol},
			CheckOrigin:  func(r *http.Request) bool { return r.Header.Get("Origin") == Origin },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v4/connect", s.handleConnect)
	mux.HandleFunc("/v4/reconnect", s.handleReconnect)
	s.srv = httptest.NewServer(mux)
	return s
}

// URL returns the ws:// base URL of the relay.
func (s *Server) URL() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

// Close stops the relay and tears down all sessions.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.shutdown()
	}
	s.srv.CloseClientConnections()
	s.srv.Close()
}

// RejectWith makes subsequent handshakes fail with HTTP status code; 0 clears it.
func (s *Server) RejectWith(status int) {
	s.mu.Lock()
	s.rejectWith = status
	s.mu.Unlock()
}

// CloseWith makes subsequent connects upgrade and then close with code; 0 clears it.
func (s *Server) CloseWith(code int) {
	s.mu.Lock()
	s.closeWith = code
	s.mu.Unlock()
}

// Connects returns the number of /v4/connect handshakes seen.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Reconnects returns the /v4/reconnect handshakes seen.
func (s *Server) Reconnects() []ReconnectRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReconnectRequest(nil), s.reconnects...)
}

// LastRequest returns the query and headers of the most recent handshake.
func (s *Server) LastRequest() (url.Values, http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuery, s.lastHeader
}

// SIDs returns the ids of live sessions.
func (s *Server) SIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for sid := range s.sessions {
		out = append(out, sid)
	}
	return out
}

// Sever drops the physical connection of session sid without a close frame.
// The session survives and can be resumed through /v4/reconnect.
func (s *Server) Sever(sid string) bool {
	s.mu.Lock()
	sess := s.sessions[sid]
	s.mu.Unlock()
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	ws := sess.ws
	sess.mu.Unlock()
	if ws == nil {
		return false
	}
	_ = ws.UnderlyingConn().Close()
	return true
}

func (s *Server) admit(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	s.lastQuery = r.URL.Query()
	s.lastHeader = r.Header.Clone()
	reject := s.rejectWith
	s.mu.Unlock()

	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return false
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" || (s.Token != "" && token != s.Token) {
		http.Error(w, "missing or invalid bearer token", http.StatusUnauthorized)
		return false
	}
	q := r.URL.Query()
	for _, k := range []string{"project", "zone", "host", "interface", "port"} {
		if q.Get(k) == "" {
			http.Error(w, "missing "+k, http.StatusBadRequest)
			return false
		}
	}
	return true
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.connects++
	closeWith := s.closeWith
	s.mu.Unlock()
	if closeWith != 0 {
		closeConn(ws, closeWith, "rejected by test relay")
		return
	}

	backend, err := s.dialBackend()
	if err != nil {
		closeConn(ws, int(proto.CloseFailedToConnectToBackend), err.Error())
		return
	}

	s.mu.Lock()
	s.nextSID++
	sid := "sid-" + strconv.Itoa(s.nextSID)
	sess := &session{srv: s, sid: sid, backend: backend, ws: ws}
	s.sessions[sid] = sess
	s.mu.Unlock()

	if err := sess.write(ws, proto.EncodeConnectSuccessSID(sid)); err != nil {
		sess.shutdown()
		return
	}
	go sess.pumpBackend()
	sess.readClient(ws)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	q := r.URL.Query()
	sid := q.Get("sid")
	ack, err := strconv.ParseUint(q.Get("ack"), 10, 64)
	if err != nil {
		http.Error(w, "bad ack", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.reconnects = append(s.reconnects, ReconnectRequest{SID: sid, Ack: ack})
	sess := s.sessions[sid]
	s.mu.Unlock()
	if sess == nil {
		closeConn(ws, int(proto.CloseSIDUnknown), "unknown sid")
		return
	}
	if err := sess.resume(ws, ack); err != nil {
		closeConn(ws, int(proto.CloseFailedToRewind), err.Error())
		return
	}
	sess.readClient(ws)
}

func (s *Server) dialBackend() (net.Conn, error) {
	if s.Backend == "" {
		backend, peer := net.Pipe()
		go func() {
			_, _ = io.Copy(peer, peer)
			_ = peer.Close()
		}()
		return backend, nil
	}
	return net.DialTimeout("tcp", s.Backend, 5*time.Second)
}

func (s *Server) remove(sid string) {
	s.mu.Lock()
	delete(s.sessions, sid)
	s.mu.Unlock()
}

func closeConn(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = ws.Close()
}

// session is one logical relay session. Bytes sent to the client stay in
// unacked until the client acknowledges them, so a reconnect can rewind.
type session struct {
	srv     *Server
	sid     string
	backend net.Conn

	// writeMu serializes websocket writes and keeps resent bytes ahead of new ones.
	writeMu sync.Mutex

	mu       sync.Mutex
	ws       *websocket.Conn
	received uint64
	sent     uint64
	unacked  []byte
	done     bool
}

func (s *session) write(ws *websocket.Conn, frame []byte) error {
	return ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *session) pumpBackend() {
	buf := make([]byte, proto.MaxDataPayload)
	for {
		n, err := s.backend.Read(buf)
		if n > 0 {
			s.writeMu.Lock()
			s.mu.Lock()
			s.unacked = append(s.unacked, buf[:n]...)
			s.sent += uint64(n)
			ws := s.ws
			s.mu.Unlock()
			if ws != nil {
				// A failed write leaves the bytes in unacked for the next resume.
				_ = s.write(ws, proto.EncodeData(buf[:n]))
			}
			s.writeMu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			ws := s.ws
			s.mu.Unlock()
			if ws != nil {
				s.writeMu.Lock()
				closeConn(ws, int(proto.CloseNormal), "backend closed")
				s.writeMu.Unlock()
			}
			s.shutdown()
			return
		}
	}
}

func (s *session) readClient(ws *websocket.Conn) {
	for {
		typ, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.shutdown()
			}
			return
		}
		if typ != websocket.BinaryMessage {
			closeConn(ws, int(proto.CloseInvalidWebsocketOpcode), "binary frames only")
			s.shutdown()
			return
		}
		f, err := proto.Decode(msg)
		if err != nil {
			closeConn(ws, int(proto.CloseInvalidData), err.Error())
			s.shutdown()
			return
		}
		switch f.Tag {
		case proto.TagData:
			if _, err := s.backend.Write(f.Data); err != nil {
				closeConn(ws, int(proto.CloseDestinationWriteFailed), err.Error())
				s.shutdown()
				return
			}
			s.mu.Lock()
			s.received += uint64(len(f.Data))
			ack := s.received
			s.mu.Unlock()
			s.writeMu.Lock()
			_ = s.write(ws, proto.EncodeAck(ack))
			s.writeMu.Unlock()
		case proto.TagAck:
			if err := s.trim(f.Ack); err != nil {
				closeConn(ws, int(proto.CloseInvalidAck), err.Error())
				s.shutdown()
				return
			}
		default:
			closeConn(ws, int(proto.CloseInvalidTag), fmt.Sprintf("tag 0x%04x", f.Tag))
			s.shutdown()
			return
		}
	}
}

// trim drops unacked bytes up to offset ack.
func (s *session) trim(ack uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.sent - uint64(len(s.unacked))
	if ack > s.sent {
		return fmt.Errorf("ack %d beyond %d sent", ack, s.sent)
	}
	if ack < base {
		return nil
	}
	s.unacked = s.unacked[ack-base:]
	return nil
}

func (s *session) resume(ws *websocket.Conn, ack uint64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return fmt.Errorf("session %s finished", s.sid)
	}
	base := s.sent - uint64(len(s.unacked))
	if ack < base || ack > s.sent {
		s.mu.Unlock()
		return fmt.Errorf("cannot rewind to %d, have [%d, %d]", ack, base, s.sent)
	}
	s.unacked = s.unacked[ack-base:]
	pending := append([]byte(nil), s.unacked...)
	old := s.ws
	s.ws = ws
	received := s.received
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if err := s.write(ws, proto.EncodeReconnectSuccessAck(received)); err != nil {
		return err
	}
	for len(pending) > 0 {
		n := min(len(pending), proto.MaxDataPayload)
		if err := s.write(ws, proto.EncodeData(pending[:n])); err != nil {
			return err
		}
		pending = pending[n:]
	}
	return nil
}

func (s *session) shutdown() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	ws := s.ws
	s.mu.Unlock()
	_ = s.backend.Close()
	if ws != nil {
		_ = ws.Close()
	}
	s.srv.remove(s.sid)
}
