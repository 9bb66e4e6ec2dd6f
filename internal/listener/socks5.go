package listener

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/matst80/iaptunnel/internal/obs"
	"github.com/matst80/iaptunnel/internal/policy"
	"github.com/matst80/iaptunnel/internal/proto"
	"github.com/matst80/iaptunnel/internal/relay"
)

// SOCKS5 protocol constants (RFC 1928).
const (
	socksVersion = 0x05

	methodNoAuth       = 0x00
	methodNoAcceptable = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

// SOCKS5 reply codes.
const (
	ReplySucceeded               byte = 0x00
	ReplyGeneralFailure          byte = 0x01
	ReplyNotAllowed              byte = 0x02
	ReplyNetworkUnreachable      byte = 0x03
	ReplyHostUnreachable         byte = 0x04
	ReplyConnectionRefused       byte = 0x05
	ReplyTTLExpired              byte = 0x06
	ReplyCommandNotSupported     byte = 0x07
	ReplyAddressTypeNotSupported byte = 0x08
)

// ErrPolicyDenied is returned by a RelayFunc that refuses a destination.
var ErrPolicyDenied = errors.New("destination denied by policy")

// RelayFunc creates, or reuses, a relay for dest and returns the loopback port
// serving it.
type RelayFunc func(ctx context.Context, dest relay.Destination) (port int, err error)

// SOCKSConfig configures a SOCKS5 listener.
type SOCKSConfig struct {
	// Addr defaults to 127.0.0.1:0.
	Addr string
	// Defaults fills the project and zone of short destination names.
	Defaults relay.Locator
	Relay    RelayFunc
	// Policy defaults to policy.LoopbackOnly.
	Policy           policy.Policy
	PolicyTimeout    time.Duration
	HandshakeTimeout time.Duration
	DrainTimeout     time.Duration
}

// SOCKSListener learns each connection's destination from a SOCKS5 CONNECT
// request. Destination names have the form instance[.zone[.project]].
type SOCKSListener struct {
	cfg SOCKSConfig
	srv *acceptServer
}

func ListenSOCKS(cfg SOCKSConfig) (*SOCKSListener, error) {
	if cfg.Relay == nil {
		return nil, errors.New("listener: relay func is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.LoopbackOnly
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	l := &SOCKSListener{cfg: cfg}
	srv, err := newAcceptServer("socks5", cfg.Addr, cfg.DrainTimeout, l.handle)
	if err != nil {
		return nil, err
	}
	l.srv = srv
	return l, nil
}

func (l *SOCKSListener) Addr() net.Addr                  { return l.srv.addr() }
func (l *SOCKSListener) Port() int                       { return l.srv.port() }
func (l *SOCKSListener) Serve(ctx context.Context) error { return l.srv.serve(ctx) }
func (l *SOCKSListener) Stop(grace time.Duration) error  { return l.srv.stop(grace) }

// socksError is a handshake failure with the reply code to send.
type socksError struct {
	reply byte
	err   error
}

func (e *socksError) Error() string { return fmt.Sprintf("socks5: %v (reply 0x%02x)", e.err, e.reply) }
func (e *socksError) Unwrap() error { return e.err }

func socksErrorf(reply byte, format string, args ...any) error {
	return &socksError{reply: reply, err: fmt.Errorf(format, args...)}
}

func (l *SOCKSListener) handle(ctx context.Context, c net.Conn) {
	defer c.Close()
	peer := c.RemoteAddr()
	if d := policy.Evaluate(ctx, l.cfg.Policy, peer, l.cfg.PolicyTimeout); !d.Allowed {
		obs.Info("socks.denied", obs.Fields{"peer": peer.String(), "reason": d.Reason})
		obs.TunnelsDeniedTotal.Inc()
		return
	}

	_ = c.SetDeadline(time.Now().Add(l.cfg.HandshakeTimeout))
	dest, err := l.handshake(c)
	if err != nil {
		obs.Info("socks.handshake_failed", obs.Fields{"peer": peer.String(), "err": err})
		obs.ErrorsTotal.WithLabelValues("socks_handshake").Inc()
		return
	}

	port, err := l.cfg.Relay(ctx, dest)
	if err != nil {
		reply := replyFor(err)
		obs.Info("socks.relay_failed", obs.Fields{"peer": peer.String(), "destination": dest.String(), "err": err, "reply": reply})
		_ = writeReply(c, reply, nil)
		return
	}
	var dialer net.Dialer
	upstream, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		obs.Error("socks.forwarder_dial", obs.Fields{"destination": dest.String(), "port": port, "err": err})
		_ = writeReply(c, ReplyConnectionRefused, nil)
		return
	}
	if err := writeReply(c, ReplySucceeded, upstream.LocalAddr()); err != nil {
		_ = upstream.Close()
		return
	}
	_ = c.SetDeadline(time.Time{})
	obs.Debug("socks.connected", obs.Fields{"peer": peer.String(), "destination": dest.String(), "port": port})

	if err := pump(ctx, c, upstream, nil); err != nil {
		obs.Debug("socks.pump", obs.Fields{"destination": dest.String(), "err": err})
	}
}

// handshake negotiates NO_AUTH and reads a CONNECT request. Failures after
// method negotiation have already been answered with a reply.
func (l *SOCKSListener) handshake(c net.Conn) (relay.Destination, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(c, hdr[:]); err != nil {
		return relay.Destination{}, fmt.Errorf("read greeting: %w", err)
	}
	if hdr[0] != socksVersion {
		_, _ = c.Write([]byte{socksVersion, methodNoAcceptable})
		return relay.Destination{}, fmt.Errorf("unsupported version 0x%02x", hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(c, methods); err != nil {
		return relay.Destination{}, fmt.Errorf("read methods: %w", err)
	}
	noAuth := false
	for _, m := range methods {
		if m == methodNoAuth {
			noAuth = true
		}
	}
	if !noAuth {
		_, _ = c.Write([]byte{socksVersion, methodNoAcceptable})
		return relay.Destination{}, errors.New("client does not offer NO_AUTH")
	}
	if _, err := c.Write([]byte{socksVersion, methodNoAuth}); err != nil {
		return relay.Destination{}, err
	}

	dest, err := l.readRequest(c)
	if err != nil {
		var se *socksError
		if errors.As(err, &se) {
			_ = writeReply(c, se.reply, nil)
		}
		return relay.Destination{}, err
	}
	return dest, nil
}

func (l *SOCKSListener) readRequest(c net.Conn) (relay.Destination, error) {
	var req [4]byte
	if _, err := io.ReadFull(c, req[:]); err != nil {
		return relay.Destination{}, fmt.Errorf("read request: %w", err)
	}
	if req[0] != socksVersion {
		return relay.Destination{}, socksErrorf(ReplyGeneralFailure, "request version 0x%02x", req[0])
	}
	if req[1] != cmdConnect {
		return relay.Destination{}, socksErrorf(ReplyCommandNotSupported, "command 0x%02x", req[1])
	}

	var host string
	switch req[3] {
	case atypIPv4, atypIPv6:
		size := net.IPv4len
		if req[3] == atypIPv6 {
			size = net.IPv6len
		}
		ip := make([]byte, size)
		if _, err := io.ReadFull(c, ip); err != nil {
			return relay.Destination{}, fmt.Errorf("read address: %w", err)
		}
		host = net.IP(ip).String()
	case atypDomain:
		var n [1]byte
		if _, err := io.ReadFull(c, n[:]); err != nil {
			return relay.Destination{}, fmt.Errorf("read domain length: %w", err)
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(c, name); err != nil {
			return relay.Destination{}, fmt.Errorf("read domain: %w", err)
		}
		host = string(name)
	default:
		return relay.Destination{}, socksErrorf(ReplyAddressTypeNotSupported, "address type 0x%02x", req[3])
	}

	var p [2]byte
	if _, err := io.ReadFull(c, p[:]); err != nil {
		return relay.Destination{}, fmt.Errorf("read port: %w", err)
	}
	port := int(binary.BigEndian.Uint16(p[:]))

	dest, err := relay.ParseDestination(host, port, l.cfg.Defaults)
	if err != nil {
		return relay.Destination{}, &socksError{reply: ReplyHostUnreachable, err: err}
	}
	return dest, nil
}

// replyFor maps a RelayFunc error to a SOCKS5 reply code.
func replyFor(err error) byte {
	switch {
	case errors.Is(err, ErrPolicyDenied):
		return ReplyNotAllowed
	case errors.Is(err, relay.ErrInvalidEndpoint):
		return ReplyHostUnreachable
	case errors.Is(err, relay.ErrConnectionRejected), errors.Is(err, relay.ErrAccessDenied):
		return ReplyConnectionRefused
	}
	var ce *relay.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case proto.CloseFailedToConnectToBackend:
			return ReplyConnectionRefused
		case proto.CloseLookupFailed, proto.CloseLookupFailedReconnect:
			return ReplyHostUnreachable
		}
	}
	return ReplyGeneralFailure
}

func writeReply(c net.Conn, reply byte, bound net.Addr) error {
	b := []byte{socksVersion, reply, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	if a, ok := bound.(*net.TCPAddr); ok {
		if ip4 := a.IP.To4(); ip4 != nil {
			copy(b[4:8], ip4)
		} else if ip6 := a.IP.To16(); ip6 != nil {
			b = append([]byte{socksVersion, reply, 0x00, atypIPv6}, ip6...)
			b = append(b, 0, 0)
		}
		binary.BigEndian.PutUint16(b[len(b)-2:], uint16(a.Port))
	}
	_, err := c.Write(b)
	return err
}
