package listener

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"

	"github.com/matst80/iaptunnel/internal/policy"
	"github.com/matst80/iaptunnel/internal/relay"
)

// echoServer accepts loopback connections and echoes them.
func echoServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

type recordingRelay struct {
	mu    sync.Mutex
	dests []relay.Destination
	port  int
	err   error
}

func (r *recordingRelay) Relay(_ context.Context, dest relay.Destination) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dests = append(r.dests, dest)
	return r.port, r.err
}

func (r *recordingRelay) calls() []relay.Destination {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relay.Destination(nil), r.dests...)
}

func startSOCKS(t *testing.T, cfg SOCKSConfig) *SOCKSListener {
	t.Helper()
	l, err := ListenSOCKS(cfg)
	require.NoError(t, err)
	go func() { _ = l.Serve(context.Background()) }()
	t.Cleanup(func() { _ = l.Stop(time.Second) })
	return l
}

// negotiate performs the NO_AUTH greeting on a raw connection.
func negotiate(t *testing.T, c net.Conn) {
	t.Helper()
	_, err := c.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	var resp [2]byte
	_, err = io.ReadFull(c, resp[:])
	require.NoError(t, err)
	require.Equal(t, [2]byte{0x05, 0x00}, resp)
}

func readReply(t *testing.T, c net.Conn) byte {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp [10]byte
	_, err := io.ReadFull(c, resp[:])
	require.NoError(t, err)
	require.Equal(t, byte(0x05), resp[0])
	return resp[1]
}

func connectRequest(host string, port int) []byte {
	b := []byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}
	b = append(b, host...)
	return append(b, byte(port>>8), byte(port))
}

func TestSOCKSConnectRelaysOnce(t *testing.T) {
	rr := &recordingRelay{port: echoServer(t)}
	l := startSOCKS(t, SOCKSConfig{Relay: rr.Relay})

	d, err := proxy.SOCKS5("tcp", l.Addr().String(), nil, proxy.Direct)
	require.NoError(t, err)
	c, err := d.Dial("tcp", "web-1.europe-west1-b.my-project:80")
	require.NoError(t, err)
	defer c.Close()

	exchange(t, c, randomBytes(40_000))
	assert.Equal(t, []relay.Destination{webDest}, rr.calls())
}

func TestSOCKSShortNamesUseDefaults(t *testing.T) {
	rr := &recordingRelay{port: echoServer(t)}
	l := startSOCKS(t, SOCKSConfig{
		Relay:    rr.Relay,
		Defaults: relay.Locator{Project: "my-project", Zone: "europe-west1-b"},
	})

	d, err := proxy.SOCKS5("tcp", l.Addr().String(), nil, proxy.Direct)
	require.NoError(t, err)
	c, err := d.Dial("tcp", "web-1:80")
	require.NoError(t, err)
	defer c.Close()

	exchange(t, c, []byte("hi"))
	assert.Equal(t, []relay.Destination{webDest}, rr.calls())
}

func TestSOCKSBadVersionClosesWithoutRelay(t *testing.T) {
	rr := &recordingRelay{port: echoServer(t)}
	l := startSOCKS(t, SOCKSConfig{Relay: rr.Relay})

	c := dial(t, l.Addr())
	_, err := c.Write([]byte{0x04, 0x00})
	require.NoError(t, err)

	var resp [2]byte
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(c, resp[:])
	require.NoError(t, err)
	assert.Equal(t, [2]byte{0x05, 0xFF}, resp)
	expectClosed(t, c)
	assert.Empty(t, rr.calls())
}

func TestSOCKSRequiresNoAuth(t *testing.T) {
	rr := &recordingRelay{}
	l := startSOCKS(t, SOCKSConfig{Relay: rr.Relay})

	c := dial(t, l.Addr())
	_, err := c.Write([]byte{0x05, 0x01, 0x02})
	require.NoError(t, err)

	var resp [2]byte
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(c, resp[:])
	require.NoError(t, err)
	assert.Equal(t, [2]byte{0x05, 0xFF}, resp)
	expectClosed(t, c)
	assert.Empty(t, rr.calls())
}

// Requests stop at the last byte the listener reads before replying, so closing
// never resets the connection ahead of the reply.
func TestSOCKSRequestErrors(t *testing.T) {
	cases := map[string]struct {
		request []byte
		reply   byte
	}{
		"bind command":        {request: []byte{0x05, 0x02, 0x00, 0x03}, reply: ReplyCommandNotSupported},
		"udp associate":       {request: []byte{0x05, 0x03, 0x00, 0x01}, reply: ReplyCommandNotSupported},
		"unknown atyp":        {request: []byte{0x05, 0x01, 0x00, 0x05}, reply: ReplyAddressTypeNotSupported},
		"ipv4 destination":    {request: []byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50}, reply: ReplyHostUnreachable},
		"invalid name":        {request: connectRequest("Not_A_VM", 22), reply: ReplyHostUnreachable},
		"bad request version": {request: []byte{0x04, 0x01, 0x00, 0x01}, reply: ReplyGeneralFailure},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rr := &recordingRelay{}
			l := startSOCKS(t, SOCKSConfig{Relay: rr.Relay, Defaults: webDest.Locator})

			c := dial(t, l.Addr())
			negotiate(t, c)
			_, err := c.Write(tc.request)
			require.NoError(t, err)
			assert.Equal(t, tc.reply, readReply(t, c))
			expectClosed(t, c)
			assert.Empty(t, rr.calls())
		})
	}
}

func TestSOCKSRelayErrorReplies(t *testing.T) {
	cases := map[string]struct {
		err   error
		reply byte
	}{
		"policy":        {err: ErrPolicyDenied, reply: ReplyNotAllowed},
		"endpoint":      {err: relay.ErrInvalidEndpoint, reply: ReplyHostUnreachable},
		"rejected":      {err: relay.ErrConnectionRejected, reply: ReplyConnectionRefused},
		"access denied": {err: &relay.CloseError{Code: 4033}, reply: ReplyConnectionRefused},
		"other":         {err: errors.New("boom"), reply: ReplyGeneralFailure},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rr := &recordingRelay{err: tc.err}
			l := startSOCKS(t, SOCKSConfig{Relay: rr.Relay})

			c := dial(t, l.Addr())
			negotiate(t, c)
			_, err := c.Write(connectRequest("web-1.europe-west1-b.my-project", 80))
			require.NoError(t, err)
			assert.Equal(t, tc.reply, readReply(t, c))
			assert.Len(t, rr.calls(), 1)
		})
	}
}

func TestSOCKSPolicyDeniesBeforeHandshake(t *testing.T) {
	rr := &recordingRelay{}
	deny := policy.Func(func(context.Context, net.Addr) policy.Decision { return policy.Deny("no") })
	l := startSOCKS(t, SOCKSConfig{Relay: rr.Relay, Policy: deny})

	c := dial(t, l.Addr())
	expectClosed(t, c)
	assert.Empty(t, rr.calls())
}

func TestSOCKSHandshakeTimeout(t *testing.T) {
	rr := &recordingRelay{}
	l := startSOCKS(t, SOCKSConfig{Relay: rr.Relay, HandshakeTimeout: 50 * time.Millisecond})

	c := dial(t, l.Addr())
	_, err := c.Write([]byte{0x05})
	require.NoError(t, err)
	expectClosed(t, c)
	assert.Empty(t, rr.calls())
}

func TestReplyFor(t *testing.T) {
	assert.Equal(t, ReplyNotAllowed, replyFor(errors.Join(errors.New("x"), ErrPolicyDenied)))
	assert.Equal(t, ReplyConnectionRefused, replyFor(&relay.CloseError{Code: 4003}))
	assert.Equal(t, ReplyHostUnreachable, replyFor(&relay.CloseError{Code: 4047}))
	assert.Equal(t, ReplyGeneralFailure, replyFor(relay.ErrTransport))
}
