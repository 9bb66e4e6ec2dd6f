package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/matst80/iaptunnel/internal/proto"
)

// Relay hosts and fixed handshake values.
const (
	DefaultRelayHost = "tunnel.cloudproxy.app"
	MTLSRelayHost    = "mtls.tunnel.cloudproxy.app"
	Subprotocol      = proto.Subprotocol
	Origin           = "bot:iap-tunneler"
	DefaultInterface = "nic0"
	DefaultUserAgent = "iaptunnel/0.1"

	connectPath   = "/v4/connect"
	reconnectPath = "/v4/reconnect"
)

var (
	projectRe   = regexp.MustCompile(`^([a-z][a-z0-9.-]*[a-z0-9]:)?[a-z][a-z0-9-]{4,28}[a-z0-9]$`)
	zoneRe      = regexp.MustCompile(`^[a-z]+-[a-z]+[0-9]+-[a-z]$`)
	instanceRe  = regexp.MustCompile(`^[a-z]([-a-z0-9]{0,61}[a-z0-9])?$`)
	interfaceRe = regexp.MustCompile(`^nic[0-9]{1,2}$`)
)

// Locator identifies the VM instance the relay forwards to.
type Locator struct {
	Project  string `json:"project" yaml:"project"`
	Zone     string `json:"zone" yaml:"zone"`
	Instance string `json:"instance" yaml:"instance"`
}

func (l Locator) String() string { return l.Project + "/" + l.Zone + "/" + l.Instance }

// Validate checks the locator syntax without any network access.
func (l Locator) Validate() error {
	if !projectRe.MatchString(l.Project) {
		return fmt.Errorf("%w: project %q", ErrInvalidEndpoint, l.Project)
	}
	if !zoneRe.MatchString(l.Zone) {
		return fmt.Errorf("%w: zone %q", ErrInvalidEndpoint, l.Zone)
	}
	if !instanceRe.MatchString(l.Instance) {
		return fmt.Errorf("%w: instance %q", ErrInvalidEndpoint, l.Instance)
	}
	return nil
}

// Destination is a locator plus the remote port.
type Destination struct {
	Locator `yaml:",inline"`
	Port    int `json:"port" yaml:"port"`
}

func (d Destination) String() string { return d.Locator.String() + ":" + strconv.Itoa(d.Port) }

func (d Destination) Validate() error {
	if err := d.Locator.Validate(); err != nil {
		return err
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidEndpoint, d.Port)
	}
	return nil
}

// ParseDestination parses "instance[.zone[.project]]" as used in SOCKS5
// domain names, filling missing parts from defaults.
func ParseDestination(host string, port int, defaults Locator) (Destination, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	parts := strings.SplitN(host, ".", 3)
	loc := defaults
	loc.Instance = parts[0]
	if len(parts) > 1 {
		loc.Zone = parts[1]
	}
	if len(parts) > 2 {
		loc.Project = parts[2]
	}
	d := Destination{Locator: loc, Port: port}
	if err := d.Validate(); err != nil {
		return Destination{}, err
	}
	return d, nil
}

// EndpointConfig describes how to reach the relay for one destination.
type EndpointConfig struct {
	Target    Destination
	Interface string
	UserAgent string
	Tokens    TokenProvider

	// ClientCert enables mutual TLS against MTLSRelayHost.
	ClientCert *tls.Certificate
	// TLSConfig is cloned as the base TLS configuration; nil uses system roots.
	TLSConfig *tls.Config
	// RelayURL overrides the scheme and host, e.g. "ws://127.0.0.1:8080".
	RelayURL string
	// HandshakeTimeout bounds a single connect or reconnect handshake.
	HandshakeTimeout time.Duration
}

// Endpoint builds relay URLs and performs the WebSocket handshake. It is
// immutable once constructed and safe for concurrent use.
type Endpoint struct {
	cfg    EndpointConfig
	base   *url.URL
	client *http.Client
}

var _ Dialer = (*Endpoint)(nil)

// NewEndpoint validates cfg synchronously; invalid input yields ErrInvalidEndpoint.
func NewEndpoint(cfg EndpointConfig) (*Endpoint, error) {
	if cfg.Interface == "" {
		cfg.Interface = DefaultInterface
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if err := cfg.Target.Validate(); err != nil {
		return nil, err
	}
	if !interfaceRe.MatchString(cfg.Interface) {
		return nil, fmt.Errorf("%w: interface %q", ErrInvalidEndpoint, cfg.Interface)
	}

	raw := cfg.RelayURL
	if raw == "" {
		host := DefaultRelayHost
		if cfg.ClientCert != nil {
			host = MTLSRelayHost
		}
		raw = "wss://" + host
	}
	base, err := url.Parse(raw)
	if err != nil || (base.Scheme != "ws" && base.Scheme != "wss") || base.Host == "" {
		return nil, fmt.Errorf("%w: relay url %q", ErrInvalidEndpoint, raw)
	}

	var tlsCfg *tls.Config
	if cfg.TLSConfig != nil {
		tlsCfg = cfg.TLSConfig.Clone()
	} else {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ClientCert != nil {
		tlsCfg.Certificates = []tls.Certificate{*cfg.ClientCert}
	}
	return &Endpoint{
		cfg:  cfg,
		base: base,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				TLSClientConfig:     tlsCfg,
				TLSHandshakeTimeout: cfg.HandshakeTimeout,
			},
		},
	}, nil
}

// Target returns the destination this endpoint connects to.
func (e *Endpoint) Target() Destination { return e.cfg.Target }

// ConnectURL returns the URL for a new session.
func (e *Endpoint) ConnectURL() string { return e.buildURL(connectPath, nil) }

// ReconnectURL returns the URL resuming session sid; ack is the number of
// bytes the client has received so far.
func (e *Endpoint) ReconnectURL(sid string, ack uint64) string {
	return e.buildURL(reconnectPath, url.Values{
		"sid": {sid},
		"ack": {strconv.FormatUint(ack, 10)},
	})
}

func (e *Endpoint) buildURL(path string, extra url.Values) string {
	q := url.Values{}
	q.Set("project", e.cfg.Target.Project)
	q.Set("zone", e.cfg.Target.Zone)
	q.Set("host", e.cfg.Target.Instance)
	q.Set("interface", e.cfg.Interface)
	q.Set("port", strconv.Itoa(e.cfg.Target.Port))
	q.Set("_", strconv.FormatUint(rand.Uint64(), 36))
	for k, v := range extra {
		q[k] = v
	}
	u := *e.base
	u.Path = path
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect opens a physical connection for a new session.
func (e *Endpoint) Connect(ctx context.Context) (Conn, error) {
	return e.dial(ctx, e.ConnectURL())
}

// Reconnect opens a physical connection resuming session sid at inbound offset ack.
func (e *Endpoint) Reconnect(ctx context.Context, sid string, ack uint64) (Conn, error) {
	if sid == "" {
		return nil, fmt.Errorf("%w: reconnect without session id", ErrProtocolViolation)
	}
	return e.dial(ctx, e.ReconnectURL(sid, ack))
}

func (e *Endpoint) dial(ctx context.Context, target string) (Conn, error) {
	token, err := fetchToken(ctx, e.cfg.Tokens)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("Origin", Origin)
	headers.Set("User-Agent", e.cfg.UserAgent)

	c, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient:      e.client,
		HTTPHeader:      headers,
		Subprotocols:    []string{Subprotocol},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, handshakeError(resp, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if c.Subprotocol() != Subprotocol {
		_ = c.Close(websocket.StatusProtocolError, "subprotocol not negotiated")
		return nil, fmt.Errorf("%w: relay negotiated subprotocol %q", ErrProtocolViolation, c.Subprotocol())
	}
	c.SetReadLimit(proto.MaxFrameSize)
	return newWSConn(c), nil
}

func handshakeError(resp *http.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
	}
	detail := strings.TrimSpace(string(body))
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: relay returned %d: %s", ErrAuthentication, resp.StatusCode, detail)
	case http.StatusForbidden:
		return fmt.Errorf("%w: relay returned %d (a proxy or firewall may be blocking WebSocket connections): %s",
			ErrConnectionRejected, resp.StatusCode, detail)
	case http.StatusBadRequest, http.StatusNotFound:
		return fmt.Errorf("%w: relay returned %d: %s", ErrInvalidEndpoint, resp.StatusCode, detail)
	}
	return fmt.Errorf("%w: handshake status %d: %v", ErrTransport, resp.StatusCode, err)
}
