package listener

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/matst80/iaptunnel/internal/obs"
	"github.com/matst80/iaptunnel/internal/policy"
	"github.com/matst80/iaptunnel/internal/registry"
	"github.com/matst80/iaptunnel/internal/relay"
)

// TCPConfig configures a listener forwarding to one fixed destination.
type TCPConfig struct {
	// Addr defaults to 127.0.0.1:0.
	Addr        string
	Destination relay.Destination
	Connector   Connector
	// Policy defaults to policy.LoopbackOnly.
	Policy        policy.Policy
	PolicyTimeout time.Duration
	// Registry defaults to a private registry.
	Registry     *registry.Registry
	DrainTimeout time.Duration
}

func (c *TCPConfig) Validate() error {
	if c.Connector == nil {
		return errors.New("listener: connector is required")
	}
	return c.Destination.Validate()
}

// TCPListener binds a local port and opens one relay session per accepted
// connection.
type TCPListener struct {
	cfg TCPConfig
	srv *acceptServer
}

// ListenTCP binds the listening socket. Call Serve to start accepting.
func ListenTCP(cfg TCPConfig) (*TCPListener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.LoopbackOnly
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	l := &TCPListener{cfg: cfg}
	srv, err := newAcceptServer("tcp", cfg.Addr, cfg.DrainTimeout, l.handle)
	if err != nil {
		return nil, err
	}
	l.srv = srv
	return l, nil
}

func (l *TCPListener) Addr() net.Addr                 { return l.srv.addr() }
func (l *TCPListener) Port() int                      { return l.srv.port() }
func (l *TCPListener) Destination() relay.Destination { return l.cfg.Destination }

// Serve accepts connections until ctx is cancelled or Stop is called.
func (l *TCPListener) Serve(ctx context.Context) error { return l.srv.serve(ctx) }

// Stop closes the socket and drains open tunnels for up to grace.
func (l *TCPListener) Stop(grace time.Duration) error { return l.srv.stop(grace) }

func (l *TCPListener) handle(ctx context.Context, c net.Conn) {
	serveTunnel(ctx, c, l.cfg.Destination, l.Port(), tunnelDeps{
		connector:     l.cfg.Connector,
		policy:        l.cfg.Policy,
		policyTimeout: l.cfg.PolicyTimeout,
		registry:      l.cfg.Registry,
	})
}

type tunnelDeps struct {
	connector     Connector
	policy        policy.Policy
	policyTimeout time.Duration
	registry      *registry.Registry
}

// serveTunnel admits c, opens a relay stream to dest and pumps until either
// side ends. Failures only affect this connection.
func serveTunnel(ctx context.Context, c net.Conn, dest relay.Destination, localPort int, deps tunnelDeps) {
	peer := c.RemoteAddr()
	d := policy.Evaluate(ctx, deps.policy, peer, deps.policyTimeout)
	if !d.Allowed {
		obs.Info("tunnel.denied", obs.Fields{"peer": peer.String(), "destination": dest.String(), "reason": d.Reason})
		obs.TunnelsDeniedTotal.Inc()
		_ = c.Close()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	tun := registry.NewTunnel(dest, localPort, peer.String(), cancel)

	remote, err := deps.connector.Open(ctx, dest)
	if err != nil {
		obs.Error("tunnel.open_failed", obs.Fields{"peer": peer.String(), "destination": dest.String(), "err": err})
		obs.TunnelsFailedTotal.Inc()
		obs.ErrorsTotal.WithLabelValues(errorType(err)).Inc()
		_ = c.Close()
		return
	}
	if rs, ok := remote.(interface{ SessionStats() relay.SessionStats }); ok {
		tun.AttachSession(rs.SessionStats)
	}
	if err := deps.registry.Register(tun); err != nil {
		obs.Error("tunnel.register", obs.Fields{"id": tun.ID, "err": err})
		_ = remote.Close()
		_ = c.Close()
		return
	}
	obs.TunnelsOpenedTotal.Inc()
	obs.Info("tunnel.open", obs.Fields{"id": tun.ID, "peer": peer.String(), "destination": dest.String(), "local_port": localPort})

	start := time.Now()
	err = pump(ctx, c, remote, tun)
	deps.registry.Unregister(tun)
	obs.TunnelDurationSeconds.Observe(time.Since(start).Seconds())

	fields := obs.Fields{
		"id":          tun.ID,
		"destination": dest.String(),
		"tx":          tun.BytesTransmitted(),
		"rx":          tun.BytesReceived(),
		"duration":    time.Since(start).String(),
	}
	if err != nil {
		fields["err"] = err
		obs.ErrorsTotal.WithLabelValues(errorType(err)).Inc()
		obs.Error("tunnel.closed", fields)
		return
	}
	obs.Info("tunnel.closed", fields)
}
