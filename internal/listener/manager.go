package listener

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matst80/iaptunnel/internal/obs"
	"github.com/matst80/iaptunnel/internal/policy"
	"github.com/matst80/iaptunnel/internal/registry"
	"github.com/matst80/iaptunnel/internal/relay"
)

// ManagerConfig configures the per-destination forwarders behind a SOCKS5
// listener.
type ManagerConfig struct {
	Connector Connector
	Registry  *registry.Registry
	// Allow, when set, filters destinations before a forwarder is created.
	Allow func(relay.Destination) bool
	// Policy applies to connections on the forwarders; defaults to loopback only.
	Policy        policy.Policy
	PolicyTimeout time.Duration
	DrainTimeout  time.Duration
}

// Forwarder describes one per-destination loopback listener.
type Forwarder struct {
	Destination relay.Destination `json:"destination"`
	Port        int               `json:"port"`
}

// Manager lazily opens one TCPListener per destination on an ephemeral
// loopback port and reuses it for later requests. Its Relay method is a
// RelayFunc.
type Manager struct {
	cfg    ManagerConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	forwarders map[relay.Destination]*TCPListener
	serving    sync.WaitGroup
	closed     bool
}

// NewManager returns a manager whose forwarders serve until ctx is cancelled
// or Close is called.
func NewManager(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	if cfg.Connector == nil {
		return nil, errors.New("listener: connector is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		forwarders: make(map[relay.Destination]*TCPListener),
	}, nil
}

var errManagerClosed = errors.New("forwarder manager closed")

// Relay returns the loopback port forwarding to dest, creating it on first use.
// A new forwarder is only created after a test session to dest opens, so relay
// refusals surface here instead of after the SOCKS5 reply.
func (m *Manager) Relay(ctx context.Context, dest relay.Destination) (int, error) {
	if err := dest.Validate(); err != nil {
		return 0, err
	}
	if m.cfg.Allow != nil && !m.cfg.Allow(dest) {
		return 0, fmt.Errorf("%w: %s", ErrPolicyDenied, dest)
	}
	if port, ok, err := m.lookup(dest); ok || err != nil {
		return port, err
	}
	if err := m.checkReachable(ctx, dest); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errManagerClosed
	}
	if l, ok := m.forwarders[dest]; ok {
		return l.Port(), nil
	}
	l, err := ListenTCP(TCPConfig{
		Addr:          "127.0.0.1:0",
		Destination:   dest,
		Connector:     m.cfg.Connector,
		Policy:        m.cfg.Policy,
		PolicyTimeout: m.cfg.PolicyTimeout,
		Registry:      m.cfg.Registry,
		DrainTimeout:  m.cfg.DrainTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("open forwarder for %s: %w", dest, err)
	}
	m.forwarders[dest] = l
	m.serving.Add(1)
	go func() {
		defer m.serving.Done()
		if err := l.Serve(m.ctx); err != nil {
			obs.Error("forwarder.serve", obs.Fields{"destination": dest.String(), "err": err})
			m.mu.Lock()
			if m.forwarders[dest] == l {
				delete(m.forwarders, dest)
			}
			m.mu.Unlock()
		}
	}()
	obs.Info("forwarder.open", obs.Fields{"destination": dest.String(), "port": l.Port()})
	return l.Port(), nil
}

func (m *Manager) lookup(dest relay.Destination) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, false, errManagerClosed
	}
	if l, ok := m.forwarders[dest]; ok {
		return l.Port(), true, nil
	}
	return 0, false, nil
}

// checkReachable opens and immediately closes a session to dest.
func (m *Manager) checkReachable(ctx context.Context, dest relay.Destination) error {
	s, err := m.cfg.Connector.Open(ctx, dest)
	if err != nil {
		obs.Info("forwarder.check_failed", obs.Fields{"destination": dest.String(), "err": err})
		obs.ErrorsTotal.WithLabelValues(errorType(err)).Inc()
		return err
	}
	_ = s.Close()
	return nil
}

// Forwarders lists the open forwarders ordered by destination.
func (m *Manager) Forwarders() []Forwarder {
	m.mu.Lock()
	out := make([]Forwarder, 0, len(m.forwarders))
	for d, l := range m.forwarders {
		out = append(out, Forwarder{Destination: d, Port: l.Port()})
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Forwarder) int {
		return cmp.Compare(a.Destination.String(), b.Destination.String())
	})
	return out
}

// CloseForwarder stops the forwarder for dest, draining its tunnels for up to
// grace. It reports whether one existed.
func (m *Manager) CloseForwarder(dest relay.Destination, grace time.Duration) bool {
	m.mu.Lock()
	l, ok := m.forwarders[dest]
	delete(m.forwarders, dest)
	m.mu.Unlock()
	if !ok {
		return false
	}
	_ = l.Stop(grace)
	return true
}

// Close stops every forwarder, draining each for up to grace.
func (m *Manager) Close(grace time.Duration) error {
	m.mu.Lock()
	m.closed = true
	all := make([]*TCPListener, 0, len(m.forwarders))
	for d, l := range m.forwarders {
		all = append(all, l)
		delete(m.forwarders, d)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(all))
	for i, l := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = l.Stop(grace)
		}()
	}
	wg.Wait()
	m.cancel()
	m.serving.Wait()
	return errors.Join(errs...)
}
