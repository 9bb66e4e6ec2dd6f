package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"

	"github.com/matst80/iaptunnel/internal/listener"
	"github.com/matst80/iaptunnel/internal/obs"
	"github.com/matst80/iaptunnel/internal/policy"
	"github.com/matst80/iaptunnel/internal/ratelimit"
	"github.com/matst80/iaptunnel/internal/registry"
	"github.com/matst80/iaptunnel/internal/relay"
)

const (
	tokenEnv           = "IAPTUNNEL_TOKEN"
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
)

// app wires the shared pieces of a running process: credentials, policy,
// registry and the optional Redis mirror.
type app struct {
	cfg       Config
	registry  *registry.Registry
	connector listener.Connector
	policy    policy.Policy
	limiter   *ratelimit.Limiter
	mirror    *registry.RedisMirror
	// cluster is the mirror seen as a tunnel list; nil without Redis.
	cluster clusterView

	mu      sync.Mutex
	manager *listener.Manager

	ready   atomic.Bool
	closing atomic.Bool
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	tokens, err := tokenProvider(ctx)
	if err != nil {
		return nil, err
	}
	ep, err := cfg.endpointTemplate(tokens)
	if err != nil {
		return nil, err
	}
	pol, limiter, err := cfg.Policy.build()
	if err != nil {
		return nil, err
	}
	reg := registry.New()
	mirror, err := newMirror(reg, cfg.Redis)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		registry: reg,
		connector: &listener.RelayConnector{
			Endpoint: ep,
			Session: relay.Options{
				HandshakeTimeout: cfg.HandshakeTimeout,
				OnReconnect: func(ack uint64) {
					obs.Info("session.reconnected", obs.Fields{"ack": ack})
				},
			},
		},
		policy:  pol,
		limiter: limiter,
		mirror:  mirror,
	}
	if mirror != nil {
		a.cluster = mirror
	}
	return a, nil
}

// clusterView lists the tunnels of every instance sharing a Redis mirror.
type clusterView interface {
	InstanceID() string
	List(ctx context.Context) ([]registry.MirroredTunnel, error)
}

// tokenProvider prefers a static token from the environment and falls back
// to Application Default Credentials.
func tokenProvider(ctx context.Context) (relay.TokenProvider, error) {
	if tok := os.Getenv(tokenEnv); tok != "" {
		obs.Info("credentials", obs.Fields{"source": tokenEnv})
		return relay.StaticToken(tok), nil
	}
	ts, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("application default credentials (or set %s): %w", tokenEnv, err)
	}
	obs.Info("credentials", obs.Fields{"source": "application-default"})
	return relay.OAuth2TokenProvider(ts), nil
}

// newMirror returns a Redis mirror of the registry, or nil when no Redis
// address is configured.
func newMirror(reg *registry.Registry, cfg RedisConfig) (*registry.RedisMirror, error) {
	if cfg.Addr == "" {
		obs.Info("registry.backend", obs.Fields{"type": "in-memory"})
		return nil, nil
	}
	obs.Info("registry.backend", obs.Fields{"type": "redis", "addr": cfg.Addr})
	return registry.NewRedisMirror(reg, registry.RedisOptions{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		KeyTTL:   cfg.TTL,
	})
}

func (a *app) setManager(m *listener.Manager) {
	a.mu.Lock()
	a.manager = m
	a.mu.Unlock()
}

func (a *app) forwarders() []listener.Forwarder {
	a.mu.Lock()
	m := a.manager
	a.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Forwarders()
}

// run starts the metrics server, the mirror and the limiter pruning, then
// calls start to add listeners to the group. It blocks until ctx is cancelled
// or a group member fails.
func (a *app) run(ctx context.Context, start func(ctx context.Context, g *errgroup.Group) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.MetricsAddr != "" {
		g.Go(func() error { return startMetricsServer(gctx, a.cfg.MetricsAddr, a) })
	}
	if a.mirror != nil {
		defer a.mirror.Close()
		g.Go(func() error {
			a.mirror.Run(gctx)
			return nil
		})
	}
	if a.limiter != nil {
		g.Go(func() error {
			runPruneLoop(gctx, a.limiter, time.Minute, 10*time.Minute)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.closing.Store(true)
		obs.Info("shutdown.signal", obs.Fields{})
		return nil
	})

	if err := start(gctx, g); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	a.ready.Store(true)
	obs.Info("ready", obs.Fields{"metrics": a.cfg.MetricsAddr})

	err := g.Wait()
	obs.Info("shutdown.complete", obs.Fields{"stats": a.registry.Stats()})
	return err
}

func runPruneLoop(ctx context.Context, l *ratelimit.Limiter, interval, idle time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.Prune(idle); n > 0 {
				obs.Debug("ratelimit.prune", obs.Fields{"removed": n, "keys": l.Keys()})
			}
		}
	}
}
