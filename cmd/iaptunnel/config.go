package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matst80/iaptunnel/internal/policy"
	"github.com/matst80/iaptunnel/internal/ratelimit"
	"github.com/matst80/iaptunnel/internal/relay"
)

// Config holds all runtime configuration. Values come from an optional YAML
// file and are overridden by flags that were set explicitly.
type Config struct {
	Project   string `yaml:"project"`
	Zone      string `yaml:"zone"`
	Interface string `yaml:"interface"`
	UserAgent string `yaml:"user_agent"`
	// RelayURL replaces the relay scheme and host, mainly for testing.
	RelayURL string `yaml:"relay_url"`
	// mTLS client certificate; switches to the mTLS relay host.
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`

	MetricsAddr string `yaml:"metrics"`
	Debug       bool   `yaml:"debug"`
	LogFormat   string `yaml:"log_format"`

	DrainTimeout     time.Duration `yaml:"drain_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PolicyTimeout    time.Duration `yaml:"policy_timeout"`

	Policy   PolicyConfig    `yaml:"policy"`
	Redis    RedisConfig     `yaml:"redis"`
	Socks    SocksConfig     `yaml:"socks"`
	Forwards []ForwardConfig `yaml:"forwards"`
}

// PolicyConfig selects who may open tunnels. Loopback peers only by default.
type PolicyConfig struct {
	AllowAll    bool     `yaml:"allow_all"`
	AllowCIDRs  []string `yaml:"allow_cidrs"`
	Rate        int      `yaml:"rate"`
	PerPeerRate int      `yaml:"per_peer_rate"`
	Burst       int      `yaml:"burst"`
}

// RedisConfig enables the registry mirror when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type SocksConfig struct {
	Listen string `yaml:"listen"`
	// AllowPorts limits the remote ports SOCKS clients may reach; empty allows all.
	AllowPorts []int `yaml:"allow_ports"`
}

// ForwardConfig is one fixed local port to instance port mapping. Project and
// zone default to the top-level values.
type ForwardConfig struct {
	Instance string `yaml:"instance"`
	Zone     string `yaml:"zone"`
	Project  string `yaml:"project"`
	Port     int    `yaml:"port"`
	Listen   string `yaml:"listen"`
}

func defaultConfig() Config {
	return Config{
		Interface:        relay.DefaultInterface,
		UserAgent:        relay.DefaultUserAgent,
		MetricsAddr:      "127.0.0.1:9100",
		LogFormat:        "json",
		DrainTimeout:     5 * time.Second,
		HandshakeTimeout: 30 * time.Second,
		PolicyTimeout:    policy.DefaultTimeout,
		Socks:            SocksConfig{Listen: "127.0.0.1:1080"},
	}
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if (c.ClientCert == "") != (c.ClientKey == "") {
		return errors.New("client_cert and client_key must be set together")
	}
	if c.Policy.AllowAll && len(c.Policy.AllowCIDRs) > 0 {
		return errors.New("policy: allow_all and allow_cidrs are exclusive")
	}
	if c.Policy.Rate < 0 || c.Policy.PerPeerRate < 0 || c.Policy.Burst < 0 {
		return errors.New("policy: rates must not be negative")
	}
	for i, f := range c.Forwards {
		if _, err := f.destination(c); err != nil {
			return fmt.Errorf("forwards[%d]: %w", i, err)
		}
	}
	for _, p := range c.Socks.AllowPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("socks: invalid port %d", p)
		}
	}
	return nil
}

func (c *Config) defaults() relay.Locator {
	return relay.Locator{Project: c.Project, Zone: c.Zone}
}

// parseDestination parses INSTANCE[.ZONE[.PROJECT]]:PORT.
func (c *Config) parseDestination(s string) (relay.Destination, error) {
	host, p, err := net.SplitHostPort(s)
	if err != nil {
		return relay.Destination{}, fmt.Errorf("destination %q: %w", s, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return relay.Destination{}, fmt.Errorf("destination port %q: %w", p, err)
	}
	return relay.ParseDestination(host, port, c.defaults())
}

func (f ForwardConfig) destination(c *Config) (relay.Destination, error) {
	loc := c.defaults()
	loc.Instance = f.Instance
	if f.Zone != "" {
		loc.Zone = f.Zone
	}
	if f.Project != "" {
		loc.Project = f.Project
	}
	d := relay.Destination{Locator: loc, Port: f.Port}
	return d, d.Validate()
}

// endpointTemplate is the relay configuration shared by every tunnel; the
// connector fills in the destination.
func (c *Config) endpointTemplate(tokens relay.TokenProvider) (relay.EndpointConfig, error) {
	ep := relay.EndpointConfig{
		Interface:        c.Interface,
		UserAgent:        c.UserAgent,
		Tokens:           tokens,
		RelayURL:         c.RelayURL,
		HandshakeTimeout: c.HandshakeTimeout,
	}
	if c.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return ep, fmt.Errorf("load client certificate: %w", err)
		}
		ep.ClientCert = &cert
	}
	return ep, nil
}

// build returns the admission policy and, when rate limits are
// configured, the limiter behind it.
func (p PolicyConfig) build() (policy.Policy, *ratelimit.Limiter, error) {
	base := policy.LoopbackOnly
	switch {
	case p.AllowAll:
		base = policy.AllowAll
	case len(p.AllowCIDRs) > 0:
		cidr, err := policy.CIDR(p.AllowCIDRs...)
		if err != nil {
			return nil, nil, err
		}
		base = cidr
	}
	if p.Rate == 0 && p.PerPeerRate == 0 {
		return base, nil, nil
	}
	l := ratelimit.New(p.Rate, p.PerPeerRate, p.Burst)
	return policy.RateLimited(base, l), l, nil
}

// changedSet is the part of a flag set applyFlags needs.
type changedSet interface {
	Changed(name string) bool
}

// flagCfg receives flag values; applyFlags copies the ones set on the command
// line over the loaded configuration.
var flagCfg = defaultConfig()

var flagFields = map[string]func(dst, src *Config){
	"project":           func(d, s *Config) { d.Project = s.Project },
	"zone":              func(d, s *Config) { d.Zone = s.Zone },
	"interface":         func(d, s *Config) { d.Interface = s.Interface },
	"user-agent":        func(d, s *Config) { d.UserAgent = s.UserAgent },
	"relay-url":         func(d, s *Config) { d.RelayURL = s.RelayURL },
	"client-cert":       func(d, s *Config) { d.ClientCert = s.ClientCert },
	"client-key":        func(d, s *Config) { d.ClientKey = s.ClientKey },
	"metrics":           func(d, s *Config) { d.MetricsAddr = s.MetricsAddr },
	"debug":             func(d, s *Config) { d.Debug = s.Debug },
	"log-format":        func(d, s *Config) { d.LogFormat = s.LogFormat },
	"drain-timeout":     func(d, s *Config) { d.DrainTimeout = s.DrainTimeout },
	"handshake-timeout": func(d, s *Config) { d.HandshakeTimeout = s.HandshakeTimeout },
	"policy-timeout":    func(d, s *Config) { d.PolicyTimeout = s.PolicyTimeout },
	"allow-all":         func(d, s *Config) { d.Policy.AllowAll = s.Policy.AllowAll },
	"allow-cidr":        func(d, s *Config) { d.Policy.AllowCIDRs = s.Policy.AllowCIDRs },
	"rate":              func(d, s *Config) { d.Policy.Rate = s.Policy.Rate },
	"per-peer-rate":     func(d, s *Config) { d.Policy.PerPeerRate = s.Policy.PerPeerRate },
	"burst":             func(d, s *Config) { d.Policy.Burst = s.Policy.Burst },
	"redis-addr":        func(d, s *Config) { d.Redis.Addr = s.Redis.Addr },
	"redis-password":    func(d, s *Config) { d.Redis.Password = s.Redis.Password },
	"redis-db":          func(d, s *Config) { d.Redis.DB = s.Redis.DB },
	"redis-ttl":         func(d, s *Config) { d.Redis.TTL = s.Redis.TTL },
}

func applyFlags(fs changedSet, dst *Config) {
	for name, copyField := range flagFields {
		if fs.Changed(name) {
			copyField(dst, &flagCfg)
		}
	}
}
