// Package policy decides whether an accepted local connection may open a
// tunnel. Policies run before any relay session is created.
package policy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/matst80/iaptunnel/internal/ratelimit"
)

// DefaultTimeout bounds a single policy evaluation.
const DefaultTimeout = 5 * time.Second

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow admits a connection.
func Allow() Decision { return Decision{Allowed: true} }

// Deny rejects a connection with a reason.
func Deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Policy admits or rejects a connection from peer. Implementations must
// return promptly; Evaluate rejects connections whose policy overruns.
type Policy interface {
	Admit(ctx context.Context, peer net.Addr) Decision
}

// Func adapts a function to Policy.
type Func func(ctx context.Context, peer net.Addr) Decision

func (f Func) Admit(ctx context.Context, peer net.Addr) Decision { return f(ctx, peer) }

// AllowAll admits every connection.
var AllowAll Policy = Func(func(context.Context, net.Addr) Decision { return Allow() })

// LoopbackOnly admits connections from loopback addresses.
var LoopbackOnly Policy = Func(func(_ context.Context, peer net.Addr) Decision {
	ip, err := peerIP(peer)
	if err != nil {
		return Deny("%v", err)
	}
	if !ip.IsLoopback() {
		return Deny("peer %s is not loopback", ip)
	}
	return Allow()
})

// CIDR admits peers inside one of the given prefixes.
func CIDR(prefixes ...string) (Policy, error) {
	nets := make([]netip.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		pfx, err := netip.ParsePrefix(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("parse cidr %q: %w", p, err)
		}
		nets = append(nets, pfx.Masked())
	}
	return Func(func(_ context.Context, peer net.Addr) Decision {
		ip, err := peerIP(peer)
		if err != nil {
			return Deny("%v", err)
		}
		for _, n := range nets {
			if n.Contains(ip) {
				return Allow()
			}
		}
		return Deny("peer %s outside allowed networks", ip)
	}), nil
}

// RateLimited runs inner and then limits admissions per peer IP.
func RateLimited(inner Policy, l *ratelimit.Limiter) Policy {
	return Func(func(ctx context.Context, peer net.Addr) Decision {
		if d := inner.Admit(ctx, peer); !d.Allowed {
			return d
		}
		key := peer.String()
		if ip, err := peerIP(peer); err == nil {
			key = ip.String()
		}
		if !l.Allow(key) {
			return Deny("rate limit exceeded for %s", key)
		}
		return Allow()
	})
}

// Chain admits a connection only if every policy admits it. The first
// denial wins.
func Chain(policies ...Policy) Policy {
	return Func(func(ctx context.Context, peer net.Addr) Decision {
		for _, p := range policies {
			if d := p.Admit(ctx, peer); !d.Allowed {
				return d
			}
		}
		return Allow()
	})
}

// ErrTimeout is the reason recorded when a policy overruns its deadline.
var ErrTimeout = errors.New("policy evaluation timed out")

// Evaluate runs p with a deadline. A nil policy admits. A policy that does
// not answer within timeout, or panics, rejects the connection.
func Evaluate(ctx context.Context, p Policy, peer net.Addr, timeout time.Duration) Decision {
	if p == nil {
		return Allow()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan Decision, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- Deny("policy panicked: %v", r)
			}
		}()
		ch <- p.Admit(ctx, peer)
	}()
	select {
	case d := <-ch:
		if !d.Allowed && d.Reason == "" {
			d.Reason = "denied by policy"
		}
		return d
	case <-ctx.Done():
		return Deny("%v", ErrTimeout)
	}
}

func peerIP(peer net.Addr) (netip.Addr, error) {
	if peer == nil {
		return netip.Addr{}, errors.New("unknown peer address")
	}
	if tcp, ok := peer.(*net.TCPAddr); ok {
		if ip, ok := netip.AddrFromSlice(tcp.IP); ok {
			return ip.Unmap(), nil
		}
	}
	ap, err := netip.ParseAddrPort(peer.String())
	if err != nil {
		return netip.Addr{}, fmt.Errorf("peer address %q: %w", peer.String(), err)
	}
	return ap.Addr().Unmap(), nil
}
