package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set IAPTUNNEL_TEST_REDIS=host:port to run against a real server.
func newTestMirror(t *testing.T, reg *Registry) *RedisMirror {
	t.Helper()
	addr := os.Getenv("IAPTUNNEL_TEST_REDIS")
	if addr == "" {
		t.Skip("IAPTUNNEL_TEST_REDIS not set")
	}
	m, err := NewRedisMirror(reg, RedisOptions{Addr: addr, HeartbeatInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestRedisMirror(t *testing.T) {
	reg := New()
	m := newTestMirror(t, reg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	watched, err := m.Watch(ctx)
	require.NoError(t, err)
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		m.Run(runCtx)
		close(done)
	}()
	defer func() {
		stop()
		<-done
	}()

	tun, _ := openTunnel(t, reg, dest("web-1", 80))
	tun.AddTransmitted(42)

	require.Eventually(t, func() bool {
		list, err := m.List(ctx)
		if err != nil {
			return false
		}
		for _, s := range list {
			if s.ID == tun.ID && s.BytesTransmitted == 42 && s.InstanceID == m.InstanceID() {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	reg.Unregister(tun)
	require.Eventually(t, func() bool {
		list, err := m.List(ctx)
		if err != nil {
			return false
		}
		for _, s := range list {
			if s.ID == tun.ID {
				return false
			}
		}
		return true
	}, 5*time.Second, 50*time.Millisecond)

	var kinds []EventKind
	for len(kinds) < 2 {
		select {
		case e := <-watched:
			if e.Tunnel.ID == tun.ID {
				kinds = append(kinds, e.Kind)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for published events")
		}
	}
	assert.Equal(t, []EventKind{Opened, Closed}, kinds)
}

func TestNewRedisMirrorFailsFast(t *testing.T) {
	_, err := NewRedisMirror(New(), RedisOptions{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
