package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/iaptunnel/internal/relay"
)

func dest(instance string, port int) relay.Destination {
	return relay.Destination{
		Locator: relay.Locator{Project: "my-project", Zone: "europe-west1-b", Instance: instance},
		Port:    port,
	}
}

func openTunnel(t *testing.T, r *Registry, d relay.Destination) (*Tunnel, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	tun := NewTunnel(d, 40000, "127.0.0.1:5000", cancel)
	require.NoError(t, r.Register(tun))
	return tun, ctx
}

func TestRegisterAndUnregister(t *testing.T) {
	r := New()
	tun, _ := openTunnel(t, r, dest("web-1", 80))

	assert.Len(t, r.ListOpen(), 1)
	assert.Same(t, tun, r.Get(tun.ID))
	assert.Error(t, r.Register(tun), "duplicate id")

	r.Unregister(tun)
	r.Unregister(tun)
	assert.Empty(t, r.ListOpen())
	assert.Nil(t, r.Get(tun.ID))

	st := r.Stats()
	assert.Equal(t, uint64(1), st.Opened)
	assert.Equal(t, uint64(1), st.Closed)
	assert.Zero(t, st.Open)
}

func TestDisconnectByDestination(t *testing.T) {
	r := New()
	const n, m = 5, 3
	target := dest("db-1", 5432)
	var ctxs []context.Context
	for i := 0; i < n; i++ {
		d := dest("web-1", 80)
		if i < m {
			d = target
		}
		_, ctx := openTunnel(t, r, d)
		ctxs = append(ctxs, ctx)
	}

	assert.Equal(t, m, r.DisconnectByDestination(target))
	assert.Len(t, r.ListOpen(), n-m)
	for i, ctx := range ctxs {
		if i < m {
			assert.Error(t, ctx.Err(), "tunnel %d should be cancelled", i)
		} else {
			assert.NoError(t, ctx.Err(), "tunnel %d should be open", i)
		}
	}
	for _, tun := range r.ListOpen() {
		assert.Equal(t, dest("web-1", 80), tun.Destination)
	}

	// Gone already: no-op.
	assert.Zero(t, r.DisconnectByDestination(target))
	assert.Equal(t, uint64(m), r.Stats().Disconnected)
}

func TestCountersAreMonotonic(t *testing.T) {
	r := New()
	tun, _ := openTunnel(t, r, dest("web-1", 80))

	var lastTx, lastRx uint64
	for i := 1; i <= 10; i++ {
		tun.AddTransmitted(i)
		tun.AddReceived(2 * i)
		tx, rx := tun.BytesTransmitted(), tun.BytesReceived()
		assert.GreaterOrEqual(t, tx, lastTx)
		assert.GreaterOrEqual(t, rx, lastRx)
		lastTx, lastRx = tx, rx
	}
	assert.Equal(t, uint64(55), lastTx)
	assert.Equal(t, uint64(110), lastRx)

	r.Unregister(tun)
	st := r.Stats()
	assert.Equal(t, uint64(55), st.BytesTransmitted)
	assert.Equal(t, uint64(110), st.BytesReceived)
}

func TestSubscribe(t *testing.T) {
	r := New()
	events, cancel := r.Subscribe(8)
	defer cancel()

	tun, _ := openTunnel(t, r, dest("web-1", 80))
	r.Disconnect(tun.ID)

	e := <-events
	assert.Equal(t, Opened, e.Kind)
	assert.Equal(t, tun.ID, e.Tunnel.ID)
	e = <-events
	assert.Equal(t, Disconnected, e.Kind)
	assert.Equal(t, "my-project/europe-west1-b/web-1:80", e.Tunnel.Destination)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	r := New()
	_, cancel := r.Subscribe(1)
	defer cancel()

	for i := 0; i < 3; i++ {
		openTunnel(t, r, dest("web-1", 80))
	}
	assert.Equal(t, uint64(2), r.Stats().DroppedEvents)
	assert.Len(t, r.ListOpen(), 3)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	r := New()
	events, cancel := r.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-events
	assert.False(t, ok)
	openTunnel(t, r, dest("web-1", 80))
	assert.Zero(t, r.Stats().DroppedEvents)
}

func TestEventKindText(t *testing.T) {
	for _, k := range []EventKind{Opened, Closed, Disconnected} {
		b, err := k.MarshalText()
		require.NoError(t, err)
		var got EventKind
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, k, got)
	}
	var k EventKind
	assert.Error(t, k.UnmarshalText([]byte("bogus")))
}

func TestSnapshotReportsAttachedSession(t *testing.T) {
	r := New()
	tun := NewTunnel(dest("web-1", 80), 40000, "127.0.0.1:5000", func() {})
	assert.Empty(t, tun.Snapshot().SID)

	tun.AttachSession(func() relay.SessionStats {
		return relay.SessionStats{SID: "sid-7", State: relay.StateReconnecting, Reconnects: 1}
	})
	require.NoError(t, r.Register(tun))

	snaps := r.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "sid-7", snaps[0].SID)
	assert.Equal(t, "reconnecting", snaps[0].SessionState)
	assert.Equal(t, 1, snaps[0].Reconnects)
}
