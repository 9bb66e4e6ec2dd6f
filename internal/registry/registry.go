// Package registry tracks open tunnels, exposes their byte counters and
// publishes lifecycle events to subscribers.
package registry

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/iaptunnel/internal/obs"
	"github.com/matst80/iaptunnel/internal/relay"
)

// Tunnel is one local connection bound to a relay session.
type Tunnel struct {
	ID          string
	Destination relay.Destination
	LocalPort   int
	Peer        string
	Opened      time.Time

	tx atomic.Uint64
	rx atomic.Uint64

	cancel       context.CancelFunc
	disconnected atomic.Bool
	session      func() relay.SessionStats
}

// NewTunnel creates a tunnel with a fresh id. cancel tears down its pump.
func NewTunnel(dest relay.Destination, localPort int, peer string, cancel context.CancelFunc) *Tunnel {
	return &Tunnel{
		ID:          uuid.NewString(),
		Destination: dest,
		LocalPort:   localPort,
		Peer:        peer,
		Opened:      time.Now(),
		cancel:      cancel,
	}
}

// AddTransmitted records bytes sent towards the destination.
func (t *Tunnel) AddTransmitted(n int) { t.tx.Add(uint64(n)) }

// AddReceived records bytes received from the destination.
func (t *Tunnel) AddReceived(n int) { t.rx.Add(uint64(n)) }

func (t *Tunnel) BytesTransmitted() uint64 { return t.tx.Load() }
func (t *Tunnel) BytesReceived() uint64    { return t.rx.Load() }

// AttachSession makes snapshots report the relay session behind the tunnel.
// It must be called before Register.
func (t *Tunnel) AttachSession(stats func() relay.SessionStats) { t.session = stats }

// Cancel stops the tunnel's pump. Safe to call more than once.
func (t *Tunnel) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Snapshot is a serializable view of a tunnel.
type Snapshot struct {
	ID               string    `json:"id"`
	Destination      string    `json:"destination"`
	Project          string    `json:"project"`
	Zone             string    `json:"zone"`
	Instance         string    `json:"instance"`
	Port             int       `json:"port"`
	LocalPort        int       `json:"local_port"`
	Peer             string    `json:"peer"`
	Opened           time.Time `json:"opened"`
	BytesTransmitted uint64    `json:"bytes_transmitted"`
	BytesReceived    uint64    `json:"bytes_received"`
	SID              string    `json:"sid,omitempty"`
	SessionState     string    `json:"session_state,omitempty"`
	Reconnects       int       `json:"reconnects"`
}

func (t *Tunnel) Snapshot() Snapshot {
	s := Snapshot{
		ID:               t.ID,
		Destination:      t.Destination.String(),
		Project:          t.Destination.Project,
		Zone:             t.Destination.Zone,
		Instance:         t.Destination.Instance,
		Port:             t.Destination.Port,
		LocalPort:        t.LocalPort,
		Peer:             t.Peer,
		Opened:           t.Opened,
		BytesTransmitted: t.BytesTransmitted(),
		BytesReceived:    t.BytesReceived(),
	}
	if t.session != nil {
		st := t.session()
		s.SID = st.SID
		s.SessionState = st.State.String()
		s.Reconnects = st.Reconnects
	}
	return s
}

// EventKind classifies registry events.
type EventKind int

const (
	Opened EventKind = iota + 1
	Closed
	Disconnected
)

func (k EventKind) String() string {
	switch k {
	case Opened:
		return "opened"
	case Closed:
		return "closed"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *EventKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "opened":
		*k = Opened
	case "closed":
		*k = Closed
	case "disconnected":
		*k = Disconnected
	default:
		return fmt.Errorf("unknown event kind %q", b)
	}
	return nil
}

// Event reports a tunnel lifecycle change.
type Event struct {
	Kind   EventKind `json:"kind"`
	Tunnel Snapshot  `json:"tunnel"`
	At     time.Time `json:"at"`
}

// Stats aggregates registry counters.
type Stats struct {
	Open             int    `json:"open"`
	Opened           uint64 `json:"opened"`
	Closed           uint64 `json:"closed"`
	Disconnected     uint64 `json:"disconnected"`
	BytesTransmitted uint64 `json:"bytes_transmitted"`
	BytesReceived    uint64 `json:"bytes_received"`
	DroppedEvents    uint64 `json:"dropped_events"`
}

// Registry is the set of open tunnels. Its lock is never held across I/O.
type Registry struct {
	mu      sync.Mutex
	tunnels map[string]*Tunnel
	subs    map[int]chan Event
	nextSub int

	opened       uint64
	closed       uint64
	disconnected uint64
	// bytes of tunnels already unregistered
	doneTx, doneRx uint64
	dropped        uint64
}

func New() *Registry {
	return &Registry{
		tunnels: make(map[string]*Tunnel),
		subs:    make(map[int]chan Event),
	}
}

// Register adds t and publishes an Opened event.
func (r *Registry) Register(t *Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tunnels[t.ID]; ok {
		return fmt.Errorf("tunnel %s already registered", t.ID)
	}
	r.tunnels[t.ID] = t
	r.opened++
	obs.ActiveTunnels.Set(float64(len(r.tunnels)))
	r.publishLocked(Event{Kind: Opened, Tunnel: t.Snapshot(), At: time.Now()})
	return nil
}

// Unregister removes t. Tunnels removed by DisconnectByDestination publish
// Disconnected; all others publish Closed. Unknown tunnels are ignored.
func (r *Registry) Unregister(t *Tunnel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tunnels[t.ID]; !ok {
		return
	}
	delete(r.tunnels, t.ID)
	r.doneTx += t.BytesTransmitted()
	r.doneRx += t.BytesReceived()
	kind := Closed
	if t.disconnected.Load() {
		kind = Disconnected
		r.disconnected++
	} else {
		r.closed++
	}
	obs.ActiveTunnels.Set(float64(len(r.tunnels)))
	r.publishLocked(Event{Kind: kind, Tunnel: t.Snapshot(), At: time.Now()})
}

// Get returns the open tunnel with id, or nil.
func (r *Registry) Get(id string) *Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tunnels[id]
}

// ListOpen returns the open tunnels ordered by open time.
func (r *Registry) ListOpen() []*Tunnel {
	r.mu.Lock()
	out := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b *Tunnel) int {
		if c := a.Opened.Compare(b.Opened); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Snapshots returns ListOpen as serializable values.
func (r *Registry) Snapshots() []Snapshot {
	open := r.ListOpen()
	out := make([]Snapshot, len(open))
	for i, t := range open {
		out[i] = t.Snapshot()
	}
	return out
}

// DisconnectByDestination cancels every open tunnel to dest and returns how
// many were cancelled. No match is not an error.
func (r *Registry) DisconnectByDestination(dest relay.Destination) int {
	r.mu.Lock()
	var matched []*Tunnel
	for _, t := range r.tunnels {
		if t.Destination == dest {
			matched = append(matched, t)
		}
	}
	r.mu.Unlock()
	for _, t := range matched {
		r.disconnect(t)
	}
	if len(matched) > 0 {
		obs.Info("registry.disconnect", obs.Fields{"destination": dest.String(), "tunnels": len(matched)})
	}
	return len(matched)
}

// Disconnect cancels the tunnel with id. It reports whether one was found.
func (r *Registry) Disconnect(id string) bool {
	t := r.Get(id)
	if t == nil {
		return false
	}
	r.disconnect(t)
	return true
}

// disconnect cancels t and removes it. The pump's own Unregister then finds
// nothing to do.
func (r *Registry) disconnect(t *Tunnel) {
	t.disconnected.Store(true)
	t.Cancel()
	r.Unregister(t)
}

// Subscribe returns a channel of events with the given buffer and a function
// that cancels the subscription. Events are dropped for subscribers whose
// buffer is full.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) publishLocked(e Event) {
	for _, ch := range r.subs {
		select {
		case ch <- e:
		default:
			r.dropped++
		}
	}
}

// Stats returns aggregate counters over open and finished tunnels.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		Open:             len(r.tunnels),
		Opened:           r.opened,
		Closed:           r.closed,
		Disconnected:     r.disconnected,
		BytesTransmitted: r.doneTx,
		BytesReceived:    r.doneRx,
		DroppedEvents:    r.dropped,
	}
	for _, t := range r.tunnels {
		s.BytesTransmitted += t.BytesTransmitted()
		s.BytesReceived += t.BytesReceived()
	}
	return s
}
