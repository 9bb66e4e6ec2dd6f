package listener

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/iaptunnel/internal/obs"
)

// DefaultDrainTimeout is how long Stop waits for open tunnels before
// cancelling them.
const DefaultDrainTimeout = 5 * time.Second

// acceptServer owns a listening socket and the goroutines serving it.
type acceptServer struct {
	kind   string
	ln     net.Listener
	handle func(ctx context.Context, c net.Conn)
	drain  time.Duration

	// base is the parent of every connection context; cancelled after draining.
	base       context.Context
	cancelBase context.CancelFunc

	// mu orders wg.Add against the start of draining.
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopping chan struct{}
	stopped  chan struct{}
}

func newAcceptServer(kind, addr string, drain time.Duration, handle func(context.Context, net.Conn)) (*acceptServer, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	base, cancel := context.WithCancel(context.Background())
	return &acceptServer{
		kind:       kind,
		ln:         ln,
		handle:     handle,
		drain:      drain,
		base:       base,
		cancelBase: cancel,
		stopping:   make(chan struct{}),
		stopped:    make(chan struct{}),
	}, nil
}

func (s *acceptServer) addr() net.Addr { return s.ln.Addr() }

func (s *acceptServer) port() int {
	if a, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	_, p, _ := net.SplitHostPort(s.ln.Addr().String())
	n, _ := strconv.Atoi(p)
	return n
}

// serve runs the accept loop until ctx is done or stop is called. Cancelling
// ctx drains open connections like stop does.
func (s *acceptServer) serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.stop(s.drain)
		case <-s.stopping:
		}
	}()
	obs.Info("listener.start", obs.Fields{"kind": s.kind, "addr": s.ln.Addr().String()})
	for {
		select {
		case <-s.stopping:
			return nil
		default:
		}
		c, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopping:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				obs.Error("listener.accept.timeout", obs.Fields{"kind": s.kind, "err": err})
				continue
			}
			obs.Error("listener.accept", obs.Fields{"kind": s.kind, "err": err})
			s.stop(s.drain)
			return err
		}
		if !s.track() {
			_ = c.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			s.handle(s.base, c)
		}()
	}
}

// track registers a connection unless draining has started.
func (s *acceptServer) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.wg.Add(1)
	return true
}

// stop closes the socket, lets open connections finish for up to grace, then
// cancels the rest and waits for them to exit.
func (s *acceptServer) stop(grace time.Duration) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopping)
		err = s.ln.Close()
		s.mu.Lock()
		s.draining = true
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(grace):
			obs.Info("listener.drain.timeout", obs.Fields{"kind": s.kind, "grace": grace.String()})
			s.cancelBase()
			<-done
		}
		s.cancelBase()
		obs.Info("listener.stop", obs.Fields{"kind": s.kind, "addr": s.ln.Addr().String()})
		close(s.stopped)
	})
	<-s.stopped
	return err
}
