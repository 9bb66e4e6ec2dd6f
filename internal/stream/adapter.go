// Package stream adapts a relay session, which only accepts reads of at least
// proto.MinReadSize and writes of at most proto.MaxWriteSize, to callers that
// use arbitrary buffer sizes.
package stream

import (
	"errors"
	"io"
	"sync"

	"github.com/matst80/iaptunnel/internal/proto"
)

// MaxReadAhead caps the internal read-ahead buffer.
const MaxReadAhead = 1 << 20

// ErrClosed is returned by operations on a closed Adapter.
var ErrClosed = errors.New("stream adapter closed")

// Adapter is an io.ReadWriteCloser over a size-constrained session. It is
// safe for one reader and one writer to use concurrently.
type Adapter struct {
	s        io.ReadWriteCloser
	minRead  int
	maxWrite int

	readMu  sync.Mutex
	buf     []byte
	pending []byte
	rerr    error

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	mu        sync.Mutex
	closed    bool
}

// New wraps s with the relay's size limits.
func New(s io.ReadWriteCloser) *Adapter {
	return NewWithLimits(s, proto.MinReadSize, proto.MaxWriteSize)
}

// NewWithLimits wraps s with explicit limits. minRead is capped at MaxReadAhead.
func NewWithLimits(s io.ReadWriteCloser, minRead, maxWrite int) *Adapter {
	if minRead < 1 {
		minRead = 1
	}
	if minRead > MaxReadAhead {
		minRead = MaxReadAhead
	}
	if maxWrite < 1 {
		maxWrite = 1
	}
	return &Adapter{s: s, minRead: minRead, maxWrite: maxWrite}
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Read serves residual read-ahead bytes first. Requests smaller than the
// session minimum are satisfied from one full-size physical read.
func (a *Adapter) Read(p []byte) (int, error) {
	a.readMu.Lock()
	defer a.readMu.Unlock()

	if len(a.pending) > 0 {
		n := copy(p, a.pending)
		a.pending = a.pending[n:]
		return n, nil
	}
	if a.rerr != nil {
		return 0, a.rerr
	}
	if a.isClosed() {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) >= a.minRead {
		n, err := a.s.Read(p)
		return a.physical(n, err)
	}

	if a.buf == nil {
		a.buf = make([]byte, a.minRead)
	}
	n, err := a.s.Read(a.buf)
	if n == 0 {
		return a.physical(0, err)
	}
	k := copy(p, a.buf[:n])
	a.pending = a.buf[k:n]
	if err != nil {
		// Deliver buffered bytes before the error.
		a.rerr = err
	}
	return k, nil
}

func (a *Adapter) physical(n int, err error) (int, error) {
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

// Write splits p into chunks no larger than the session maximum, writing
// each in order.
func (a *Adapter) Write(p []byte) (int, error) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if a.isClosed() {
		return 0, ErrClosed
	}
	written := 0
	for written < len(p) {
		chunk := p[written:min(written+a.maxWrite, len(p))]
		n, err := a.s.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		if n < len(chunk) {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// Close closes the session and releases the read-ahead buffer.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		a.closeErr = a.s.Close()

		a.readMu.Lock()
		a.buf = nil
		a.pending = nil
		a.readMu.Unlock()
	})
	return a.closeErr
}
