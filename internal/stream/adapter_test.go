package stream

import (
	"bytes"
	"errors"
	"io"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constrainedSession enforces read and write size limits like a relay session
// and records every physical operation.
type constrainedSession struct {
	minRead  int
	maxWrite int
	frame    int // largest chunk returned by one read

	src    *bytes.Reader
	dst    bytes.Buffer
	reads  []int
	writes []int
	closed bool
}

func (s *constrainedSession) Read(p []byte) (int, error) {
	s.reads = append(s.reads, len(p))
	if len(p) < s.minRead {
		return 0, errors.New("read below minimum")
	}
	if len(p) > s.frame {
		p = p[:s.frame]
	}
	return s.src.Read(p)
}

func (s *constrainedSession) Write(p []byte) (int, error) {
	s.writes = append(s.writes, len(p))
	if len(p) > s.maxWrite {
		return 0, errors.New("write above maximum")
	}
	return s.dst.Write(p)
}

func (s *constrainedSession) Close() error {
	s.closed = true
	return nil
}

func payload(n int) []byte {
	r := rand.New(rand.NewPCG(uint64(n), 42))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.UintN(256))
	}
	return b
}

func TestUndersizedReads(t *testing.T) {
	want := payload(10_000)
	s := &constrainedSession{minRead: 1024, maxWrite: 1024, frame: 1024, src: bytes.NewReader(want)}
	a := NewWithLimits(s, 1024, 1024)

	sizes := []int{1, 7, 100, 1023, 3, 5000}
	var got []byte
	for i := 0; ; i++ {
		buf := make([]byte, sizes[i%len(sizes)])
		n, err := a.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}

	assert.Equal(t, want, got)
	for _, n := range s.reads {
		assert.GreaterOrEqual(t, n, 1024, "physical read below minimum")
	}
}

func TestResidualBytesServedFirst(t *testing.T) {
	s := &constrainedSession{minRead: 16, maxWrite: 16, frame: 16, src: bytes.NewReader([]byte("0123456789abcdef"))}
	a := NewWithLimits(s, 16, 16)

	buf := make([]byte, 4)
	n, err := a.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(buf[:n]))
	assert.Len(t, a.pending, 12)

	big := make([]byte, 32)
	n, err = a.Read(big)
	require.NoError(t, err)
	assert.Equal(t, "456789abcdef", string(big[:n]))
	assert.Len(t, s.reads, 1)

	_, err = a.Read(big)
	assert.ErrorIs(t, err, io.EOF)
}

func TestOversizedWritesAreSplit(t *testing.T) {
	for _, size := range []int{0, 1, 1024, 1025, 4096, 10_000} {
		s := &constrainedSession{maxWrite: 1024}
		a := NewWithLimits(s, 1, 1024)
		want := payload(size)

		n, err := a.Write(want)
		require.NoError(t, err)
		assert.Equal(t, size, n)
		assert.Equal(t, want, s.dst.Bytes())
		assert.Len(t, s.writes, (size+1023)/1024)
		for _, w := range s.writes {
			assert.LessOrEqual(t, w, 1024)
		}
	}
}

type failingWriter struct {
	constrainedSession
	failAfter int
}

func (f *failingWriter) Write(p []byte) (int, error) {
	if len(f.writes) == f.failAfter {
		return 0, io.ErrClosedPipe
	}
	return f.constrainedSession.Write(p)
}

func TestWriteStopsAtFirstError(t *testing.T) {
	s := &failingWriter{constrainedSession: constrainedSession{maxWrite: 10}, failAfter: 2}
	a := NewWithLimits(s, 1, 10)

	n, err := a.Write(payload(50))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, 20, n)
}

func TestReadErrorAfterBufferedBytes(t *testing.T) {
	s := &errAfterData{data: []byte("tail"), err: errors.New("reset")}
	a := NewWithLimits(s, 16, 16)

	buf := make([]byte, 2)
	n, err := a.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ta", string(buf[:n]))
	n, err = a.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "il", string(buf[:n]))
	_, err = a.Read(buf)
	assert.EqualError(t, err, "reset")
}

type errAfterData struct {
	data []byte
	err  error
}

func (e *errAfterData) Read(p []byte) (int, error)  { return copy(p, e.data), e.err }
func (e *errAfterData) Write(p []byte) (int, error) { return len(p), nil }
func (e *errAfterData) Close() error                { return nil }

func TestZeroByteReadIsEOF(t *testing.T) {
	s := &constrainedSession{minRead: 1, frame: 8, src: bytes.NewReader(nil)}
	a := NewWithLimits(s, 8, 8)

	_, err := a.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestClose(t *testing.T) {
	s := &constrainedSession{minRead: 4, frame: 4, src: bytes.NewReader([]byte("abcd"))}
	a := NewWithLimits(s, 4, 4)
	buf := make([]byte, 1)
	_, err := a.Read(buf)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.True(t, s.closed)
	assert.Empty(t, a.pending)

	_, err = a.Read(buf)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = a.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}
