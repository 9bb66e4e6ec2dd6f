// Package listener accepts local TCP and SOCKS5 connections and binds each
// one to a relay session.
package listener

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/matst80/iaptunnel/internal/obs"
	"github.com/matst80/iaptunnel/internal/proto"
	"github.com/matst80/iaptunnel/internal/registry"
	"github.com/matst80/iaptunnel/internal/relay"
	"github.com/matst80/iaptunnel/internal/stream"
)

// errStreamEnded stops the pump group when one direction reaches EOF.
var errStreamEnded = errors.New("stream ended")

// pump copies bytes between local and remote until either direction ends or
// ctx is cancelled, then closes both. Counters on tun are updated by the
// copying goroutines only. It returns the first error other than a clean EOF.
func pump(ctx context.Context, local net.Conn, remote io.ReadWriteCloser, tun *registry.Tunnel) error {
	g, gctx := errgroup.WithContext(ctx)

	var once sync.Once
	closeBoth := func() { _ = local.Close(); _ = remote.Close() }

	// Unblocks both copy loops once either one finishes or ctx is cancelled.
	stopped := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
		case <-stopped:
		}
		once.Do(closeBoth)
	}()

	g.Go(func() error {
		return copyCounted(remote, local, make([]byte, 32*1024), func(n int) {
			if tun != nil {
				tun.AddTransmitted(n)
			}
			obs.BytesTransmittedTotal.Add(float64(n))
		})
	})
	g.Go(func() error {
		return copyCounted(local, remote, make([]byte, proto.MinReadSize), func(n int) {
			if tun != nil {
				tun.AddReceived(n)
			}
			obs.BytesReceivedTotal.Add(float64(n))
		})
	})
	err := g.Wait()
	close(stopped)
	once.Do(closeBoth)

	if errors.Is(err, errStreamEnded) || ctx.Err() != nil {
		return nil
	}
	return err
}

func copyCounted(dst io.Writer, src io.Reader, buf []byte, count func(int)) error {
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			if w > 0 {
				count(w)
			}
			if werr != nil {
				return closedAsEnd(werr)
			}
			if w < n {
				return io.ErrShortWrite
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return errStreamEnded
			}
			return closedAsEnd(rerr)
		}
	}
}

// closedAsEnd treats errors caused by the other direction closing the
// connection as a normal end.
func closedAsEnd(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, relay.ErrSessionClosed) || errors.Is(err, stream.ErrClosed) {
		return errStreamEnded
	}
	return err
}
