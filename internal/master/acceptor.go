// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package master

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/preforkd/preforkd/internal/logging"
	"github.com/preforkd/preforkd/internal/metrics"
)

// Acceptor owns the single listening socket and feeds admitted connections
// to whichever worker asks next. The hand-off channel is unbuffered, so a
// connection is only taken off the socket when some worker is ready for it.
//
// Admission control replaces the kernel backlog knob: once the active
// connection count reaches capacity, new connections are closed immediately
// instead of queueing behind a saturated pool.
type Acceptor struct {
	listener net.Listener
	conns    chan net.Conn
	capacity int64
	active   atomic.Int64
	log      zerolog.Logger
}

// NewAcceptor wraps an already-bound listener. capacity <= 0 disables the
// admission cap.
func NewAcceptor(ln net.Listener, capacity int) *Acceptor {
	return &Acceptor{
		listener: ln,
		conns:    make(chan net.Conn),
		capacity: int64(capacity),
		log:      logging.With().Str("component", "acceptor").Logger(),
	}
}

// Run accepts until the listener closes or ctx is cancelled. The listener is
// closed on the way out; connections are never accepted past shutdown.
func (a *Acceptor) Run(ctx context.Context) error {
	defer a.listener.Close()

	go func() {
		<-ctx.Done()
		a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				a.log.Warn().Err(err).Msg("Transient accept error")
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}

		if a.capacity > 0 && a.active.Load() >= a.capacity {
			metrics.ConnectionsRejectedTotal.Inc()
			a.log.Warn().
				Str("remote", conn.RemoteAddr().String()).
				Int64("capacity", a.capacity).
				Msg("Connection refused, admission cap reached")
			conn.Close()
			continue
		}

		a.active.Add(1)
		metrics.TrackConnection(true)
		tracked := &trackedConn{Conn: conn, release: a.release}

		select {
		case a.conns <- tracked:
		case <-ctx.Done():
			tracked.Close()
			return nil
		}
	}
}

// Next implements worker.ConnSource.
func (a *Acceptor) Next(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-a.conns:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Active returns the number of admitted, not yet closed connections.
func (a *Acceptor) Active() int64 {
	return a.active.Load()
}

func (a *Acceptor) release() {
	a.active.Add(-1)
	metrics.TrackConnection(false)
}

// trackedConn decrements the admission count exactly once on Close.
type trackedConn struct {
	net.Conn
	release  func()
	released atomic.Bool
}

func (c *trackedConn) Close() error {
	if c.released.CompareAndSwap(false, true) {
		defer c.release()
	}
	return c.Conn.Close()
}
