// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

// Package worker implements one serving unit of the pre-fork pool.
//
// A worker moves through STARTING -> SERVING -> (DRAINING | DEAD). While
// SERVING it is synchronous: one connection's request is fully handled
// before the next connection is taken. Parallelism comes from the pool, not
// from the worker. All suspension points (accept, read, write, application
// handling) are bounded by configured timeouts.
//
// Workers never touch the master's worker table. Readiness, heartbeats and
// exit status flow upward through channels; the drain signal and the accept
// gate flow downward.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/preforkd/preforkd/internal/app"
	"github.com/preforkd/preforkd/internal/logging"
	"github.com/preforkd/preforkd/internal/metrics"
)

// State is a worker lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateServing
	StateDraining
	StateDead
)

// String returns the state name used in logs and the admin surface.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateServing:
		return "SERVING"
	case StateDraining:
		return "DRAINING"
	case StateDead:
		return "DEAD"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Heartbeat is the periodic liveness signal a SERVING worker emits.
type Heartbeat struct {
	WorkerID   int
	Generation int
	At         time.Time
}

// Ready reports that a worker finished STARTING and is waiting at its gate.
type Ready struct {
	WorkerID   int
	Generation int
}

// ConnSource hands out admitted connections from the shared listening
// socket. Next blocks until a connection is available or ctx is cancelled.
type ConnSource interface {
	Next(ctx context.Context) (net.Conn, error)
}

// Config holds per-worker parameters. All durations must be positive; the
// configuration surface validates them before any worker is spawned.
type Config struct {
	ID         int
	Generation int

	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	RequestTimeout    time.Duration
	KeepAliveTimeout  time.Duration
	HeartbeatInterval time.Duration
}

// Worker is one serving unit. Create with New, run with Run.
type Worker struct {
	cfg    Config
	source ConnSource
	app    app.Application

	gate      chan struct{}
	drain     chan struct{}
	drainOnce func()
	gateOnce  func()

	heartbeats chan<- Heartbeat
	ready      chan<- Ready

	state atomic.Int32
	log   zerolog.Logger
}

// New creates a worker. The heartbeat and ready channels are owned by the
// master; the worker only sends.
func New(cfg Config, source ConnSource, application app.Application, heartbeats chan<- Heartbeat, ready chan<- Ready) *Worker {
	w := &Worker{
		cfg:        cfg,
		source:     source,
		app:        application,
		gate:       make(chan struct{}),
		drain:      make(chan struct{}),
		heartbeats: heartbeats,
		ready:      ready,
		log: logging.With().
			Int("worker", cfg.ID).
			Int("generation", cfg.Generation).
			Logger(),
	}
	w.drainOnce = onceClose(w.drain)
	w.gateOnce = onceClose(w.gate)
	w.state.Store(int32(StateStarting))
	return w
}

// onceClose returns a function closing ch exactly once.
func onceClose(ch chan struct{}) func() {
	var done atomic.Bool
	return func() {
		if done.CompareAndSwap(false, true) {
			close(ch)
		}
	}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// OpenGate releases the worker into SERVING. Until the gate opens a ready
// worker does not accept; the master uses this for the startup barrier and
// for reload handoff.
func (w *Worker) OpenGate() {
	w.gateOnce()
}

// Drain asks the worker to stop accepting, finish in-flight work and exit.
// Safe to call multiple times.
func (w *Worker) Drain() {
	w.drainOnce()
}

// Run executes the worker until it drains, crashes, or ctx is cancelled.
// A nil return is an expected death (drain); an error is a crash the master
// may respawn for. Panics below the request path are converted to errors so
// a broken worker never takes the process down.
func (w *Worker) Run(ctx context.Context) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("worker %d panicked: %v", w.cfg.ID, v)
		}
		w.setState(StateDead)
	}()

	// STARTING: initialize the application unit
	if ini, ok := w.app.(app.Initializer); ok {
		if initErr := ini.Init(ctx); initErr != nil {
			return fmt.Errorf("worker %d: application init: %w", w.cfg.ID, initErr)
		}
	}

	// Report readiness and wait at the gate.
	select {
	case w.ready <- Ready{WorkerID: w.cfg.ID, Generation: w.cfg.Generation}:
	case <-ctx.Done():
		return nil
	case <-w.drain:
		return nil
	}

	select {
	case <-w.gate:
	case <-ctx.Done():
		return nil
	case <-w.drain:
		return nil
	}

	w.setState(StateServing)
	w.log.Debug().Msg("Worker serving")

	// Heartbeats run only while SERVING.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx)

	// Accept loop. Draining cancels acceptance without cancelling the
	// worker's own context.
	acceptCtx, cancelAccept := context.WithCancel(ctx)
	defer cancelAccept()
	go func() {
		select {
		case <-w.drain:
			cancelAccept()
		case <-acceptCtx.Done():
		}
	}()

	for {
		conn, acceptErr := w.source.Next(acceptCtx)
		if acceptErr != nil {
			if w.draining() {
				// Graceful stop: nothing in flight (the loop is
				// synchronous), so DRAINING completes immediately.
				w.setState(StateDraining)
				stopHeartbeat()
				return nil
			}
			if ctx.Err() != nil {
				// Force-cancelled by the master.
				return nil
			}
			return fmt.Errorf("worker %d: accept: %w", w.cfg.ID, acceptErr)
		}

		w.serveConn(ctx, conn)

		if w.draining() {
			w.setState(StateDraining)
			stopHeartbeat()
			return nil
		}
	}
}

func (w *Worker) draining() bool {
	select {
	case <-w.drain:
		return true
	default:
		return false
	}
}

// heartbeatLoop emits liveness beats on a fixed interval. Sends never block:
// a slow master misses a beat rather than stalling the worker.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.drain:
			return
		case at := <-ticker.C:
			select {
			case w.heartbeats <- Heartbeat{WorkerID: w.cfg.ID, Generation: w.cfg.Generation, At: at}:
			default:
			}
		}
	}
}

// serveConn handles one connection: a keep-alive sequence of requests, each
// fully processed before the next read. Request/response ordering within the
// connection is preserved; nothing is pipelined.
func (w *Worker) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	readTimeout := w.cfg.ReadTimeout

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		req, err := http.ReadRequest(br)
		if err != nil {
			if isExpectedReadError(err) {
				return
			}
			// Malformed request line or headers.
			w.writeError(conn, req, http.StatusBadRequest)
			return
		}

		if !w.handleRequest(ctx, conn, req) {
			return
		}
		if w.draining() {
			// Finish the in-flight request, never take another on
			// a draining worker.
			return
		}
		// Subsequent requests on the connection wait up to the idle
		// keep-alive timeout for their first byte.
		readTimeout = w.cfg.KeepAliveTimeout
	}
}

// handleRequest invokes the application with the request timeout, writes the
// response with the write timeout, and reports whether the connection may be
// reused. Per-request failures (ApplicationError, timeout) yield a 5xx and a
// closed connection; the worker itself stays SERVING.
func (w *Worker) handleRequest(ctx context.Context, conn net.Conn, req *http.Request) (keepAlive bool) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	type result struct {
		resp *app.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := w.app.Handle(reqCtx, req)
		done <- result{resp, err}
	}()

	var resp *app.Response
	failed := false

	select {
	case r := <-done:
		if r.err != nil {
			metrics.ApplicationErrorsTotal.Inc()
			w.log.Error().Err(r.err).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Msg("Application error")
			resp = internalErrorResponse()
			failed = true
		} else {
			resp = r.resp
		}
	case <-reqCtx.Done():
		// The request exceeded its budget. Abort it, answer 500, close
		// the connection. The handler goroutine is abandoned; it sees
		// the cancelled context.
		metrics.RequestTimeoutsTotal.Inc()
		w.log.Warn().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Dur("timeout", w.cfg.RequestTimeout).
			Msg("Request timed out")
		resp = internalErrorResponse()
		failed = true
	}

	// Drain any unread body so a reused connection starts clean.
	_, _ = io.Copy(io.Discard, req.Body)
	_ = req.Body.Close()

	keepAlive = !failed && req.ProtoAtLeast(1, 1) && !req.Close

	_ = conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	if err := writeResponse(conn, req, resp, !keepAlive); err != nil {
		keepAlive = false
	}

	metrics.RecordRequest(resp.StatusCode, time.Since(start))
	return keepAlive
}

// writeError answers a protocol-level error before any application call.
func (w *Worker) writeError(conn net.Conn, req *http.Request, status int) {
	_ = conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	resp := &app.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:       []byte(http.StatusText(status) + "\n"),
	}
	_ = writeResponse(conn, req, resp, true)
	metrics.RecordRequest(status, 0)
}

// writeResponse serializes an application response with HTTP/1.x framing.
func writeResponse(conn net.Conn, req *http.Request, resp *app.Response, closeConn bool) error {
	header := resp.Header
	if header == nil {
		header = make(http.Header)
	}

	httpResp := &http.Response{
		StatusCode:    resp.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
		Close:         closeConn,
	}
	return httpResp.Write(conn)
}

// internalErrorResponse is the uniform client-facing 5xx for per-request
// failures. The cause stays in the logs, never on the wire.
func internalErrorResponse() *app.Response {
	return &app.Response{
		StatusCode: http.StatusInternalServerError,
		Header:     http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:       []byte("Internal Server Error\n"),
	}
}

// isExpectedReadError reports whether a read failure is a normal end of
// connection (client closed, idle timeout) rather than a malformed request.
func isExpectedReadError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return false
}
