// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/preforkd/preforkd/internal/app"
)

// chanSource feeds connections to a worker from a channel.
type chanSource struct {
	ch chan net.Conn
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan net.Conn)}
}

func (s *chanSource) Next(ctx context.Context) (net.Conn, error) {
	select {
	case c := <-s.ch:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// stubApp is a scriptable application unit.
type stubApp struct {
	handle  func(ctx context.Context, r *http.Request) (*app.Response, error)
	initErr error
	inits   atomic.Int32
}

func (a *stubApp) Name() string { return "stub" }

func (a *stubApp) Init(ctx context.Context) error {
	a.inits.Add(1)
	return a.initErr
}

func (a *stubApp) Handle(ctx context.Context, r *http.Request) (*app.Response, error) {
	if a.handle != nil {
		return a.handle(ctx, r)
	}
	return &app.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       []byte("ok"),
	}, nil
}

func testConfig() Config {
	return Config{
		ID:                1,
		Generation:        1,
		ReadTimeout:       2 * time.Second,
		WriteTimeout:      2 * time.Second,
		RequestTimeout:    2 * time.Second,
		KeepAliveTimeout:  2 * time.Second,
		HeartbeatInterval: 10 * time.Millisecond,
	}
}

type runningWorker struct {
	w          *Worker
	source     *chanSource
	heartbeats chan Heartbeat
	exited     chan error
	cancel     context.CancelFunc
}

// startWorker runs a worker through STARTING, opens its gate and returns it
// SERVING.
func startWorker(t *testing.T, cfg Config, application app.Application) *runningWorker {
	t.Helper()

	source := newChanSource()
	heartbeats := make(chan Heartbeat, 64)
	ready := make(chan Ready, 1)
	w := New(cfg, source, application, heartbeats, ready)

	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan error, 1)
	go func() {
		exited <- w.Run(ctx)
	}()

	select {
	case r := <-ready:
		if r.WorkerID != cfg.ID || r.Generation != cfg.Generation {
			t.Fatalf("ready = %+v, want worker %d gen %d", r, cfg.ID, cfg.Generation)
		}
	case err := <-exited:
		t.Fatalf("worker exited before ready: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for readiness")
	}

	if got := w.State(); got != StateStarting {
		t.Fatalf("state before gate = %v, want STARTING", got)
	}

	w.OpenGate()
	waitForState(t, w, StateServing)

	rw := &runningWorker{w: w, source: source, heartbeats: heartbeats, exited: exited, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		select {
		case <-exited:
		case <-time.After(2 * time.Second):
		}
	})
	return rw
}

func waitForState(t *testing.T, w *Worker, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", w.State(), want)
}

// roundTrip sends a raw request over a fresh pipe and returns the parsed
// response and client end of the connection.
func (rw *runningWorker) roundTrip(t *testing.T, raw string) (*http.Response, net.Conn) {
	t.Helper()

	server, client := net.Pipe()
	select {
	case rw.source.ch <- server:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not take the connection")
	}

	if _, err := client.Write([]byte(raw)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return resp, client
}

func TestWorkerServesRequest(t *testing.T) {
	application := &stubApp{
		handle: func(ctx context.Context, r *http.Request) (*app.Response, error) {
			return &app.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": []string{"text/plain"}},
				Body:       []byte("hello from " + r.URL.Path),
			}, nil
		},
	}
	rw := startWorker(t, testConfig(), application)

	resp, _ := rw.roundTrip(t, "GET /greet HTTP/1.1\r\nHost: test\r\n\r\n")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello from /greet" {
		t.Errorf("body = %q", body)
	}
	if application.inits.Load() != 1 {
		t.Errorf("init calls = %d, want 1", application.inits.Load())
	}
}

func TestWorkerKeepAlive(t *testing.T) {
	var served atomic.Int32
	application := &stubApp{
		handle: func(ctx context.Context, r *http.Request) (*app.Response, error) {
			n := served.Add(1)
			return &app.Response{
				StatusCode: http.StatusOK,
				Body:       []byte(fmt.Sprintf("request %d", n)),
			}, nil
		},
	}
	rw := startWorker(t, testConfig(), application)

	server, client := net.Pipe()
	select {
	case rw.source.ch <- server:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not take the connection")
	}
	defer client.Close()

	br := bufio.NewReader(client)
	for i := 1; i <= 3; i++ {
		if _, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: test\r\n\r\n")); err != nil {
			t.Fatalf("write request %d: %v", i, err)
		}
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Fatalf("read response %d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if want := fmt.Sprintf("request %d", i); string(body) != want {
			t.Errorf("response %d body = %q, want %q", i, body, want)
		}
	}
}

func TestWorkerHTTP10ClosesConnection(t *testing.T) {
	rw := startWorker(t, testConfig(), &stubApp{})

	resp, client := rw.roundTrip(t, "GET / HTTP/1.0\r\nHost: test\r\n\r\n")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Error("connection still open after HTTP/1.0 response")
	}
}

func TestWorkerRequestTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond

	application := &stubApp{
		handle: func(ctx context.Context, r *http.Request) (*app.Response, error) {
			if r.URL.Path == "/slow" {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return &app.Response{StatusCode: http.StatusOK, Body: []byte("fast")}, nil
		},
	}
	rw := startWorker(t, cfg, application)

	resp, client := rw.roundTrip(t, "GET /slow HTTP/1.1\r\nHost: test\r\n\r\n")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// The timed-out request closes its connection.
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Error("connection still open after request timeout")
	}

	// The worker survives and keeps serving.
	if got := rw.w.State(); got != StateServing {
		t.Fatalf("state after timeout = %v, want SERVING", got)
	}
	resp2, _ := rw.roundTrip(t, "GET /fast HTTP/1.1\r\nHost: test\r\n\r\n")
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("status after timeout = %d, want 200", resp2.StatusCode)
	}
}

func TestWorkerApplicationError(t *testing.T) {
	application := &stubApp{
		handle: func(ctx context.Context, r *http.Request) (*app.Response, error) {
			return nil, &app.ApplicationError{Cause: errors.New("boom")}
		},
	}
	rw := startWorker(t, testConfig(), application)

	resp, _ := rw.roundTrip(t, "GET / HTTP/1.1\r\nHost: test\r\n\r\n")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "boom") {
		t.Errorf("error detail leaked to client: %q", body)
	}
	if got := rw.w.State(); got != StateServing {
		t.Errorf("state after application error = %v, want SERVING", got)
	}
}

func TestWorkerMalformedRequest(t *testing.T) {
	rw := startWorker(t, testConfig(), &stubApp{})

	resp, _ := rw.roundTrip(t, "NOT A REQUEST\r\n\r\n")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWorkerHeartbeats(t *testing.T) {
	rw := startWorker(t, testConfig(), &stubApp{})

	for i := 0; i < 3; i++ {
		select {
		case hb := <-rw.heartbeats:
			if hb.WorkerID != 1 || hb.Generation != 1 {
				t.Errorf("heartbeat = %+v", hb)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing heartbeat %d", i)
		}
	}
}

func TestWorkerDrain(t *testing.T) {
	rw := startWorker(t, testConfig(), &stubApp{})

	rw.w.Drain()
	select {
	case err := <-rw.exited:
		if err != nil {
			t.Errorf("drain exit = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit on drain")
	}
	if got := rw.w.State(); got != StateDead {
		t.Errorf("state after drain = %v, want DEAD", got)
	}
}

func TestWorkerDrainFinishesInFlightRequest(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	application := &stubApp{
		handle: func(ctx context.Context, r *http.Request) (*app.Response, error) {
			close(entered)
			<-release
			return &app.Response{StatusCode: http.StatusOK, Body: []byte("done")}, nil
		},
	}
	rw := startWorker(t, testConfig(), application)

	server, client := net.Pipe()
	rw.source.ch <- server
	defer client.Close()
	go client.Write([]byte("GET / HTTP/1.1\r\nHost: test\r\n\r\n"))

	<-entered
	rw.w.Drain()
	close(release)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("read response during drain: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "done" {
		t.Errorf("body = %q, want %q", body, "done")
	}

	select {
	case err := <-rw.exited:
		if err != nil {
			t.Errorf("drain exit = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after finishing in-flight request")
	}
}

func TestWorkerDrainBeforeGate(t *testing.T) {
	source := newChanSource()
	ready := make(chan Ready, 1)
	w := New(testConfig(), source, &stubApp{}, make(chan Heartbeat, 1), ready)

	exited := make(chan error, 1)
	go func() { exited <- w.Run(context.Background()) }()
	<-ready

	w.Drain()
	select {
	case err := <-exited:
		if err != nil {
			t.Errorf("exit = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit when drained before its gate opened")
	}
}

func TestWorkerInitFailure(t *testing.T) {
	application := &stubApp{initErr: errors.New("store unavailable")}
	source := newChanSource()
	w := New(testConfig(), source, application, make(chan Heartbeat, 1), make(chan Ready, 1))

	err := w.Run(context.Background())
	if err == nil {
		t.Fatal("expected init failure to surface")
	}
	if !strings.Contains(err.Error(), "store unavailable") {
		t.Errorf("err = %v", err)
	}
	if got := w.State(); got != StateDead {
		t.Errorf("state = %v, want DEAD", got)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateStarting: "STARTING",
		StateServing:  "SERVING",
		StateDraining: "DRAINING",
		StateDead:     "DEAD",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("String(%d) = %q, want %q", s, got, want)
		}
	}
}
