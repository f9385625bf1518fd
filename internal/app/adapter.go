// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
)

// HandlerAdapter hosts a standard http.Handler behind the Application
// contract. Panics inside the handler are converted into ApplicationError so
// a misbehaving application takes down one request, never a worker.
type HandlerAdapter struct {
	name    string
	handler http.Handler
	init    func(ctx context.Context) error
	close   func() error
}

// Option configures a HandlerAdapter.
type Option func(*HandlerAdapter)

// WithInit attaches startup work run by each worker while STARTING.
func WithInit(init func(ctx context.Context) error) Option {
	return func(a *HandlerAdapter) { a.init = init }
}

// WithClose attaches cleanup work run once at shutdown.
func WithClose(close func() error) Option {
	return func(a *HandlerAdapter) { a.close = close }
}

// NewHandlerAdapter wraps an http.Handler as an Application.
func NewHandlerAdapter(name string, handler http.Handler, opts ...Option) *HandlerAdapter {
	a := &HandlerAdapter{name: name, handler: handler}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements Application.
func (a *HandlerAdapter) Name() string {
	return a.name
}

// Init implements Initializer.
func (a *HandlerAdapter) Init(ctx context.Context) error {
	if a.init == nil {
		return nil
	}
	return a.init(ctx)
}

// Close implements Closer.
func (a *HandlerAdapter) Close() error {
	if a.close == nil {
		return nil
	}
	return a.close()
}

// Handle implements Application. The handler runs against an in-memory
// recorder; the worker owns the wire.
func (a *HandlerAdapter) Handle(ctx context.Context, req *http.Request) (resp *Response, err error) {
	defer func() {
		if v := recover(); v != nil {
			resp = nil
			err = &ApplicationError{Cause: fmt.Errorf("panic: %v", v)}
		}
	}()

	rec := newRecorder()
	a.handler.ServeHTTP(rec, req.WithContext(ctx))
	return rec.response(), nil
}

// recorder captures a handler's response in memory.
type recorder struct {
	status      int
	header      http.Header
	body        bytes.Buffer
	wroteHeader bool
}

func newRecorder() *recorder {
	return &recorder{status: http.StatusOK, header: make(http.Header)}
}

func (r *recorder) Header() http.Header {
	return r.header
}

func (r *recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(p)
}

func (r *recorder) response() *Response {
	return &Response{
		StatusCode: r.status,
		Header:     r.header,
		Body:       r.body.Bytes(),
	}
}
