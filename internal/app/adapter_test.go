// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerAdapterRecordsResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, "short and stout")
	})

	a := NewHandlerAdapter("test", handler)
	req := httptest.NewRequest(http.MethodGet, "/teapot", nil)

	resp, err := a.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTeapot)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", got)
	}
	if string(resp.Body) != "short and stout" {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestHandlerAdapterImplicitOK(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})

	a := NewHandlerAdapter("test", handler)
	resp, err := a.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandlerAdapterRecoversPanic(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	a := NewHandlerAdapter("test", handler)
	resp, err := a.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	if resp != nil {
		t.Errorf("expected nil response on panic, got %+v", resp)
	}

	var appErr *ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *ApplicationError, got %T: %v", err, err)
	}
	if !strings.Contains(appErr.Error(), "boom") {
		t.Errorf("error %q does not mention panic value", appErr)
	}
}

func TestHandlerAdapterPropagatesContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "present")

	var seen any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Context().Value(key{})
	})

	a := NewHandlerAdapter("test", handler)
	if _, err := a.Handle(ctx, httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if seen != "present" {
		t.Errorf("handler did not see adapter context, got %v", seen)
	}
}

func TestHandlerAdapterInitClose(t *testing.T) {
	initCalls, closeCalls := 0, 0
	a := NewHandlerAdapter("test",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
		WithInit(func(ctx context.Context) error { initCalls++; return nil }),
		WithClose(func() error { closeCalls++; return nil }),
	)

	var ini Initializer = a
	var clo Closer = a

	if err := ini.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if err := clo.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if initCalls != 1 || closeCalls != 1 {
		t.Errorf("init/close calls = %d/%d, want 1/1", initCalls, closeCalls)
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	a := NewHandlerAdapter("accounts", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	reg.Register(a)

	got, err := reg.Resolve("accounts")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got != a {
		t.Error("Resolve returned a different application")
	}

	if _, err := reg.Resolve("missing"); err == nil {
		t.Error("expected error for unknown application")
	} else if !strings.Contains(err.Error(), "accounts") {
		t.Errorf("error %q should list registered names", err)
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	a := NewHandlerAdapter("dup", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	reg.Register(a)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	reg.Register(a)
}
