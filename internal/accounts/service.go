// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package accounts

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/preforkd/preforkd/internal/app"
	"github.com/preforkd/preforkd/internal/logging"
	"github.com/preforkd/preforkd/internal/middleware"
)

// Config holds the account application's settings.
type Config struct {
	// StorePath is the Badger database directory. Empty means an
	// in-memory store.
	StorePath string

	// RateLimitRequests per RateLimitWindow per client IP. Zero disables
	// rate limiting.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// CORSOrigins lists allowed origins. Empty disables CORS headers.
	CORSOrigins []string
}

// Service is the accounts application. It satisfies app.Application through
// the handler adapter returned by New.
type Service struct {
	cfg   Config
	store Store
	log   zerolog.Logger

	initOnce sync.Once
	initErr  error
}

// New builds the accounts application. The store opens lazily on Init, once,
// no matter how many workers initialize the application.
func New(cfg Config) *Service {
	return &Service{
		cfg: cfg,
		log: logging.With().Str("app", "accounts").Logger(),
	}
}

// App wraps the service for the worker pool.
func (s *Service) App() app.Application {
	return app.NewHandlerAdapter("accounts", s.router(),
		app.WithInit(s.init),
		app.WithClose(s.close),
	)
}

func (s *Service) init(ctx context.Context) error {
	s.initOnce.Do(func() {
		var err error
		if s.cfg.StorePath == "" {
			s.store, err = NewInMemoryStore()
		} else {
			s.store, err = NewBadgerStore(s.cfg.StorePath)
		}
		if err != nil {
			s.initErr = err
			return
		}
		s.log.Info().Str("path", s.cfg.StorePath).Msg("Account store opened")
	})
	return s.initErr
}

func (s *Service) close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

// Store exposes the underlying store after Init, for maintenance tasks like
// the Badger GC service.
func (s *Service) Store() Store {
	return s.store
}

// RunGC runs one round of store garbage collection. Initializes the store
// first if no worker has yet; init is once-guarded, so this is safe from any
// goroutine.
func (s *Service) RunGC() error {
	if err := s.init(context.Background()); err != nil {
		return err
	}
	if gc, ok := s.store.(interface{ RunGC() error }); ok {
		return gc.RunGC()
	}
	return nil
}

func (s *Service) router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog)

	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	if s.cfg.RateLimitRequests > 0 {
		window := s.cfg.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		r.Use(httprate.LimitByIP(s.cfg.RateLimitRequests, window))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/", s.handleIndex)
	r.Route("/accounts", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
	})

	return r
}
