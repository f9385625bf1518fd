// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

// Package master runs the pre-fork pool: it owns the listening socket, the
// worker table and the respawn policy. Workers report readiness, heartbeats
// and exits over channels; the master is the only goroutine that mutates the
// table, so the run loop needs no locking.
package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/preforkd/preforkd/internal/app"
	"github.com/preforkd/preforkd/internal/events"
	"github.com/preforkd/preforkd/internal/logging"
	"github.com/preforkd/preforkd/internal/metrics"
	"github.com/preforkd/preforkd/internal/worker"
)

// ErrRespawnThrottled is returned by Run when worker crashes exhaust the
// respawn budget. It is fatal: the process must exit non-zero rather than
// flap forever.
var ErrRespawnThrottled = errors.New("worker respawn budget exhausted")

// Config holds the pool parameters. Validation happens in the configuration
// layer before a Master is built.
type Config struct {
	WorkerCount int

	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	RequestTimeout   time.Duration
	KeepAliveTimeout time.Duration
	MaxConnections   int

	StartupTimeout  time.Duration
	GracefulTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatMisses   int

	RespawnMax    int
	RespawnWindow time.Duration
}

// runner is the master's view of a worker.
type runner interface {
	Run(ctx context.Context) error
	OpenGate()
	Drain()
	State() worker.State
}

type workerFactory func(cfg worker.Config, source worker.ConnSource, application app.Application, heartbeats chan<- worker.Heartbeat, ready chan<- worker.Ready) runner

// WorkerInfo is a point-in-time view of one worker, for the admin surface.
type WorkerInfo struct {
	ID            int       `json:"id"`
	Generation    int       `json:"generation"`
	State         string    `json:"state"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
}

type exitNotice struct {
	id  int
	err error
}

type handle struct {
	id         int
	generation int
	w          runner
	cancel     context.CancelFunc
	serving    bool
	lastBeat   time.Time
	retiring   bool
	condemned  bool
}

// Master supervises the worker pool over one listening socket.
type Master struct {
	cfg         Config
	listener    net.Listener
	application app.Application
	bus         *events.Bus
	acceptor    *Acceptor
	throttle    *Throttle

	heartbeats chan worker.Heartbeat
	readiness  chan worker.Ready
	exits      chan exitNotice
	reloads    chan chan error
	snapshots  chan chan []WorkerInfo
	done       chan struct{}

	newWorker workerFactory

	generation int
	nextID     int
	handles    map[int]*handle

	log zerolog.Logger
}

// New creates a Master over an already-bound listener. The bus may be nil;
// lifecycle events are then dropped.
func New(cfg Config, ln net.Listener, application app.Application, bus *events.Bus) *Master {
	return &Master{
		cfg:         cfg,
		listener:    ln,
		application: application,
		bus:         bus,
		throttle:    NewThrottle(cfg.RespawnMax, cfg.RespawnWindow),
		heartbeats:  make(chan worker.Heartbeat, 4*cfg.WorkerCount+16),
		readiness:   make(chan worker.Ready, 2*cfg.WorkerCount+4),
		exits:       make(chan exitNotice, 2*cfg.WorkerCount+4),
		reloads:     make(chan chan error),
		snapshots:   make(chan chan []WorkerInfo),
		done:        make(chan struct{}),
		newWorker: func(cfg worker.Config, source worker.ConnSource, application app.Application, heartbeats chan<- worker.Heartbeat, ready chan<- worker.Ready) runner {
			return worker.New(cfg, source, application, heartbeats, ready)
		},
		nextID:  1,
		handles: make(map[int]*handle),
		log:     logging.With().Str("component", "master").Logger(),
	}
}

// Run starts the pool and supervises it until ctx is cancelled (graceful
// shutdown, nil return) or a fatal condition occurs. No connection is
// accepted before every worker of the first generation is SERVING.
func (m *Master) Run(ctx context.Context) error {
	defer close(m.done)

	m.acceptor = NewAcceptor(m.listener, m.cfg.MaxConnections)
	acceptorCtx, stopAcceptor := context.WithCancel(context.Background())
	defer stopAcceptor()
	acceptorDone := make(chan error, 1)
	go func() { acceptorDone <- m.acceptor.Run(acceptorCtx) }()

	m.publish(events.Event{Kind: events.KindMasterStart})
	m.log.Info().
		Int("workers", m.cfg.WorkerCount).
		Str("addr", m.listener.Addr().String()).
		Msg("Starting worker pool")

	m.generation = 1
	if err := m.startGeneration(ctx, m.generation); err != nil {
		stopAcceptor()
		m.retireAll()
		m.awaitExits(m.cfg.GracefulTimeout)
		return fmt.Errorf("start worker pool: %w", err)
	}
	m.openGates(m.generation)
	m.log.Info().Int("generation", m.generation).Msg("Worker pool serving")

	monitor := time.NewTicker(m.cfg.HeartbeatInterval)
	defer monitor.Stop()

	for {
		select {
		case <-ctx.Done():
			stopAcceptor()
			m.shutdown()
			return nil

		case err := <-acceptorDone:
			m.retireAll()
			m.awaitExits(m.cfg.GracefulTimeout)
			if err == nil {
				err = errors.New("listener closed")
			}
			return fmt.Errorf("acceptor: %w", err)

		case hb := <-m.heartbeats:
			m.noteHeartbeat(hb)

		case r := <-m.readiness:
			m.noteReady(r)

		case e := <-m.exits:
			if fatal := m.handleExit(ctx, e); fatal != nil {
				stopAcceptor()
				return fatal
			}

		case reply := <-m.reloads:
			reply <- m.reload(ctx)

		case reply := <-m.snapshots:
			reply <- m.snapshot()

		case <-monitor.C:
			m.checkHeartbeats()
		}
	}
}

// Reload performs a rolling restart: a fresh worker generation starts, the
// old generation drains, and only then does the new one accept. Blocks until
// the handoff completes or fails.
func (m *Master) Reload() error {
	reply := make(chan error, 1)
	select {
	case m.reloads <- reply:
		return <-reply
	case <-m.done:
		return errors.New("master not running")
	}
}

// Snapshot returns the current worker table for the admin surface.
func (m *Master) Snapshot() []WorkerInfo {
	reply := make(chan []WorkerInfo, 1)
	select {
	case m.snapshots <- reply:
		return <-reply
	case <-m.done:
		return nil
	}
}

// startGeneration spawns a full generation and waits for every worker to
// report ready. Gates stay closed; the caller opens them.
func (m *Master) startGeneration(ctx context.Context, gen int) error {
	for i := 0; i < m.cfg.WorkerCount; i++ {
		m.spawnWorker(ctx, gen)
	}

	timer := time.NewTimer(m.cfg.StartupTimeout)
	defer timer.Stop()

	ready := 0
	for ready < m.cfg.WorkerCount {
		select {
		case r := <-m.readiness:
			if r.Generation == gen {
				ready++
			}
		case e := <-m.exits:
			h := m.handles[e.id]
			delete(m.handles, e.id)
			if h != nil && h.generation == gen {
				return fmt.Errorf("worker %d died during startup: %w", e.id, exitCause(e, h))
			}
		case reply := <-m.snapshots:
			reply <- m.snapshot()
		case reply := <-m.reloads:
			reply <- errors.New("generation start in progress")
		case <-timer.C:
			return fmt.Errorf("%d of %d workers ready within %s", ready, m.cfg.WorkerCount, m.cfg.StartupTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Master) spawnWorker(ctx context.Context, gen int) *handle {
	id := m.nextID
	m.nextID++

	wcfg := worker.Config{
		ID:                id,
		Generation:        gen,
		ReadTimeout:       m.cfg.ReadTimeout,
		WriteTimeout:      m.cfg.WriteTimeout,
		RequestTimeout:    m.cfg.RequestTimeout,
		KeepAliveTimeout:  m.cfg.KeepAliveTimeout,
		HeartbeatInterval: m.cfg.HeartbeatInterval,
	}

	wctx, cancel := context.WithCancel(ctx)
	w := m.newWorker(wcfg, m.acceptor, m.application, m.heartbeats, m.readiness)
	h := &handle{id: id, generation: gen, w: w, cancel: cancel}
	m.handles[id] = h

	go func() {
		m.exits <- exitNotice{id: id, err: w.Run(wctx)}
	}()

	m.publish(events.Event{Kind: events.KindWorkerSpawn, WorkerID: id, Generation: gen})
	m.log.Debug().Int("worker", id).Int("generation", gen).Msg("Spawned worker")
	return h
}

// openGates releases a ready generation into SERVING.
func (m *Master) openGates(gen int) {
	now := time.Now()
	for _, h := range m.handles {
		if h.generation != gen || h.serving {
			continue
		}
		h.w.OpenGate()
		h.serving = true
		h.lastBeat = now
		m.publish(events.Event{Kind: events.KindWorkerReady, WorkerID: h.id, Generation: gen})
	}
	m.setServingGauge(gen)
}

func (m *Master) noteHeartbeat(hb worker.Heartbeat) {
	if h, ok := m.handles[hb.WorkerID]; ok {
		h.lastBeat = hb.At
	}
}

// noteReady handles readiness outside a generation barrier, which means a
// respawned replacement. It goes straight into SERVING.
func (m *Master) noteReady(r worker.Ready) {
	h, ok := m.handles[r.WorkerID]
	if !ok || h.serving || h.retiring {
		return
	}
	h.w.OpenGate()
	h.serving = true
	h.lastBeat = time.Now()
	m.publish(events.Event{Kind: events.KindWorkerReady, WorkerID: h.id, Generation: h.generation})
	m.setServingGauge(h.generation)
	m.log.Info().Int("worker", h.id).Int("generation", h.generation).Msg("Replacement worker serving")
}

// handleExit prunes the table and respawns after an unexpected death. The
// returned error, if any, is fatal for the whole master.
func (m *Master) handleExit(ctx context.Context, e exitNotice) error {
	h, ok := m.handles[e.id]
	if !ok {
		return nil
	}
	delete(m.handles, e.id)
	h.cancel()

	if h.retiring {
		return nil
	}
	if h.serving {
		m.setServingGauge(h.generation)
	}

	cause := exitCause(e, h)
	m.publish(events.Event{
		Kind:       events.KindWorkerCrash,
		WorkerID:   h.id,
		Generation: h.generation,
		Error:      cause.Error(),
	})
	m.log.Error().Err(cause).
		Int("worker", h.id).
		Int("generation", h.generation).
		Msg("Worker died unexpectedly")

	if !m.throttle.Allow() {
		m.publish(events.Event{Kind: events.KindRespawnThrottled, Generation: h.generation})
		m.log.Error().
			Int("respawns", m.throttle.Count()).
			Dur("window", m.cfg.RespawnWindow).
			Msg("Respawn budget exhausted, stopping")
		m.retireAll()
		m.awaitExits(m.cfg.GracefulTimeout)
		return ErrRespawnThrottled
	}

	m.spawnWorker(ctx, h.generation)
	return nil
}

// checkHeartbeats condemns workers whose heartbeats went silent. The exit
// path then handles them like any other crash.
func (m *Master) checkHeartbeats() {
	limit := time.Duration(m.cfg.HeartbeatMisses) * m.cfg.HeartbeatInterval
	now := time.Now()
	for _, h := range m.handles {
		if !h.serving || h.retiring || h.condemned {
			continue
		}
		if now.Sub(h.lastBeat) <= limit {
			continue
		}
		h.condemned = true
		m.log.Warn().
			Int("worker", h.id).
			Int("generation", h.generation).
			Time("last_heartbeat", h.lastBeat).
			Msg("Worker unresponsive, terminating")
		h.cancel()
	}
}

// reload rolls the pool to a fresh generation. The old generation keeps
// serving while the new one starts; acceptance hands over only after every
// new worker is ready, and never overlaps.
func (m *Master) reload(ctx context.Context) error {
	oldGen := m.generation
	newGen := oldGen + 1

	m.publish(events.Event{Kind: events.KindReloadBegin, Generation: newGen})
	m.log.Info().Int("generation", newGen).Msg("Rolling restart begun")

	for i := 0; i < m.cfg.WorkerCount; i++ {
		m.spawnWorker(ctx, newGen)
	}

	timer := time.NewTimer(m.cfg.StartupTimeout)
	defer timer.Stop()

	ready := 0
	for ready < m.cfg.WorkerCount {
		select {
		case r := <-m.readiness:
			if r.Generation == newGen {
				ready++
			} else {
				m.noteReady(r)
			}
		case hb := <-m.heartbeats:
			m.noteHeartbeat(hb)
		case e := <-m.exits:
			h := m.handles[e.id]
			if h != nil && h.generation == newGen && !h.retiring {
				m.abortGeneration(newGen)
				return fmt.Errorf("rolling restart aborted, worker %d failed: %w", e.id, exitCause(e, h))
			}
			delete(m.handles, e.id)
		case reply := <-m.snapshots:
			reply <- m.snapshot()
		case reply := <-m.reloads:
			reply <- errors.New("rolling restart already in progress")
		case <-timer.C:
			m.abortGeneration(newGen)
			return fmt.Errorf("rolling restart aborted, generation %d not ready within %s", newGen, m.cfg.StartupTimeout)
		case <-ctx.Done():
			m.abortGeneration(newGen)
			return ctx.Err()
		}
	}

	// Handoff: the old generation stops taking connections before the new
	// one starts. In-flight requests on old workers still finish.
	for _, h := range m.handles {
		if h.generation == oldGen {
			h.retiring = true
			h.w.Drain()
		}
	}
	m.openGates(newGen)
	m.generation = newGen
	metrics.DropGeneration(oldGen)

	m.publish(events.Event{Kind: events.KindReloadComplete, Generation: newGen})
	m.log.Info().Int("generation", newGen).Msg("Rolling restart complete")
	return nil
}

// abortGeneration cancels a partially started generation. Exits drain
// through the normal paths and are ignored because the handles retire.
func (m *Master) abortGeneration(gen int) {
	for _, h := range m.handles {
		if h.generation == gen {
			h.retiring = true
			h.cancel()
		}
	}
}

// shutdown drains every worker and waits out the grace period.
func (m *Master) shutdown() {
	m.publish(events.Event{Kind: events.KindShutdownBegin, Generation: m.generation})
	m.log.Info().Dur("grace", m.cfg.GracefulTimeout).Msg("Shutting down worker pool")

	m.retireAll()
	m.awaitExits(m.cfg.GracefulTimeout)
	metrics.DropGeneration(m.generation)

	m.publish(events.Event{Kind: events.KindShutdownComplete, Generation: m.generation})
	m.log.Info().Msg("Worker pool stopped")
}

func (m *Master) retireAll() {
	for _, h := range m.handles {
		h.retiring = true
		h.w.Drain()
	}
}

// awaitExits collects worker exits until the table empties. Workers still
// alive past the grace period are force-cancelled and given one more second.
func (m *Master) awaitExits(grace time.Duration) {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	forced := false
	for len(m.handles) > 0 {
		select {
		case e := <-m.exits:
			if h, ok := m.handles[e.id]; ok {
				h.cancel()
				delete(m.handles, e.id)
			}
		case <-m.heartbeats:
		case <-m.readiness:
		case <-deadline.C:
			if forced {
				m.log.Error().Int("workers", len(m.handles)).Msg("Workers did not exit after force cancel")
				return
			}
			m.log.Warn().Int("workers", len(m.handles)).Msg("Grace period expired, force cancelling workers")
			for _, h := range m.handles {
				h.cancel()
			}
			forced = true
			deadline.Reset(time.Second)
		}
	}
}

func (m *Master) snapshot() []WorkerInfo {
	infos := make([]WorkerInfo, 0, len(m.handles))
	for _, h := range m.handles {
		infos = append(infos, WorkerInfo{
			ID:            h.id,
			Generation:    h.generation,
			State:         h.w.State().String(),
			LastHeartbeat: h.lastBeat,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (m *Master) setServingGauge(gen int) {
	count := 0
	for _, h := range m.handles {
		if h.generation == gen && h.serving && !h.retiring {
			count++
		}
	}
	metrics.SetWorkersServing(gen, count)
}

func (m *Master) publish(evt events.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(evt); err != nil {
		m.log.Warn().Err(err).Str("kind", string(evt.Kind)).Msg("Failed to publish lifecycle event")
	}
}

func exitCause(e exitNotice, h *handle) error {
	if e.err != nil {
		return e.err
	}
	if h.condemned {
		return errors.New("heartbeats stopped")
	}
	return errors.New("worker exited unexpectedly")
}
