// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package services

import (
	"context"
	"errors"

	"github.com/thejerf/suture/v4"

	"github.com/preforkd/preforkd/internal/master"
)

// PoolRunner is the master's lifecycle surface.
//
// Satisfied by *master.Master.
type PoolRunner interface {
	Run(ctx context.Context) error
}

// MasterService wraps the worker pool master as a supervised service.
//
// Most master failures are worth a supervised restart (a transient acceptor
// error, say). An exhausted respawn budget is not: restarting the master
// would just let the crash loop continue, so that error terminates the whole
// supervisor tree and the process exits non-zero.
type MasterService struct {
	pool PoolRunner
	name string
}

// NewMasterService wraps a pool master for the supervision tree.
func NewMasterService(pool PoolRunner) *MasterService {
	return &MasterService{pool: pool, name: "worker-pool"}
}

// Serve implements suture.Service.
func (s *MasterService) Serve(ctx context.Context) error {
	err := s.pool.Run(ctx)
	if errors.Is(err, master.ErrRespawnThrottled) {
		return errors.Join(err, suture.ErrTerminateSupervisorTree)
	}
	return err
}

// String implements fmt.Stringer for logging.
func (s *MasterService) String() string {
	return s.name
}
