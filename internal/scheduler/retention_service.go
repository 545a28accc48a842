// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package scheduler

import (
	"context"
	"time"

	"github.com/castellan-io/castellan/internal/ledger"
	"github.com/castellan-io/castellan/internal/logging"
)

// Archiver moves aged audit entries to the archive and purges expired
// archive rows. Satisfied by *ledger.Ledger.
type Archiver interface {
	ArchiveAndPurge(ctx context.Context) (ledger.ArchiveResult, error)
}

// RetentionService runs the ledger retention pass on a fixed interval,
// and once shortly after startup so a long-stopped instance catches up
// without waiting a full day.
type RetentionService struct {
	archiver Archiver
	interval time.Duration

	// startupDelay before the catch-up run; shortened in tests.
	startupDelay time.Duration
}

// NewRetentionService creates the retention service. interval defaults
// to 24 hours when zero.
func NewRetentionService(archiver Archiver, interval time.Duration) *RetentionService {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionService{
		archiver:     archiver,
		interval:     interval,
		startupDelay: time.Minute,
	}
}

// Serve implements suture.Service.
func (s *RetentionService) Serve(ctx context.Context) error {
	logging.Info().Dur("interval", s.interval).Msg("Ledger retention service started")

	startup := time.NewTimer(s.startupDelay)
	defer startup.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-startup.C:
		s.run(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

func (s *RetentionService) run(ctx context.Context) {
	start := time.Now()
	result, err := s.archiver.ArchiveAndPurge(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Ledger retention pass failed")
		return
	}
	logging.Info().
		Int64("archived", result.Archived).
		Int64("purged", result.Purged).
		Dur("elapsed", time.Since(start)).
		Msg("Ledger retention pass completed")
}

// String implements fmt.Stringer for supervisor logs.
func (s *RetentionService) String() string {
	return "ledger-retention"
}
