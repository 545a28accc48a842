// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package scheduler

import (
	"context"
	"time"

	"github.com/castellan-io/castellan/internal/anomaly"
	"github.com/castellan-io/castellan/internal/logging"
)

// Sweeper runs one batch of events through the anomaly detectors and
// returns the number of alerts raised. Satisfied by *anomaly.Engine.
type Sweeper interface {
	RunSweep(ctx context.Context, batch anomaly.Batch) int
}

// SweepService periodically drains the event source and runs the anomaly
// sweep. A failed fetch is logged and skipped; the next tick tries again
// with the events still queued.
type SweepService struct {
	source   anomaly.EventSource
	sweeper  Sweeper
	interval time.Duration
}

// NewSweepService creates the sweep service. interval defaults to ten
// minutes when zero.
func NewSweepService(source anomaly.EventSource, sweeper Sweeper, interval time.Duration) *SweepService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &SweepService{source: source, sweeper: sweeper, interval: interval}
}

// Serve implements suture.Service.
func (s *SweepService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", s.interval).Msg("Anomaly sweep service started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *SweepService) sweep(ctx context.Context) {
	batch, err := s.source.NextBatch(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to fetch anomaly sweep batch")
		return
	}

	start := time.Now()
	raised := s.sweeper.RunSweep(ctx, batch)
	logging.Debug().
		Int("alertsRaised", raised).
		Dur("elapsed", time.Since(start)).
		Msg("Anomaly sweep completed")
}

// String implements fmt.Stringer for supervisor logs.
func (s *SweepService) String() string {
	return "anomaly-sweep"
}
