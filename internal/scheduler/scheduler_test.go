// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/castellan-io/castellan/internal/anomaly"
	"github.com/castellan-io/castellan/internal/ledger"
)

type fakeSource struct {
	batches atomic.Int64
	err     error
}

func (f *fakeSource) NextBatch(_ context.Context) (anomaly.Batch, error) {
	if f.err != nil {
		return anomaly.Batch{}, f.err
	}
	f.batches.Add(1)
	return anomaly.Batch{
		Messages: []anomaly.MessageEvent{{UserID: "user-1", Timestamp: time.Now()}},
	}, nil
}

type fakeSweeper struct {
	sweeps atomic.Int64
}

func (f *fakeSweeper) RunSweep(_ context.Context, _ anomaly.Batch) int {
	f.sweeps.Add(1)
	return 0
}

type fakeArchiver struct {
	runs atomic.Int64
	err  error
}

func (f *fakeArchiver) ArchiveAndPurge(_ context.Context) (ledger.ArchiveResult, error) {
	f.runs.Add(1)
	if f.err != nil {
		return ledger.ArchiveResult{}, f.err
	}
	return ledger.ArchiveResult{Archived: 3, Purged: 1}, nil
}

// waitCount polls until fn reaches want or the deadline passes.
func waitCount(t *testing.T, fn func() int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("count = %d, want >= %d", fn(), want)
}

func TestSweepServiceRunsOnInterval(t *testing.T) {
	source := &fakeSource{}
	sweeper := &fakeSweeper{}
	svc := NewSweepService(source, sweeper, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	waitCount(t, sweeper.sweeps.Load, 2)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v, want context.Canceled", err)
	}
}

func TestSweepServiceSkipsFailedFetch(t *testing.T) {
	source := &fakeSource{err: errors.New("queue unavailable")}
	sweeper := &fakeSweeper{}
	svc := NewSweepService(source, sweeper, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	if n := sweeper.sweeps.Load(); n != 0 {
		t.Errorf("sweeps = %d, want 0 when every fetch fails", n)
	}
}

func TestRetentionServiceRunsShortlyAfterStartup(t *testing.T) {
	archiver := &fakeArchiver{}
	svc := NewRetentionService(archiver, time.Hour)
	svc.startupDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	waitCount(t, archiver.runs.Load, 1)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v, want context.Canceled", err)
	}
}

func TestRetentionServiceSurvivesFailedPass(t *testing.T) {
	archiver := &fakeArchiver{err: errors.New("archive table locked")}
	svc := NewRetentionService(archiver, 5*time.Millisecond)
	svc.startupDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	waitCount(t, archiver.runs.Load, 2)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v, want context.Canceled", err)
	}
}

type fakeHub struct {
	started atomic.Bool
}

func (f *fakeHub) RunWithContext(ctx context.Context) error {
	f.started.Store(true)
	<-ctx.Done()
	return ctx.Err()
}

func TestHubServiceStopsWithContext(t *testing.T) {
	hub := &fakeHub{}
	svc := NewHubService(hub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	waitCount(t, func() int64 {
		if hub.started.Load() {
			return 1
		}
		return 0
	}, 1)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v, want context.Canceled", err)
	}
}

type fakeHTTPServer struct {
	listenErr error
	shutdown  atomic.Bool
	closed    chan struct{}
}

func newFakeHTTPServer(listenErr error) *fakeHTTPServer {
	return &fakeHTTPServer{listenErr: listenErr, closed: make(chan struct{})}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.closed
	return errHTTPServerClosed
}

func (f *fakeHTTPServer) Shutdown(_ context.Context) error {
	f.shutdown.Store(true)
	close(f.closed)
	return nil
}

// errHTTPServerClosed mirrors what net/http returns after Shutdown.
var errHTTPServerClosed = errors.New("http: Server closed")

func TestHTTPServiceGracefulShutdown(t *testing.T) {
	server := newFakeHTTPServer(nil)
	svc := NewHTTPService(server, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v, want context.Canceled", err)
	}
	if !server.shutdown.Load() {
		t.Error("Shutdown was not called")
	}
}

func TestHTTPServiceReturnsStartError(t *testing.T) {
	server := newFakeHTTPServer(errors.New("bind: address already in use"))
	svc := NewHTTPService(server, time.Second)

	err := svc.Serve(context.Background())
	if err == nil || !errors.Is(err, server.listenErr) {
		t.Errorf("Serve returned %v, want wrapped listen error", err)
	}
}

func TestTreeServesAndStops(t *testing.T) {
	tree := NewTree(nil, DefaultTreeConfig())
	hub := &fakeHub{}
	tree.AddMonitoringService(NewHubService(hub))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	waitCount(t, func() int64 {
		if hub.started.Load() {
			return 1
		}
		return 0
	}, 1)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("tree returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop")
	}
}
