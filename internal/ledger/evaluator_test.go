// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

// seedEntries inserts entries directly into the store, bypassing the
// ledger so no evaluation runs for the seed data.
func seedEntries(t *testing.T, store *MemoryStore, n int, action Action, ip string, createdAt time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		e := &Entry{
			ID:        uuid.NewString(),
			CreatedAt: createdAt,
			EventType: EventTypeAuth,
			Action:    action,
			IPAddress: ip,
			Hash:      "seed",
		}
		if err := store.Insert(context.Background(), e); err != nil {
			t.Fatalf("seed insert failed: %v", err)
		}
	}
}

func listAlerts(t *testing.T, store *MemoryStore, alertType AlertType) []AuditAlert {
	t.Helper()
	alerts, _, err := store.ListAlerts(context.Background(), AlertFilter{AlertType: alertType})
	if err != nil {
		t.Fatalf("list alerts failed: %v", err)
	}
	return alerts
}

func TestBruteForceTriggeringAppendRaisesOneAlert(t *testing.T) {
	store := NewMemoryStore()
	ev := NewRuleEvaluator(store, store, DefaultEvaluatorConfig())
	l := newTestLedger(store, ev)
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	l.nowFn = func() time.Time { return now }
	ev.nowFn = l.nowFn

	// 100 prior failures from the same IP inside the window.
	seedEntries(t, store, 100, ActionAuthLoginFailed, "203.0.113.7", now.Add(-5*time.Minute))

	if _, err := l.Append(context.Background(), Input{
		EventType: EventTypeAuth,
		Action:    ActionAuthLoginFailed,
		IPAddress: "203.0.113.7",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	alerts := listAlerts(t, store, AlertTypeAuthBruteForce)
	if len(alerts) != 1 {
		t.Fatalf("got %d brute force alerts, want exactly 1", len(alerts))
	}
	a := alerts[0]
	if a.Severity != SeverityHigh {
		t.Errorf("Severity = %s, want high", a.Severity)
	}
	if a.IPAddress != "203.0.113.7" {
		t.Errorf("IPAddress = %s, want 203.0.113.7", a.IPAddress)
	}
	if failures, ok := a.Metadata["failures"].(int64); !ok || failures != 101 {
		t.Errorf("metadata.failures = %v, want 101", a.Metadata["failures"])
	}
}

func TestBruteForceBelowThresholdNoAlert(t *testing.T) {
	store := NewMemoryStore()
	ev := NewRuleEvaluator(store, store, DefaultEvaluatorConfig())
	l := newTestLedger(store, ev)
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	l.nowFn = func() time.Time { return now }
	ev.nowFn = l.nowFn

	// 3 prior failures; the append makes 4, below the threshold of 5.
	seedEntries(t, store, 3, ActionAuthLoginFailed, "203.0.113.7", now.Add(-5*time.Minute))

	if _, err := l.Append(context.Background(), Input{
		EventType: EventTypeAuth,
		Action:    ActionAuthLoginFailed,
		IPAddress: "203.0.113.7",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if alerts := listAlerts(t, store, AlertTypeAuthBruteForce); len(alerts) != 0 {
		t.Errorf("got %d alerts, want none below threshold", len(alerts))
	}
}

func TestBruteForceIgnoresOtherIPsAndOldFailures(t *testing.T) {
	store := NewMemoryStore()
	ev := NewRuleEvaluator(store, store, DefaultEvaluatorConfig())
	l := newTestLedger(store, ev)
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	l.nowFn = func() time.Time { return now }
	ev.nowFn = l.nowFn

	// Plenty of failures, but from a different IP or outside the window.
	seedEntries(t, store, 10, ActionAuthLoginFailed, "198.51.100.9", now.Add(-5*time.Minute))
	seedEntries(t, store, 10, ActionAuthLoginFailed, "203.0.113.7", now.Add(-16*time.Minute))

	if _, err := l.Append(context.Background(), Input{
		EventType: EventTypeAuth,
		Action:    ActionAuthLoginFailed,
		IPAddress: "203.0.113.7",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if alerts := listAlerts(t, store, AlertTypeAuthBruteForce); len(alerts) != 0 {
		t.Errorf("got %d alerts, want none: counts must be per-IP and windowed", len(alerts))
	}
}

func TestBruteForceNoIPNoAlert(t *testing.T) {
	store := NewMemoryStore()
	ev := NewRuleEvaluator(store, store, DefaultEvaluatorConfig())
	l := newTestLedger(store, ev)

	seedEntries(t, store, 50, ActionAuthLoginFailed, "", time.Now().UTC())
	if _, err := l.Append(context.Background(), Input{
		EventType: EventTypeAuth,
		Action:    ActionAuthLoginFailed,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if alerts := listAlerts(t, store, AlertTypeAuthBruteForce); len(alerts) != 0 {
		t.Error("entries without an IP address must not trigger brute force alerts")
	}
}

func TestBulkActionThreshold(t *testing.T) {
	tests := []struct {
		name      string
		metadata  map[string]any
		wantAlert bool
	}{
		{"at threshold", map[string]any{"count": 25}, true},
		{"above threshold", map[string]any{"count": 120}, true},
		{"below threshold", map[string]any{"count": 24}, false},
		{"float count from json", map[string]any{"count": float64(30)}, true},
		{"missing count", map[string]any{"ids": []any{"a"}}, false},
		{"nil metadata", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			ev := NewRuleEvaluator(store, store, DefaultEvaluatorConfig())
			l := newTestLedger(store, ev)

			if _, err := l.Append(context.Background(), Input{
				EventType:   EventTypeAdmin,
				Action:      ActionBulkAction,
				ActorUserID: "admin-1",
				Metadata:    tt.metadata,
			}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			alerts := listAlerts(t, store, AlertTypeAdminBulkAction)
			if tt.wantAlert && len(alerts) != 1 {
				t.Errorf("got %d alerts, want 1", len(alerts))
			}
			if !tt.wantAlert && len(alerts) != 0 {
				t.Errorf("got %d alerts, want none", len(alerts))
			}
			if tt.wantAlert && alerts[0].Severity != SeverityMedium {
				t.Errorf("Severity = %s, want medium", alerts[0].Severity)
			}
		})
	}
}

func TestTransferFailureSpikeIsGlobal(t *testing.T) {
	store := NewMemoryStore()
	ev := NewRuleEvaluator(store, store, DefaultEvaluatorConfig())
	l := newTestLedger(store, ev)
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	l.nowFn = func() time.Time { return now }
	ev.nowFn = l.nowFn

	// Two prior failures from unrelated IPs; the third append trips the
	// global threshold of 3.
	seedEntries(t, store, 1, ActionTransferFailed, "192.0.2.1", now.Add(-10*time.Minute))
	seedEntries(t, store, 1, ActionTransferFailed, "192.0.2.2", now.Add(-20*time.Minute))

	if _, err := l.Append(context.Background(), Input{
		EventType: EventTypeTransaction,
		Action:    ActionTransferFailed,
		IPAddress: "192.0.2.3",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	alerts := listAlerts(t, store, AlertTypeTransactionFailureSpike)
	if len(alerts) != 1 {
		t.Fatalf("got %d spike alerts, want 1", len(alerts))
	}
	if alerts[0].Severity != SeverityHigh {
		t.Errorf("Severity = %s, want high", alerts[0].Severity)
	}
}

func TestTransferFailureBelowThreshold(t *testing.T) {
	store := NewMemoryStore()
	ev := NewRuleEvaluator(store, store, DefaultEvaluatorConfig())
	l := newTestLedger(store, ev)
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	l.nowFn = func() time.Time { return now }
	ev.nowFn = l.nowFn

	// One failure inside the window, one far outside.
	seedEntries(t, store, 1, ActionTransferFailed, "", now.Add(-31*time.Minute))

	if _, err := l.Append(context.Background(), Input{
		EventType: EventTypeTransaction,
		Action:    ActionTransferFailed,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if alerts := listAlerts(t, store, AlertTypeTransactionFailureSpike); len(alerts) != 0 {
		t.Errorf("got %d alerts, want none below threshold", len(alerts))
	}
}

func TestDataExportAlwaysAlerts(t *testing.T) {
	store := NewMemoryStore()
	ev := NewRuleEvaluator(store, store, DefaultEvaluatorConfig())
	l := newTestLedger(store, ev)

	for i := 0; i < 2; i++ {
		if _, err := l.Append(context.Background(), Input{
			EventType:    EventTypeDataAccess,
			Action:       ActionDataExported,
			ActorUserID:  "admin-1",
			TargetUserID: "user-7",
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	alerts := listAlerts(t, store, AlertTypeDataExport)
	if len(alerts) != 2 {
		t.Fatalf("got %d data export alerts, want one per export", len(alerts))
	}
	if alerts[0].Metadata["targetUserId"] != "user-7" {
		t.Errorf("metadata.targetUserId = %v, want user-7", alerts[0].Metadata["targetUserId"])
	}
}

func TestDisabledRuleDoesNotFire(t *testing.T) {
	store := NewMemoryStore()
	cfg := DefaultEvaluatorConfig()
	cfg.DataExport.Enabled = false
	ev := NewRuleEvaluator(store, store, cfg)
	l := newTestLedger(store, ev)

	if _, err := l.Append(context.Background(), Input{
		EventType: EventTypeDataAccess,
		Action:    ActionDataExported,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if alerts := listAlerts(t, store, AlertTypeDataExport); len(alerts) != 0 {
		t.Error("disabled rule must not raise alerts")
	}
}

func TestSetConfigAppliesToNextAppend(t *testing.T) {
	store := NewMemoryStore()
	ev := NewRuleEvaluator(store, store, DefaultEvaluatorConfig())
	l := newTestLedger(store, ev)

	appendBulk := func(count int) {
		t.Helper()
		if _, err := l.Append(context.Background(), Input{
			EventType: EventTypeAdmin,
			Action:    ActionBulkAction,
			Metadata:  map[string]any{"count": count},
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	appendBulk(10) // below default threshold of 25
	if alerts := listAlerts(t, store, AlertTypeAdminBulkAction); len(alerts) != 0 {
		t.Fatal("no alert expected before reconfiguration")
	}

	cfg := ev.Config()
	cfg.BulkAction.Threshold = 10
	ev.SetConfig(cfg)

	appendBulk(10)
	if alerts := listAlerts(t, store, AlertTypeAdminBulkAction); len(alerts) != 1 {
		t.Error("lowered threshold should apply to the next append")
	}
}

func TestRuleFailureDoesNotFailAppend(t *testing.T) {
	store := NewMemoryStore()
	ev := NewRuleEvaluator(failingCountStore{store}, store, DefaultEvaluatorConfig())
	l := newTestLedger(store, ev)
	ctx := context.Background()

	// The transfer rule's count query fails; the append must still
	// succeed and no alert is raised.
	if _, err := l.Append(ctx, Input{
		EventType: EventTypeTransaction,
		Action:    ActionTransferFailed,
	}); err != nil {
		t.Fatalf("append must survive rule evaluation failure: %v", err)
	}
	if alerts := listAlerts(t, store, AlertTypeTransactionFailureSpike); len(alerts) != 0 {
		t.Error("failed rule must not raise alerts")
	}

	// Rules that don't touch the failing query keep working.
	if _, err := l.Append(ctx, Input{
		EventType: EventTypeDataAccess,
		Action:    ActionDataExported,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alerts := listAlerts(t, store, AlertTypeDataExport); len(alerts) != 1 {
		t.Error("data export rule should fire even when another rule's store fails")
	}
}

func TestResolveAlertStampsOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := &AuditAlert{ID: "alert-1", AlertType: AlertTypeDataExport, Severity: SeverityMedium, CreatedAt: time.Now()}
	if err := store.SaveAlert(ctx, a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := store.ResolveAlert(ctx, "alert-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	alerts, _, _ := store.ListAlerts(ctx, AlertFilter{})
	first := alerts[0].ResolvedAt
	if first == nil {
		t.Fatal("ResolvedAt should be set")
	}

	// Second resolve keeps the original timestamp.
	if err := store.ResolveAlert(ctx, "alert-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	alerts, _, _ = store.ListAlerts(ctx, AlertFilter{})
	if !alerts[0].ResolvedAt.Equal(*first) {
		t.Error("ResolvedAt must not change on repeat resolution")
	}

	if err := store.ResolveAlert(ctx, "missing"); err == nil {
		t.Error("resolving a missing alert should error")
	}
}

// failingCountStore wraps a Store and fails count queries, for rule
// isolation tests.
type failingCountStore struct {
	*MemoryStore
}

func (failingCountStore) CountByActionSince(context.Context, Action, string, time.Time) (int64, error) {
	return 0, context.DeadlineExceeded
}
