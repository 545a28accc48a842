// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package ledger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-io/castellan/internal/hashchain"
)

func newTestLedger(store *MemoryStore, evaluator Evaluator) *Ledger {
	return New(store, store, evaluator, DefaultRetentionConfig())
}

func TestAppendChainsEntries(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(store, nil)
	ctx := context.Background()

	first, err := l.Append(ctx, Input{
		EventType: EventTypeAuth,
		Action:    ActionAuthLoginFailed,
		IPAddress: "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.PreviousHash != "" {
		t.Errorf("first entry PreviousHash = %q, want empty", first.PreviousHash)
	}
	if first.Hash == "" {
		t.Fatal("first entry has no digest")
	}

	second, err := l.Append(ctx, Input{
		EventType:   EventTypeAdmin,
		Action:      ActionUserBanned,
		ActorUserID: "admin-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.PreviousHash != first.Hash {
		t.Errorf("second entry PreviousHash = %q, want first entry hash %q", second.PreviousHash, first.Hash)
	}

	third, err := l.Append(ctx, Input{
		EventType: EventTypeSystem,
		Action:    ActionDataExported,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.PreviousHash != second.Hash {
		t.Errorf("third entry PreviousHash = %q, want second entry hash %q", third.PreviousHash, second.Hash)
	}
}

func TestAppendRecomputableDigest(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(store, nil)

	entry, err := l.Append(context.Background(), Input{
		EventType: EventTypeAdmin,
		Action:    ActionUserSuspended,
		ActorUserID: "admin-1",
		Metadata:  map[string]any{"reason": "spam", "count": 2},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recomputed := hashchain.Hash(canonicalView(entry))
	if recomputed != entry.Hash {
		t.Errorf("recomputed digest %q != stored digest %q", recomputed, entry.Hash)
	}
}

func TestAppendUnknownActionRejected(t *testing.T) {
	l := newTestLedger(NewMemoryStore(), nil)

	_, err := l.Append(context.Background(), Input{
		EventType: EventTypeAdmin,
		Action:    Action("cat.petted"),
	})
	if err == nil {
		t.Fatal("expected error for unknown action")
	}
}

type panickingEvaluator struct{}

func (panickingEvaluator) Evaluate(context.Context, *Entry) { panic("boom") }

func TestAppendSurvivesEvaluatorPanic(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(store, panickingEvaluator{})

	entry, err := l.Append(context.Background(), Input{
		EventType: EventTypeAuth,
		Action:    ActionAuthLoginFailed,
	})
	if err != nil {
		t.Fatalf("append should survive evaluator panic: %v", err)
	}
	if entry == nil {
		t.Fatal("entry should be returned despite evaluator panic")
	}

	entries, _ := store.AllAscending(context.Background())
	if len(entries) != 1 {
		t.Errorf("store has %d entries, want 1", len(entries))
	}
}

func TestSearchFiltersAndPagination(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(store, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, Input{
			EventType:   EventTypeAdmin,
			Action:      ActionUserViewed,
			ActorUserID: "admin-1",
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := l.Append(ctx, Input{
		EventType:   EventTypeAdmin,
		Action:      ActionUserBanned,
		ActorUserID: "admin-2",
		Details:     "repeated harassment",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	page, err := l.Search(ctx, Filter{ActorUserID: "admin-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Total != 5 {
		t.Errorf("Total = %d, want 5", page.Total)
	}

	page, err = l.Search(ctx, Filter{Actions: []Action{ActionUserBanned}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Total != 1 || page.Entries[0].ActorUserID != "admin-2" {
		t.Errorf("action filter returned wrong entries: total=%d", page.Total)
	}

	page, err = l.Search(ctx, Filter{Search: "harassment"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("free-text search Total = %d, want 1", page.Total)
	}

	page, err = l.Search(ctx, Filter{Page: 2, Limit: 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Total != 6 {
		t.Errorf("Total = %d, want 6", page.Total)
	}
	if len(page.Entries) != 2 {
		t.Errorf("page 2 has %d entries, want 2", len(page.Entries))
	}
}

func TestSearchNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(store, nil)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		offset := time.Duration(i) * time.Minute
		l.nowFn = func() time.Time { return base.Add(offset) }
		if _, err := l.Append(ctx, Input{EventType: EventTypeSystem, Action: ActionUserViewed}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	page, err := l.Search(ctx, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(page.Entries))
	}
	if !page.Entries[0].CreatedAt.After(page.Entries[2].CreatedAt) {
		t.Error("entries should be ordered newest first")
	}
}

func TestExportCSV(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(store, nil)
	ctx := context.Background()

	if _, err := l.Append(ctx, Input{
		EventType: EventTypeAdmin,
		Action:    ActionUserBanned,
		Details:   `contains "quotes", commas`,
		Metadata:  map[string]any{"b": 1, "a": 2},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, contentType, err := l.Export(ctx, Filter{}, ExportCSV)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if contentType != "text/csv" {
		t.Errorf("content type = %q, want text/csv", contentType)
	}

	out := string(data)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv has %d lines, want header + 1 row", len(lines))
	}
	if !strings.HasPrefix(lines[0], "id,createdAt,eventType,action") {
		t.Errorf("unexpected header: %s", lines[0])
	}
	if !strings.Contains(out, `"contains ""quotes"", commas"`) {
		t.Errorf("quotes not doubled in csv output: %s", out)
	}
	// Canonical metadata keys are sorted.
	if !strings.Contains(out, `""a"":2,""b"":1`) {
		t.Errorf("metadata not canonicalized in csv: %s", out)
	}
}

func TestExportJSONAndRowCap(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(store, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, Input{EventType: EventTypeSystem, Action: ActionUserViewed}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	data, contentType, err := l.Export(ctx, Filter{Limit: 2}, ExportJSON)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if contentType != "application/json" {
		t.Errorf("content type = %q, want application/json", contentType)
	}
	if count := strings.Count(string(data), `"hash"`); count != 2 {
		t.Errorf("export honored limit: got %d rows, want 2", count)
	}

	// Requested limits above the cap are clamped.
	if _, _, err := l.Export(ctx, Filter{Limit: 50000}, ExportJSON); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, _, err = l.Export(ctx, Filter{}, ExportFormat("xml"))
	if err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestArchiveAndPurge(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(store, nil)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	l.nowFn = func() time.Time { return now }

	// 10 hot entries older than the 30-day archive threshold.
	for i := 0; i < 10; i++ {
		e := &Entry{
			ID:        uuid.NewString(),
			CreatedAt: now.Add(-40 * 24 * time.Hour),
			EventType: EventTypeSystem,
			Action:    ActionUserViewed,
			Hash:      "h",
		}
		if err := store.Insert(ctx, e); err != nil {
			t.Fatalf("seed insert failed: %v", err)
		}
	}
	// 2 recent entries that must stay hot.
	for i := 0; i < 2; i++ {
		e := &Entry{
			ID:        uuid.NewString(),
			CreatedAt: now.Add(-time.Hour),
			EventType: EventTypeSystem,
			Action:    ActionUserViewed,
			Hash:      "h",
		}
		if err := store.Insert(ctx, e); err != nil {
			t.Fatalf("seed insert failed: %v", err)
		}
	}
	// 5 archive rows past the 365-day retention.
	old := []ArchiveEntry{}
	for i := 0; i < 5; i++ {
		old = append(old, ArchiveEntry{
			Entry:      Entry{ID: uuid.NewString(), Hash: "h"},
			OriginalID: uuid.NewString(),
			ArchivedAt: now.Add(-400 * 24 * time.Hour),
		})
	}
	if err := store.SaveBatch(ctx, old); err != nil {
		t.Fatalf("seed archive failed: %v", err)
	}

	result, err := l.ArchiveAndPurge(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Archived != 10 {
		t.Errorf("Archived = %d, want 10", result.Archived)
	}
	if result.Purged != 5 {
		t.Errorf("Purged = %d, want 5", result.Purged)
	}

	remaining, _ := store.AllAscending(ctx)
	if len(remaining) != 2 {
		t.Errorf("hot store has %d entries, want 2 recent survivors", len(remaining))
	}

	// Second run finds nothing new.
	result, err = l.ArchiveAndPurge(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Archived != 0 || result.Purged != 0 {
		t.Errorf("second run = {%d, %d}, want {0, 0}", result.Archived, result.Purged)
	}
}

func TestArchiveBatching(t *testing.T) {
	store := NewMemoryStore()
	cfg := DefaultRetentionConfig()
	cfg.BatchSize = 3
	l := New(store, store, nil, cfg)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	l.nowFn = func() time.Time { return now }

	for i := 0; i < 7; i++ {
		e := &Entry{
			ID:        uuid.NewString(),
			CreatedAt: now.Add(-60 * 24 * time.Hour),
			EventType: EventTypeSystem,
			Action:    ActionUserViewed,
			Hash:      "h",
		}
		if err := store.Insert(ctx, e); err != nil {
			t.Fatalf("seed insert failed: %v", err)
		}
	}

	result, err := l.ArchiveAndPurge(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Archived != 7 {
		t.Errorf("Archived = %d, want 7 across multiple batches", result.Archived)
	}
	archived, _ := store.CountArchived(ctx)
	if archived != 7 {
		t.Errorf("archive holds %d rows, want 7", archived)
	}
}

func TestVerifyChain(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(store, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := l.Append(ctx, Input{EventType: EventTypeSystem, Action: ActionUserViewed}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	report, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Valid {
		t.Fatalf("fresh chain should verify: %s", report.Reason)
	}
	if report.Entries != 4 {
		t.Errorf("Entries = %d, want 4", report.Entries)
	}

	// Tamper with a stored entry and verify again.
	store.mu.Lock()
	store.entries[1].Details = "rewritten history"
	tamperedID := store.entries[1].ID
	store.mu.Unlock()

	report, err = l.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Valid {
		t.Fatal("tampered chain should not verify")
	}
	if report.BrokenAt != tamperedID {
		t.Errorf("BrokenAt = %q, want tampered entry %q", report.BrokenAt, tamperedID)
	}
}

func TestMemoryStoreRejectsDuplicateID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e := &Entry{ID: "fixed", CreatedAt: time.Now(), EventType: EventTypeSystem, Action: ActionUserViewed, Hash: "h"}
	if err := store.Insert(ctx, e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := store.Insert(ctx, e)
	if err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
	if !strings.Contains(err.Error(), ErrImmutable.Error()) {
		t.Errorf("error should wrap ErrImmutable: %v", err)
	}
}
