// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/castellan-io/castellan/internal/hashchain"
	"github.com/castellan-io/castellan/internal/logging"
	"github.com/castellan-io/castellan/internal/metrics"
)

// Evaluator inspects a freshly appended entry and raises alerts. It runs
// synchronously after each append and must never fail the append.
type Evaluator interface {
	Evaluate(ctx context.Context, e *Entry)
}

// RetentionConfig controls archival of aged ledger entries.
type RetentionConfig struct {
	// ArchiveAfter is how long entries stay in hot storage.
	ArchiveAfter time.Duration

	// Retention is how long archived copies are kept, measured from the
	// moment of archival.
	Retention time.Duration

	// BatchSize bounds each archival copy-then-delete step.
	BatchSize int
}

// DefaultRetentionConfig returns the standard retention policy.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		ArchiveAfter: 30 * 24 * time.Hour,
		Retention:    365 * 24 * time.Hour,
		BatchSize:    500,
	}
}

// Ledger is the append-only audit ledger. All appends are serialized by an
// internal mutex so the hash chain is linked without gaps even under
// concurrent writers.
type Ledger struct {
	store     Store
	archive   ArchiveStore
	evaluator Evaluator
	retention RetentionConfig

	// mu serializes the read-tail / hash / insert critical section.
	mu sync.Mutex

	nowFn func() time.Time
}

// New creates a Ledger. evaluator may be nil to disable alerting.
func New(store Store, archive ArchiveStore, evaluator Evaluator, retention RetentionConfig) *Ledger {
	if retention.BatchSize <= 0 {
		retention.BatchSize = DefaultRetentionConfig().BatchSize
	}
	if retention.ArchiveAfter <= 0 {
		retention.ArchiveAfter = DefaultRetentionConfig().ArchiveAfter
	}
	if retention.Retention <= 0 {
		retention.Retention = DefaultRetentionConfig().Retention
	}
	return &Ledger{
		store:     store,
		archive:   archive,
		evaluator: evaluator,
		retention: retention,
		nowFn:     time.Now,
	}
}

// Append records a new entry at the head of the chain and returns the
// stored form. The entry's digest covers the previous head's digest, so
// entries form a tamper-evident chain. Alert evaluation runs after the
// write; evaluator failures are logged and never fail the append.
func (l *Ledger) Append(ctx context.Context, in Input) (*Entry, error) {
	if !in.Action.Valid() {
		return nil, fmt.Errorf("append %q: %w", in.Action, ErrUnknownAction)
	}
	if in.EventType == "" {
		return nil, fmt.Errorf("append: event type is required")
	}

	l.mu.Lock()
	entry, err := l.appendLocked(ctx, in)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	metrics.LedgerAppends.WithLabelValues(string(entry.EventType)).Inc()
	l.runEvaluator(ctx, entry)
	return entry, nil
}

// appendLocked performs the read-tail / hash / insert step. Callers hold mu.
func (l *Ledger) appendLocked(ctx context.Context, in Input) (*Entry, error) {
	previousHash, err := l.store.LatestHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	// DuckDB stores TIMESTAMPTZ at microsecond precision. The digest
	// covers the timestamp, so sub-microsecond digits must be dropped
	// before hashing or every stored entry would fail verification.
	entry := &Entry{
		ID:           uuid.NewString(),
		CreatedAt:    l.nowFn().UTC().Truncate(time.Microsecond),
		EventType:    in.EventType,
		Action:       in.Action,
		ActorUserID:  in.ActorUserID,
		TargetUserID: in.TargetUserID,
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		Outcome:      in.Outcome,
		Severity:     in.Severity,
		Details:      in.Details,
		Metadata:     in.Metadata,
		IPAddress:    in.IPAddress,
		UserAgent:    in.UserAgent,
		PreviousHash: previousHash,
	}
	entry.Hash = hashchain.Hash(canonicalView(entry))

	if err := l.store.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("persist audit entry: %w", err)
	}
	return entry, nil
}

// runEvaluator invokes the evaluator, isolating the append from evaluator
// errors and panics.
func (l *Ledger) runEvaluator(ctx context.Context, e *Entry) {
	if l.evaluator == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Interface("panic", r).
				Str("entry_id", e.ID).
				Msg("Alert evaluator panicked")
		}
	}()
	l.evaluator.Evaluate(ctx, e)
}

// Search returns one page of entries matching f, newest first.
func (l *Ledger) Search(ctx context.Context, f Filter) (*Page, error) {
	page, limit := normalizePage(f.Page, f.Limit)
	f.Page, f.Limit = page, limit

	entries, total, err := l.store.Search(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("search audit entries: %w", err)
	}
	return &Page{
		Entries: entries,
		Total:   total,
		Page:    page,
		Limit:   limit,
	}, nil
}

// ExportFormat selects the export serialization.
type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportJSON ExportFormat = "json"
)

// Export serializes entries matching f for download and returns the bytes
// and content type. Row count is capped at MaxExportLimit regardless of
// the requested limit.
func (l *Ledger) Export(ctx context.Context, f Filter, format ExportFormat) ([]byte, string, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultExportLimit
	}
	if limit > MaxExportLimit {
		limit = MaxExportLimit
	}
	f.Page = 1
	f.Limit = limit

	entries, _, err := l.store.Search(ctx, f)
	if err != nil {
		return nil, "", fmt.Errorf("export audit entries: %w", err)
	}

	switch format {
	case ExportCSV:
		data, err := marshalCSV(entries)
		if err != nil {
			return nil, "", err
		}
		return data, "text/csv", nil
	case ExportJSON, "":
		data, err := json.Marshal(entries)
		if err != nil {
			return nil, "", fmt.Errorf("marshal export: %w", err)
		}
		return data, "application/json", nil
	default:
		return nil, "", fmt.Errorf("unsupported export format %q", format)
	}
}

// exportHeaders is the fixed CSV column order.
var exportHeaders = []string{
	"id", "createdAt", "eventType", "action",
	"actorUserId", "targetUserId", "resourceType", "resourceId",
	"outcome", "severity", "details", "metadata",
	"ipAddress", "userAgent", "previousHash", "hash",
}

func marshalCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(exportHeaders); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for i := range entries {
		e := &entries[i]
		row := []string{
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339Nano),
			string(e.EventType),
			string(e.Action),
			e.ActorUserID,
			e.TargetUserID,
			e.ResourceType,
			e.ResourceID,
			string(e.Outcome),
			string(e.Severity),
			e.Details,
			hashchain.CanonicalMetadata(e.Metadata),
			e.IPAddress,
			e.UserAgent,
			e.PreviousHash,
			e.Hash,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// ArchiveResult reports one archival run.
type ArchiveResult struct {
	Archived int64 `json:"archived"`
	Purged   int64 `json:"purged"`
}

// ArchiveAndPurge moves entries older than ArchiveAfter to the archive in
// batches, then deletes archive rows older than Retention. Each batch is
// copied before its hot rows are deleted; a crash between the two leaves
// the batch hot, and re-archival of already copied rows is idempotent.
func (l *Ledger) ArchiveAndPurge(ctx context.Context) (ArchiveResult, error) {
	var result ArchiveResult
	now := l.nowFn().UTC()
	archiveBefore := now.Add(-l.retention.ArchiveAfter)
	purgeBefore := now.Add(-l.retention.Retention)

	for {
		batch, err := l.store.OldestBefore(ctx, archiveBefore, l.retention.BatchSize)
		if err != nil {
			return result, fmt.Errorf("select archivable entries: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		archived := make([]ArchiveEntry, len(batch))
		ids := make([]string, len(batch))
		archivedAt := l.nowFn().UTC()
		for i := range batch {
			archived[i] = ArchiveEntry{
				Entry:      batch[i],
				OriginalID: batch[i].ID,
				ArchivedAt: archivedAt,
			}
			ids[i] = batch[i].ID
		}

		if err := l.archive.SaveBatch(ctx, archived); err != nil {
			return result, fmt.Errorf("archive batch: %w", err)
		}
		deleted, err := l.store.DeleteByIDs(ctx, ids)
		if err != nil {
			return result, fmt.Errorf("delete archived entries: %w", err)
		}
		result.Archived += deleted
	}

	purged, err := l.archive.PurgeArchivedBefore(ctx, purgeBefore)
	if err != nil {
		return result, fmt.Errorf("purge archive: %w", err)
	}
	result.Purged = purged

	if result.Archived > 0 || result.Purged > 0 {
		logging.Info().
			Int64("archived", result.Archived).
			Int64("purged", result.Purged).
			Msg("Audit ledger retention pass completed")
	}
	metrics.LedgerArchived.Add(float64(result.Archived))
	metrics.LedgerPurged.Add(float64(result.Purged))
	return result, nil
}

// VerifyReport describes the outcome of a chain verification walk.
type VerifyReport struct {
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	BrokenAt string `json:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// VerifyChain recomputes every entry's digest in creation order and checks
// each link against its predecessor, reporting the first break found.
func (l *Ledger) VerifyChain(ctx context.Context) (*VerifyReport, error) {
	entries, err := l.store.AllAscending(ctx)
	if err != nil {
		return nil, fmt.Errorf("load entries for verification: %w", err)
	}

	report := &VerifyReport{Valid: true, Entries: len(entries)}
	previousHash := ""
	for i := range entries {
		e := &entries[i]
		if e.PreviousHash != previousHash {
			report.Valid = false
			report.BrokenAt = e.ID
			report.Reason = fmt.Sprintf("entry %d link mismatch: previousHash %q does not match prior digest", i, e.PreviousHash)
			return report, nil
		}
		if recomputed := hashchain.Hash(canonicalView(e)); recomputed != e.Hash {
			report.Valid = false
			report.BrokenAt = e.ID
			report.Reason = "entry " + strconv.Itoa(i) + " digest mismatch: stored hash does not match recomputed hash"
			return report, nil
		}
		previousHash = e.Hash
	}
	return report, nil
}

// canonicalView maps a ledger entry onto the hashchain's canonical form.
func canonicalView(e *Entry) hashchain.Entry {
	return hashchain.Entry{
		ActorUserID:  e.ActorUserID,
		TargetUserID: e.TargetUserID,
		Action:       string(e.Action),
		EventType:    string(e.EventType),
		Outcome:      string(e.Outcome),
		Severity:     string(e.Severity),
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Details:      e.Details,
		Metadata:     e.Metadata,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		CreatedAt:    e.CreatedAt,
		PreviousHash: e.PreviousHash,
	}
}
