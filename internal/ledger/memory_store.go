// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// MemoryStore is an in-memory implementation of Store, ArchiveStore and
// AlertStore. It backs tests and single-process development mode; the
// DuckDB store is the production implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	ids     map[string]bool
	archive []ArchiveEntry
	alerts  []AuditAlert
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ids: make(map[string]bool),
	}
}

// Insert persists a new entry. Entries are kept in insertion order, which
// is creation order because appends are serialized by the ledger.
func (s *MemoryStore) Insert(_ context.Context, e *Entry) error {
	if e == nil {
		return fmt.Errorf("entry cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ids[e.ID] {
		return fmt.Errorf("insert %s: %w", e.ID, ErrImmutable)
	}
	s.ids[e.ID] = true
	s.entries = append(s.entries, *e)
	return nil
}

// LatestHash returns the newest entry's digest, or "" when empty.
func (s *MemoryStore) LatestHash(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return "", nil
	}
	return s.entries[len(s.entries)-1].Hash, nil
}

// Search returns matching entries newest first.
func (s *MemoryStore) Search(_ context.Context, f Filter) ([]Entry, int64, error) {
	page, limit := normalizePage(f.Page, f.Limit)
	skip := (page - 1) * limit

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Entry
	// Reverse iteration yields newest first without a sort.
	for i := len(s.entries) - 1; i >= 0; i-- {
		if matchesFilter(&s.entries[i], f) {
			matched = append(matched, s.entries[i])
		}
	}

	total := int64(len(matched))
	if skip >= len(matched) {
		return nil, total, nil
	}
	end := skip + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[skip:end], total, nil
}

// CountByActionSince counts entries with the given action created at or
// after since, optionally narrowed to one IP address.
func (s *MemoryStore) CountByActionSince(_ context.Context, action Action, ip string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for i := range s.entries {
		e := &s.entries[i]
		if e.Action != action || e.CreatedAt.Before(since) {
			continue
		}
		if ip != "" && e.IPAddress != ip {
			continue
		}
		count++
	}
	return count, nil
}

// OldestBefore returns up to limit entries created before cutoff, oldest
// first.
func (s *MemoryStore) OldestBefore(_ context.Context, cutoff time.Time, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for i := range s.entries {
		if len(out) >= limit {
			break
		}
		if s.entries[i].CreatedAt.Before(cutoff) {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}

// DeleteByIDs removes the given entries. Reserved for the archival path.
func (s *MemoryStore) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	var removed int64
	for i := range s.entries {
		if drop[s.entries[i].ID] {
			delete(s.ids, s.entries[i].ID)
			removed++
			continue
		}
		kept = append(kept, s.entries[i])
	}
	s.entries = kept
	return removed, nil
}

// AllAscending returns every entry in creation order.
func (s *MemoryStore) AllAscending(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// SaveBatch copies entries into the archive, skipping rows already
// archived under the same OriginalID.
func (s *MemoryStore) SaveBatch(_ context.Context, entries []ArchiveEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(s.archive))
	for i := range s.archive {
		seen[s.archive[i].OriginalID] = true
	}
	for _, e := range entries {
		if seen[e.OriginalID] {
			continue
		}
		seen[e.OriginalID] = true
		s.archive = append(s.archive, e)
	}
	return nil
}

// PurgeArchivedBefore deletes archive rows archived before cutoff.
func (s *MemoryStore) PurgeArchivedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.archive[:0]
	var purged int64
	for i := range s.archive {
		if s.archive[i].ArchivedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, s.archive[i])
	}
	s.archive = kept
	return purged, nil
}

// CountArchived returns the number of archived rows.
func (s *MemoryStore) CountArchived(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.archive)), nil
}

// SaveAlert persists an audit alert.
func (s *MemoryStore) SaveAlert(_ context.Context, a *AuditAlert) error {
	if a == nil {
		return fmt.Errorf("alert cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, *a)
	return nil
}

// ListAlerts returns matching alerts newest first.
func (s *MemoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]AuditAlert, int64, error) {
	page, limit := normalizePage(f.Page, f.Limit)
	skip := (page - 1) * limit

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []AuditAlert
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := &s.alerts[i]
		if f.AlertType != "" && a.AlertType != f.AlertType {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.Unresolved && a.ResolvedAt != nil {
			continue
		}
		matched = append(matched, *a)
	}

	total := int64(len(matched))
	if skip >= len(matched) {
		return nil, total, nil
	}
	end := skip + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[skip:end], total, nil
}

// ResolveAlert stamps ResolvedAt on first resolution.
func (s *MemoryStore) ResolveAlert(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		if s.alerts[i].ID != id {
			continue
		}
		if s.alerts[i].ResolvedAt == nil {
			now := time.Now().UTC()
			s.alerts[i].ResolvedAt = &now
		}
		return nil
	}
	return fmt.Errorf("resolve %s: %w", id, ErrAlertNotFound)
}

// normalizePage applies defaults and caps to pagination parameters.
func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}

// matchesFilter reports whether e satisfies every set field of f.
func matchesFilter(e *Entry, f Filter) bool {
	if f.ActorUserID != "" && e.ActorUserID != f.ActorUserID {
		return false
	}
	if f.TargetUserID != "" && e.TargetUserID != f.TargetUserID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if e.Action == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.IPAddress != "" && e.IPAddress != f.IPAddress {
		return false
	}
	if f.UserAgent != "" && !containsFold(e.UserAgent, f.UserAgent) {
		return false
	}
	if f.Search != "" {
		text := e.Details
		if len(e.Metadata) > 0 {
			if raw, err := json.Marshal(e.Metadata); err == nil {
				text += " " + string(raw)
			}
		}
		if !containsFold(text, f.Search) {
			return false
		}
	}
	if f.CreatedAfter != nil && e.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && e.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
