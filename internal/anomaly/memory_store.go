// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package anomaly

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryAlertStore is an in-memory AlertStore for tests and single-node
// deployments without a database.
type MemoryAlertStore struct {
	mu     sync.RWMutex
	alerts []SecurityAlert
	ids    map[string]int

	nowFn func() time.Time
}

// NewMemoryAlertStore creates an empty in-memory alert store.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{
		ids:   make(map[string]int),
		nowFn: time.Now,
	}
}

func (s *MemoryAlertStore) SaveAlert(_ context.Context, a *SecurityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ids[a.ID]; exists {
		return fmt.Errorf("duplicate alert id %s", a.ID)
	}
	s.ids[a.ID] = len(s.alerts)
	s.alerts = append(s.alerts, cloneAlert(*a))
	return nil
}

func (s *MemoryAlertStore) GetAlert(_ context.Context, id string) (*SecurityAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.ids[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	a := cloneAlert(s.alerts[idx])
	return &a, nil
}

func (s *MemoryAlertStore) ListAlerts(_ context.Context, f AlertFilter) (*AlertPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []SecurityAlert
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if f.Rule != "" && a.Rule != f.Rule {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		matched = append(matched, cloneAlert(a))
	}

	page, limit := normalizeAlertPage(f.Page, f.Limit)
	total := int64(len(matched))
	start := (page - 1) * limit
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}

	return &AlertPage{
		Alerts: matched[start:end],
		Total:  total,
		Page:   page,
		Limit:  limit,
		Pages:  pageCount(total, limit),
	}, nil
}

func (s *MemoryAlertStore) UpdateAlert(_ context.Context, id string, u AlertUpdate) (*SecurityAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.ids[id]
	if !ok {
		return nil, ErrAlertNotFound
	}

	a := s.alerts[idx]
	now := s.nowFn().UTC()
	if u.Status != nil {
		next, err := applyStatus(&a, *u.Status, now)
		if err != nil {
			return nil, err
		}
		a.Status = next
	}
	if u.Note != nil {
		a.Note = *u.Note
	}
	a.UpdatedAt = now

	s.alerts[idx] = a
	out := cloneAlert(a)
	return &out, nil
}

func (s *MemoryAlertStore) FindByRuleAndAdmin(_ context.Context, rule RuleName, adminID string) ([]SecurityAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SecurityAlert
	for i := range s.alerts {
		if s.alerts[i].Rule == rule && s.alerts[i].AdminID == adminID {
			out = append(out, cloneAlert(s.alerts[i]))
		}
	}
	return out, nil
}

// applyStatus validates a forward-only transition and stamps the
// lifecycle timestamp on first entry into the target status. Repeating
// the current status is a no-op rather than an error.
func applyStatus(a *SecurityAlert, next Status, now time.Time) (Status, error) {
	if !next.Valid() {
		return "", ErrInvalidTransition
	}
	if next.rank() < a.Status.rank() {
		return "", ErrInvalidTransition
	}
	if next == StatusAcknowledged && a.AcknowledgedAt == nil {
		t := now
		a.AcknowledgedAt = &t
	}
	if next == StatusResolved && a.ResolvedAt == nil {
		t := now
		a.ResolvedAt = &t
	}
	return next, nil
}

func normalizeAlertPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultAlertLimit
	}
	if limit > MaxAlertLimit {
		limit = MaxAlertLimit
	}
	return page, limit
}

// pageCount is ceil(total/limit), never below 1 when rows exist.
func pageCount(total int64, limit int) int {
	if total == 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}

func cloneAlert(a SecurityAlert) SecurityAlert {
	if a.Details != nil {
		details := make(map[string]any, len(a.Details))
		for k, v := range a.Details {
			details[k] = v
		}
		a.Details = details
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		a.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		a.ResolvedAt = &t
	}
	return a
}
