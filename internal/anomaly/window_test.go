// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package anomaly

import (
	"testing"
	"time"
)

type stamped struct {
	id string
	ts time.Time
}

func TestGroupByPreservesOrder(t *testing.T) {
	events := []stamped{{"a", time.Time{}}, {"b", time.Time{}}, {"a", time.Time{}}, {"c", time.Time{}}}
	groups := groupBy(events, func(e stamped) string { return e.id })
	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(groups))
	}
	if len(groups["a"]) != 2 {
		t.Errorf("group a = %d entries, want 2", len(groups["a"]))
	}
}

func TestFirstQualifyingWindowInclusiveBounds(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	events := []stamped{
		{"e1", base},
		{"e2", base.Add(60 * time.Second)},
	}

	window, found := firstQualifyingWindow(
		events,
		func(e stamped) time.Time { return e.ts },
		60*time.Second,
		func(in []stamped) int { return len(in) },
		1,
	)
	if !found {
		t.Fatalf("window not found")
	}
	// An event exactly at the window's end is inside it.
	if len(window) != 2 {
		t.Errorf("window = %d events, want 2", len(window))
	}
}

func TestFirstQualifyingWindowExcludesLaterEvents(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	events := []stamped{
		{"e1", base},
		{"e2", base.Add(30 * time.Second)},
		{"e3", base.Add(61 * time.Second)},
	}

	window, found := firstQualifyingWindow(
		events,
		func(e stamped) time.Time { return e.ts },
		60*time.Second,
		func(in []stamped) int { return len(in) },
		1,
	)
	if !found {
		t.Fatalf("window not found")
	}
	if len(window) != 2 {
		t.Errorf("window = %d events, want 2", len(window))
	}
}

func TestFirstQualifyingWindowReturnsEarliest(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	// Two clusters that each qualify; the scan must stop at the first.
	events := []stamped{
		{"late1", base.Add(10 * time.Minute)},
		{"late2", base.Add(10 * time.Minute)},
		{"late3", base.Add(10 * time.Minute)},
		{"early1", base},
		{"early2", base},
	}

	window, found := firstQualifyingWindow(
		events,
		func(e stamped) time.Time { return e.ts },
		time.Minute,
		func(in []stamped) int { return len(in) },
		1,
	)
	if !found {
		t.Fatalf("window not found")
	}
	if len(window) != 2 {
		t.Fatalf("window = %d events, want 2", len(window))
	}
	for _, e := range window {
		if e.id != "early1" && e.id != "early2" {
			t.Errorf("unexpected event %s in first window", e.id)
		}
	}
}

func TestFirstQualifyingWindowBelowThreshold(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	events := []stamped{{"e1", base}, {"e2", base}}

	// Metric equal to threshold must not qualify.
	if _, found := firstQualifyingWindow(
		events,
		func(e stamped) time.Time { return e.ts },
		time.Minute,
		func(in []stamped) int { return len(in) },
		2,
	); found {
		t.Errorf("metric == threshold should not qualify")
	}
}

func TestFirstQualifyingWindowEmptyInput(t *testing.T) {
	if _, found := firstQualifyingWindow(
		nil,
		func(e stamped) time.Time { return e.ts },
		time.Minute,
		func(in []stamped) int { return len(in) },
		0,
	); found {
		t.Errorf("empty input should not qualify")
	}
}

func TestFirstQualifyingWindowSortsInput(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	// Out of order input: the early pair still forms the first window.
	events := []stamped{
		{"b", base.Add(30 * time.Second)},
		{"a", base},
		{"c", base.Add(5 * time.Minute)},
	}

	window, found := firstQualifyingWindow(
		events,
		func(e stamped) time.Time { return e.ts },
		time.Minute,
		func(in []stamped) int { return len(in) },
		1,
	)
	if !found {
		t.Fatalf("window not found")
	}
	if len(window) != 2 || window[0].id != "a" || window[1].id != "b" {
		t.Errorf("window = %+v, want sorted [a b]", window)
	}
}
