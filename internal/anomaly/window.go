// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package anomaly

import (
	"sort"
	"time"
)

// groupBy partitions events by a subject key, preserving input order
// within each group.
func groupBy[E any](events []E, key func(E) string) map[string][]E {
	groups := make(map[string][]E)
	for _, e := range events {
		k := key(e)
		groups[k] = append(groups[k], e)
	}
	return groups
}

// firstQualifyingWindow scans one subject's events for the first sliding
// window whose metric strictly exceeds threshold.
//
// Events are sorted ascending by timestamp (stable, so equal timestamps
// keep input order). Each event in turn anchors a window
// [t, t+window] inclusive on both ends; the scan stops at the first
// window that qualifies and returns its events. One qualifying window per
// subject per call: callers raise a single alert and move on.
func firstQualifyingWindow[E any](
	events []E,
	timestamp func(E) time.Time,
	window time.Duration,
	metric func([]E) int,
	threshold int,
) ([]E, bool) {
	if len(events) == 0 {
		return nil, false
	}

	sorted := make([]E, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return timestamp(sorted[i]).Before(timestamp(sorted[j]))
	})

	for i := range sorted {
		start := timestamp(sorted[i])
		end := start.Add(window)

		var inWindow []E
		for _, e := range sorted {
			ts := timestamp(e)
			if !ts.Before(start) && !ts.After(end) {
				inWindow = append(inWindow, e)
			}
		}

		if metric(inWindow) > threshold {
			return inWindow, true
		}
	}
	return nil, false
}
