// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package database

import (
	"strings"
	"testing"

	"github.com/castellan-io/castellan/internal/config"
)

func TestConnStringDefaults(t *testing.T) {
	got := connString(config.DatabaseConfig{Path: "/data/castellan.duckdb"})
	if !strings.HasPrefix(got, "/data/castellan.duckdb?") {
		t.Errorf("conn string = %q", got)
	}
	if !strings.Contains(got, "max_memory=1GB") {
		t.Errorf("conn string missing default max_memory: %q", got)
	}
	if !strings.Contains(got, "autoinstall_known_extensions=false") {
		t.Errorf("conn string allows extension auto-install: %q", got)
	}
}

func TestConnStringHonorsTuning(t *testing.T) {
	got := connString(config.DatabaseConfig{
		Path:      ":memory:",
		MaxMemory: "256MB",
		Threads:   2,
	})
	if !strings.Contains(got, "threads=2") || !strings.Contains(got, "max_memory=256MB") {
		t.Errorf("conn string = %q", got)
	}
}
