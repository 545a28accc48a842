// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-io/castellan/internal/logging"
	"github.com/castellan-io/castellan/internal/metrics"
)

// RuleSettings configures one evaluator rule.
type RuleSettings struct {
	Enabled   bool          `json:"enabled"`
	Threshold int           `json:"threshold"`
	Window    time.Duration `json:"window"`
	Severity  Severity      `json:"severity"`
}

// EvaluatorConfig holds the settings of the four post-append rules.
type EvaluatorConfig struct {
	// BruteForce fires on auth.login.failed when failures from the same
	// IP within Window reach Threshold.
	BruteForce RuleSettings `json:"bruteForce"`

	// BulkAction fires on bulk.action when metadata.count reaches
	// Threshold. Window is unused.
	BulkAction RuleSettings `json:"bulkAction"`

	// TransferFailure fires on transfer.failed when global failures
	// within Window reach Threshold.
	TransferFailure RuleSettings `json:"transferFailure"`

	// DataExport fires on every data.exported entry. Threshold and
	// Window are unused.
	DataExport RuleSettings `json:"dataExport"`
}

// DefaultEvaluatorConfig returns the standard rule settings.
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		BruteForce: RuleSettings{
			Enabled:   true,
			Threshold: 5,
			Window:    15 * time.Minute,
			Severity:  SeverityHigh,
		},
		BulkAction: RuleSettings{
			Enabled:   true,
			Threshold: 25,
			Severity:  SeverityMedium,
		},
		TransferFailure: RuleSettings{
			Enabled:   true,
			Threshold: 3,
			Window:    30 * time.Minute,
			Severity:  SeverityHigh,
		},
		DataExport: RuleSettings{
			Enabled:  true,
			Severity: SeverityMedium,
		},
	}
}

// RuleEvaluator implements the four post-append alert rules. Each rule is
// evaluated independently; a failing rule is logged and the remaining
// rules still run. At most one alert per rule is raised per evaluation.
type RuleEvaluator struct {
	store  Store
	alerts AlertStore

	mu  sync.RWMutex
	cfg EvaluatorConfig

	nowFn func() time.Time
}

// NewRuleEvaluator creates an evaluator over the given stores.
func NewRuleEvaluator(store Store, alerts AlertStore, cfg EvaluatorConfig) *RuleEvaluator {
	return &RuleEvaluator{
		store:  store,
		alerts: alerts,
		cfg:    cfg,
		nowFn:  time.Now,
	}
}

// Config returns a copy of the current rule settings.
func (ev *RuleEvaluator) Config() EvaluatorConfig {
	ev.mu.RLock()
	defer ev.mu.RUnlock()
	return ev.cfg
}

// SetConfig replaces the rule settings. Takes effect on the next append.
func (ev *RuleEvaluator) SetConfig(cfg EvaluatorConfig) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.cfg = cfg
}

// Evaluate runs all four rules against a freshly appended entry.
func (ev *RuleEvaluator) Evaluate(ctx context.Context, e *Entry) {
	cfg := ev.Config()

	ev.runRule(ctx, e, "brute_force", func() error {
		return ev.checkBruteForce(ctx, e, cfg.BruteForce)
	})
	ev.runRule(ctx, e, "bulk_action", func() error {
		return ev.checkBulkAction(ctx, e, cfg.BulkAction)
	})
	ev.runRule(ctx, e, "transfer_failure", func() error {
		return ev.checkTransferFailure(ctx, e, cfg.TransferFailure)
	})
	ev.runRule(ctx, e, "data_export", func() error {
		return ev.checkDataExport(ctx, e, cfg.DataExport)
	})
}

func (ev *RuleEvaluator) runRule(_ context.Context, e *Entry, name string, check func() error) {
	if err := check(); err != nil {
		logging.Warn().
			Err(err).
			Str("rule", name).
			Str("entry_id", e.ID).
			Msg("Audit alert rule evaluation failed")
	}
}

// checkBruteForce counts login failures from the entry's IP within the
// window. The just-appended entry is included in the count.
func (ev *RuleEvaluator) checkBruteForce(ctx context.Context, e *Entry, rule RuleSettings) error {
	if !rule.Enabled || e.Action != ActionAuthLoginFailed || e.IPAddress == "" {
		return nil
	}

	since := ev.nowFn().UTC().Add(-rule.Window)
	failures, err := ev.store.CountByActionSince(ctx, ActionAuthLoginFailed, e.IPAddress, since)
	if err != nil {
		return fmt.Errorf("count login failures: %w", err)
	}
	if failures < int64(rule.Threshold) {
		return nil
	}

	return ev.raise(ctx, &AuditAlert{
		AlertType: AlertTypeAuthBruteForce,
		Severity:  rule.Severity,
		Details:   fmt.Sprintf("Multiple failed logins from %s", e.IPAddress),
		Metadata: map[string]any{
			"failures":      failures,
			"windowMinutes": int(rule.Window.Minutes()),
		},
		IPAddress: e.IPAddress,
	})
}

// checkBulkAction fires when a bulk operation touched at least Threshold
// records, read from metadata.count.
func (ev *RuleEvaluator) checkBulkAction(ctx context.Context, e *Entry, rule RuleSettings) error {
	if !rule.Enabled || e.Action != ActionBulkAction {
		return nil
	}

	count := metadataCount(e.Metadata)
	if count < rule.Threshold {
		return nil
	}

	return ev.raise(ctx, &AuditAlert{
		AlertType: AlertTypeAdminBulkAction,
		Severity:  rule.Severity,
		Details:   fmt.Sprintf("Bulk admin action affected %d users", count),
		Metadata: map[string]any{
			"count":       count,
			"actorUserId": e.ActorUserID,
		},
		IPAddress: e.IPAddress,
	})
}

// checkTransferFailure counts failed transfers platform-wide within the
// window, regardless of actor or IP.
func (ev *RuleEvaluator) checkTransferFailure(ctx context.Context, e *Entry, rule RuleSettings) error {
	if !rule.Enabled || e.Action != ActionTransferFailed {
		return nil
	}

	since := ev.nowFn().UTC().Add(-rule.Window)
	failures, err := ev.store.CountByActionSince(ctx, ActionTransferFailed, "", since)
	if err != nil {
		return fmt.Errorf("count transfer failures: %w", err)
	}
	if failures < int64(rule.Threshold) {
		return nil
	}

	return ev.raise(ctx, &AuditAlert{
		AlertType: AlertTypeTransactionFailureSpike,
		Severity:  rule.Severity,
		Details:   "Spike in failed transfers detected",
		Metadata: map[string]any{
			"failures":      failures,
			"windowMinutes": int(rule.Window.Minutes()),
		},
		IPAddress: e.IPAddress,
	})
}

// checkDataExport fires unconditionally on data export entries.
func (ev *RuleEvaluator) checkDataExport(ctx context.Context, e *Entry, rule RuleSettings) error {
	if !rule.Enabled || e.Action != ActionDataExported {
		return nil
	}

	return ev.raise(ctx, &AuditAlert{
		AlertType: AlertTypeDataExport,
		Severity:  rule.Severity,
		Details:   "User data export performed",
		Metadata: map[string]any{
			"actorUserId":  e.ActorUserID,
			"targetUserId": e.TargetUserID,
		},
		IPAddress: e.IPAddress,
	})
}

func (ev *RuleEvaluator) raise(ctx context.Context, a *AuditAlert) error {
	a.ID = uuid.NewString()
	a.CreatedAt = ev.nowFn().UTC()
	if err := ev.alerts.SaveAlert(ctx, a); err != nil {
		return fmt.Errorf("save %s alert: %w", a.AlertType, err)
	}
	metrics.AuditAlerts.WithLabelValues(string(a.AlertType)).Inc()
	return nil
}

// metadataCount extracts metadata.count, tolerating the numeric types JSON
// decoding can produce.
func metadataCount(m map[string]any) int {
	if m == nil {
		return 0
	}
	switch v := m["count"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
