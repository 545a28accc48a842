// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-io/castellan/internal/logging"
	"github.com/castellan-io/castellan/internal/metrics"
)

// Engine runs the five anomaly detection rules over event batches. Each
// engine instance owns its rule table behind a mutex; there is no shared
// package-level configuration.
type Engine struct {
	store       AlertStore
	broadcaster Broadcaster
	notifiers   []Notifier

	rules *ruleTable

	nowFn func() time.Time
}

// NewEngine creates an engine over the given alert store. rules may be
// nil to start from DefaultRules.
func NewEngine(store AlertStore, rules map[RuleName]RuleConfig) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Engine{
		store: store,
		rules: newRuleTable(rules),
		nowFn: time.Now,
	}
}

// SetBroadcaster attaches the operator broadcast sink. Call before the
// first sweep.
func (e *Engine) SetBroadcaster(b Broadcaster) { e.broadcaster = b }

// AddNotifier attaches an alert notifier. Call before the first sweep.
func (e *Engine) AddNotifier(n Notifier) { e.notifiers = append(e.notifiers, n) }

// Rules returns a copy of the current rule table.
func (e *Engine) Rules() map[RuleName]RuleConfig { return e.rules.all() }

// Rule returns one rule's current configuration.
func (e *Engine) Rule(name RuleName) (RuleConfig, error) { return e.rules.get(name) }

// UpdateRule merges a partial update into one rule. The change applies
// from the next sweep; in-flight scans keep the configuration they
// started with. Updates are process-lifetime only.
func (e *Engine) UpdateRule(name RuleName, patch RulePatch) (RuleConfig, error) {
	updated, err := e.rules.update(name, patch)
	if err != nil {
		return RuleConfig{}, err
	}
	logging.Info().
		Str("rule", string(name)).
		Bool("enabled", updated.Enabled).
		Int("threshold", updated.Threshold).
		Dur("time_window", updated.TimeWindow).
		Msg("Anomaly rule updated")
	return updated, nil
}

// RunSweep executes all five rules against one batch and returns the
// number of alerts raised. Rule failures are logged and do not stop the
// remaining rules.
func (e *Engine) RunSweep(ctx context.Context, batch Batch) int {
	raised := 0
	raised += e.sweepRule(ctx, RuleSpam, func() []*SecurityAlert {
		return e.CheckSpam(ctx, batch.Messages)
	})
	raised += e.sweepRule(ctx, RuleWashTrading, func() []*SecurityAlert {
		return e.CheckWashTrading(ctx, batch.Tips)
	})
	raised += e.sweepRule(ctx, RuleEarlyWithdrawal, func() []*SecurityAlert {
		return e.CheckEarlyWithdrawal(ctx, batch.Withdrawals)
	})
	raised += e.sweepRule(ctx, RuleIPRegistrationFraud, func() []*SecurityAlert {
		return e.CheckIPRegistrationFraud(ctx, batch.Registrations)
	})
	raised += e.sweepRule(ctx, RuleAdminNewIP, func() []*SecurityAlert {
		return e.CheckAdminNewIP(ctx, batch.AdminLogins)
	})
	return raised
}

func (e *Engine) sweepRule(_ context.Context, name RuleName, check func() []*SecurityAlert) int {
	start := time.Now()
	alerts := check()
	metrics.SweepDuration.WithLabelValues(string(name)).Observe(time.Since(start).Seconds())
	return len(alerts)
}

// CheckSpam flags users sending more than Threshold messages inside one
// TimeWindow. One alert per user per call, anchored at the first
// qualifying window.
func (e *Engine) CheckSpam(ctx context.Context, messages []MessageEvent) []*SecurityAlert {
	cfg, ok := e.enabledRule(RuleSpam)
	if !ok {
		return nil
	}

	var raised []*SecurityAlert
	for userID, userMessages := range groupBy(messages, func(m MessageEvent) string { return m.UserID }) {
		window, found := firstQualifyingWindow(
			userMessages,
			func(m MessageEvent) time.Time { return m.Timestamp },
			cfg.TimeWindow,
			func(in []MessageEvent) int { return len(in) },
			cfg.Threshold,
		)
		if !found {
			continue
		}

		alert := e.raise(ctx, &SecurityAlert{
			Rule:     RuleSpam,
			Severity: cfg.Severity,
			UserID:   userID,
			Details: map[string]any{
				"messageCount": len(window),
				"timeWindow":   fmt.Sprintf("%.0f seconds", cfg.TimeWindow.Seconds()),
				"threshold":    cfg.Threshold,
			},
		})
		if alert != nil {
			logging.Warn().
				Str("user_id", userID).
				Int("messages", len(window)).
				Msg("Spam detected")
			raised = append(raised, alert)
		}
	}
	return raised
}

// CheckWashTrading flags recipients tipped by more than Threshold
// distinct senders inside one TimeWindow.
func (e *Engine) CheckWashTrading(ctx context.Context, tips []TipEvent) []*SecurityAlert {
	cfg, ok := e.enabledRule(RuleWashTrading)
	if !ok {
		return nil
	}

	uniqueSenders := func(in []TipEvent) int {
		senders := make(map[string]bool, len(in))
		for _, t := range in {
			senders[t.SenderID] = true
		}
		return len(senders)
	}

	var raised []*SecurityAlert
	for recipientID, recipientTips := range groupBy(tips, func(t TipEvent) string { return t.RecipientID }) {
		window, found := firstQualifyingWindow(
			recipientTips,
			func(t TipEvent) time.Time { return t.Timestamp },
			cfg.TimeWindow,
			uniqueSenders,
			cfg.Threshold,
		)
		if !found {
			continue
		}

		alert := e.raise(ctx, &SecurityAlert{
			Rule:     RuleWashTrading,
			Severity: cfg.Severity,
			UserID:   recipientID,
			Details: map[string]any{
				"tipCount":          len(window),
				"uniqueSenderCount": uniqueSenders(window),
				"timeWindow":        fmt.Sprintf("%.0f minutes", cfg.TimeWindow.Minutes()),
				"threshold":         cfg.Threshold,
			},
		})
		if alert != nil {
			logging.Warn().
				Str("user_id", recipientID).
				Int("unique_senders", uniqueSenders(window)).
				Msg("Wash trading detected")
			raised = append(raised, alert)
		}
	}
	return raised
}

// CheckEarlyWithdrawal flags withdrawals made within TimeWindow of the
// account's registration. Every qualifying event alerts; this rule has
// no per-subject dedup.
func (e *Engine) CheckEarlyWithdrawal(ctx context.Context, withdrawals []WithdrawalEvent) []*SecurityAlert {
	cfg, ok := e.enabledRule(RuleEarlyWithdrawal)
	if !ok {
		return nil
	}

	var raised []*SecurityAlert
	for _, w := range withdrawals {
		sinceRegistration := w.WithdrawalTime.Sub(w.RegistrationTime)
		if sinceRegistration > cfg.TimeWindow {
			continue
		}

		alert := e.raise(ctx, &SecurityAlert{
			Rule:     RuleEarlyWithdrawal,
			Severity: cfg.Severity,
			UserID:   w.UserID,
			Details: map[string]any{
				"timeSinceRegistration": fmt.Sprintf("%.0f minutes", sinceRegistration.Minutes()),
				"threshold":             fmt.Sprintf("%.0f minutes", cfg.TimeWindow.Minutes()),
				"registrationTime":      w.RegistrationTime,
				"withdrawalTime":        w.WithdrawalTime,
			},
		})
		if alert != nil {
			logging.Warn().
				Str("user_id", w.UserID).
				Dur("since_registration", sinceRegistration).
				Msg("Early withdrawal detected")
			raised = append(raised, alert)
		}
	}
	return raised
}

// CheckIPRegistrationFraud flags IPs registering more than Threshold
// accounts inside one TimeWindow.
func (e *Engine) CheckIPRegistrationFraud(ctx context.Context, registrations []RegistrationEvent) []*SecurityAlert {
	cfg, ok := e.enabledRule(RuleIPRegistrationFraud)
	if !ok {
		return nil
	}

	var raised []*SecurityAlert
	for ip, ipRegistrations := range groupBy(registrations, func(r RegistrationEvent) string { return r.IPAddress }) {
		window, found := firstQualifyingWindow(
			ipRegistrations,
			func(r RegistrationEvent) time.Time { return r.RegistrationTime },
			cfg.TimeWindow,
			func(in []RegistrationEvent) int { return len(in) },
			cfg.Threshold,
		)
		if !found {
			continue
		}

		userIDs := make([]string, len(window))
		for i, r := range window {
			userIDs[i] = r.UserID
		}

		alert := e.raise(ctx, &SecurityAlert{
			Rule:     RuleIPRegistrationFraud,
			Severity: cfg.Severity,
			Details: map[string]any{
				"ipAddress":    ip,
				"accountCount": len(window),
				"userIds":      userIDs,
				"timeWindow":   fmt.Sprintf("%.0f hours", cfg.TimeWindow.Hours()),
				"threshold":    cfg.Threshold,
			},
		})
		if alert != nil {
			logging.Warn().
				Str("ip_address", ip).
				Int("accounts", len(window)).
				Msg("IP registration fraud detected")
			raised = append(raised, alert)
		}
	}
	return raised
}

// CheckAdminNewIP evaluates each admin login against the set of IPs seen
// in that admin's prior alerts. With SuppressKnownIPs off (the default)
// every login alerts, carrying the known-IP count in its details; with it
// on, logins from an already seen IP are skipped.
func (e *Engine) CheckAdminNewIP(ctx context.Context, logins []AdminLoginEvent) []*SecurityAlert {
	cfg, ok := e.enabledRule(RuleAdminNewIP)
	if !ok {
		return nil
	}

	var raised []*SecurityAlert
	for _, login := range logins {
		previous, err := e.store.FindByRuleAndAdmin(ctx, RuleAdminNewIP, login.AdminID)
		if err != nil {
			logging.Warn().
				Err(err).
				Str("admin_id", login.AdminID).
				Msg("Failed to load prior admin IP alerts")
			continue
		}

		seenIPs := make(map[string]bool)
		for i := range previous {
			if ip, ok := previous[i].Details["ipAddress"].(string); ok && ip != "" {
				seenIPs[ip] = true
			}
		}

		if cfg.SuppressKnownIPs && seenIPs[login.IPAddress] {
			continue
		}

		alert := e.raise(ctx, &SecurityAlert{
			Rule:     RuleAdminNewIP,
			Severity: cfg.Severity,
			AdminID:  login.AdminID,
			Details: map[string]any{
				"ipAddress":       login.IPAddress,
				"timestamp":       login.Timestamp,
				"previousIpCount": len(seenIPs),
			},
		})
		if alert != nil {
			logging.Warn().
				Str("admin_id", login.AdminID).
				Str("ip_address", login.IPAddress).
				Msg("Admin login from new IP")
			raised = append(raised, alert)
		}
	}
	return raised
}

// raise persists an alert and, for high and critical severities, fans it
// out to the broadcast and notifier sinks. Persistence failure drops the
// alert with a log line; sink failures never block the sweep.
func (e *Engine) raise(ctx context.Context, a *SecurityAlert) *SecurityAlert {
	now := e.nowFn().UTC()
	a.ID = uuid.NewString()
	a.Status = StatusOpen
	a.CreatedAt = now
	a.UpdatedAt = now

	if err := e.store.SaveAlert(ctx, a); err != nil {
		logging.Error().
			Err(err).
			Str("rule", string(a.Rule)).
			Msg("Failed to persist security alert")
		return nil
	}
	metrics.SecurityAlerts.WithLabelValues(string(a.Rule), string(a.Severity)).Inc()

	if a.Severity == SeverityHigh || a.Severity == SeverityCritical {
		if e.broadcaster != nil {
			e.broadcaster.BroadcastAlert(a)
		}
		for _, n := range e.notifiers {
			if err := n.Notify(ctx, a); err != nil {
				logging.Warn().
					Err(err).
					Str("notifier", n.Name()).
					Str("alert_id", a.ID).
					Msg("Alert notification failed")
			}
		}
	}
	return a
}

func (e *Engine) enabledRule(name RuleName) (RuleConfig, bool) {
	cfg, err := e.rules.get(name)
	if err != nil || !cfg.Enabled {
		return RuleConfig{}, false
	}
	return cfg, true
}
