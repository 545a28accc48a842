// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// Package anomaly implements sliding-window anomaly detection over
// behavioral event batches. The engine owns a mutable rule table, scans
// batches handed to it by the host, persists security alerts and pushes
// high-severity ones to the configured sinks. It never fetches events
// itself.
package anomaly

import (
	"context"
	"errors"
	"time"
)

// RuleName identifies one detection rule.
type RuleName string

const (
	RuleSpam                RuleName = "spam"
	RuleWashTrading         RuleName = "wash_trading"
	RuleEarlyWithdrawal     RuleName = "early_withdrawal"
	RuleIPRegistrationFraud RuleName = "ip_registration_fraud"
	RuleAdminNewIP          RuleName = "admin_new_ip"
)

// Severity grades security alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status is the security alert triage state. Transitions only move
// forward: open, acknowledged, resolved.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// rank orders statuses for transition validation.
func (s Status) rank() int {
	switch s {
	case StatusOpen:
		return 0
	case StatusAcknowledged:
		return 1
	case StatusResolved:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.rank() >= 0 }

// RuleConfig is the runtime configuration of one rule. The engine holds
// these in memory; changes apply from the next sweep and are not
// persisted across restarts.
type RuleConfig struct {
	Enabled     bool     `json:"enabled"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`

	// Threshold is the strict lower bound: a window fires only when its
	// metric exceeds (not reaches) this value. Per-event rules treat it
	// as 1.
	Threshold int `json:"threshold"`

	// TimeWindow is the sliding window length. Zero for rules without a
	// window.
	TimeWindow time.Duration `json:"timeWindow"`

	// SuppressKnownIPs applies to admin_new_ip only: when set, logins
	// from an IP already seen for that admin do not alert. Off by
	// default, which alerts on every admin login.
	SuppressKnownIPs bool `json:"suppressKnownIps,omitempty"`
}

// RulePatch is a partial rule update; nil fields are left unchanged.
type RulePatch struct {
	Enabled          *bool          `json:"enabled,omitempty"`
	Description      *string        `json:"description,omitempty"`
	Severity         *Severity      `json:"severity,omitempty"`
	Threshold        *int           `json:"threshold,omitempty"`
	TimeWindow       *time.Duration `json:"timeWindow,omitempty"`
	SuppressKnownIPs *bool          `json:"suppressKnownIps,omitempty"`
}

// DefaultRules returns the standard rule table.
func DefaultRules() map[RuleName]RuleConfig {
	return map[RuleName]RuleConfig{
		RuleSpam: {
			Enabled:     true,
			Name:        "Spam Detection",
			Description: "User sending >100 messages in 1 minute",
			Severity:    SeverityMedium,
			Threshold:   100,
			TimeWindow:  time.Minute,
		},
		RuleWashTrading: {
			Enabled:     true,
			Name:        "Wash Trading Detection",
			Description: "User receiving >10 tips in 5 minutes from different senders",
			Severity:    SeverityHigh,
			Threshold:   10,
			TimeWindow:  5 * time.Minute,
		},
		RuleEarlyWithdrawal: {
			Enabled:     true,
			Name:        "Early Withdrawal Detection",
			Description: "New user performing withdrawal within 1 hour of registration",
			Severity:    SeverityHigh,
			Threshold:   1,
			TimeWindow:  time.Hour,
		},
		RuleIPRegistrationFraud: {
			Enabled:     true,
			Name:        "IP Registration Fraud Detection",
			Description: "Single IP registering >5 accounts in 24 hours",
			Severity:    SeverityMedium,
			Threshold:   5,
			TimeWindow:  24 * time.Hour,
		},
		RuleAdminNewIP: {
			Enabled:     true,
			Name:        "Admin New IP Login",
			Description: "Admin login from a new IP address",
			Severity:    SeverityCritical,
			Threshold:   1,
		},
	}
}

// SecurityAlert is one detection finding with a triage lifecycle.
type SecurityAlert struct {
	ID       string   `json:"id"`
	Rule     RuleName `json:"rule"`
	Severity Severity `json:"severity"`
	Status   Status   `json:"status"`

	// UserID is the subject user, when the rule has one.
	UserID string `json:"userId,omitempty"`

	// AdminID is set by admin-focused rules.
	AdminID string `json:"adminId,omitempty"`

	// Details carries rule-specific findings (counts, window, subjects).
	Details map[string]any `json:"details,omitempty"`

	// Note is free-form operator commentary set during triage.
	Note string `json:"note,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	// AcknowledgedAt and ResolvedAt are stamped once, on the first
	// transition into the respective status.
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// AlertUpdate is a triage update. Status moves forward only; Note
// replaces the existing note when non-nil.
type AlertUpdate struct {
	Status *Status `json:"status,omitempty"`
	Note   *string `json:"note,omitempty"`
}

// AlertFilter selects security alerts.
type AlertFilter struct {
	Rule     RuleName
	Severity Severity
	Status   Status
	Page     int
	Limit    int
}

// AlertPage is one page of alerts with pagination totals.
type AlertPage struct {
	Alerts []SecurityAlert `json:"data"`
	Total  int64           `json:"total"`
	Page   int             `json:"page"`
	Limit  int             `json:"limit"`
	Pages  int             `json:"pages"`
}

// Default pagination bounds for alert listings.
const (
	DefaultAlertLimit = 20
	MaxAlertLimit     = 100
)

var (
	// ErrRuleNotFound is returned for updates to unknown rule names.
	ErrRuleNotFound = errors.New("anomaly rule not found")

	// ErrAlertNotFound is returned for operations on missing alerts.
	ErrAlertNotFound = errors.New("security alert not found")

	// ErrInvalidTransition is returned for backward or unknown status
	// transitions.
	ErrInvalidTransition = errors.New("invalid alert status transition")
)

// MessageEvent is one chat message send, input to the spam rule.
type MessageEvent struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// TipEvent is one tip transfer, input to the wash trading rule.
type TipEvent struct {
	RecipientID string    `json:"recipientId"`
	SenderID    string    `json:"senderId"`
	Timestamp   time.Time `json:"timestamp"`
}

// WithdrawalEvent pairs a withdrawal with the account's registration
// time, input to the early withdrawal rule.
type WithdrawalEvent struct {
	UserID           string    `json:"userId"`
	RegistrationTime time.Time `json:"registrationTime"`
	WithdrawalTime   time.Time `json:"withdrawalTime"`
}

// RegistrationEvent is one account signup, input to the IP registration
// fraud rule.
type RegistrationEvent struct {
	UserID           string    `json:"userId"`
	IPAddress        string    `json:"ipAddress"`
	RegistrationTime time.Time `json:"registrationTime"`
}

// AdminLoginEvent is one administrator login, input to the admin new IP
// rule.
type AdminLoginEvent struct {
	AdminID   string    `json:"adminId"`
	IPAddress string    `json:"ipAddress"`
	Timestamp time.Time `json:"timestamp"`
}

// Batch bundles the event sets for one sweep. Each sweep sees only its
// batch; windows never span sweeps.
type Batch struct {
	Messages      []MessageEvent
	Tips          []TipEvent
	Withdrawals   []WithdrawalEvent
	Registrations []RegistrationEvent
	AdminLogins   []AdminLoginEvent
}

// Empty reports whether the batch holds no events at all.
func (b Batch) Empty() bool {
	return len(b.Messages) == 0 && len(b.Tips) == 0 && len(b.Withdrawals) == 0 &&
		len(b.Registrations) == 0 && len(b.AdminLogins) == 0
}

// EventSource supplies the engine's sweep batches. Implementations own
// fetch mechanics and invocation boundaries; events on a boundary may be
// counted in two sweeps or in neither window, which is accepted.
type EventSource interface {
	NextBatch(ctx context.Context) (Batch, error)
}

// AlertStore persists security alerts.
type AlertStore interface {
	SaveAlert(ctx context.Context, a *SecurityAlert) error
	GetAlert(ctx context.Context, id string) (*SecurityAlert, error)
	ListAlerts(ctx context.Context, f AlertFilter) (*AlertPage, error)

	// UpdateAlert applies a triage update, enforcing forward-only status
	// transitions and one-shot timestamps.
	UpdateAlert(ctx context.Context, id string, u AlertUpdate) (*SecurityAlert, error)

	// FindByRuleAndAdmin returns alerts for one rule scoped to an admin,
	// used to reconstruct the set of previously seen login IPs.
	FindByRuleAndAdmin(ctx context.Context, rule RuleName, adminID string) ([]SecurityAlert, error)
}

// Notifier receives alerts that pass the severity gate.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a *SecurityAlert) error
}

// Broadcaster pushes alerts to connected operator sessions.
type Broadcaster interface {
	BroadcastAlert(a *SecurityAlert)
}
