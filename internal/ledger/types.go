// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// Package ledger provides the append-only, hash-chained audit ledger and
// the synchronous alert evaluator that watches it. Entries are immutable
// once written; each carries a digest linking it to its predecessor so
// after-the-fact modification of stored history is detectable.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Action identifies what was done. The set is closed; appends with an
// unknown action are rejected.
type Action string

const (
	ActionUserBanned      Action = "user.banned"
	ActionUserUnbanned    Action = "user.unbanned"
	ActionUserSuspended   Action = "user.suspended"
	ActionUserUnsuspended Action = "user.unsuspended"
	ActionUserVerified    Action = "user.verified"
	ActionUserUnverified  Action = "user.unverified"
	ActionUserViewed      Action = "user.viewed"
	ActionUserUpdated     Action = "user.updated"
	ActionUserDeleted     Action = "user.deleted"

	ActionBulkAction Action = "bulk.action"

	ActionImpersonationStarted Action = "impersonation.started"
	ActionImpersonationEnded   Action = "impersonation.ended"

	ActionRoleAssigned Action = "role.assigned"
	ActionRoleRevoked  Action = "role.revoked"

	ActionAuthLoginSuccess           Action = "auth.login.success"
	ActionAuthLoginFailed            Action = "auth.login.failed"
	ActionAuthLogout                 Action = "auth.logout"
	ActionAuthPasswordResetRequested Action = "auth.password.reset.requested"
	ActionAuthPasswordResetCompleted Action = "auth.password.reset.completed"
	ActionAuthEmailVerified          Action = "auth.email.verified"

	ActionTransferCreated   Action = "transfer.created"
	ActionTransferCompleted Action = "transfer.completed"
	ActionTransferFailed    Action = "transfer.failed"

	ActionAuditLogsViewed   Action = "audit.logs.viewed"
	ActionAuditLogsExported Action = "audit.logs.exported"
	ActionDataExported      Action = "data.exported"
)

// knownActions is the closed action set accepted by Append.
var knownActions = map[Action]bool{
	ActionUserBanned: true, ActionUserUnbanned: true,
	ActionUserSuspended: true, ActionUserUnsuspended: true,
	ActionUserVerified: true, ActionUserUnverified: true,
	ActionUserViewed: true, ActionUserUpdated: true, ActionUserDeleted: true,
	ActionBulkAction:           true,
	ActionImpersonationStarted: true, ActionImpersonationEnded: true,
	ActionRoleAssigned: true, ActionRoleRevoked: true,
	ActionAuthLoginSuccess: true, ActionAuthLoginFailed: true,
	ActionAuthLogout:                 true,
	ActionAuthPasswordResetRequested: true, ActionAuthPasswordResetCompleted: true,
	ActionAuthEmailVerified: true,
	ActionTransferCreated:   true, ActionTransferCompleted: true,
	ActionTransferFailed: true,
	ActionAuditLogsViewed: true, ActionAuditLogsExported: true,
	ActionDataExported: true,
}

// Valid reports whether a is a member of the closed action set.
func (a Action) Valid() bool { return knownActions[a] }

// EventType is the coarse category of an entry.
type EventType string

const (
	EventTypeAdmin       EventType = "admin"
	EventTypeAuth        EventType = "auth"
	EventTypeTransaction EventType = "transaction"
	EventTypeDataAccess  EventType = "data_access"
	EventTypeSystem      EventType = "system"
)

// Outcome indicates how the recorded action concluded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// Severity grades entries and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Entry is one immutable record in the audit ledger.
type Entry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`

	EventType EventType `json:"eventType"`
	Action    Action    `json:"action"`

	// ActorUserID is who performed the action; empty for system events.
	ActorUserID string `json:"actorUserId,omitempty"`

	// TargetUserID is who was affected, if anyone.
	TargetUserID string `json:"targetUserId,omitempty"`

	ResourceType string `json:"resourceType,omitempty"`
	ResourceID   string `json:"resourceId,omitempty"`

	Outcome  Outcome  `json:"outcome,omitempty"`
	Severity Severity `json:"severity,omitempty"`

	// Details is a free-form description of the event.
	Details string `json:"details,omitempty"`

	// Metadata carries structured event-specific fields. It participates
	// in the digest via its canonical serialization, so key order never
	// affects the hash.
	Metadata map[string]any `json:"metadata,omitempty"`

	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`

	// PreviousHash links to the prior entry's digest; empty on the first
	// entry of the chain.
	PreviousHash string `json:"previousHash,omitempty"`

	// Hash is this entry's own digest.
	Hash string `json:"hash"`
}

// Input describes a new entry to append. ID, timestamps and hashes are
// assigned by the ledger.
type Input struct {
	EventType    EventType
	Action       Action
	ActorUserID  string
	TargetUserID string
	ResourceType string
	ResourceID   string
	Outcome      Outcome
	Severity     Severity
	Details      string
	Metadata     map[string]any
	IPAddress    string
	UserAgent    string
}

// ArchiveEntry is an Entry copied to cold storage. OriginalID preserves
// the hot-row id so the archive copy is idempotent per source row.
type ArchiveEntry struct {
	Entry
	OriginalID string    `json:"originalId"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// Filter selects ledger entries. All set fields must match (AND).
type Filter struct {
	ActorUserID  string
	TargetUserID string

	// Actions matches any of the listed actions.
	Actions []Action

	EventType    EventType
	Outcome      Outcome
	ResourceType string
	ResourceID   string
	IPAddress    string

	// UserAgent matches as a case-insensitive substring.
	UserAgent string

	// Search matches case-insensitively against details and the textual
	// form of metadata.
	Search string

	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	// Page is 1-based. Zero means page 1.
	Page int

	// Limit caps the page size; zero means DefaultPageLimit.
	Limit int
}

// Pagination bounds for Search.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Export row caps.
const (
	DefaultExportLimit = 1000
	MaxExportLimit     = 5000
)

// Page is one page of search results.
type Page struct {
	Entries []Entry `json:"logs"`
	Total   int64   `json:"total"`
	Page    int     `json:"page"`
	Limit   int     `json:"limit"`
}

// AlertType identifies which evaluator rule raised an alert.
type AlertType string

const (
	AlertTypeAuthBruteForce          AlertType = "auth_brute_force"
	AlertTypeAdminBulkAction         AlertType = "admin_bulk_action"
	AlertTypeTransactionFailureSpike AlertType = "transaction_failure_spike"
	AlertTypeDataExport              AlertType = "data_export"
)

// AuditAlert is raised by the evaluator when an appended entry matches an
// alert rule. Alerts are freestanding records, not part of the hash chain.
type AuditAlert struct {
	ID         string         `json:"id"`
	AlertType  AlertType      `json:"alertType"`
	Severity   Severity       `json:"severity"`
	Details    string         `json:"details"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IPAddress  string         `json:"ipAddress,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
}

// AlertFilter selects audit alerts.
type AlertFilter struct {
	AlertType  AlertType
	Severity   Severity
	Unresolved bool
	Page       int
	Limit      int
}

var (
	// ErrImmutable is returned by stores on any attempt to overwrite or
	// delete an individual ledger entry outside archival.
	ErrImmutable = errors.New("audit ledger entries are immutable")

	// ErrUnknownAction is returned by Append for actions outside the
	// closed set.
	ErrUnknownAction = errors.New("unknown audit action")

	// ErrAlertNotFound is returned when resolving a nonexistent alert.
	ErrAlertNotFound = errors.New("audit alert not found")
)

// Store defines hot ledger persistence.
type Store interface {
	// Insert persists a new entry. Reusing an existing id fails with
	// ErrImmutable.
	Insert(ctx context.Context, e *Entry) error

	// LatestHash returns the most recent entry's digest, or "" when the
	// ledger is empty.
	LatestHash(ctx context.Context) (string, error)

	// Search returns matching entries newest first plus the total match
	// count before pagination.
	Search(ctx context.Context, f Filter) ([]Entry, int64, error)

	// CountByActionSince counts entries with the given action at or after
	// since. ip narrows to a single address when non-empty.
	CountByActionSince(ctx context.Context, action Action, ip string, since time.Time) (int64, error)

	// OldestBefore returns up to limit entries created before cutoff,
	// oldest first.
	OldestBefore(ctx context.Context, cutoff time.Time, limit int) ([]Entry, error)

	// DeleteByIDs removes the given entries. Only the archival path may
	// call this.
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)

	// AllAscending returns every entry in creation order, for chain
	// verification.
	AllAscending(ctx context.Context) ([]Entry, error)
}

// ArchiveStore defines cold storage for aged-out entries.
type ArchiveStore interface {
	// SaveBatch copies entries into the archive. Rows whose OriginalID is
	// already archived are skipped, making re-archival idempotent.
	SaveBatch(ctx context.Context, entries []ArchiveEntry) error

	// PurgeArchivedBefore deletes archive rows archived before cutoff and
	// returns the number removed.
	PurgeArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// CountArchived returns the number of archived rows.
	CountArchived(ctx context.Context) (int64, error)
}

// AlertStore defines audit alert persistence.
type AlertStore interface {
	SaveAlert(ctx context.Context, a *AuditAlert) error
	ListAlerts(ctx context.Context, f AlertFilter) ([]AuditAlert, int64, error)

	// ResolveAlert stamps ResolvedAt once; resolving an already resolved
	// alert is a no-op.
	ResolveAlert(ctx context.Context, id string) error
}
