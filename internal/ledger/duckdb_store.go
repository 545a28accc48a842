// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/castellan-io/castellan/internal/logging"
)

// DuckDBStore implements Store, ArchiveStore and AlertStore using DuckDB.
// This is the production persistence layer; the ledger's append mutex
// provides write serialization above it.
type DuckDBStore struct {
	db *sql.DB
}

// NewDuckDBStore creates a DuckDB-backed ledger store. Call CreateTables
// during initialization before first use.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

// CreateTables creates the ledger tables and indexes if they don't exist.
func (s *DuckDBStore) CreateTables(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL,
			action TEXT NOT NULL,
			actor_user_id TEXT,
			target_user_id TEXT,
			resource_type TEXT,
			resource_id TEXT,
			outcome TEXT,
			severity TEXT,
			details TEXT,
			metadata JSON,
			ip_address TEXT,
			user_agent TEXT,
			previous_hash TEXT,
			hash TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_actor ON audit_logs(actor_user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_target ON audit_logs(target_user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_ip ON audit_logs(ip_address);

		CREATE TABLE IF NOT EXISTS audit_log_archive (
			original_id TEXT PRIMARY KEY,
			archived_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL,
			action TEXT NOT NULL,
			actor_user_id TEXT,
			target_user_id TEXT,
			resource_type TEXT,
			resource_id TEXT,
			outcome TEXT,
			severity TEXT,
			details TEXT,
			metadata JSON,
			ip_address TEXT,
			user_agent TEXT,
			previous_hash TEXT,
			hash TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_archive_archived_at ON audit_log_archive(archived_at);

		CREATE TABLE IF NOT EXISTS audit_alerts (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			details TEXT,
			metadata JSON,
			ip_address TEXT,
			resolved_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_audit_alerts_created_at ON audit_alerts(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_alerts_type ON audit_alerts(alert_type);
	`

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	logging.Info().Msg("Audit ledger tables created/verified")
	return nil
}

// Insert persists a new entry. The primary key rejects id reuse, which is
// surfaced as ErrImmutable.
func (s *DuckDBStore) Insert(ctx context.Context, e *Entry) error {
	if e == nil {
		return fmt.Errorf("entry cannot be nil")
	}

	query := `
		INSERT INTO audit_logs (
			id, created_at, event_type, action,
			actor_user_id, target_user_id, resource_type, resource_id,
			outcome, severity, details, metadata,
			ip_address, user_agent, previous_hash, hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.CreatedAt,
		string(e.EventType),
		string(e.Action),
		nullString(e.ActorUserID),
		nullString(e.TargetUserID),
		nullString(e.ResourceType),
		nullString(e.ResourceID),
		nullString(string(e.Outcome)),
		nullString(string(e.Severity)),
		nullString(e.Details),
		marshalMetadata(e.Metadata),
		nullString(e.IPAddress),
		nullString(e.UserAgent),
		nullString(e.PreviousHash),
		e.Hash,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "constraint") {
			return fmt.Errorf("insert %s: %w", e.ID, ErrImmutable)
		}
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// LatestHash returns the most recent entry's digest, or "" when empty.
func (s *DuckDBStore) LatestHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT hash FROM audit_logs ORDER BY created_at DESC, id DESC LIMIT 1",
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read chain head: %w", err)
	}
	return hash, nil
}

// Search returns matching entries newest first plus the total match count.
func (s *DuckDBStore) Search(ctx context.Context, f Filter) ([]Entry, int64, error) {
	page, limit := normalizePage(f.Page, f.Limit)
	conditions, args := buildEntryConditions(f)

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int64
	countQuery := "SELECT COUNT(*) FROM audit_logs" + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	query := entrySelectColumns + " FROM audit_logs" + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d", limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			logging.Warn().Err(err).Msg("Failed to scan audit entry row")
			continue
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, total, nil
}

// CountByActionSince counts entries by action at or after since,
// optionally narrowed to one IP address.
func (s *DuckDBStore) CountByActionSince(ctx context.Context, action Action, ip string, since time.Time) (int64, error) {
	query := "SELECT COUNT(*) FROM audit_logs WHERE action = ? AND created_at >= ?"
	args := []interface{}{string(action), since}
	if ip != "" {
		query += " AND ip_address = ?"
		args = append(args, ip)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count entries by action: %w", err)
	}
	return count, nil
}

// OldestBefore returns up to limit entries created before cutoff, oldest
// first.
func (s *DuckDBStore) OldestBefore(ctx context.Context, cutoff time.Time, limit int) ([]Entry, error) {
	query := entrySelectColumns +
		" FROM audit_logs WHERE created_at < ? ORDER BY created_at ASC, id ASC LIMIT ?"

	rows, err := s.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query archivable entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archivable entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archivable entries: %w", err)
	}
	return entries, nil
}

// DeleteByIDs removes the given entries. Reserved for the archival path.
func (s *DuckDBStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf("DELETE FROM audit_logs WHERE id IN (%s)", strings.Join(placeholders, ","))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived entries: %w", err)
	}
	return result.RowsAffected()
}

// AllAscending returns every entry in creation order.
func (s *DuckDBStore) AllAscending(ctx context.Context) ([]Entry, error) {
	query := entrySelectColumns + " FROM audit_logs ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries for verification: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

// SaveBatch copies entries into the archive. ON CONFLICT on original_id
// makes re-archival of an already copied row a no-op.
func (s *DuckDBStore) SaveBatch(ctx context.Context, entries []ArchiveEntry) error {
	if len(entries) == 0 {
		return nil
	}

	query := `
		INSERT INTO audit_log_archive (
			original_id, archived_at, created_at, event_type, action,
			actor_user_id, target_user_id, resource_type, resource_id,
			outcome, severity, details, metadata,
			ip_address, user_agent, previous_hash, hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (original_id) DO NOTHING
	`

	for i := range entries {
		e := &entries[i]
		_, err := s.db.ExecContext(ctx, query,
			e.OriginalID,
			e.ArchivedAt,
			e.CreatedAt,
			string(e.EventType),
			string(e.Action),
			nullString(e.ActorUserID),
			nullString(e.TargetUserID),
			nullString(e.ResourceType),
			nullString(e.ResourceID),
			nullString(string(e.Outcome)),
			nullString(string(e.Severity)),
			nullString(e.Details),
			marshalMetadata(e.Metadata),
			nullString(e.IPAddress),
			nullString(e.UserAgent),
			nullString(e.PreviousHash),
			e.Hash,
		)
		if err != nil {
			return fmt.Errorf("failed to archive entry %s: %w", e.OriginalID, err)
		}
	}
	return nil
}

// PurgeArchivedBefore deletes archive rows archived before cutoff.
func (s *DuckDBStore) PurgeArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_log_archive WHERE archived_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge archive: %w", err)
	}
	return result.RowsAffected()
}

// CountArchived returns the number of archived rows.
func (s *DuckDBStore) CountArchived(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log_archive").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count archive: %w", err)
	}
	return count, nil
}

// SaveAlert persists an audit alert.
func (s *DuckDBStore) SaveAlert(ctx context.Context, a *AuditAlert) error {
	if a == nil {
		return fmt.Errorf("alert cannot be nil")
	}

	query := `
		INSERT INTO audit_alerts (
			id, created_at, alert_type, severity, details, metadata, ip_address, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		a.CreatedAt,
		string(a.AlertType),
		string(a.Severity),
		nullString(a.Details),
		marshalMetadata(a.Metadata),
		nullString(a.IPAddress),
		a.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save audit alert: %w", err)
	}
	return nil
}

// ListAlerts returns matching alerts newest first.
func (s *DuckDBStore) ListAlerts(ctx context.Context, f AlertFilter) ([]AuditAlert, int64, error) {
	page, limit := normalizePage(f.Page, f.Limit)

	var conditions []string
	var args []interface{}
	if f.AlertType != "" {
		conditions = append(conditions, "alert_type = ?")
		args = append(args, string(f.AlertType))
	}
	if f.Severity != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Unresolved {
		conditions = append(conditions, "resolved_at IS NULL")
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_alerts"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit alerts: %w", err)
	}

	query := `
		SELECT id, created_at, alert_type, severity, details,
			CAST(metadata AS VARCHAR) as metadata, ip_address, resolved_at
		FROM audit_alerts` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit alerts: %w", err)
	}
	defer rows.Close()

	var alerts []AuditAlert
	for rows.Next() {
		var a AuditAlert
		var alertType, severity string
		var details, metadata, ip sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.CreatedAt, &alertType, &severity, &details, &metadata, &ip, &resolvedAt); err != nil {
			logging.Warn().Err(err).Msg("Failed to scan audit alert row")
			continue
		}
		a.AlertType = AlertType(alertType)
		a.Severity = Severity(severity)
		a.Details = details.String
		a.IPAddress = ip.String
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &a.Metadata)
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			a.ResolvedAt = &t
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating audit alerts: %w", err)
	}
	return alerts, total, nil
}

// ResolveAlert stamps resolved_at on first resolution.
func (s *DuckDBStore) ResolveAlert(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE audit_alerts SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve audit alert: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read resolve result: %w", err)
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_alerts WHERE id = ?", id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check alert existence: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("resolve %s: %w", id, ErrAlertNotFound)
		}
	}
	return nil
}

// entrySelectColumns is the shared SELECT list for audit_logs reads. JSON
// columns are cast to VARCHAR for scanning.
const entrySelectColumns = `
	SELECT id, created_at, event_type, action,
		actor_user_id, target_user_id, resource_type, resource_id,
		outcome, severity, details,
		CAST(metadata AS VARCHAR) as metadata,
		ip_address, user_agent, previous_hash, hash`

// buildEntryConditions builds WHERE clauses from a Filter.
func buildEntryConditions(f Filter) ([]string, []interface{}) {
	var conditions []string
	var args []interface{}

	appendEq := func(column, value string) {
		if value != "" {
			conditions = append(conditions, column+" = ?")
			args = append(args, value)
		}
	}

	appendEq("actor_user_id", f.ActorUserID)
	appendEq("target_user_id", f.TargetUserID)
	appendEq("event_type", string(f.EventType))
	appendEq("outcome", string(f.Outcome))
	appendEq("resource_type", f.ResourceType)
	appendEq("resource_id", f.ResourceID)
	appendEq("ip_address", f.IPAddress)

	if len(f.Actions) > 0 {
		placeholders := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			placeholders[i] = "?"
			args = append(args, string(a))
		}
		conditions = append(conditions, fmt.Sprintf("action IN (%s)", strings.Join(placeholders, ",")))
	}

	if f.UserAgent != "" {
		conditions = append(conditions, "LOWER(user_agent) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.UserAgent)+"%")
	}
	if f.Search != "" {
		conditions = append(conditions, "(LOWER(details) LIKE ? OR LOWER(CAST(metadata AS VARCHAR)) LIKE ?)")
		pattern := "%" + strings.ToLower(f.Search) + "%"
		args = append(args, pattern, pattern)
	}
	if f.CreatedAfter != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, *f.CreatedBefore)
	}
	return conditions, args
}

// scanner abstracts sql.Row and sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEntry scans one audit_logs row.
func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var eventType, action string
	var actor, target, resourceType, resourceID sql.NullString
	var outcome, severity, details, metadata, ip, userAgent, previousHash sql.NullString

	err := row.Scan(
		&e.ID, &e.CreatedAt, &eventType, &action,
		&actor, &target, &resourceType, &resourceID,
		&outcome, &severity, &details, &metadata,
		&ip, &userAgent, &previousHash, &e.Hash,
	)
	if err != nil {
		return nil, err
	}

	e.EventType = EventType(eventType)
	e.Action = Action(action)
	e.ActorUserID = actor.String
	e.TargetUserID = target.String
	e.ResourceType = resourceType.String
	e.ResourceID = resourceID.String
	e.Outcome = Outcome(outcome.String)
	e.Severity = Severity(severity.String)
	e.Details = details.String
	e.IPAddress = ip.String
	e.UserAgent = userAgent.String
	e.PreviousHash = previousHash.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			logging.Debug().Err(err).Str("entry_id", e.ID).Msg("Failed to parse entry metadata JSON")
		}
	}
	return &e, nil
}

// nullString maps "" to NULL for nullable text columns.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalMetadata serializes metadata for a JSON column, NULL when empty.
func marshalMetadata(m map[string]any) interface{} {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(data)
}
