// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package anomaly

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

// DuckDBAlertStore implements AlertStore using DuckDB.
type DuckDBAlertStore struct {
	db *sql.DB

	nowFn func() time.Time
}

// NewDuckDBAlertStore creates a DuckDB-backed security alert store. Call
// CreateTables during initialization before first use.
func NewDuckDBAlertStore(db *sql.DB) *DuckDBAlertStore {
	return &DuckDBAlertStore{db: db, nowFn: time.Now}
}

// CreateTables creates the security alert table and indexes if they don't
// exist.
func (s *DuckDBAlertStore) CreateTables(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS security_alerts (
			id TEXT PRIMARY KEY,
			rule TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			user_id TEXT,
			admin_id TEXT,
			details JSON,
			note TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			acknowledged_at TIMESTAMPTZ,
			resolved_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_security_alerts_created_at ON security_alerts(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_security_alerts_rule ON security_alerts(rule);
		CREATE INDEX IF NOT EXISTS idx_security_alerts_status ON security_alerts(status);
		CREATE INDEX IF NOT EXISTS idx_security_alerts_admin ON security_alerts(admin_id);
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

	logging.Info().Msg("Security alert table created/verified")
	return nil
}

func (s *DuckDBAlertStore) SaveAlert(ctx context.Context, a *SecurityAlert) error {
	if a == nil {
		return fmt.Errorf("alert cannot be nil")
	}

	query := `
		INSERT INTO security_alerts (
			id, rule, severity, status, user_id, admin_id,
			details, note, created_at, updated_at, acknowledged_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		string(a.Rule),
		string(a.Severity),
		string(a.Status),
		alertNullString(a.UserID),
		alertNullString(a.AdminID),
		marshalDetails(a.Details),
		alertNullString(a.Note),
		a.CreatedAt,
		a.UpdatedAt,
		a.AcknowledgedAt,
		a.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save security alert: %w", err)
	}
	return nil
}

func (s *DuckDBAlertStore) GetAlert(ctx context.Context, id string) (*SecurityAlert, error) {
	row := s.db.QueryRowContext(ctx, alertSelectColumns+" FROM security_alerts WHERE id = ?", id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load security alert: %w", err)
	}
	return a, nil
}

// ListAlerts returns matching alerts newest first with pagination totals.
func (s *DuckDBAlertStore) ListAlerts(ctx context.Context, f AlertFilter) (*AlertPage, error) {
	page, limit := normalizeAlertPage(f.Page, f.Limit)

	var conditions []string
	var args []interface{}
	if f.Rule != "" {
		conditions = append(conditions, "rule = ?")
		args = append(args, string(f.Rule))
	}
	if f.Severity != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(f.Status))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM security_alerts"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count security alerts: %w", err)
	}

	query := alertSelectColumns + " FROM security_alerts" + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d", limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query security alerts: %w", err)
	}
	defer rows.Close()

	var alerts []SecurityAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			logging.Warn().Err(err).Msg("Failed to scan security alert row")
			continue
		}
		alerts = append(alerts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security alerts: %w", err)
	}

	return &AlertPage{
		Alerts: alerts,
		Total:  total,
		Page:   page,
		Limit:  limit,
		Pages:  pageCount(total, limit),
	}, nil
}

// UpdateAlert applies a triage update under read-modify-write. The engine
// is the only writer of new alerts and triage traffic is low, so no
// row-level locking is needed.
func (s *DuckDBAlertStore) UpdateAlert(ctx context.Context, id string, u AlertUpdate) (*SecurityAlert, error) {
	a, err := s.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.nowFn().UTC()
	if u.Status != nil {
		next, err := applyStatus(a, *u.Status, now)
		if err != nil {
			return nil, err
		}
		a.Status = next
	}
	if u.Note != nil {
		a.Note = *u.Note
	}
	a.UpdatedAt = now

	query := `
		UPDATE security_alerts
		SET status = ?, note = ?, updated_at = ?, acknowledged_at = ?, resolved_at = ?
		WHERE id = ?
	`
	_, err = s.db.ExecContext(ctx, query,
		string(a.Status),
		alertNullString(a.Note),
		a.UpdatedAt,
		a.AcknowledgedAt,
		a.ResolvedAt,
		a.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update security alert: %w", err)
	}
	return a, nil
}

func (s *DuckDBAlertStore) FindByRuleAndAdmin(ctx context.Context, rule RuleName, adminID string) ([]SecurityAlert, error) {
	query := alertSelectColumns +
		" FROM security_alerts WHERE rule = ? AND admin_id = ? ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, string(rule), adminID)
	if err != nil {
		return nil, fmt.Errorf("failed to query admin alerts: %w", err)
	}
	defer rows.Close()

	var alerts []SecurityAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan admin alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating admin alerts: %w", err)
	}
	return alerts, nil
}

const alertSelectColumns = `
	SELECT id, rule, severity, status, user_id, admin_id,
		CAST(details AS VARCHAR) as details, note,
		created_at, updated_at, acknowledged_at, resolved_at`

type alertScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row alertScanner) (*SecurityAlert, error) {
	var a SecurityAlert
	var rule, severity, status string
	var userID, adminID, details, note sql.NullString
	var acknowledgedAt, resolvedAt sql.NullTime

	err := row.Scan(
		&a.ID, &rule, &severity, &status, &userID, &adminID,
		&details, &note, &a.CreatedAt, &a.UpdatedAt, &acknowledgedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Rule = RuleName(rule)
	a.Severity = Severity(severity)
	a.Status = Status(status)
	a.UserID = userID.String
	a.AdminID = adminID.String
	a.Note = note.String
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &a.Details); err != nil {
			logging.Debug().Err(err).Str("alert_id", a.ID).Msg("Failed to parse alert details JSON")
		}
	}
	if acknowledgedAt.Valid {
		t := acknowledgedAt.Time
		a.AcknowledgedAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}

func alertNullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalDetails serializes details for a JSON column, NULL when empty.
func marshalDetails(m map[string]any) interface{} {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(data)
}
