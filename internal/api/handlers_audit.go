// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/castellan-io/castellan/internal/ledger"
)

// AuditHandlers serves the audit ledger endpoints: log search, export,
// chain verification and the synchronous audit alerts.
type AuditHandlers struct {
	ledger *ledger.Ledger
	alerts ledger.AlertStore
}

// NewAuditHandlers creates audit handlers over the ledger and its alert
// store.
func NewAuditHandlers(l *ledger.Ledger, alerts ledger.AlertStore) *AuditHandlers {
	return &AuditHandlers{ledger: l, alerts: alerts}
}

// auditFilterFromQuery builds a search filter from query parameters.
// targetType/targetId and startDate/endDate are aliases kept for older
// clients.
func auditFilterFromQuery(r *http.Request) ledger.Filter {
	f := ledger.Filter{
		ActorUserID:  r.URL.Query().Get("actorUserId"),
		TargetUserID: r.URL.Query().Get("targetUserId"),
		EventType:    ledger.EventType(r.URL.Query().Get("eventType")),
		Outcome:      ledger.Outcome(r.URL.Query().Get("outcome")),
		ResourceType: queryString(r, "resourceType", "targetType"),
		ResourceID:   queryString(r, "resourceId", "targetId"),
		IPAddress:    r.URL.Query().Get("ipAddress"),
		UserAgent:    r.URL.Query().Get("userAgent"),
		Search:       r.URL.Query().Get("search"),
		Page:         queryInt(r, "page", 1),
		Limit:        queryInt(r, "limit", 0),
	}

	if v := queryString(r, "action"); v != "" {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.Actions = append(f.Actions, ledger.Action(part))
			}
		}
	}
	f.CreatedAfter = queryTime(r, "startDate")
	f.CreatedBefore = queryTime(r, "endDate")
	return f
}

// ListLogs handles GET /api/v1/audit/logs.
func (h *AuditHandlers) ListLogs(w http.ResponseWriter, r *http.Request) {
	page, err := h.ledger.Search(r.Context(), auditFilterFromQuery(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "AUDIT_ERROR", "Failed to search audit logs", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ExportLogs handles GET /api/v1/audit/logs/export. Supports csv and
// json formats, served as a file download.
func (h *AuditHandlers) ExportLogs(w http.ResponseWriter, r *http.Request) {
	format := ledger.ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = ledger.ExportJSON
	}

	data, contentType, err := h.ledger.Export(r.Context(), auditFilterFromQuery(r), format)
	if err != nil {
		if strings.Contains(err.Error(), "unsupported export format") {
			respondError(w, http.StatusBadRequest, "INVALID_FORMAT", "Export format must be csv or json", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "EXPORT_ERROR", "Failed to export audit logs", err)
		return
	}

	filename := "audit-logs." + string(format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// VerifyChain handles GET /api/v1/audit/logs/verify.
func (h *AuditHandlers) VerifyChain(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.VerifyChain(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "VERIFY_ERROR", "Failed to verify audit chain", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListAlerts handles GET /api/v1/audit/alerts.
func (h *AuditHandlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	f := ledger.AlertFilter{
		AlertType:  ledger.AlertType(r.URL.Query().Get("alertType")),
		Severity:   ledger.Severity(r.URL.Query().Get("severity")),
		Unresolved: r.URL.Query().Get("unresolved") == "true",
		Page:       queryInt(r, "page", 1),
		Limit:      queryInt(r, "limit", 0),
	}

	alerts, total, err := h.alerts.ListAlerts(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "AUDIT_ERROR", "Failed to list audit alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"total":  total,
	})
}

// ResolveAlert handles POST /api/v1/audit/alerts/{id}/resolve.
func (h *AuditHandlers) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Alert ID is required", nil)
		return
	}

	if err := h.alerts.ResolveAlert(r.Context(), id); err != nil {
		if errors.Is(err, ledger.ErrAlertNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "Alert not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "AUDIT_ERROR", "Failed to resolve alert", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
