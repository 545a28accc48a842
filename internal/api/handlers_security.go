// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/castellan-io/castellan/internal/anomaly"
)

// SecurityHandlers serves the security alert triage and detection rule
// endpoints.
type SecurityHandlers struct {
	engine   *anomaly.Engine
	store    anomaly.AlertStore
	validate *validator.Validate
}

// NewSecurityHandlers creates security handlers over the engine and its
// alert store.
func NewSecurityHandlers(engine *anomaly.Engine, store anomaly.AlertStore) *SecurityHandlers {
	return &SecurityHandlers{
		engine:   engine,
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ListAlerts handles GET /api/v1/security/alerts.
func (h *SecurityHandlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	f := anomaly.AlertFilter{
		Rule:     anomaly.RuleName(r.URL.Query().Get("rule")),
		Severity: anomaly.Severity(r.URL.Query().Get("severity")),
		Status:   anomaly.Status(r.URL.Query().Get("status")),
		Page:     queryInt(r, "page", 1),
		Limit:    queryInt(r, "limit", 0),
	}

	page, err := h.store.ListAlerts(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "SECURITY_ERROR", "Failed to list security alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetAlert handles GET /api/v1/security/alerts/{id}.
func (h *SecurityHandlers) GetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Alert ID is required", nil)
		return
	}

	alert, err := h.store.GetAlert(r.Context(), id)
	if err != nil {
		if errors.Is(err, anomaly.ErrAlertNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "Alert not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "SECURITY_ERROR", "Failed to load alert", err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// updateAlertRequest is the PATCH body for alert triage.
type updateAlertRequest struct {
	Status *string `json:"status" validate:"omitempty,oneof=open acknowledged resolved"`
	Note   *string `json:"note" validate:"omitempty,max=2000"`
}

// UpdateAlert handles PATCH /api/v1/security/alerts/{id}. Status only
// moves forward; a note may be set or replaced on any update.
func (h *SecurityHandlers) UpdateAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Alert ID is required", nil)
		return
	}

	var req updateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid alert update", err)
		return
	}
	if req.Status == nil && req.Note == nil {
		respondError(w, http.StatusBadRequest, "EMPTY_UPDATE", "Provide a status or note to update", nil)
		return
	}

	update := anomaly.AlertUpdate{Note: req.Note}
	if req.Status != nil {
		status := anomaly.Status(*req.Status)
		update.Status = &status
	}

	alert, err := h.store.UpdateAlert(r.Context(), id, update)
	if err != nil {
		switch {
		case errors.Is(err, anomaly.ErrAlertNotFound):
			respondError(w, http.StatusNotFound, "NOT_FOUND", "Alert not found", nil)
		case errors.Is(err, anomaly.ErrInvalidTransition):
			respondError(w, http.StatusConflict, "INVALID_TRANSITION", "Alert status can only move forward", nil)
		default:
			respondError(w, http.StatusInternalServerError, "SECURITY_ERROR", "Failed to update alert", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// ruleView is the wire shape of one detection rule.
type ruleView struct {
	Enabled          bool   `json:"enabled"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	Severity         string `json:"severity"`
	Threshold        int    `json:"threshold"`
	TimeWindowSecs   int    `json:"timeWindowSeconds"`
	SuppressKnownIPs bool   `json:"suppressKnownIps,omitempty"`
}

func toRuleView(cfg anomaly.RuleConfig) ruleView {
	return ruleView{
		Enabled:          cfg.Enabled,
		Name:             cfg.Name,
		Description:      cfg.Description,
		Severity:         string(cfg.Severity),
		Threshold:        cfg.Threshold,
		TimeWindowSecs:   int(cfg.TimeWindow / time.Second),
		SuppressKnownIPs: cfg.SuppressKnownIPs,
	}
}

// ListRules handles GET /api/v1/security/rules.
func (h *SecurityHandlers) ListRules(w http.ResponseWriter, _ *http.Request) {
	rules := h.engine.Rules()
	out := make(map[string]ruleView, len(rules))
	for name, cfg := range rules {
		out[string(name)] = toRuleView(cfg)
	}
	writeJSON(w, http.StatusOK, out)
}

// updateRuleRequest is the PUT body for rule updates.
type updateRuleRequest struct {
	Enabled          *bool   `json:"enabled"`
	Description      *string `json:"description" validate:"omitempty,max=500"`
	Severity         *string `json:"severity" validate:"omitempty,oneof=low medium high critical"`
	Threshold        *int    `json:"threshold" validate:"omitempty,min=1"`
	TimeWindowSecs   *int    `json:"timeWindowSeconds" validate:"omitempty,min=1"`
	SuppressKnownIPs *bool   `json:"suppressKnownIps"`
}

// UpdateRule handles PUT /api/v1/security/rules/{name}. Changes apply
// from the next sweep and last for the process lifetime.
func (h *SecurityHandlers) UpdateRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		respondError(w, http.StatusBadRequest, "INVALID_NAME", "Rule name is required", nil)
		return
	}

	var req updateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid rule update", err)
		return
	}

	patch := anomaly.RulePatch{
		Enabled:          req.Enabled,
		Description:      req.Description,
		Threshold:        req.Threshold,
		SuppressKnownIPs: req.SuppressKnownIPs,
	}
	if req.Severity != nil {
		severity := anomaly.Severity(*req.Severity)
		patch.Severity = &severity
	}
	if req.TimeWindowSecs != nil {
		window := time.Duration(*req.TimeWindowSecs) * time.Second
		patch.TimeWindow = &window
	}

	updated, err := h.engine.UpdateRule(anomaly.RuleName(name), patch)
	if err != nil {
		if errors.Is(err, anomaly.ErrRuleNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "Rule not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "SECURITY_ERROR", "Failed to update rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleView(updated))
}
