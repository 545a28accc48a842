// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/castellan-io/castellan/internal/anomaly"
)

// EventsHandler accepts platform events from the host application and
// queues them for the next anomaly sweep.
type EventsHandler struct {
	queue *anomaly.QueueSource
}

// NewEventsHandler creates the ingest handler. A nil queue disables the
// endpoint.
func NewEventsHandler(queue *anomaly.QueueSource) *EventsHandler {
	return &EventsHandler{queue: queue}
}

// eventsRequest is the ingest body. Every field is optional; a request
// may carry any mix of event types.
type eventsRequest struct {
	Messages      []anomaly.MessageEvent      `json:"messages"`
	Tips          []anomaly.TipEvent          `json:"tips"`
	Withdrawals   []anomaly.WithdrawalEvent   `json:"withdrawals"`
	Registrations []anomaly.RegistrationEvent `json:"registrations"`
	AdminLogins   []anomaly.AdminLoginEvent   `json:"adminLogins"`
}

// Ingest handles POST /api/v1/events. Events are queued and picked up by
// the next sweep; the response reports how many were accepted.
func (h *EventsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		respondError(w, http.StatusServiceUnavailable, "EVENTS_DISABLED", "Event ingestion is not enabled", nil)
		return
	}

	var req eventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", err)
		return
	}

	for _, e := range req.Messages {
		h.queue.AddMessage(e)
	}
	for _, e := range req.Tips {
		h.queue.AddTip(e)
	}
	for _, e := range req.Withdrawals {
		h.queue.AddWithdrawal(e)
	}
	for _, e := range req.Registrations {
		h.queue.AddRegistration(e)
	}
	for _, e := range req.AdminLogins {
		h.queue.AddAdminLogin(e)
	}

	queued := len(req.Messages) + len(req.Tips) + len(req.Withdrawals) +
		len(req.Registrations) + len(req.AdminLogins)
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}
