// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// Package api exposes the HTTP surface: audit log search and export,
// audit and security alert listings, triage updates, detection rule
// management and the alert websocket.
package api

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/castellan-io/castellan/internal/anomaly"
	"github.com/castellan-io/castellan/internal/config"
	"github.com/castellan-io/castellan/internal/ledger"
	"github.com/castellan-io/castellan/internal/metrics"
	ws "github.com/castellan-io/castellan/internal/websocket"
)

// Router wires handlers into the HTTP route tree.
type Router struct {
	cfg      config.ServerConfig
	audit    *AuditHandlers
	security *SecurityHandlers
	events   *EventsHandler
	wsh      *WSHandler
	health   *HealthHandler
}

// NewRouter builds the router from its component dependencies.
func NewRouter(
	cfg config.ServerConfig,
	l *ledger.Ledger,
	auditAlerts ledger.AlertStore,
	engine *anomaly.Engine,
	securityAlerts anomaly.AlertStore,
	queue *anomaly.QueueSource,
	hub *ws.Hub,
	db *sql.DB,
) *Router {
	return &Router{
		cfg:      cfg,
		audit:    NewAuditHandlers(l, auditAlerts),
		security: NewSecurityHandlers(engine, securityAlerts),
		events:   NewEventsHandler(queue),
		wsh:      NewWSHandler(hub, cfg.CORSOrigins),
		health:   NewHealthHandler(db),
	}
}

// Setup returns the complete route tree.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   router.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1/health", func(r chi.Router) {
		// Permissive limit so monitors can poll freely.
		r.Use(httprate.LimitByIP(1000, router.cfg.RateLimitWindow))
		r.Get("/live", router.health.Live)
		r.Get("/ready", router.health.Ready)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(router.cfg.RateLimitReqs, router.cfg.RateLimitWindow))

		r.Route("/audit", func(r chi.Router) {
			r.Get("/logs", router.audit.ListLogs)
			r.Get("/logs/export", router.audit.ExportLogs)
			r.Get("/logs/verify", router.audit.VerifyChain)
			r.Get("/alerts", router.audit.ListAlerts)
			r.Post("/alerts/{id}/resolve", router.audit.ResolveAlert)
		})

		r.Route("/security", func(r chi.Router) {
			r.Get("/alerts", router.security.ListAlerts)
			r.Get("/alerts/{id}", router.security.GetAlert)
			r.Patch("/alerts/{id}", router.security.UpdateAlert)
			r.Get("/rules", router.security.ListRules)
			r.Put("/rules/{name}", router.security.UpdateRule)
		})

		r.Post("/events", router.events.Ingest)

		r.Get("/ws", router.wsh.Serve)
	})

	return r
}
