// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// Package main is the entry point for the Castellan server.
//
// Castellan is the security monitoring core of an administrative
// backend: a tamper-evident audit ledger with hash-chained entries,
// synchronous alert rules on every append, periodic anomaly sweeps
// over platform events, and a websocket feed pushing high-severity
// alerts to connected operators.
//
// Startup order:
//
//  1. Configuration (koanf: defaults, config.yaml, environment)
//  2. Logging (zerolog)
//  3. DuckDB and schema for the ledger and alert stores
//  4. Audit ledger with its post-append alert evaluator
//  5. Anomaly engine, event queue and optional webhook notifier
//  6. WebSocket hub, HTTP API and background services under suture
//
// The server shuts down gracefully on SIGINT and SIGTERM: the HTTP
// server drains in-flight requests, the hub closes its clients, and
// the database is closed last.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/castellan-io/castellan/internal/anomaly"
	"github.com/castellan-io/castellan/internal/api"
	"github.com/castellan-io/castellan/internal/config"
	"github.com/castellan-io/castellan/internal/database"
	"github.com/castellan-io/castellan/internal/ledger"
	"github.com/castellan-io/castellan/internal/logging"
	"github.com/castellan-io/castellan/internal/scheduler"
	ws "github.com/castellan-io/castellan/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("dbPath", cfg.Database.Path).
		Int("port", cfg.Server.Port).
		Msg("Starting Castellan")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	// Ledger storage and the post-append alert evaluator.
	ledgerStore := ledger.NewDuckDBStore(db)
	if err := ledgerStore.CreateTables(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to create ledger tables")
	}
	evaluator := ledger.NewRuleEvaluator(ledgerStore, ledgerStore, evaluatorConfig(cfg.Evaluator))
	l := ledger.New(ledgerStore, ledgerStore, evaluator, ledger.RetentionConfig{
		ArchiveAfter: cfg.Ledger.ArchiveAfter,
		Retention:    cfg.Ledger.Retention,
		BatchSize:    cfg.Ledger.ArchiveBatchSize,
	})

	// Anomaly engine over the security alert store.
	alertStore := anomaly.NewDuckDBAlertStore(db)
	if err := alertStore.CreateTables(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to create alert tables")
	}
	engine := anomaly.NewEngine(alertStore, anomalyRules(cfg.Anomaly.Rules))
	if cfg.Webhook.Enabled {
		engine.AddNotifier(anomaly.NewWebhookNotifier(anomaly.WebhookConfig{
			URL:     cfg.Webhook.URL,
			Timeout: cfg.Webhook.Timeout,
		}))
		logging.Info().Str("url", cfg.Webhook.URL).Msg("Alert webhook enabled")
	}

	hub := ws.NewHub()
	engine.SetBroadcaster(hub)

	// Platform events arrive via POST /api/v1/events and drain on each
	// sweep.
	eventQueue := anomaly.NewQueueSource()

	router := api.NewRouter(cfg.Server, l, ledgerStore, engine, alertStore, eventQueue, hub, db)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	tree := scheduler.NewTree(logging.NewSlogLogger(), scheduler.DefaultTreeConfig())
	tree.AddMonitoringService(scheduler.NewHubService(hub))
	tree.AddMonitoringService(scheduler.NewSweepService(eventQueue, engine, cfg.Anomaly.SweepInterval))
	tree.AddMonitoringService(scheduler.NewRetentionService(l, cfg.Ledger.RetentionInterval))
	tree.AddAPIService(scheduler.NewHTTPService(server, cfg.Server.ShutdownTimeout))

	errCh := tree.ServeBackground(ctx)
	logging.Info().Str("addr", server.Addr).Msg("Castellan started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor stopped with error")
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Fatal().Err(err).Msg("Supervisor failed")
		}
	}

	logging.Info().Msg("Castellan stopped")
}

// evaluatorConfig maps the configured per-rule settings onto the
// post-append evaluator's rule table.
func evaluatorConfig(cfg config.EvaluatorConfig) ledger.EvaluatorConfig {
	return ledger.EvaluatorConfig{
		BruteForce:      evaluatorRule(cfg.BruteForce),
		BulkAction:      evaluatorRule(cfg.BulkAction),
		TransferFailure: evaluatorRule(cfg.TransferFailure),
		DataExport:      evaluatorRule(cfg.DataExport),
	}
}

func evaluatorRule(cfg config.RuleConfig) ledger.RuleSettings {
	return ledger.RuleSettings{
		Enabled:   cfg.Enabled,
		Threshold: cfg.Threshold,
		Window:    cfg.Window,
		Severity:  ledger.Severity(cfg.Severity),
	}
}

// anomalyRules builds the engine's initial rule table from the
// configuration, keeping the built-in names and descriptions.
func anomalyRules(cfg config.AnomalyRules) map[anomaly.RuleName]anomaly.RuleConfig {
	rules := anomaly.DefaultRules()
	apply := func(name anomaly.RuleName, rc config.RuleConfig) {
		rule := rules[name]
		rule.Enabled = rc.Enabled
		rule.Severity = anomaly.Severity(rc.Severity)
		rule.Threshold = rc.Threshold
		if rc.Window > 0 {
			rule.TimeWindow = rc.Window
		}
		rule.SuppressKnownIPs = rc.SuppressKnownIPs
		rules[name] = rule
	}
	apply(anomaly.RuleSpam, cfg.Spam)
	apply(anomaly.RuleWashTrading, cfg.WashTrading)
	apply(anomaly.RuleEarlyWithdrawal, cfg.EarlyWithdrawal)
	apply(anomaly.RuleIPRegistrationFraud, cfg.IPRegistrationFraud)
	apply(anomaly.RuleAdminNewIP, cfg.AdminNewIP)
	return rules
}
