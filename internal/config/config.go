// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// Package config loads the application configuration from layered
// sources: built-in defaults, an optional YAML file and environment
// variables, in that precedence order (env wins).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, first match
// wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/castellan/config.yaml",
	"/etc/castellan/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Logging   LoggingConfig   `koanf:"logging"`
	Ledger    LedgerConfig    `koanf:"ledger"`
	Evaluator EvaluatorConfig `koanf:"evaluator"`
	Anomaly   AnomalyConfig   `koanf:"anomaly"`
	Webhook   WebhookConfig   `koanf:"webhook"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout" validate:"min=1s"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"min=1s"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"min=1s"`
}

// DatabaseConfig configures the DuckDB store.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`

	// Threads is the DuckDB thread count, 0 for the runtime default.
	Threads int `koanf:"threads" validate:"min=0"`
}

// LoggingConfig configures the zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// LedgerConfig configures audit ledger retention.
type LedgerConfig struct {
	// ArchiveAfter is the hot-table age cutoff for archival.
	ArchiveAfter time.Duration `koanf:"archive_after" validate:"min=1h"`

	// Retention is how long archived rows are kept.
	Retention time.Duration `koanf:"retention" validate:"min=1h"`

	ArchiveBatchSize  int           `koanf:"archive_batch_size" validate:"min=1"`
	RetentionInterval time.Duration `koanf:"retention_interval" validate:"min=1m"`
}

// RuleConfig configures a single alert or detection rule. Threshold and
// Window are zero for rules that fire on a single occurrence.
type RuleConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Threshold int           `koanf:"threshold" validate:"min=0"`
	Window    time.Duration `koanf:"window" validate:"min=0"`
	Severity  string        `koanf:"severity" validate:"oneof=low medium high critical"`

	// SuppressKnownIPs only applies to the admin login detector: alert
	// only on IPs not previously seen for that admin.
	SuppressKnownIPs bool `koanf:"suppress_known_ips"`
}

// EvaluatorConfig configures the synchronous post-append alert rules.
type EvaluatorConfig struct {
	BruteForce      RuleConfig `koanf:"brute_force"`
	BulkAction      RuleConfig `koanf:"bulk_action"`
	TransferFailure RuleConfig `koanf:"transfer_failure"`
	DataExport      RuleConfig `koanf:"data_export"`
}

// AnomalyRules holds the per-detector settings for the anomaly engine.
type AnomalyRules struct {
	Spam                RuleConfig `koanf:"spam"`
	WashTrading         RuleConfig `koanf:"wash_trading"`
	EarlyWithdrawal     RuleConfig `koanf:"early_withdrawal"`
	IPRegistrationFraud RuleConfig `koanf:"ip_registration_fraud"`
	AdminNewIP          RuleConfig `koanf:"admin_new_ip"`
}

// AnomalyConfig configures the anomaly detection engine.
type AnomalyConfig struct {
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"min=1m"`
	Rules         AnomalyRules  `koanf:"rules"`
}

// WebhookConfig configures the outbound alert webhook.
type WebhookConfig struct {
	Enabled bool          `koanf:"enabled"`
	URL     string        `koanf:"url" validate:"omitempty,url"`
	Timeout time.Duration `koanf:"timeout" validate:"min=1s"`
}

// defaultConfig returns the built-in defaults, applied before file and
// environment layers.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8085,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Database: DatabaseConfig{
			Path:      "/data/castellan.duckdb",
			MaxMemory: "1GB",
			Threads:   0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Ledger: LedgerConfig{
			ArchiveAfter:      30 * 24 * time.Hour,
			Retention:         365 * 24 * time.Hour,
			ArchiveBatchSize:  500,
			RetentionInterval: 24 * time.Hour,
		},
		Evaluator: EvaluatorConfig{
			BruteForce:      RuleConfig{Enabled: true, Threshold: 5, Window: 15 * time.Minute, Severity: "high"},
			BulkAction:      RuleConfig{Enabled: true, Threshold: 25, Severity: "medium"},
			TransferFailure: RuleConfig{Enabled: true, Threshold: 3, Window: 30 * time.Minute, Severity: "high"},
			DataExport:      RuleConfig{Enabled: true, Severity: "medium"},
		},
		Anomaly: AnomalyConfig{
			SweepInterval: 10 * time.Minute,
			Rules: AnomalyRules{
				Spam:                RuleConfig{Enabled: true, Threshold: 100, Window: time.Minute, Severity: "medium"},
				WashTrading:         RuleConfig{Enabled: true, Threshold: 10, Window: 5 * time.Minute, Severity: "high"},
				EarlyWithdrawal:     RuleConfig{Enabled: true, Threshold: 1, Window: time.Hour, Severity: "high"},
				IPRegistrationFraud: RuleConfig{Enabled: true, Threshold: 5, Window: 24 * time.Hour, Severity: "medium"},
				AdminNewIP:          RuleConfig{Enabled: true, Threshold: 1, Severity: "critical"},
			},
		},
		Webhook: WebhookConfig{
			Enabled: false,
			URL:     "",
			Timeout: 10 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints across the whole tree.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return err
	}
	if c.Webhook.Enabled && c.Webhook.URL == "" {
		return fmt.Errorf("webhook.url is required when the webhook is enabled")
	}
	if c.Ledger.Retention < c.Ledger.ArchiveAfter {
		return fmt.Errorf("ledger.retention must not be shorter than ledger.archive_after")
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are config paths parsed from comma-separated env
// values.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to config paths.
// Unmapped variables are dropped so unrelated environment noise cannot
// leak into the config.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"http_host":             "server.host",
		"http_port":             "server.port",
		"http_timeout":          "server.timeout",
		"http_shutdown_timeout": "server.shutdown_timeout",
		"cors_origins":          "server.cors_origins",
		"rate_limit_requests":   "server.rate_limit_reqs",
		"rate_limit_window":     "server.rate_limit_window",

		"duckdb_path":       "database.path",
		"duckdb_max_memory": "database.max_memory",
		"duckdb_threads":    "database.threads",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",

		"audit_archive_after":      "ledger.archive_after",
		"audit_retention":          "ledger.retention",
		"audit_archive_batch_size": "ledger.archive_batch_size",
		"audit_retention_interval": "ledger.retention_interval",

		"alert_brute_force_enabled":        "evaluator.brute_force.enabled",
		"alert_brute_force_threshold":      "evaluator.brute_force.threshold",
		"alert_brute_force_window":         "evaluator.brute_force.window",
		"alert_brute_force_severity":       "evaluator.brute_force.severity",
		"alert_bulk_action_enabled":        "evaluator.bulk_action.enabled",
		"alert_bulk_action_threshold":      "evaluator.bulk_action.threshold",
		"alert_bulk_action_severity":       "evaluator.bulk_action.severity",
		"alert_transfer_failure_enabled":   "evaluator.transfer_failure.enabled",
		"alert_transfer_failure_threshold": "evaluator.transfer_failure.threshold",
		"alert_transfer_failure_window":    "evaluator.transfer_failure.window",
		"alert_transfer_failure_severity":  "evaluator.transfer_failure.severity",
		"alert_data_export_enabled":        "evaluator.data_export.enabled",
		"alert_data_export_severity":       "evaluator.data_export.severity",

		"anomaly_sweep_interval": "anomaly.sweep_interval",

		"anomaly_spam_enabled":                    "anomaly.rules.spam.enabled",
		"anomaly_spam_threshold":                  "anomaly.rules.spam.threshold",
		"anomaly_spam_window":                     "anomaly.rules.spam.window",
		"anomaly_spam_severity":                   "anomaly.rules.spam.severity",
		"anomaly_wash_trading_enabled":            "anomaly.rules.wash_trading.enabled",
		"anomaly_wash_trading_threshold":          "anomaly.rules.wash_trading.threshold",
		"anomaly_wash_trading_window":             "anomaly.rules.wash_trading.window",
		"anomaly_wash_trading_severity":           "anomaly.rules.wash_trading.severity",
		"anomaly_early_withdrawal_enabled":        "anomaly.rules.early_withdrawal.enabled",
		"anomaly_early_withdrawal_threshold":      "anomaly.rules.early_withdrawal.threshold",
		"anomaly_early_withdrawal_window":         "anomaly.rules.early_withdrawal.window",
		"anomaly_early_withdrawal_severity":       "anomaly.rules.early_withdrawal.severity",
		"anomaly_ip_registration_fraud_enabled":   "anomaly.rules.ip_registration_fraud.enabled",
		"anomaly_ip_registration_fraud_threshold": "anomaly.rules.ip_registration_fraud.threshold",
		"anomaly_ip_registration_fraud_window":    "anomaly.rules.ip_registration_fraud.window",
		"anomaly_ip_registration_fraud_severity":  "anomaly.rules.ip_registration_fraud.severity",
		"anomaly_admin_new_ip_enabled":            "anomaly.rules.admin_new_ip.enabled",
		"anomaly_admin_new_ip_severity":           "anomaly.rules.admin_new_ip.severity",
		"anomaly_admin_new_ip_suppress_known_ips": "anomaly.rules.admin_new_ip.suppress_known_ips",
		"anomaly_suppress_known_admin_ips":        "anomaly.rules.admin_new_ip.suppress_known_ips",

		"webhook_enabled": "webhook.enabled",
		"webhook_url":     "webhook.url",
		"webhook_timeout": "webhook.timeout",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
