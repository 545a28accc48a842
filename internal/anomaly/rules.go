// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package anomaly

import "sync"

// ruleTable is the engine's mutable rule configuration. Reads take the
// read lock; a sweep snapshots each rule once at its start, so updates
// landing mid-sweep apply from the next one.
type ruleTable struct {
	mu    sync.RWMutex
	rules map[RuleName]RuleConfig
}

func newRuleTable(rules map[RuleName]RuleConfig) *ruleTable {
	copied := make(map[RuleName]RuleConfig, len(rules))
	for name, cfg := range rules {
		copied[name] = cfg
	}
	return &ruleTable{rules: copied}
}

func (t *ruleTable) all() map[RuleName]RuleConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[RuleName]RuleConfig, len(t.rules))
	for name, cfg := range t.rules {
		out[name] = cfg
	}
	return out
}

func (t *ruleTable) get(name RuleName) (RuleConfig, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cfg, ok := t.rules[name]
	if !ok {
		return RuleConfig{}, ErrRuleNotFound
	}
	return cfg, nil
}

func (t *ruleTable) update(name RuleName, patch RulePatch) (RuleConfig, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cfg, ok := t.rules[name]
	if !ok {
		return RuleConfig{}, ErrRuleNotFound
	}
	if patch.Enabled != nil {
		cfg.Enabled = *patch.Enabled
	}
	if patch.Description != nil {
		cfg.Description = *patch.Description
	}
	if patch.Severity != nil {
		cfg.Severity = *patch.Severity
	}
	if patch.Threshold != nil {
		cfg.Threshold = *patch.Threshold
	}
	if patch.TimeWindow != nil {
		cfg.TimeWindow = *patch.TimeWindow
	}
	if patch.SuppressKnownIPs != nil {
		cfg.SuppressKnownIPs = *patch.SuppressKnownIPs
	}
	t.rules[name] = cfg
	return cfg, nil
}
