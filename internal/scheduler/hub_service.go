// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package scheduler

import (
	"context"
)

// HubRunner matches the websocket hub's blocking run loop. Satisfied by
// *websocket.Hub.
type HubRunner interface {
	RunWithContext(ctx context.Context) error
}

// HubService wraps the alert websocket hub as a supervised service.
type HubService struct {
	hub HubRunner
}

// NewHubService creates the hub service wrapper.
func NewHubService(hub HubRunner) *HubService {
	return &HubService{hub: hub}
}

// Serve implements suture.Service.
func (h *HubService) Serve(ctx context.Context) error {
	return h.hub.RunWithContext(ctx)
}

// String implements fmt.Stringer for supervisor logs.
func (h *HubService) String() string {
	return "websocket-hub"
}
