// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// Package websocket pushes security alerts to connected operator
// sessions. The hub fans messages out to all clients; the anomaly engine
// decides which alerts reach it.
package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/castellan-io/castellan/internal/anomaly"
	"github.com/castellan-io/castellan/internal/logging"
	"github.com/castellan-io/castellan/internal/metrics"
)

// Message types sent over the wire.
const (
	MessageTypeSecurityAlert = "security_alert"
	MessageTypePing          = "ping"
	MessageTypePong          = "pong"
)

// Message is one WebSocket frame payload.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// AlertPayload is the operator-facing shape of a broadcast alert.
type AlertPayload struct {
	ID        string         `json:"id"`
	Rule      string         `json:"rule"`
	Severity  string         `json:"severity"`
	Status    string         `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Hub maintains the set of active clients and broadcasts messages to
// them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates an empty hub. Run it with RunWithContext before
// registering clients.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// RunWithContext runs the hub event loop until the context is canceled,
// then closes all clients and returns the context error. Designed to run
// under a supervisor.
//
// Selection is priority ordered: shutdown, then client lifecycle, then
// broadcasts. Go's select picks randomly between ready channels, so the
// staged non-blocking checks keep client state consistent before
// messages flow.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	logging.Info().Int("total_clients", total).Msg("websocket client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	logging.Info().Int("total_clients", total).Msg("websocket client disconnected")
}

func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := sortedClients(h.clients)
	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	logging.Info().
		Str("component", "websocket-hub").
		AnErr("reason", ctx.Err()).
		Int("clients_closed", len(clients)).
		Msg("websocket hub stopped")
}

// broadcastToClients delivers a message to every client in id order.
// Clients with a full send buffer are dropped; a stalled reader must not
// block the rest.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var toRemove []*Client
	for _, client := range sortedClients(h.clients) {
		select {
		case client.send <- message:
			metrics.BroadcastsSent.Inc()
		default:
			toRemove = append(toRemove, client)
			metrics.BroadcastsDropped.Inc()
		}
	}

	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
	}
}

// sortedClients returns clients ordered by id for a stable delivery and
// close order. Caller holds the lock.
func sortedClients(m map[*Client]bool) []*Client {
	clients := make([]*Client, 0, len(m))
	for client := range m {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	return clients
}

// BroadcastAlert queues a security alert for delivery to all connected
// clients. Implements the anomaly engine's broadcast sink. Non-blocking:
// if the queue is full the alert is dropped with a log line.
func (h *Hub) BroadcastAlert(a *anomaly.SecurityAlert) {
	message := Message{
		Type: MessageTypeSecurityAlert,
		Data: AlertPayload{
			ID:        a.ID,
			Rule:      string(a.Rule),
			Severity:  string(a.Severity),
			Status:    string(a.Status),
			Details:   a.Details,
			UserID:    a.UserID,
			CreatedAt: a.CreatedAt,
		},
	}

	select {
	case h.broadcast <- message:
	default:
		metrics.BroadcastsDropped.Inc()
		logging.Warn().Str("alert_id", a.ID).Msg("broadcast channel full, dropping alert")
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
