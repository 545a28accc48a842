// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package anomaly

import (
	"context"
	"sync"
)

// QueueSource is an in-process EventSource. Producers push events as they
// happen; NextBatch drains everything accumulated since the previous
// sweep. Pushes after a drain land in the next batch.
type QueueSource struct {
	mu      sync.Mutex
	pending Batch
}

// NewQueueSource creates an empty queue source.
func NewQueueSource() *QueueSource {
	return &QueueSource{}
}

// AddMessage queues a chat message event.
func (q *QueueSource) AddMessage(e MessageEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending.Messages = append(q.pending.Messages, e)
}

// AddTip queues a tip transfer event.
func (q *QueueSource) AddTip(e TipEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending.Tips = append(q.pending.Tips, e)
}

// AddWithdrawal queues a withdrawal event.
func (q *QueueSource) AddWithdrawal(e WithdrawalEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending.Withdrawals = append(q.pending.Withdrawals, e)
}

// AddRegistration queues an account registration event.
func (q *QueueSource) AddRegistration(e RegistrationEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending.Registrations = append(q.pending.Registrations, e)
}

// AddAdminLogin queues an administrator login event.
func (q *QueueSource) AddAdminLogin(e AdminLoginEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending.AdminLogins = append(q.pending.AdminLogins, e)
}

// NextBatch implements EventSource. It returns the accumulated batch and
// resets the queue.
func (q *QueueSource) NextBatch(_ context.Context) (Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending
	q.pending = Batch{}
	return batch, nil
}

// Pending reports how many events are queued across all types.
func (q *QueueSource) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending.Messages) + len(q.pending.Tips) + len(q.pending.Withdrawals) +
		len(q.pending.Registrations) + len(q.pending.AdminLogins)
}
