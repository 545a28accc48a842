// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package anomaly

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestQueueSourceDrainsOnNextBatch(t *testing.T) {
	q := NewQueueSource()
	now := time.Now().UTC()

	q.AddMessage(MessageEvent{UserID: "user-1", Timestamp: now})
	q.AddMessage(MessageEvent{UserID: "user-1", Timestamp: now.Add(time.Second)})
	q.AddTip(TipEvent{RecipientID: "user-2", SenderID: "user-3", Timestamp: now})
	q.AddWithdrawal(WithdrawalEvent{UserID: "user-4", RegistrationTime: now, WithdrawalTime: now.Add(time.Minute)})
	q.AddRegistration(RegistrationEvent{UserID: "user-5", IPAddress: "10.0.0.1", RegistrationTime: now})
	q.AddAdminLogin(AdminLoginEvent{AdminID: "admin-1", IPAddress: "10.0.0.2", Timestamp: now})

	if got := q.Pending(); got != 6 {
		t.Fatalf("Pending() = %d, want 6", got)
	}

	batch, err := q.NextBatch(context.Background())
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if len(batch.Messages) != 2 || len(batch.Tips) != 1 || len(batch.Withdrawals) != 1 ||
		len(batch.Registrations) != 1 || len(batch.AdminLogins) != 1 {
		t.Errorf("batch = %+v", batch)
	}

	if got := q.Pending(); got != 0 {
		t.Errorf("Pending() after drain = %d, want 0", got)
	}

	batch, err = q.NextBatch(context.Background())
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if len(batch.Messages) != 0 {
		t.Errorf("second batch not empty: %+v", batch)
	}
}

func TestQueueSourceEventsAfterDrainLandInNextBatch(t *testing.T) {
	q := NewQueueSource()
	now := time.Now().UTC()

	q.AddMessage(MessageEvent{UserID: "user-1", Timestamp: now})
	if _, err := q.NextBatch(context.Background()); err != nil {
		t.Fatalf("NextBatch: %v", err)
	}

	q.AddMessage(MessageEvent{UserID: "user-2", Timestamp: now})
	batch, err := q.NextBatch(context.Background())
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if len(batch.Messages) != 1 || batch.Messages[0].UserID != "user-2" {
		t.Errorf("batch = %+v", batch)
	}
}

func TestQueueSourceConcurrentProducers(t *testing.T) {
	q := NewQueueSource()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.AddMessage(MessageEvent{UserID: "user-1", Timestamp: now})
			}
		}()
	}
	wg.Wait()

	batch, err := q.NextBatch(context.Background())
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if len(batch.Messages) != 1000 {
		t.Errorf("messages = %d, want 1000", len(batch.Messages))
	}
}
