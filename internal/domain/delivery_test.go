package domain

import (
	"testing"
	"time"
)

func TestDeliveryRecordTerminal(t *testing.T) {
	cases := []struct {
		name     string
		record   DeliveryRecord
		terminal bool
	}{
		{"delivered is terminal", DeliveryRecord{Status: DeliveryStatusDelivered, Attempts: 1}, true},
		{"suppressed delivered is terminal", DeliveryRecord{Status: DeliveryStatusDelivered, Attempts: 0}, true},
		{"failed below cap retryable", DeliveryRecord{Status: DeliveryStatusFailed, Attempts: 2}, false},
		{"failed at cap terminal", DeliveryRecord{Status: DeliveryStatusFailed, Attempts: 5}, true},
		{"pending below cap retryable", DeliveryRecord{Status: DeliveryStatusPending, Attempts: 1}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.record.Terminal(5); got != tc.terminal {
				t.Errorf("Terminal(5) = %v, want %v", got, tc.terminal)
			}
		})
	}
}

func TestFetchClaimStale(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ttl := 60 * time.Second

	fresh := FetchClaim{KillmailID: 1, WorkerID: "w1", ClaimedAt: now.Add(-30 * time.Second)}
	if fresh.Stale(now, ttl) {
		t.Error("claim 30s old should not be stale with 60s TTL")
	}

	old := FetchClaim{KillmailID: 2, WorkerID: "w2", ClaimedAt: now.Add(-61 * time.Second)}
	if !old.Stale(now, ttl) {
		t.Error("claim 61s old should be stale with 60s TTL")
	}
}
