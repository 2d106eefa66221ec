package domain

import "time"

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// DeliveryRecord is the dedup and audit entry for one (worker, killmail)
// notification. The composite primary key enforces at most one active
// delivery state per pair; it is the exactly-once authority, while the
// worker's high-water mark only bounds the scan range.
//
// A record with status delivered and Attempts == 0 marks a triggered but
// suppressed event (throttle or quiet hours): terminal, nothing was sent.
type DeliveryRecord struct {
	WorkerName  string
	KillmailID  int64
	ProcessedAt time.Time
	Status      DeliveryStatus
	Attempts    int
}

// Terminal reports whether the record will never be retried.
// Failed records stay retryable until the attempt cap is reached.
func (r DeliveryRecord) Terminal(maxAttempts int) bool {
	switch r.Status {
	case DeliveryStatusDelivered:
		return true
	case DeliveryStatusFailed, DeliveryStatusPending:
		return r.Attempts >= maxAttempts
	default:
		return false
	}
}

// WorkerState is the per-dispatch-worker resumption checkpoint.
// LastProcessedTime is monotonically non-decreasing.
type WorkerState struct {
	WorkerName          string
	LastProcessedTime   time.Time
	LastPollTime        time.Time
	ConsecutiveFailures int
}
