package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or
// propagate errors. If the metrics backend is unavailable, implementations
// log warnings and continue.
//
// It is the union of the per-package sink interfaces, so one sink can be
// handed to the feed listener, enrichment pool, dispatch workers, janitor
// and elector alike.
type Sink interface {
	// Feed metrics
	KillmailIngested()
	DuplicateKillmailSkipped()
	FeedPollCompleted(duration time.Duration)
	FeedPollError()

	// Enrichment metrics
	FetchCompleted(outcome string, duration time.Duration)
	ClaimContended()
	SentinelWritten()
	FetchesInFlightIncr()
	FetchesInFlightDecr()

	// Dispatch metrics
	DeliveryAttemptCompleted(statusClass string, duration time.Duration)
	DeliveryOutcome(profile, outcome string)
	DeliverySuppressed(profile, reason string)
	DispatchCycleError(profile string)

	// Janitor metrics
	StaleClaimsDeleted(n int64)
	DeliveriesExpunged(n int64)

	// Leader election metrics
	LeadershipChanged(leading bool)
}
