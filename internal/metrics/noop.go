package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) KillmailIngested()                                         {}
func (n *NoopSink) DuplicateKillmailSkipped()                                 {}
func (n *NoopSink) FeedPollCompleted(duration time.Duration)                  {}
func (n *NoopSink) FeedPollError()                                            {}
func (n *NoopSink) FetchCompleted(outcome string, duration time.Duration)     {}
func (n *NoopSink) ClaimContended()                                           {}
func (n *NoopSink) SentinelWritten()                                          {}
func (n *NoopSink) FetchesInFlightIncr()                                      {}
func (n *NoopSink) FetchesInFlightDecr()                                      {}
func (n *NoopSink) DeliveryAttemptCompleted(class string, d time.Duration)    {}
func (n *NoopSink) DeliveryOutcome(profile, outcome string)                   {}
func (n *NoopSink) DeliverySuppressed(profile, reason string)                 {}
func (n *NoopSink) DispatchCycleError(profile string)                         {}
func (n *NoopSink) StaleClaimsDeleted(count int64)                            {}
func (n *NoopSink) DeliveriesExpunged(count int64)                            {}
func (n *NoopSink) LeadershipChanged(leading bool)                            {}
