package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Feed metrics
	killmailsIngestedTotal prometheus.Counter
	duplicatesSkippedTotal prometheus.Counter
	feedPollDuration       prometheus.Histogram
	feedPollErrorsTotal    prometheus.Counter

	// Enrichment metrics
	fetchesTotal         *prometheus.CounterVec
	fetchDuration        prometheus.Histogram
	claimContentionTotal prometheus.Counter
	sentinelsTotal       prometheus.Counter
	fetchesInFlight      prometheus.Gauge

	// Dispatch metrics
	deliveryAttemptsTotal  *prometheus.CounterVec
	webhookDuration        prometheus.Histogram
	deliveryOutcomesTotal  *prometheus.CounterVec
	suppressedTotal        *prometheus.CounterVec
	dispatchCycleErrsTotal *prometheus.CounterVec

	// Janitor metrics
	staleClaimsDeletedTotal prometheus.Counter
	deliveriesExpungedTotal prometheus.Counter

	// Leader election metrics
	isLeader prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initFeedMetrics(reg)
	s.initEnrichMetrics(reg)
	s.initDispatchMetrics(reg)
	s.initJanitorMetrics(reg)
	return s
}

func (s *PrometheusSink) initFeedMetrics(reg prometheus.Registerer) {
	s.killmailsIngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "killfeed_feed_killmails_ingested_total",
		Help: "Total number of killmails accepted from the feed.",
	})
	s.duplicatesSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "killfeed_feed_duplicates_skipped_total",
		Help: "Total number of feed packages dropped as duplicates.",
	})
	s.feedPollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "killfeed_feed_poll_duration_seconds",
		Help:    "Duration of each long-poll request in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 15, 30},
	})
	s.feedPollErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "killfeed_feed_poll_errors_total",
		Help: "Total number of failed long-poll requests.",
	})

	s.register(reg, s.killmailsIngestedTotal, "killfeed_feed_killmails_ingested_total")
	s.register(reg, s.duplicatesSkippedTotal, "killfeed_feed_duplicates_skipped_total")
	s.register(reg, s.feedPollDuration, "killfeed_feed_poll_duration_seconds")
	s.register(reg, s.feedPollErrorsTotal, "killfeed_feed_poll_errors_total")
}

func (s *PrometheusSink) initEnrichMetrics(reg prometheus.Registerer) {
	s.fetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "killfeed_enrich_fetches_total",
		Help: "Total number of completed detail fetches by outcome.",
	}, []string{"outcome"})
	s.fetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "killfeed_enrich_fetch_duration_seconds",
		Help:    "Detail API fetch latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	})
	s.claimContentionTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "killfeed_enrich_claim_contention_total",
		Help: "Total number of claim acquisitions lost to another worker.",
	})
	s.sentinelsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "killfeed_enrich_sentinels_total",
		Help: "Total number of killmails marked unfetchable at the attempt ceiling.",
	})
	s.fetchesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "killfeed_enrich_fetches_in_flight",
		Help: "Number of detail fetches currently in progress.",
	})

	s.register(reg, s.fetchesTotal, "killfeed_enrich_fetches_total")
	s.register(reg, s.fetchDuration, "killfeed_enrich_fetch_duration_seconds")
	s.register(reg, s.claimContentionTotal, "killfeed_enrich_claim_contention_total")
	s.register(reg, s.sentinelsTotal, "killfeed_enrich_sentinels_total")
	s.register(reg, s.fetchesInFlight, "killfeed_enrich_fetches_in_flight")
}

func (s *PrometheusSink) initDispatchMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "killfeed_dispatch_delivery_attempts_total",
		Help: "Total number of webhook delivery attempts by status class.",
	}, []string{"status_class"})
	s.webhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "killfeed_dispatch_webhook_duration_seconds",
		Help:    "Webhook request latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "killfeed_dispatch_delivery_outcomes_total",
		Help: "Total number of delivery outcomes per profile.",
	}, []string{"profile", "outcome"})
	s.suppressedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "killfeed_dispatch_suppressed_total",
		Help: "Total number of triggered events suppressed without a send.",
	}, []string{"profile", "reason"})
	s.dispatchCycleErrsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "killfeed_dispatch_cycle_errors_total",
		Help: "Total number of failed dispatch cycles per profile.",
	}, []string{"profile"})

	s.register(reg, s.deliveryAttemptsTotal, "killfeed_dispatch_delivery_attempts_total")
	s.register(reg, s.webhookDuration, "killfeed_dispatch_webhook_duration_seconds")
	s.register(reg, s.deliveryOutcomesTotal, "killfeed_dispatch_delivery_outcomes_total")
	s.register(reg, s.suppressedTotal, "killfeed_dispatch_suppressed_total")
	s.register(reg, s.dispatchCycleErrsTotal, "killfeed_dispatch_cycle_errors_total")
}

func (s *PrometheusSink) initJanitorMetrics(reg prometheus.Registerer) {
	s.staleClaimsDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "killfeed_janitor_stale_claims_deleted_total",
		Help: "Total number of abandoned fetch claims deleted.",
	})
	s.deliveriesExpungedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "killfeed_janitor_deliveries_expunged_total",
		Help: "Total number of delivery records expunged past retention.",
	})
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "killfeed_leader",
		Help: "1 when this instance holds the feed listener leadership.",
	})

	s.register(reg, s.staleClaimsDeletedTotal, "killfeed_janitor_stale_claims_deleted_total")
	s.register(reg, s.deliveriesExpungedTotal, "killfeed_janitor_deliveries_expunged_total")
	s.register(reg, s.isLeader, "killfeed_leader")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Feed metrics implementation

func (s *PrometheusSink) KillmailIngested() {
	s.killmailsIngestedTotal.Inc()
}

func (s *PrometheusSink) DuplicateKillmailSkipped() {
	s.duplicatesSkippedTotal.Inc()
}

func (s *PrometheusSink) FeedPollCompleted(duration time.Duration) {
	s.feedPollDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) FeedPollError() {
	s.feedPollErrorsTotal.Inc()
}

// Enrichment metrics implementation

func (s *PrometheusSink) FetchCompleted(outcome string, duration time.Duration) {
	s.fetchesTotal.WithLabelValues(outcome).Inc()
	s.fetchDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) ClaimContended() {
	s.claimContentionTotal.Inc()
}

func (s *PrometheusSink) SentinelWritten() {
	s.sentinelsTotal.Inc()
}

func (s *PrometheusSink) FetchesInFlightIncr() {
	s.fetchesInFlight.Inc()
}

func (s *PrometheusSink) FetchesInFlightDecr() {
	s.fetchesInFlight.Dec()
}

// Dispatch metrics implementation

func (s *PrometheusSink) DeliveryAttemptCompleted(statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(statusClass).Inc()
	s.webhookDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(profile, outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(profile, outcome).Inc()
}

func (s *PrometheusSink) DeliverySuppressed(profile, reason string) {
	s.suppressedTotal.WithLabelValues(profile, reason).Inc()
}

func (s *PrometheusSink) DispatchCycleError(profile string) {
	s.dispatchCycleErrsTotal.WithLabelValues(profile).Inc()
}

// Janitor metrics implementation

func (s *PrometheusSink) StaleClaimsDeleted(n int64) {
	s.staleClaimsDeletedTotal.Add(float64(n))
}

func (s *PrometheusSink) DeliveriesExpunged(n int64) {
	s.deliveriesExpungedTotal.Add(float64(n))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeadershipChanged(leading bool) {
	if leading {
		s.isLeader.Set(1)
	} else {
		s.isLeader.Set(0)
	}
}
