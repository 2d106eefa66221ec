package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
					break
				}
			}
			if match && m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestPrometheusSink_FeedMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.KillmailIngested()
	sink.KillmailIngested()
	sink.DuplicateKillmailSkipped()
	sink.FeedPollError()

	if got := getCounterValue(t, reg, "killfeed_feed_killmails_ingested_total"); got != 2 {
		t.Errorf("killmails ingested = %v, want 2", got)
	}
	if got := getCounterValue(t, reg, "killfeed_feed_duplicates_skipped_total"); got != 1 {
		t.Errorf("duplicates skipped = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "killfeed_feed_poll_errors_total"); got != 1 {
		t.Errorf("poll errors = %v, want 1", got)
	}
}

func TestPrometheusSink_EnrichMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.FetchCompleted("success", 100*time.Millisecond)
	sink.FetchCompleted("failure", 200*time.Millisecond)
	sink.SentinelWritten()
	sink.ClaimContended()
	sink.FetchesInFlightIncr()
	sink.FetchesInFlightIncr()
	sink.FetchesInFlightDecr()

	if got := getCounterVecValue(t, reg, "killfeed_enrich_fetches_total", map[string]string{"outcome": "success"}); got != 1 {
		t.Errorf("success fetches = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "killfeed_enrich_sentinels_total"); got != 1 {
		t.Errorf("sentinels = %v, want 1", got)
	}
	if got := getGaugeValue(t, reg, "killfeed_enrich_fetches_in_flight"); got != 1 {
		t.Errorf("fetches in flight = %v, want 1", got)
	}
}

func TestPrometheusSink_DispatchMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryAttemptCompleted("2xx", 150*time.Millisecond)
	sink.DeliveryOutcome("bigkills", "delivered")
	sink.DeliveryOutcome("bigkills", "delivered")
	sink.DeliverySuppressed("bigkills", "quiet_hours")
	sink.DispatchCycleError("bigkills")

	if got := getCounterVecValue(t, reg, "killfeed_dispatch_delivery_outcomes_total",
		map[string]string{"profile": "bigkills", "outcome": "delivered"}); got != 2 {
		t.Errorf("delivered outcomes = %v, want 2", got)
	}
	if got := getCounterVecValue(t, reg, "killfeed_dispatch_suppressed_total",
		map[string]string{"reason": "quiet_hours"}); got != 1 {
		t.Errorf("suppressed = %v, want 1", got)
	}
}

func TestPrometheusSink_LeaderGauge(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.LeadershipChanged(true)
	if got := getGaugeValue(t, reg, "killfeed_leader"); got != 1 {
		t.Errorf("leader gauge = %v, want 1", got)
	}
	sink.LeadershipChanged(false)
	if got := getGaugeValue(t, reg, "killfeed_leader"); got != 0 {
		t.Errorf("leader gauge = %v, want 0", got)
	}
}

func TestPrometheusSink_DoubleRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusSink(reg)
	// Second sink on the same registry collides; it must log, not panic.
	sink := NewPrometheusSink(reg)
	sink.KillmailIngested()
}
