// Package janitor reclaims abandoned fetch claims and expunges old
// delivery records.
//
// A claim is abandoned when its holder crashed or was cancelled mid-fetch;
// once the claim TTL has passed, any worker may take it over, and the
// janitor deletes the stale row so the table stays small. Delivery records
// are kept for the retention window (which must exceed the dispatch
// lookback, or late killmails could be notified twice) and expunged on a
// cron schedule.
package janitor

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Store defines the cleanup operations the janitor runs.
type Store interface {
	DeleteStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)
	ExpungeDeliveries(ctx context.Context, cutoff time.Time) (int64, error)
}

// MetricsSink defines the interface for recording janitor metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	StaleClaimsDeleted(n int64)
	DeliveriesExpunged(n int64)
}

// Config holds janitor configuration.
type Config struct {
	// Interval is how often the stale-claim sweep runs.
	Interval time.Duration

	// ClaimTTL is the claim lease length; claims older than this are
	// deleted.
	ClaimTTL time.Duration

	// Retention is how long delivery records are kept.
	Retention time.Duration

	// ExpungeSchedule is a standard 5-field cron expression for the
	// delivery expunge run.
	ExpungeSchedule string
}

// Janitor runs the periodic cleanup loop.
type Janitor struct {
	config   Config
	store    Store
	schedule cron.Schedule
	metrics  MetricsSink // optional, nil = disabled
	clock    func() time.Time
}

// New creates a Janitor. The expunge schedule must already be validated.
func New(config Config, store Store) (*Janitor, error) {
	schedule, err := cron.ParseStandard(config.ExpungeSchedule)
	if err != nil {
		return nil, err
	}
	return &Janitor{
		config:   config,
		store:    store,
		schedule: schedule,
		clock:    time.Now,
	}, nil
}

// WithMetrics attaches a metrics sink to the janitor.
func (j *Janitor) WithMetrics(sink MetricsSink) *Janitor {
	j.metrics = sink
	return j
}

// Run starts the cleanup loop. It blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	nextExpunge := j.schedule.Next(j.clock().UTC())
	log.Printf("janitor: started (interval=%s, claim ttl=%s, retention=%s, next expunge=%s)",
		j.config.Interval, j.config.ClaimTTL, j.config.Retention, nextExpunge.Format(time.RFC3339))

	j.sweepClaims(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("janitor: stopped")
			return
		case <-ticker.C:
			j.sweepClaims(ctx)
			if now := j.clock().UTC(); !now.Before(nextExpunge) {
				j.expunge(ctx, now)
				nextExpunge = j.schedule.Next(now)
			}
		}
	}
}

// sweepClaims deletes fetch claims past their TTL.
func (j *Janitor) sweepClaims(ctx context.Context) {
	cutoff := j.clock().UTC().Add(-j.config.ClaimTTL)
	n, err := j.store.DeleteStaleClaims(ctx, cutoff)
	if err != nil {
		log.Printf("janitor: delete stale claims: %v", err)
		return
	}
	if n > 0 {
		log.Printf("janitor: deleted %d stale claims", n)
	}
	if j.metrics != nil {
		j.metrics.StaleClaimsDeleted(n)
	}
}

// expunge deletes terminal delivery records older than the retention
// window.
func (j *Janitor) expunge(ctx context.Context, now time.Time) {
	cutoff := now.Add(-j.config.Retention)
	n, err := j.store.ExpungeDeliveries(ctx, cutoff)
	if err != nil {
		log.Printf("janitor: expunge deliveries: %v", err)
		return
	}
	log.Printf("janitor: expunged %d delivery records older than %s", n, cutoff.Format(time.RFC3339))
	if j.metrics != nil {
		j.metrics.DeliveriesExpunged(n)
	}
}
