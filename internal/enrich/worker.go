// Package enrich runs the concurrent fetch pool that resolves every ingested
// killmail to exactly one terminal enrichment outcome.
//
// Coordination is claim rows, not in-memory locks: before calling the detail
// API a worker must win the fetch claim for the killmail. A claim older than
// the TTL counts as abandoned and is taken over, so a crashed worker never
// blocks a killmail for longer than the TTL window. The TTL must exceed the
// worst-case detail call latency.
package enrich

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voidwatch/killfeed/internal/domain"
)

// ErrClaimContended is returned by Store.AcquireClaim when another worker
// holds a live claim for the killmail. It is expected, not an error state.
var ErrClaimContended = errors.New("fetch claim held by another worker")

// Candidate is one killmail eligible for a fetch attempt. Attempts is the
// number of failed attempts recorded so far.
type Candidate struct {
	KillmailID int64
	Hash       string
	Attempts   int
}

type Store interface {
	ListUnenriched(ctx context.Context, staleBefore, retryBefore time.Time, maxAttempts, limit int) ([]Candidate, error)
	// AcquireClaim creates the claim for killmailID, taking over any claim
	// older than staleBefore. Returns ErrClaimContended when a live claim
	// exists.
	AcquireClaim(ctx context.Context, killmailID int64, workerID string, now, staleBefore time.Time) error
	// RecordEnrichment writes the terminal outcome and releases the claim
	// and retry counter atomically.
	RecordEnrichment(ctx context.Context, enr domain.Enrichment, workerID string) error
	// RecordFetchFailure bumps the retry counter and releases the claim
	// atomically.
	RecordFetchFailure(ctx context.Context, killmailID int64, workerID string, attempts int, lastErr string, now time.Time) error
}

// MetricsSink defines the interface for recording enrichment metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	FetchCompleted(outcome string, duration time.Duration)
	ClaimContended()
	SentinelWritten()
	FetchesInFlightIncr()
	FetchesInFlightDecr()
}

// Outcome labels for FetchCompleted.
const (
	FetchOutcomeSuccess = "success"
	FetchOutcomeFailure = "failure"
)

type Config struct {
	// Workers is the pool size.
	Workers int

	// PollInterval is how often each worker scans the backlog.
	PollInterval time.Duration

	// BatchSize is the maximum candidates per scan.
	BatchSize int

	// ClaimTTL is the age at which a claim counts as abandoned. Must exceed
	// FetchTimeout.
	ClaimTTL time.Duration

	// RetryDelay is the minimum spacing between attempts for one killmail.
	RetryDelay time.Duration

	// MaxAttempts is the permanent-failure ceiling. On reaching it the
	// worker writes an unfetchable sentinel and retries stop for good.
	MaxAttempts int

	// FetchTimeout bounds one detail API call.
	FetchTimeout time.Duration
}

// Pool runs N homogeneous workers competing for the same backlog.
type Pool struct {
	config  Config
	store   Store
	client  DetailClient
	clock   func() time.Time
	metrics MetricsSink // optional, nil = disabled
}

func NewPool(config Config, store Store, client DetailClient) *Pool {
	return &Pool{
		config: config,
		store:  store,
		client: client,
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink to the pool.
func (p *Pool) WithMetrics(sink MetricsSink) *Pool {
	p.metrics = sink
	return p
}

// Run starts the workers and blocks until all have stopped after ctx is
// cancelled. In-flight fetches finish or time out; they are not hard-killed.
func (p *Pool) Run(ctx context.Context) {
	log.Printf("enrich: pool started (workers=%d, poll=%s, ttl=%s, ceiling=%d)",
		p.config.Workers, p.config.PollInterval, p.config.ClaimTTL, p.config.MaxAttempts)

	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		w := &worker{pool: p, id: uuid.New().String()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}
	wg.Wait()
	log.Println("enrich: pool stopped")
}

type worker struct {
	pool *Pool
	id   string
}

func (w *worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.pool.config.PollInterval)
	defer ticker.Stop()

	w.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runCycle(ctx)
		}
	}
}

func (w *worker) runCycle(ctx context.Context) {
	cfg := w.pool.config
	now := w.pool.clock().UTC()

	candidates, err := w.pool.store.ListUnenriched(ctx,
		now.Add(-cfg.ClaimTTL), now.Add(-cfg.RetryDelay), cfg.MaxAttempts, cfg.BatchSize)
	if err != nil {
		// Store unavailable: abort the cycle, retry next interval.
		log.Printf("enrich: worker=%s list backlog failed: %v", w.id, err)
		return
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, c)
	}
}

// process drives one candidate through the claim/fetch/record transition.
func (w *worker) process(ctx context.Context, c Candidate) {
	cfg := w.pool.config
	now := w.pool.clock().UTC()

	err := w.pool.store.AcquireClaim(ctx, c.KillmailID, w.id, now, now.Add(-cfg.ClaimTTL))
	if err != nil {
		if errors.Is(err, ErrClaimContended) {
			// Another worker owns this killmail this cycle.
			if w.pool.metrics != nil {
				w.pool.metrics.ClaimContended()
			}
			return
		}
		log.Printf("enrich: worker=%s claim killmail=%d failed: %v", w.id, c.KillmailID, err)
		return
	}

	if w.pool.metrics != nil {
		w.pool.metrics.FetchesInFlightIncr()
		defer w.pool.metrics.FetchesInFlightDecr()
	}

	fetchCtx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	detail, fetchErr := w.pool.client.Fetch(fetchCtx, c.KillmailID, c.Hash)
	cancel()

	duration := w.pool.clock().UTC().Sub(now)
	attempts := c.Attempts + 1

	if fetchErr == nil {
		if w.pool.metrics != nil {
			w.pool.metrics.FetchCompleted(FetchOutcomeSuccess, duration)
		}
		enr := domain.Enrichment{
			KillmailID: c.KillmailID,
			Status:     domain.FetchStatusSuccess,
			Attempts:   attempts,
			FetchedAt:  w.pool.clock().UTC(),
			Detail:     detail,
		}
		if err := w.pool.store.RecordEnrichment(ctx, enr, w.id); err != nil {
			// The claim stays until the TTL reaper frees it; a later
			// attempt will refetch.
			log.Printf("enrich: worker=%s record success killmail=%d failed: %v", w.id, c.KillmailID, err)
			return
		}
		log.Printf("enrich: worker=%s enriched killmail=%d attempts=%d", w.id, c.KillmailID, attempts)
		return
	}

	if w.pool.metrics != nil {
		w.pool.metrics.FetchCompleted(FetchOutcomeFailure, duration)
	}

	if ctx.Err() != nil {
		// Shutdown mid-fetch: leave the claim for the TTL reaper rather
		// than half-record an outcome.
		return
	}

	if attempts >= cfg.MaxAttempts {
		// Ceiling reached: write the permanent-failure sentinel. Detail is
		// all null and no further attempt will ever be made.
		enr := domain.Enrichment{
			KillmailID: c.KillmailID,
			Status:     domain.FetchStatusUnfetchable,
			Attempts:   attempts,
			FetchedAt:  w.pool.clock().UTC(),
		}
		if err := w.pool.store.RecordEnrichment(ctx, enr, w.id); err != nil {
			log.Printf("enrich: worker=%s record sentinel killmail=%d failed: %v", w.id, c.KillmailID, err)
			return
		}
		if w.pool.metrics != nil {
			w.pool.metrics.SentinelWritten()
		}
		log.Printf("enrich: worker=%s killmail=%d unfetchable after %d attempts: %v", w.id, c.KillmailID, attempts, fetchErr)
		return
	}

	if err := w.pool.store.RecordFetchFailure(ctx, c.KillmailID, w.id, attempts, fetchErr.Error(), w.pool.clock().UTC()); err != nil {
		log.Printf("enrich: worker=%s record failure killmail=%d failed: %v", w.id, c.KillmailID, err)
		return
	}
	log.Printf("enrich: worker=%s killmail=%d attempt=%d failed: %v", w.id, c.KillmailID, attempts, fetchErr)
}
