// Package dispatch runs one notification worker per subscriber profile.
//
// Each worker keeps a per-profile high-water mark over killmail time and
// rescans a lookback window behind it, so killmails that arrive out of
// order are still seen. The delivery record table, not the mark, is the
// exactly-once authority: a (worker, killmail) pair with an existing
// record is never notified again.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/voidwatch/killfeed/internal/config"
	"github.com/voidwatch/killfeed/internal/domain"
)

// ErrDuplicateDelivery is returned by Store.CreateDelivery when a record
// for the (worker, killmail) pair already exists.
var ErrDuplicateDelivery = errors.New("delivery record already exists")

// ErrAlreadyDelivered is returned by Store.UpdateDeliveryOutcome when the
// record is already in the delivered state. Terminal outcomes never regress.
var ErrAlreadyDelivered = errors.New("delivery already in terminal state")

// Candidate is a killmail in the worker's scan range, with its enrichment
// when one has been resolved.
type Candidate struct {
	Killmail   domain.Killmail
	Enrichment *domain.Enrichment
}

type Store interface {
	GetWorkerState(ctx context.Context, workerName string) (domain.WorkerState, bool, error)
	UpsertWorkerState(ctx context.Context, st domain.WorkerState) error
	ListCandidates(ctx context.Context, workerName string, since time.Time, resolvedOnly bool, limit int) ([]Candidate, error)
	GetKillmail(ctx context.Context, killmailID int64) (Candidate, bool, error)
	CreateDelivery(ctx context.Context, rec domain.DeliveryRecord) error
	UpdateDeliveryOutcome(ctx context.Context, rec domain.DeliveryRecord) error
	ListRetryableDeliveries(ctx context.Context, workerName string, maxAttempts, limit int) ([]domain.DeliveryRecord, error)
	ReserveRetry(ctx context.Context, workerName string, killmailID int64, expectedAttempts int) (bool, error)
	CountRecentSystemKills(ctx context.Context, solarSystemID int32, since time.Time) (int, error)
}

// AnalyticsSink records delivery outcomes for per-profile counters.
// Implementations must be non-blocking and fire-and-forget.
type AnalyticsSink interface {
	RecordDelivery(ctx context.Context, profile string, outcome string, at time.Time)
}

// MetricsSink defines the interface for recording dispatch metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DeliveryAttemptCompleted(statusClass string, duration time.Duration)
	DeliveryOutcome(profile, outcome string)
	DeliverySuppressed(profile, reason string)
	DispatchCycleError(profile string)
}

// Breaker gates sends to a failing webhook target.
type Breaker interface {
	Allow(target string) bool
	Record(target string, success bool)
}

// Delivery outcome labels.
const (
	OutcomeDelivered  = "delivered"
	OutcomeFailed     = "failed"
	OutcomeSuppressed = "suppressed"
)

var errCircuitOpen = errors.New("webhook circuit open")

type Config struct {
	PollInterval time.Duration
	Lookback     time.Duration
	BatchSize    int
	MaxAttempts  int
	SendTimeout  time.Duration
}

// Worker dispatches notifications for one profile.
type Worker struct {
	profile   config.Profile
	trigger   *Trigger
	store     Store
	sender    WebhookSender
	config    Config
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled
	breaker   Breaker       // optional, nil = disabled
	clock     func() time.Time

	// lastSent backs the throttle clause. It is in-memory only: after a
	// restart the first delivery is never throttled.
	lastSent time.Time
}

func NewWorker(profile config.Profile, groups map[string][]int32, store Store, sender WebhookSender, cfg Config) *Worker {
	return &Worker{
		profile: profile,
		trigger: NewTrigger(profile, groups, store),
		store:   store,
		sender:  sender,
		config:  cfg,
		clock:   time.Now,
	}
}

func (w *Worker) WithAnalytics(sink AnalyticsSink) *Worker {
	w.analytics = sink
	return w
}

// WithMetrics attaches a metrics sink to the worker.
func (w *Worker) WithMetrics(sink MetricsSink) *Worker {
	w.metrics = sink
	return w
}

func (w *Worker) WithBreaker(b Breaker) *Worker {
	w.breaker = b
	return w
}

// Run polls for candidates until the context is cancelled. The first
// cycle runs immediately.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("dispatch[%s]: worker started (poll %s, lookback %s)",
		w.profile.Name, w.config.PollInterval, w.config.Lookback)

	if err := w.runCycle(ctx); err != nil {
		log.Printf("dispatch[%s]: cycle error: %v", w.profile.Name, err)
	}

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("dispatch[%s]: worker stopped", w.profile.Name)
			return
		case <-ticker.C:
			if err := w.runCycle(ctx); err != nil {
				log.Printf("dispatch[%s]: cycle error: %v", w.profile.Name, err)
			}
		}
	}
}

func (w *Worker) runCycle(ctx context.Context) error {
	now := w.clock().UTC()

	state, found, err := w.store.GetWorkerState(ctx, w.profile.Name)
	if err != nil {
		w.cycleError()
		return fmt.Errorf("get worker state: %w", err)
	}
	if !found {
		state = domain.WorkerState{
			WorkerName:        w.profile.Name,
			LastProcessedTime: now.Add(-w.config.Lookback),
		}
	}

	w.retryFailed(ctx, now)

	since := state.LastProcessedTime.Add(-w.config.Lookback)
	candidates, err := w.store.ListCandidates(ctx, w.profile.Name, since, w.profile.RequireEnriched, w.config.BatchSize)
	if err != nil {
		w.cycleError()
		w.failCycle(ctx, state, now)
		return fmt.Errorf("list candidates: %w", err)
	}

	mark := state.LastProcessedTime
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		if err := w.process(ctx, c, now); err != nil {
			// The killmail stays inside the lookback window with no
			// delivery record, so the next cycle sees it again.
			log.Printf("dispatch[%s]: killmail %d: %v", w.profile.Name, c.Killmail.ID, err)
			continue
		}
		if c.Killmail.KillTime.After(mark) {
			mark = c.Killmail.KillTime
		}
	}

	state.LastProcessedTime = mark
	state.LastPollTime = now
	state.ConsecutiveFailures = 0
	if err := w.store.UpsertWorkerState(ctx, state); err != nil {
		w.cycleError()
		return fmt.Errorf("upsert worker state: %w", err)
	}
	return nil
}

// process evaluates one candidate and, when it triggers, records and
// performs the delivery.
func (w *Worker) process(ctx context.Context, c Candidate, now time.Time) error {
	res, err := w.trigger.Evaluate(ctx, c, now)
	if err != nil {
		return err
	}
	if !res.Matched {
		return nil
	}

	if reason, suppressed := w.suppressed(now); suppressed {
		return w.recordSuppressed(ctx, c, now, reason)
	}

	rec := domain.DeliveryRecord{
		WorkerName:  w.profile.Name,
		KillmailID:  c.Killmail.ID,
		ProcessedAt: now,
		Status:      domain.DeliveryStatusPending,
	}
	if err := w.store.CreateDelivery(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateDelivery) {
			return nil
		}
		return fmt.Errorf("create delivery: %w", err)
	}

	return w.attempt(ctx, c, res.Reasons, 1, now)
}

// attempt performs one send and records its outcome.
func (w *Worker) attempt(ctx context.Context, c Candidate, reasons []string, attempt int, now time.Time) error {
	result := w.send(ctx, c, reasons, attempt, now)

	rec := domain.DeliveryRecord{
		WorkerName:  w.profile.Name,
		KillmailID:  c.Killmail.ID,
		ProcessedAt: now,
		Attempts:    attempt,
	}

	if result.IsSuccess() {
		rec.Status = domain.DeliveryStatusDelivered
		w.lastSent = now
		w.recordOutcome(ctx, rec, OutcomeDelivered)
	} else {
		rec.Status = domain.DeliveryStatusFailed
		if !result.IsRetryable() {
			// A 4xx other than 429 will never succeed; exhaust the
			// attempt budget so the record goes terminal.
			rec.Attempts = w.config.MaxAttempts
		}
		w.recordOutcome(ctx, rec, OutcomeFailed)
		log.Printf("dispatch[%s]: killmail %d attempt %d failed: status=%d err=%v",
			w.profile.Name, c.Killmail.ID, attempt, result.StatusCode, result.Error)
	}

	if err := w.store.UpdateDeliveryOutcome(ctx, rec); err != nil {
		if errors.Is(err, ErrAlreadyDelivered) {
			return nil
		}
		return fmt.Errorf("update delivery outcome: %w", err)
	}
	return nil
}

func (w *Worker) send(ctx context.Context, c Candidate, reasons []string, attempt int, now time.Time) WebhookResult {
	if w.breaker != nil && !w.breaker.Allow(w.profile.WebhookURL) {
		return WebhookResult{Error: errCircuitOpen}
	}

	req := WebhookRequest{
		URL:        w.profile.WebhookURL,
		Secret:     w.profile.Secret,
		Timeout:    w.config.SendTimeout,
		Payload:    buildPayload(w.profile.Name, c, reasons, attempt, now),
		DeliveryID: uuid.NewString(),
	}
	result := w.sender.Send(ctx, req)

	if w.breaker != nil {
		w.breaker.Record(w.profile.WebhookURL, result.IsSuccess())
	}
	if w.metrics != nil {
		w.metrics.DeliveryAttemptCompleted(statusClass(result), result.Duration)
	}
	return result
}

// retryFailed re-sends deliveries that still have attempt budget: failed
// rows, plus pending rows orphaned by a crash before the first send.
// Retries ride the poll cycle, so the spacing between attempts is the
// poll interval. Throttle and quiet hours apply here exactly as on a
// first delivery, except that a suppressed retry keeps its row and waits
// for a later cycle instead of going terminal.
func (w *Worker) retryFailed(ctx context.Context, now time.Time) {
	records, err := w.store.ListRetryableDeliveries(ctx, w.profile.Name, w.config.MaxAttempts, w.config.BatchSize)
	if err != nil {
		log.Printf("dispatch[%s]: list retryable: %v", w.profile.Name, err)
		return
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if reason, suppressed := w.suppressed(now); suppressed {
			log.Printf("dispatch[%s]: retries held (%s)", w.profile.Name, reason)
			return
		}
		c, found, err := w.store.GetKillmail(ctx, rec.KillmailID)
		if err != nil {
			log.Printf("dispatch[%s]: retry killmail %d: %v", w.profile.Name, rec.KillmailID, err)
			continue
		}
		if !found {
			// Expunged under us; nothing left to send.
			continue
		}

		// Reserve the attempt before sending. Another instance running
		// the same profile may have listed the same row; the guarded
		// bump lets exactly one of them own this attempt.
		reserved, err := w.store.ReserveRetry(ctx, w.profile.Name, rec.KillmailID, rec.Attempts)
		if err != nil {
			log.Printf("dispatch[%s]: reserve retry for killmail %d: %v", w.profile.Name, rec.KillmailID, err)
			continue
		}
		if !reserved {
			continue
		}

		// Reasons are recomputed for the payload; the existing record,
		// not the trigger, decides that this killmail is sent.
		reasons := []string{ReasonAll}
		if res, err := w.trigger.Evaluate(ctx, c, now); err == nil && res.Matched {
			reasons = res.Reasons
		}

		if err := w.attempt(ctx, c, reasons, rec.Attempts+1, now); err != nil {
			log.Printf("dispatch[%s]: retry killmail %d: %v", w.profile.Name, rec.KillmailID, err)
		}
	}
}

// suppressed reports whether a triggered delivery must be skipped right
// now, and why.
func (w *Worker) suppressed(now time.Time) (string, bool) {
	if q := w.profile.QuietHours; q.Configured() {
		in, err := q.Contains(now)
		if err != nil {
			log.Printf("dispatch[%s]: quiet hours: %v", w.profile.Name, err)
		} else if in {
			return "quiet_hours", true
		}
	}
	if t := w.profile.Throttle.Std(); t > 0 && !w.lastSent.IsZero() && now.Sub(w.lastSent) < t {
		return "throttle", true
	}
	return "", false
}

// recordSuppressed writes the terminal marker for a triggered but
// suppressed event: status delivered with zero attempts. The killmail is
// consumed without a send and is not delivered later.
func (w *Worker) recordSuppressed(ctx context.Context, c Candidate, now time.Time, reason string) error {
	rec := domain.DeliveryRecord{
		WorkerName:  w.profile.Name,
		KillmailID:  c.Killmail.ID,
		ProcessedAt: now,
		Status:      domain.DeliveryStatusDelivered,
		Attempts:    0,
	}
	if err := w.store.CreateDelivery(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateDelivery) {
			return nil
		}
		return fmt.Errorf("record suppressed delivery: %w", err)
	}
	if w.metrics != nil {
		w.metrics.DeliverySuppressed(w.profile.Name, reason)
	}
	if w.analytics != nil {
		w.analytics.RecordDelivery(ctx, w.profile.Name, OutcomeSuppressed, now)
	}
	return nil
}

func (w *Worker) recordOutcome(ctx context.Context, rec domain.DeliveryRecord, outcome string) {
	if w.metrics != nil {
		w.metrics.DeliveryOutcome(w.profile.Name, outcome)
	}
	if w.analytics != nil {
		w.analytics.RecordDelivery(ctx, w.profile.Name, outcome, rec.ProcessedAt)
	}
}

func (w *Worker) cycleError() {
	if w.metrics != nil {
		w.metrics.DispatchCycleError(w.profile.Name)
	}
}

// failCycle persists a bumped consecutive-failure count, best effort, so
// a stuck worker shows up on the status endpoint. The mark is left where
// it was.
func (w *Worker) failCycle(ctx context.Context, state domain.WorkerState, now time.Time) {
	state.ConsecutiveFailures++
	state.LastPollTime = now
	if err := w.store.UpsertWorkerState(ctx, state); err != nil {
		log.Printf("dispatch[%s]: record cycle failure: %v", w.profile.Name, err)
	}
}

func statusClass(r WebhookResult) string {
	if r.Error != nil {
		return "error"
	}
	switch {
	case r.StatusCode >= 200 && r.StatusCode < 300:
		return "2xx"
	case r.StatusCode >= 300 && r.StatusCode < 400:
		return "3xx"
	case r.StatusCode >= 400 && r.StatusCode < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
