package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/voidwatch/killfeed/internal/api"
	"github.com/voidwatch/killfeed/internal/dispatch"
	"github.com/voidwatch/killfeed/internal/domain"
	"github.com/voidwatch/killfeed/internal/enrich"
	"github.com/voidwatch/killfeed/internal/feed"
	"github.com/voidwatch/killfeed/internal/janitor"
)

var (
	_ feed.Store     = (*Store)(nil)
	_ enrich.Store   = (*Store)(nil)
	_ dispatch.Store = (*Store)(nil)
	_ janitor.Store  = (*Store)(nil)
	_ api.Store      = (*Store)(nil)
)

// Store implements the feed, enrich, dispatch, janitor, and api store
// interfaces using PostgreSQL. It is the sole mutation path for all
// persisted pipeline state.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a store with the given database connection. Every operation
// is bounded by opTimeout so a stuck transaction cannot wedge a worker.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// InsertKillmail inserts a killmail if absent. A redelivered killmail id is
// reported as feed.ErrDuplicateKillmail and leaves the existing row intact.
func (s *Store) InsertKillmail(ctx context.Context, km domain.Killmail) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryInsertKillmail,
		km.ID, km.KillTime, km.SolarSystemID, km.Hash,
		km.TotalValue, km.Points, km.NPC, km.Solo, km.Awox,
		km.VictimCharacterID, km.VictimCorporationID, km.VictimAllianceID, km.VictimShipTypeID,
		km.IngestedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return feed.ErrDuplicateKillmail
		}
		return err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return feed.ErrDuplicateKillmail
	}
	return nil
}

// ListUnenriched returns fetch candidates: killmails without a terminal
// enrichment, below maxAttempts, whose last attempt (if any) is not newer
// than retryBefore, and with no claim newer than staleBefore.
func (s *Store) ListUnenriched(ctx context.Context, staleBefore, retryBefore time.Time, maxAttempts, limit int) ([]enrich.Candidate, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListUnenriched, staleBefore, maxAttempts, retryBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []enrich.Candidate
	for rows.Next() {
		var c enrich.Candidate
		if err := rows.Scan(&c.KillmailID, &c.Hash, &c.Attempts); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// AcquireClaim creates the fetch claim for a killmail, taking over a claim
// older than staleBefore. Returns enrich.ErrClaimContended when a live claim
// is held elsewhere.
func (s *Store) AcquireClaim(ctx context.Context, killmailID int64, workerID string, now, staleBefore time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryAcquireClaim, killmailID, workerID, now, staleBefore)
	if err != nil {
		if isDuplicateKeyError(err) {
			// Two inserts raced; the loser sees the unique violation.
			return enrich.ErrClaimContended
		}
		return err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return enrich.ErrClaimContended
	}
	return nil
}

// RecordEnrichment writes the terminal enrichment row (success or sentinel),
// deletes the retry counter, and releases the claim in one transaction.
func (s *Store) RecordEnrichment(ctx context.Context, enr domain.Enrichment, workerID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		charID, corpID, allianceID, damage, finalBlow sql.NullInt64
		shipType, attackerCount                       sql.NullInt32
		posX, posY, posZ                              sql.NullFloat64
		attackers                                     []byte
	)
	if d := enr.Detail; d != nil {
		charID = sql.NullInt64{Int64: d.VictimCharacterID, Valid: true}
		corpID = sql.NullInt64{Int64: d.VictimCorporationID, Valid: true}
		allianceID = sql.NullInt64{Int64: d.VictimAllianceID, Valid: true}
		damage = sql.NullInt64{Int64: d.DamageTaken, Valid: true}
		finalBlow = sql.NullInt64{Int64: d.FinalBlowCharacterID, Valid: true}
		shipType = sql.NullInt32{Int32: d.VictimShipTypeID, Valid: true}
		attackerCount = sql.NullInt32{Int32: int32(d.AttackerCount), Valid: true}
		posX = sql.NullFloat64{Float64: d.PositionX, Valid: true}
		posY = sql.NullFloat64{Float64: d.PositionY, Valid: true}
		posZ = sql.NullFloat64{Float64: d.PositionZ, Valid: true}
		attackers, err = domain.MarshalAttackers(d.Attackers)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, queryInsertEnrichment,
		enr.KillmailID, string(enr.Status), enr.Attempts, enr.FetchedAt,
		charID, corpID, allianceID, shipType,
		damage, attackerCount, finalBlow,
		posX, posY, posZ, attackers,
	)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, queryDeleteFetchAttempt, enr.KillmailID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, queryReleaseClaim, enr.KillmailID, workerID); err != nil {
		return err
	}

	return tx.Commit()
}

// RecordFetchFailure bumps the retry counter and releases the claim in one
// transaction, so the killmail becomes claimable again on a later poll.
func (s *Store) RecordFetchFailure(ctx context.Context, killmailID int64, workerID string, attempts int, lastErr string, now time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queryUpsertFetchAttempt, killmailID, attempts, now, lastErr); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, queryReleaseClaim, killmailID, workerID); err != nil {
		return err
	}

	return tx.Commit()
}

// GetWorkerState returns the checkpoint for a dispatch worker.
// ok is false when the worker has never polled.
func (s *Store) GetWorkerState(ctx context.Context, workerName string) (domain.WorkerState, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var st domain.WorkerState
	err := s.db.QueryRowContext(ctx, queryGetWorkerState, workerName).Scan(
		&st.WorkerName, &st.LastProcessedTime, &st.LastPollTime, &st.ConsecutiveFailures,
	)
	if err == sql.ErrNoRows {
		return domain.WorkerState{}, false, nil
	}
	if err != nil {
		return domain.WorkerState{}, false, err
	}
	return st, true, nil
}

// UpsertWorkerState persists the checkpoint. The GREATEST guard keeps
// last_processed_time monotonically non-decreasing.
func (s *Store) UpsertWorkerState(ctx context.Context, st domain.WorkerState) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryUpsertWorkerState,
		st.WorkerName, st.LastProcessedTime, st.LastPollTime, st.ConsecutiveFailures,
	)
	return err
}

// ListCandidates returns killmails newer than since that the worker has no
// delivery record for, oldest first. With resolvedOnly, only killmails with
// a terminal enrichment (success or sentinel) are returned.
func (s *Store) ListCandidates(ctx context.Context, workerName string, since time.Time, resolvedOnly bool, limit int) ([]dispatch.Candidate, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := queryListKillmailsSince
	if resolvedOnly {
		query = queryListResolvedKillmailsSince
	}

	rows, err := s.db.QueryContext(ctx, query, workerName, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []dispatch.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// GetKillmail returns one killmail with its enrichment, if any.
func (s *Store) GetKillmail(ctx context.Context, killmailID int64) (dispatch.Candidate, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, queryGetKillmail, killmailID)
	c, err := scanCandidate(row)
	if err == sql.ErrNoRows {
		return dispatch.Candidate{}, false, nil
	}
	if err != nil {
		return dispatch.Candidate{}, false, err
	}
	return c, true, nil
}

// CreateDelivery inserts the initial delivery record for (worker, killmail).
// Returns dispatch.ErrDuplicateDelivery if a record already exists; the
// composite primary key is the at-most-once guard under concurrency.
func (s *Store) CreateDelivery(ctx context.Context, rec domain.DeliveryRecord) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryCreateDelivery,
		rec.WorkerName, rec.KillmailID, rec.ProcessedAt, string(rec.Status), rec.Attempts,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return dispatch.ErrDuplicateDelivery
		}
		return err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return dispatch.ErrDuplicateDelivery
	}
	return nil
}

// UpdateDeliveryOutcome updates a delivery row in place. Transitions out of
// delivered are rejected with dispatch.ErrAlreadyDelivered.
func (s *Store) UpdateDeliveryOutcome(ctx context.Context, rec domain.DeliveryRecord) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryUpdateDeliveryOutcome,
		rec.WorkerName, rec.KillmailID, string(rec.Status), rec.Attempts, rec.ProcessedAt,
	)
	if err != nil {
		return err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the row is missing or it is already delivered.
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM delivery_records WHERE worker_name = $1 AND killmail_id = $2`,
			rec.WorkerName, rec.KillmailID).Scan(&status)
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		if err != nil {
			return err
		}
		return dispatch.ErrAlreadyDelivered
	}
	return nil
}

// ListRetryableDeliveries returns non-terminal delivery rows for a worker:
// failed rows with remaining attempts, plus pending rows left behind by a
// crash between row creation and the first send.
func (s *Store) ListRetryableDeliveries(ctx context.Context, workerName string, maxAttempts, limit int) ([]domain.DeliveryRecord, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListRetryableDeliveries, workerName, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DeliveryRecord
	for rows.Next() {
		var rec domain.DeliveryRecord
		var status string
		if err := rows.Scan(&rec.WorkerName, &rec.KillmailID, &rec.ProcessedAt, &status, &rec.Attempts); err != nil {
			return nil, err
		}
		rec.Status = domain.DeliveryStatus(status)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ReserveRetry claims one retry attempt for a delivery row with a guarded
// attempt bump. It reports false when another instance already took the
// attempt or the row went terminal in the meantime.
func (s *Store) ReserveRetry(ctx context.Context, workerName string, killmailID int64, expectedAttempts int) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryReserveRetry, workerName, killmailID, expectedAttempts)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// CountRecentSystemKills counts killmails in a system newer than since.
// Feeds the gatecamp trigger heuristic.
func (s *Store) CountRecentSystemKills(ctx context.Context, solarSystemID int32, since time.Time) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, queryCountRecentSystemKills, solarSystemID, since).Scan(&n)
	return n, err
}

// DeleteStaleClaims removes claims at or older than cutoff so a crashed
// worker's claim does not block its killmail past the TTL.
func (s *Store) DeleteStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryDeleteStaleClaims, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExpungeDeliveries purges delivery records processed at or before cutoff.
func (s *Store) ExpungeDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryExpungeDeliveries, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountKillmails returns the total number of ingested killmails.
func (s *Store) CountKillmails(ctx context.Context) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int64
	err := s.db.QueryRowContext(ctx, queryCountKillmails).Scan(&n)
	return n, err
}

// CountUnenriched returns the enrichment backlog size.
func (s *Store) CountUnenriched(ctx context.Context) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int64
	err := s.db.QueryRowContext(ctx, queryCountUnenriched).Scan(&n)
	return n, err
}

// CountLiveClaims returns the number of claims newer than liveAfter.
func (s *Store) CountLiveClaims(ctx context.Context, liveAfter time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int64
	err := s.db.QueryRowContext(ctx, queryCountLiveClaims, liveAfter).Scan(&n)
	return n, err
}

// ListWorkerStates returns every dispatch worker checkpoint.
func (s *Store) ListWorkerStates(ctx context.Context) ([]domain.WorkerState, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListWorkerStates)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.WorkerState
	for rows.Next() {
		var st domain.WorkerState
		if err := rows.Scan(&st.WorkerName, &st.LastProcessedTime, &st.LastPollTime, &st.ConsecutiveFailures); err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandidate(row rowScanner) (dispatch.Candidate, error) {
	var (
		c                                             dispatch.Candidate
		status                                        sql.NullString
		attempts, attackerCount, shipType             sql.NullInt32
		fetchedAt                                     sql.NullTime
		charID, corpID, allianceID, damage, finalBlow sql.NullInt64
		posX, posY, posZ                              sql.NullFloat64
		attackers                                     []byte
	)

	err := row.Scan(
		&c.Killmail.ID, &c.Killmail.KillTime, &c.Killmail.SolarSystemID, &c.Killmail.Hash,
		&c.Killmail.TotalValue, &c.Killmail.Points, &c.Killmail.NPC, &c.Killmail.Solo, &c.Killmail.Awox,
		&c.Killmail.VictimCharacterID, &c.Killmail.VictimCorporationID, &c.Killmail.VictimAllianceID, &c.Killmail.VictimShipTypeID,
		&c.Killmail.IngestedAt,
		&status, &attempts, &fetchedAt,
		&charID, &corpID, &allianceID, &shipType,
		&damage, &attackerCount, &finalBlow,
		&posX, &posY, &posZ, &attackers,
	)
	if err != nil {
		return dispatch.Candidate{}, err
	}

	if !status.Valid {
		return c, nil
	}

	enr := &domain.Enrichment{
		KillmailID: c.Killmail.ID,
		Status:     domain.FetchStatus(status.String),
		Attempts:   int(attempts.Int32),
		FetchedAt:  fetchedAt.Time,
	}
	if enr.Status == domain.FetchStatusSuccess {
		list, err := domain.UnmarshalAttackers(attackers)
		if err != nil {
			return dispatch.Candidate{}, err
		}
		enr.Detail = &domain.KillDetail{
			VictimCharacterID:    charID.Int64,
			VictimCorporationID:  corpID.Int64,
			VictimAllianceID:     allianceID.Int64,
			VictimShipTypeID:     shipType.Int32,
			DamageTaken:          damage.Int64,
			AttackerCount:        int(attackerCount.Int32),
			FinalBlowCharacterID: finalBlow.Int64,
			PositionX:            posX.Float64,
			PositionY:            posY.Float64,
			PositionZ:            posZ.Float64,
			Attackers:            list,
		}
	}
	c.Enrichment = enr
	return c, nil
}

// isDuplicateKeyError checks for a PostgreSQL unique violation (23505).
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
