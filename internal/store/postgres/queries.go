package postgres

const queryInsertKillmail = `
INSERT INTO killmails (
    id, kill_time, solar_system_id, hash,
    total_value, points, npc, solo, awox,
    victim_character_id, victim_corporation_id, victim_alliance_id, victim_ship_type_id,
    ingested_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO NOTHING
`

// Candidates are killmails with no terminal enrichment, below the attempt
// ceiling, past the retry delay, and not covered by a live claim.
const queryListUnenriched = `
SELECT k.id, k.hash, COALESCE(a.attempts, 0)
FROM killmails k
LEFT JOIN enrichments e ON e.killmail_id = k.id
LEFT JOIN fetch_attempts a ON a.killmail_id = k.id
LEFT JOIN fetch_claims c ON c.killmail_id = k.id AND c.claimed_at > $1
WHERE e.killmail_id IS NULL
  AND COALESCE(a.attempts, 0) < $2
  AND (a.killmail_id IS NULL OR a.last_attempt_at <= $3)
  AND c.killmail_id IS NULL
ORDER BY k.ingested_at
LIMIT $4
`

// Insert-or-steal: the insert wins an abandoned claim (claimed_at older than
// the stale cutoff) but never a live one. Zero rows affected means contended.
const queryAcquireClaim = `
INSERT INTO fetch_claims (killmail_id, worker_id, claimed_at)
VALUES ($1, $2, $3)
ON CONFLICT (killmail_id) DO UPDATE
SET worker_id = EXCLUDED.worker_id, claimed_at = EXCLUDED.claimed_at
WHERE fetch_claims.claimed_at <= $4
`

const queryReleaseClaim = `
DELETE FROM fetch_claims WHERE killmail_id = $1 AND worker_id = $2
`

const queryInsertEnrichment = `
INSERT INTO enrichments (
    killmail_id, fetch_status, attempts, fetched_at,
    victim_character_id, victim_corporation_id, victim_alliance_id, victim_ship_type_id,
    damage_taken, attacker_count, final_blow_character_id,
    position_x, position_y, position_z, attackers
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`

const queryUpsertFetchAttempt = `
INSERT INTO fetch_attempts (killmail_id, attempts, last_attempt_at, last_error)
VALUES ($1, $2, $3, $4)
ON CONFLICT (killmail_id) DO UPDATE
SET attempts = EXCLUDED.attempts,
    last_attempt_at = EXCLUDED.last_attempt_at,
    last_error = EXCLUDED.last_error
`

const queryDeleteFetchAttempt = `
DELETE FROM fetch_attempts WHERE killmail_id = $1
`

const queryGetWorkerState = `
SELECT worker_name, last_processed_time, last_poll_time, consecutive_failures
FROM worker_states
WHERE worker_name = $1
`

const queryUpsertWorkerState = `
INSERT INTO worker_states (worker_name, last_processed_time, last_poll_time, consecutive_failures)
VALUES ($1, $2, $3, $4)
ON CONFLICT (worker_name) DO UPDATE
SET last_processed_time = GREATEST(worker_states.last_processed_time, EXCLUDED.last_processed_time),
    last_poll_time = EXCLUDED.last_poll_time,
    consecutive_failures = EXCLUDED.consecutive_failures
`

const killmailColumns = `
    k.id, k.kill_time, k.solar_system_id, k.hash,
    k.total_value, k.points, k.npc, k.solo, k.awox,
    k.victim_character_id, k.victim_corporation_id, k.victim_alliance_id, k.victim_ship_type_id,
    k.ingested_at,
    e.fetch_status, e.attempts, e.fetched_at,
    e.victim_character_id, e.victim_corporation_id, e.victim_alliance_id, e.victim_ship_type_id,
    e.damage_taken, e.attacker_count, e.final_blow_character_id,
    e.position_x, e.position_y, e.position_z, e.attackers`

// Scan range for a dispatch worker: killmails newer than the (lookback
// adjusted) high-water mark that this worker has no delivery record for.
// Exactly-once is enforced by delivery_records, not by this filter.
const queryListKillmailsSince = `
SELECT` + killmailColumns + `
FROM killmails k
LEFT JOIN enrichments e ON e.killmail_id = k.id
LEFT JOIN delivery_records d ON d.worker_name = $1 AND d.killmail_id = k.id
WHERE k.kill_time > $2
  AND d.killmail_id IS NULL
ORDER BY k.kill_time
LIMIT $3
`

// Same scan restricted to enrichment-resolved killmails, for profiles that
// require detail before evaluating triggers.
const queryListResolvedKillmailsSince = `
SELECT` + killmailColumns + `
FROM killmails k
JOIN enrichments e ON e.killmail_id = k.id
LEFT JOIN delivery_records d ON d.worker_name = $1 AND d.killmail_id = k.id
WHERE k.kill_time > $2
  AND d.killmail_id IS NULL
ORDER BY k.kill_time
LIMIT $3
`

const queryGetKillmail = `
SELECT` + killmailColumns + `
FROM killmails k
LEFT JOIN enrichments e ON e.killmail_id = k.id
WHERE k.id = $1
`

const queryCreateDelivery = `
INSERT INTO delivery_records (worker_name, killmail_id, processed_at, status, attempts)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (worker_name, killmail_id) DO NOTHING
`

// Delivered is terminal; the guard makes outcome updates idempotent on
// replay, so a redelivered poll cycle cannot regress the audit row.
const queryUpdateDeliveryOutcome = `
UPDATE delivery_records
SET status = $3, attempts = $4, processed_at = $5
WHERE worker_name = $1 AND killmail_id = $2
  AND status <> 'delivered'
`

const queryListRetryableDeliveries = `
SELECT worker_name, killmail_id, processed_at, status, attempts
FROM delivery_records
WHERE worker_name = $1
  AND attempts < $2
  AND (status = 'pending' OR (status = 'failed' AND attempts > 0))
ORDER BY processed_at
LIMIT $3
`

// The attempts guard makes the bump a mutex between instances running the
// same profile: when two of them list the same retryable row, only one
// UPDATE matches and the other sees zero rows.
const queryReserveRetry = `
UPDATE delivery_records
SET attempts = attempts + 1, status = 'pending'
WHERE worker_name = $1 AND killmail_id = $2
  AND attempts = $3
  AND status <> 'delivered'
`

const queryCountRecentSystemKills = `
SELECT COUNT(*) FROM killmails
WHERE solar_system_id = $1 AND kill_time > $2
`

const queryDeleteStaleClaims = `
DELETE FROM fetch_claims WHERE claimed_at <= $1
`

const queryExpungeDeliveries = `
DELETE FROM delivery_records WHERE processed_at <= $1
`

const queryCountKillmails = `
SELECT COUNT(*) FROM killmails
`

const queryCountUnenriched = `
SELECT COUNT(*)
FROM killmails k
LEFT JOIN enrichments e ON e.killmail_id = k.id
WHERE e.killmail_id IS NULL
`

const queryCountLiveClaims = `
SELECT COUNT(*) FROM fetch_claims WHERE claimed_at > $1
`

const queryListWorkerStates = `
SELECT worker_name, last_processed_time, last_poll_time, consecutive_failures
FROM worker_states
ORDER BY worker_name
`
