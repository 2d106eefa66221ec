package postgres

import (
	"context"
	"fmt"
	"log"
	"time"
)

// migration is one ordered, additive schema step. Applied migrations are
// recorded in schema_version; each version is applied at most once and
// never out of order.
type migration struct {
	Version     int
	Description string
	Statements  []string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "create killmails",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS killmails (
				id BIGINT PRIMARY KEY,
				kill_time TIMESTAMPTZ NOT NULL,
				solar_system_id INTEGER NOT NULL,
				hash TEXT NOT NULL,
				total_value DOUBLE PRECISION NOT NULL DEFAULT 0,
				points INTEGER NOT NULL DEFAULT 0,
				npc BOOLEAN NOT NULL DEFAULT false,
				solo BOOLEAN NOT NULL DEFAULT false,
				awox BOOLEAN NOT NULL DEFAULT false,
				victim_character_id BIGINT NOT NULL DEFAULT 0,
				victim_corporation_id BIGINT NOT NULL DEFAULT 0,
				victim_alliance_id BIGINT NOT NULL DEFAULT 0,
				victim_ship_type_id INTEGER NOT NULL DEFAULT 0,
				ingested_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_killmails_kill_time ON killmails (kill_time)`,
			`CREATE INDEX IF NOT EXISTS idx_killmails_system_time ON killmails (solar_system_id, kill_time)`,
			`CREATE INDEX IF NOT EXISTS idx_killmails_total_value ON killmails (total_value)`,
			`CREATE INDEX IF NOT EXISTS idx_killmails_victim_corp ON killmails (victim_corporation_id)`,
			`CREATE INDEX IF NOT EXISTS idx_killmails_victim_alliance ON killmails (victim_alliance_id)`,
		},
	},
	{
		Version:     2,
		Description: "create enrichments",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS enrichments (
				killmail_id BIGINT PRIMARY KEY REFERENCES killmails (id),
				fetch_status TEXT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				fetched_at TIMESTAMPTZ NOT NULL,
				victim_character_id BIGINT,
				victim_corporation_id BIGINT,
				victim_alliance_id BIGINT,
				victim_ship_type_id INTEGER,
				damage_taken BIGINT,
				attacker_count INTEGER,
				final_blow_character_id BIGINT,
				position_x DOUBLE PRECISION,
				position_y DOUBLE PRECISION,
				position_z DOUBLE PRECISION,
				attackers JSONB
			)`,
			`CREATE INDEX IF NOT EXISTS idx_enrichments_status ON enrichments (fetch_status)`,
		},
	},
	{
		Version:     3,
		Description: "create fetch_attempts",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS fetch_attempts (
				killmail_id BIGINT PRIMARY KEY REFERENCES killmails (id),
				attempts INTEGER NOT NULL DEFAULT 0,
				last_attempt_at TIMESTAMPTZ NOT NULL,
				last_error TEXT NOT NULL DEFAULT ''
			)`,
		},
	},
	{
		Version:     4,
		Description: "create fetch_claims",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS fetch_claims (
				killmail_id BIGINT PRIMARY KEY,
				worker_id TEXT NOT NULL,
				claimed_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_fetch_claims_claimed_at ON fetch_claims (claimed_at)`,
		},
	},
	{
		Version:     5,
		Description: "create worker_states",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS worker_states (
				worker_name TEXT PRIMARY KEY,
				last_processed_time TIMESTAMPTZ NOT NULL,
				last_poll_time TIMESTAMPTZ NOT NULL,
				consecutive_failures INTEGER NOT NULL DEFAULT 0
			)`,
		},
	},
	{
		Version:     6,
		Description: "create delivery_records",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS delivery_records (
				worker_name TEXT NOT NULL,
				killmail_id BIGINT NOT NULL,
				processed_at TIMESTAMPTZ NOT NULL,
				status TEXT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (worker_name, killmail_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_delivery_records_worker_status ON delivery_records (worker_name, status)`,
			`CREATE INDEX IF NOT EXISTS idx_delivery_records_processed_at ON delivery_records (processed_at)`,
		},
	},
}

const createSchemaVersion = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL,
	description TEXT NOT NULL
)`

// Migrate applies all unapplied migrations in version order. Each migration
// runs in its own transaction together with its schema_version entry, so a
// partially applied migration is rolled back as a unit.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createSchemaVersion); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		log.Printf("store: applied migration %d (%s)", m.Version, m.Description)
	}

	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at, description) VALUES ($1, $2, $3)`,
		m.Version, time.Now().UTC(), m.Description,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}
