package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator handles database migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a migrator with the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{
		conn:       conn,
		migrations: GetMigrations(),
		tableName:  "schema_migrations",
	}
}

// EnsureMigrationTable creates the migration tracking table if it doesn't exist.
func (m *Migrator) EnsureMigrationTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`, m.tableName)

	if _, err := m.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	return nil
}

// GetAppliedMigrations returns the applied versions.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.conn.Query(ctx, fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName))
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("scan migration row: %w", err)
		}
		applied[version] = appliedAt
	}
	return applied, rows.Err()
}

// Migrate applies all pending migrations and returns how many ran.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if mig.UpSQL == "" {
			return ran, fmt.Errorf("%w: missing up SQL for migration %d", ErrMigrationFailed, mig.Version)
		}

		err := m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName), mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return ran, fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
		ran++
	}
	return ran, nil
}

// Rollback rolls back the last applied migration.
func (m *Migrator) Rollback(ctx context.Context) error {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return err
	}
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	var last int
	for v := range applied {
		if v > last {
			last = v
		}
	}
	if last == 0 {
		return nil
	}

	var migration *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == last {
			migration = &m.migrations[i]
			break
		}
	}
	if migration == nil || migration.DownSQL == "" {
		return fmt.Errorf("%w: missing down SQL for migration %d", ErrMigrationFailed, last)
	}

	return m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, migration.DownSQL); err != nil {
			return fmt.Errorf("rollback migration %d: %w", last, err)
		}
		_, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName), last)
		return err
	})
}

// Status returns every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]Migration, len(m.migrations))
	copy(result, m.migrations)
	for i := range result {
		if at, ok := applied[result[i].Version]; ok {
			result[i].IsApplied = true
			result[i].AppliedAt = at
		}
	}
	return result, nil
}

// GetMigrations returns all embedded migrations in version order.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_registry_and_groups", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_member_profiles", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "create_proposals", UpSQL: migration003Up, DownSQL: migration003Down},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: REGISTRY AND GROUPS
// Amounts are u64 values stored bit-for-bit in BIGINT columns.
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS registry (
    id SMALLINT PRIMARY KEY DEFAULT 1,
    admin VARCHAR(128) NOT NULL DEFAULT '',
    total_groups BIGINT NOT NULL DEFAULT 0,
    total_members BIGINT NOT NULL DEFAULT 0,
    initialized BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT single_registry CHECK (id = 1)
);

CREATE TABLE IF NOT EXISTS study_groups (
    id BIGINT PRIMARY KEY,
    creator VARCHAR(128) NOT NULL,
    name VARCHAR(200) NOT NULL,
    subject VARCHAR(200) NOT NULL,
    description TEXT NOT NULL,
    stake_requirement BIGINT NOT NULL,
    max_members SMALLINT NOT NULL,
    current_members SMALLINT NOT NULL DEFAULT 0,
    reward_pool BIGINT NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    duration_days INTEGER NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    penalty_rate SMALLINT NOT NULL,
    proposal_count BIGINT NOT NULL DEFAULT 0,
    total_rewards_claimed BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_members CHECK (current_members >= 0 AND current_members <= max_members)
);

CREATE INDEX IF NOT EXISTS idx_study_groups_subject ON study_groups(subject);
CREATE INDEX IF NOT EXISTS idx_study_groups_creator ON study_groups(creator);
CREATE INDEX IF NOT EXISTS idx_study_groups_active ON study_groups(id) WHERE is_active;
`

const migration001Down = `
DROP TABLE IF EXISTS study_groups;
DROP TABLE IF EXISTS registry;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: MEMBER PROFILES
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS member_profiles (
    group_id BIGINT NOT NULL REFERENCES study_groups(id) ON DELETE CASCADE,
    member VARCHAR(128) NOT NULL,
    stake_amount BIGINT NOT NULL,
    check_in_count INTEGER NOT NULL DEFAULT 0,
    current_streak INTEGER NOT NULL DEFAULT 0,
    total_tips_received BIGINT NOT NULL DEFAULT 0,
    tips_received_count INTEGER NOT NULL DEFAULT 0,
    participation_score BIGINT NOT NULL DEFAULT 0,
    claimed_score BIGINT NOT NULL DEFAULT 0,
    votes_cast INTEGER NOT NULL DEFAULT 0,
    join_date BIGINT NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    last_check_in BIGINT NOT NULL DEFAULT 0,
    left_at BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (group_id, member),
    CONSTRAINT valid_claim CHECK (claimed_score <= participation_score)
);

CREATE INDEX IF NOT EXISTS idx_member_profiles_member ON member_profiles(member);
CREATE INDEX IF NOT EXISTS idx_member_profiles_group_score
    ON member_profiles(group_id, participation_score DESC) WHERE is_active;
`

const migration002Down = `
DROP TABLE IF EXISTS member_profiles;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: PROPOSALS AND VOTES
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE TABLE IF NOT EXISTS proposals (
    group_id BIGINT NOT NULL REFERENCES study_groups(id) ON DELETE CASCADE,
    seq BIGINT NOT NULL,
    proposer VARCHAR(128) NOT NULL,
    proposal_type VARCHAR(32) NOT NULL,
    description TEXT NOT NULL,
    votes_for INTEGER NOT NULL DEFAULT 0,
    votes_against INTEGER NOT NULL DEFAULT 0,
    voting_deadline BIGINT NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'pending',
    required_threshold INTEGER NOT NULL,
    created_at BIGINT NOT NULL,
    resolved_at BIGINT NOT NULL DEFAULT 0,

    PRIMARY KEY (group_id, seq),
    CONSTRAINT valid_status CHECK (status IN ('pending', 'executed', 'rejected')),
    CONSTRAINT valid_type CHECK (proposal_type IN ('change_topic', 'update_schedule', 'add_resource', 'modify_stake'))
);

CREATE INDEX IF NOT EXISTS idx_proposals_pending_deadline
    ON proposals(voting_deadline, group_id, seq) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS proposal_votes (
    group_id BIGINT NOT NULL,
    seq BIGINT NOT NULL,
    voter VARCHAR(128) NOT NULL,
    in_favor BOOLEAN NOT NULL,
    cast_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (group_id, seq, voter),
    FOREIGN KEY (group_id, seq) REFERENCES proposals(group_id, seq) ON DELETE CASCADE
);
`

const migration003Down = `
DROP TABLE IF EXISTS proposal_votes;
DROP TABLE IF EXISTS proposals;
`
