package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS connection_states (
	account_id TEXT NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('messaging','bridge')),
	phase TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	external_resource_id TEXT NOT NULL DEFAULT '',
	progress INTEGER NOT NULL DEFAULT 0 CHECK(progress BETWEEN 0 AND 100),
	push_completed INTEGER NOT NULL DEFAULT 0,
	timed_out INTEGER NOT NULL DEFAULT 0,
	pending TEXT NOT NULL DEFAULT '',
	suggestions TEXT NOT NULL DEFAULT '[]',
	error_kind TEXT NOT NULL DEFAULT '',
	attempt_token TEXT NOT NULL DEFAULT '',
	state_version INTEGER NOT NULL,
	last_update_source TEXT NOT NULL CHECK(last_update_source IN ('user_action','push','poll')),
	last_updated_at TEXT NOT NULL,
	PRIMARY KEY(account_id, kind)
);

CREATE TABLE IF NOT EXISTS state_transitions (
	transition_id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	attempt_token TEXT NOT NULL DEFAULT '',
	from_phase TEXT NOT NULL,
	to_phase TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	state_version INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);
`,
		DownSQL: `
DROP TABLE IF EXISTS state_transitions;
DROP TABLE IF EXISTS connection_states;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE INDEX IF NOT EXISTS state_transitions_account_kind_id ON state_transitions(account_id, kind, transition_id);
CREATE INDEX IF NOT EXISTS state_transitions_recorded_at ON state_transitions(recorded_at);
CREATE INDEX IF NOT EXISTS connection_states_phase ON connection_states(kind, phase);
`,
		DownSQL: `
DROP INDEX IF EXISTS connection_states_phase;
DROP INDEX IF EXISTS state_transitions_recorded_at;
DROP INDEX IF EXISTS state_transitions_account_kind_id;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
