package storage

import (
	"database/sql"
	"fmt"
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS ledger_snapshots (
		ledger_key TEXT PRIMARY KEY,
		fired      TEXT NOT NULL DEFAULT '[]',
		last_reset TEXT NOT NULL DEFAULT '',
		version    INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id             TEXT PRIMARY KEY,
		pairing        TEXT NOT NULL,
		threshold_pct  TEXT NOT NULL,
		tranche_qty    TEXT NOT NULL,
		cumulative_qty TEXT NOT NULL,
		spread_pct     TEXT NOT NULL,
		leg_a          TEXT NOT NULL,
		leg_b          TEXT NOT NULL,
		ledger_day     TEXT NOT NULL,
		observed_at    INTEGER NOT NULL,
		created_at     INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_observed_at ON alerts(observed_at);`,
}

// runMigrations applies pending schema migrations.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var currentVersion int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}

	for i := currentVersion; i < len(sqliteMigrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec(sqliteMigrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("run migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}
