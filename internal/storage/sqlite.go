package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"p2p-spread-alerts/internal/engine"
)

// SQLite stores ledger snapshots and alerts in an embedded database file.
// Timestamps are kept as unix milliseconds.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens or creates an SQLite database at the given path.
func NewSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// LoadLedger returns the stored snapshot; ok is false when none exists yet.
func (s *SQLite) LoadLedger(ctx context.Context, key string) (engine.Snapshot, bool, error) {
	var (
		fired     string
		lastReset string
		version   int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT fired, last_reset, version FROM ledger_snapshots WHERE ledger_key = ?", key,
	).Scan(&fired, &lastReset, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return engine.Snapshot{}, false, nil
		}
		return engine.Snapshot{}, false, fmt.Errorf("load ledger: %w", err)
	}

	snap, err := decodeSnapshot([]byte(fired), lastReset, version)
	if err != nil {
		return engine.Snapshot{}, false, err
	}
	return snap, true, nil
}

// SaveLedger upserts snap. It returns ErrStaleSnapshot when the stored
// version is not older than snap.Version.
func (s *SQLite) SaveLedger(ctx context.Context, key string, snap engine.Snapshot) error {
	fired, err := encodeFired(snap.Fired)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_snapshots (ledger_key, fired, last_reset, version, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(ledger_key) DO UPDATE SET
		   fired = excluded.fired,
		   last_reset = excluded.last_reset,
		   version = excluded.version,
		   updated_at = excluded.updated_at
		 WHERE ledger_snapshots.version < excluded.version`,
		key, string(fired), encodeDay(snap.LastReset), snap.Version, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	if n == 0 {
		return ErrStaleSnapshot
	}
	return nil
}

// InsertAlert persists an alert emission. Re-inserting the same ID is a no-op.
func (s *SQLite) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	alert.CreatedAt = time.UnixMilli(s.now().UnixMilli()).UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO alerts (id, pairing, threshold_pct, tranche_qty, cumulative_qty, spread_pct, leg_a, leg_b, ledger_day, observed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.Pairing,
		alert.ThresholdPct.String(), alert.TrancheQuantity.String(), alert.CumulativeQuantity.String(),
		alert.SpreadPct.String(), alert.LegA.String(), alert.LegB.String(),
		encodeDay(alert.LedgerDay), alert.ObservedAt.UnixMilli(), alert.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	return alert, nil
}

// ListAlertsSince lists alerts observed at or after since, oldest first.
func (s *SQLite) ListAlertsSince(ctx context.Context, since time.Time) ([]AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pairing, threshold_pct, tranche_qty, cumulative_qty, spread_pct, leg_a, leg_b, ledger_day, observed_at, created_at
		 FROM alerts WHERE observed_at >= ? ORDER BY observed_at`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("list alerts since: %w", err)
	}
	defer rows.Close()

	var alerts []AlertRecord
	for rows.Next() {
		var observedMs, createdMs int64
		rec, err := scanAlert(rows, &observedMs, &createdMs)
		if err != nil {
			return nil, err
		}
		rec.ObservedAt = time.UnixMilli(observedMs).UTC()
		rec.CreatedAt = time.UnixMilli(createdMs).UTC()
		alerts = append(alerts, rec)
	}
	return alerts, rows.Err()
}

// DeleteAlertsBefore deletes alerts from previous ledger days.
func (s *SQLite) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM alerts WHERE observed_at < ?", olderThan.UnixMilli()); err != nil {
		return fmt.Errorf("delete alerts before: %w", err)
	}
	return nil
}

var _ Backend = (*SQLite)(nil)
