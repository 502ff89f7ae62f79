package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"p2p-spread-alerts/internal/engine"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrStaleSnapshot is returned when a snapshot at the same or a newer
	// version is already stored; the save was not applied.
	ErrStaleSnapshot = errors.New("storage: ledger snapshot superseded")
)

const (
	createSchemaSQL = `
    CREATE TABLE IF NOT EXISTS ledger_snapshots (
        ledger_key TEXT PRIMARY KEY,
        fired      JSONB NOT NULL,
        last_reset TEXT NOT NULL DEFAULT '',
        version    BIGINT NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE TABLE IF NOT EXISTS alerts (
        id             TEXT PRIMARY KEY,
        pairing        TEXT NOT NULL,
        threshold_pct  NUMERIC NOT NULL,
        tranche_qty    NUMERIC NOT NULL,
        cumulative_qty NUMERIC NOT NULL,
        spread_pct     NUMERIC NOT NULL,
        leg_a          NUMERIC NOT NULL,
        leg_b          NUMERIC NOT NULL,
        ledger_day     TEXT NOT NULL,
        observed_at    TIMESTAMPTZ NOT NULL,
        created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS alerts_observed_at_idx ON alerts (observed_at);`

	loadLedgerSQL = `SELECT fired, last_reset, version
    FROM ledger_snapshots
    WHERE ledger_key = $1;`

	// Older versions never overwrite newer ones.
	saveLedgerSQL = `INSERT INTO ledger_snapshots (
        ledger_key,
        fired,
        last_reset,
        version,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,now()
    )
    ON CONFLICT (ledger_key) DO UPDATE
    SET fired      = EXCLUDED.fired,
        last_reset = EXCLUDED.last_reset,
        version    = EXCLUDED.version,
        updated_at = now()
    WHERE ledger_snapshots.version < EXCLUDED.version;`

	insertAlertSQL = `INSERT INTO alerts (
        id,
        pairing,
        threshold_pct,
        tranche_qty,
        cumulative_qty,
        spread_pct,
        leg_a,
        leg_b,
        ledger_day,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (id) DO NOTHING
    RETURNING created_at;`

	listAlertsSinceSQL = `SELECT
        id,
        pairing,
        threshold_pct::text,
        tranche_qty::text,
        cumulative_qty::text,
        spread_pct::text,
        leg_a::text,
        leg_b::text,
        ledger_day,
        observed_at,
        created_at
    FROM alerts
    WHERE observed_at >= $1
    ORDER BY observed_at;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE observed_at < $1;`

	advisoryLockSQL    = `SELECT pg_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// LedgerStore persists the shared ledger so a restart within the day keeps
// already-fired thresholds retired.
type LedgerStore interface {
	LoadLedger(ctx context.Context, key string) (engine.Snapshot, bool, error)
	SaveLedger(ctx context.Context, key string, snap engine.Snapshot) error
}

// AlertStore keeps the alerts fired during the current ledger day.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListAlertsSince(ctx context.Context, since time.Time) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker serialises ledger updates across processes sharing a store.
type AdvisoryLocker interface {
	// AdvisoryLock blocks until key is held or ctx is done.
	AdvisoryLock(ctx context.Context, key int64) (unlock func(), err error)
}

// Backend is a complete store implementation.
type Backend interface {
	LedgerStore
	AlertStore
	Close() error
}

// Postgres stores ledger snapshots and alerts in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wires a pgx pool into a Postgres store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Postgres) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Postgres) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the tables when missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// AdvisoryLock takes a session-level postgres advisory lock on a dedicated
// connection and returns its release func.
func (s *Postgres) AdvisoryLock(ctx context.Context, key int64) (func(), error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, advisoryLockSQL, key); err != nil {
		// A cancelled wait may leave the session unusable.
		conn.Conn().Close(context.Background())
		conn.Release()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// Closing the session drops the lock.
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, nil
}

// LoadLedger returns the stored snapshot; ok is false when none exists yet.
func (s *Postgres) LoadLedger(ctx context.Context, key string) (engine.Snapshot, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return engine.Snapshot{}, false, err
	}

	var (
		fired     []byte
		lastReset string
		version   int64
	)
	if err := pool.QueryRow(ctx, loadLedgerSQL, key).Scan(&fired, &lastReset, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.Snapshot{}, false, nil
		}
		return engine.Snapshot{}, false, fmt.Errorf("load ledger: %w", err)
	}

	snap, err := decodeSnapshot(fired, lastReset, version)
	if err != nil {
		return engine.Snapshot{}, false, err
	}
	return snap, true, nil
}

// SaveLedger upserts snap. It returns ErrStaleSnapshot when the stored
// version is not older than snap.Version.
func (s *Postgres) SaveLedger(ctx context.Context, key string, snap engine.Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	fired, err := encodeFired(snap.Fired)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, saveLedgerSQL, key, fired, encodeDay(snap.LastReset), snap.Version)
	if err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleSnapshot
	}
	return nil
}

// InsertAlert persists an alert emission. Re-inserting the same ID is a no-op.
func (s *Postgres) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.ID,
		alert.Pairing,
		alert.ThresholdPct.String(),
		alert.TrancheQuantity.String(),
		alert.CumulativeQuantity.String(),
		alert.SpreadPct.String(),
		alert.LegA.String(),
		alert.LegB.String(),
		encodeDay(alert.LedgerDay),
		alert.ObservedAt,
	)
	if err := row.Scan(&alert.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return alert, nil
		}
		return AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	return alert, nil
}

// ListAlertsSince lists alerts observed at or after since, oldest first.
func (s *Postgres) ListAlertsSince(ctx context.Context, since time.Time) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertsSinceSQL, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts since: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes alerts from previous ledger days.
func (s *Postgres) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// rowScanner is satisfied by pgx.Rows and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanAlert reads one alert row. times overrides the observed_at/created_at
// destinations for drivers that do not store native timestamps.
func scanAlert(row rowScanner, times ...any) (AlertRecord, error) {
	var (
		rec                                  AlertRecord
		threshold, tranche, cumulative, sprd string
		legA, legB, day                      string
	)
	dest := []any{&rec.ID, &rec.Pairing, &threshold, &tranche, &cumulative, &sprd, &legA, &legB, &day}
	if len(times) == 0 {
		dest = append(dest, &rec.ObservedAt, &rec.CreatedAt)
	} else {
		dest = append(dest, times...)
	}
	if err := row.Scan(dest...); err != nil {
		return AlertRecord{}, fmt.Errorf("scan alert: %w", err)
	}

	if err := parseDecimals(
		decimalField{"threshold pct", threshold, &rec.ThresholdPct},
		decimalField{"tranche quantity", tranche, &rec.TrancheQuantity},
		decimalField{"cumulative quantity", cumulative, &rec.CumulativeQuantity},
		decimalField{"spread pct", sprd, &rec.SpreadPct},
		decimalField{"leg a", legA, &rec.LegA},
		decimalField{"leg b", legB, &rec.LegB},
	); err != nil {
		return AlertRecord{}, err
	}
	ledgerDay, err := decodeDay(day)
	if err != nil {
		return AlertRecord{}, err
	}
	rec.LedgerDay = ledgerDay
	return rec, nil
}

func decodeSnapshot(fired []byte, lastReset string, version int64) (engine.Snapshot, error) {
	pcts, err := decodeFired(fired)
	if err != nil {
		return engine.Snapshot{}, err
	}
	day, err := decodeDay(lastReset)
	if err != nil {
		return engine.Snapshot{}, err
	}
	return engine.Snapshot{Fired: pcts, LastReset: day, Version: version}, nil
}

var (
	_ Backend        = (*Postgres)(nil)
	_ AdvisoryLocker = (*Postgres)(nil)
)
