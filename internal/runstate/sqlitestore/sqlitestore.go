// Package sqlitestore provides an embedded SQLite implementation of
// runstate.Store for single-node deployments where Postgres is not worth the
// operational overhead. State lives in one file next to the audit log.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/patrol/internal/runstate"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	open INTEGER NOT NULL DEFAULT 0,
	transitioned_at TEXT,
	high_water_mark TEXT,
	lease_holder TEXT,
	-- unix nanos: the expiry is compared in SQL, and RFC3339Nano strings
	-- with unequal fraction widths do not sort chronologically
	lease_expires INTEGER
);
CREATE TABLE IF NOT EXISTS alert_dedup (
	dedup_key TEXT PRIMARY KEY,
	last_alerted TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS event_ledger (
	ledger_key TEXT PRIMARY KEY,
	outcome TEXT NOT NULL,
	recorded_at TEXT NOT NULL
);
INSERT OR IGNORE INTO pipeline_state (id) VALUES (1);
`

// Store persists pipeline state in a local SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the SQLite database at path and applies the schema.
// Creates the parent directory if it does not exist.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// the run lease is the only writer, but the API reset path can race a run
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v.String)
}

func (s *Store) Breaker(ctx context.Context) (runstate.BreakerState, error) {
	var (
		st    runstate.BreakerState
		open  int
		trans sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT consecutive_failures, open, transitioned_at FROM pipeline_state WHERE id = 1`,
	).Scan(&st.ConsecutiveFailures, &open, &trans)
	if err != nil {
		return st, fmt.Errorf("read breaker: %w", err)
	}
	st.Open = open != 0
	if st.TransitionedAt, err = parseTime(trans); err != nil {
		return st, fmt.Errorf("parse transitioned_at: %w", err)
	}
	return st, nil
}

func (s *Store) RecordFailure(ctx context.Context, threshold int) (runstate.BreakerState, bool, error) {
	var st runstate.BreakerState
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return st, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	var open int
	if err := tx.QueryRowContext(ctx,
		`SELECT consecutive_failures, open FROM pipeline_state WHERE id = 1`,
	).Scan(&st.ConsecutiveFailures, &open); err != nil {
		return st, false, fmt.Errorf("read breaker: %w", err)
	}
	st.Open = open != 0
	st.ConsecutiveFailures++

	opened := false
	if !st.Open && st.ConsecutiveFailures >= threshold {
		st.Open = true
		st.TransitionedAt = s.now()
		opened = true
	}

	var res sql.Result
	if opened {
		res, err = tx.ExecContext(ctx,
			`UPDATE pipeline_state SET consecutive_failures = ?, open = 1, transitioned_at = ? WHERE id = 1`,
			st.ConsecutiveFailures, fmtTime(st.TransitionedAt))
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE pipeline_state SET consecutive_failures = ? WHERE id = 1`,
			st.ConsecutiveFailures)
	}
	if err != nil {
		return st, false, fmt.Errorf("update breaker: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return st, false, errors.New("pipeline_state row missing")
	}
	if err := tx.Commit(); err != nil {
		return st, false, fmt.Errorf("commit: %w", err)
	}
	return st, opened, nil
}

func (s *Store) RecordSuccess(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_state SET consecutive_failures = 0 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

func (s *Store) ResetBreaker(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_state SET consecutive_failures = 0, open = 0, transitioned_at = ? WHERE id = 1`,
		fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("reset breaker: %w", err)
	}
	return nil
}

func (s *Store) LastAlerted(ctx context.Context, key string) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_alerted FROM alert_dedup WHERE dedup_key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read dedup key: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last_alerted: %w", err)
	}
	return t, true, nil
}

func (s *Store) MarkAlerted(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_dedup (dedup_key, last_alerted) VALUES (?, ?)
		 ON CONFLICT (dedup_key) DO UPDATE SET last_alerted = excluded.last_alerted`,
		key, fmtTime(at))
	if err != nil {
		return fmt.Errorf("mark alerted: %w", err)
	}
	return nil
}

func (s *Store) HighWaterMark(ctx context.Context) (time.Time, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT high_water_mark FROM pipeline_state WHERE id = 1`).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("read high-water mark: %w", err)
	}
	t, err := parseTime(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse high-water mark: %w", err)
	}
	return t, nil
}

func (s *Store) SetHighWaterMark(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_state SET high_water_mark = ? WHERE id = 1`, fmtTime(t))
	if err != nil {
		return fmt.Errorf("set high-water mark: %w", err)
	}
	return nil
}

func (s *Store) AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_state
		 SET lease_holder = ?, lease_expires = ?
		 WHERE id = 1
		   AND (lease_holder IS NULL OR lease_holder = '' OR lease_holder = ? OR lease_expires < ?)`,
		holder, now.Add(ttl).UnixNano(), holder, now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ReleaseLease(ctx context.Context, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_state SET lease_holder = '', lease_expires = NULL WHERE id = 1 AND lease_holder = ?`,
		holder)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (s *Store) TerminalOutcome(ctx context.Context, key string) (string, bool, error) {
	var outcome string
	err := s.db.QueryRowContext(ctx,
		`SELECT outcome FROM event_ledger WHERE ledger_key = ?`, key).Scan(&outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read ledger: %w", err)
	}
	return outcome, true, nil
}

func (s *Store) MarkTerminal(ctx context.Context, key, outcome string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_ledger (ledger_key, outcome, recorded_at) VALUES (?, ?, ?)
		 ON CONFLICT (ledger_key) DO UPDATE SET outcome = excluded.outcome, recorded_at = excluded.recorded_at`,
		key, outcome, fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("mark terminal: %w", err)
	}
	return nil
}
