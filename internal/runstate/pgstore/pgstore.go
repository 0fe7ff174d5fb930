// Package pgstore provides a PostgreSQL implementation of runstate.Store for
// deployments where the pipeline may move between hosts. The single-statement
// UPDATE ... RETURNING forms keep the breaker and lease read-modify-writes
// atomic without an explicit transaction.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/patrol/internal/runstate"
)

var tracer = otel.Tracer("github.com/linnemanlabs/patrol/internal/runstate/pgstore")

//go:embed schema.sql
var schema string

const pipelineName = "patrol"

// Store persists pipeline state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store. The pool is owned by the
// caller and not closed here.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func span(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(sp trace.Span, err error) error {
	sp.RecordError(err)
	sp.SetStatus(codes.Error, err.Error())
	return err
}

func (s *Store) Breaker(ctx context.Context) (runstate.BreakerState, error) {
	ctx, sp := span(ctx, "pgstore.Breaker", "SELECT")
	defer sp.End()

	var (
		st    runstate.BreakerState
		trans *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT consecutive_failures, open, transitioned_at FROM pipeline_state WHERE name = $1`,
		pipelineName,
	).Scan(&st.ConsecutiveFailures, &st.Open, &trans)
	if err != nil {
		return st, fail(sp, fmt.Errorf("read breaker: %w", err))
	}
	if trans != nil {
		st.TransitionedAt = *trans
	}
	return st, nil
}

func (s *Store) RecordFailure(ctx context.Context, threshold int) (runstate.BreakerState, bool, error) {
	ctx, sp := span(ctx, "pgstore.RecordFailure", "UPDATE")
	defer sp.End()

	var (
		st     runstate.BreakerState
		opened bool
		trans  *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`UPDATE pipeline_state
		 SET consecutive_failures = consecutive_failures + 1,
		     transitioned_at = CASE
		         WHEN NOT open AND consecutive_failures + 1 >= $2 THEN now()
		         ELSE transitioned_at
		     END,
		     open = open OR consecutive_failures + 1 >= $2
		 WHERE name = $1
		 RETURNING consecutive_failures, open, transitioned_at,
		           (NOT (consecutive_failures - 1 >= $2) AND consecutive_failures >= $2)`,
		pipelineName, threshold,
	).Scan(&st.ConsecutiveFailures, &st.Open, &trans, &opened)
	if err != nil {
		return st, false, fail(sp, fmt.Errorf("record failure: %w", err))
	}
	if trans != nil {
		st.TransitionedAt = *trans
	}
	return st, opened, nil
}

func (s *Store) RecordSuccess(ctx context.Context) error {
	ctx, sp := span(ctx, "pgstore.RecordSuccess", "UPDATE")
	defer sp.End()

	if _, err := s.pool.Exec(ctx,
		`UPDATE pipeline_state SET consecutive_failures = 0 WHERE name = $1`, pipelineName,
	); err != nil {
		return fail(sp, fmt.Errorf("record success: %w", err))
	}
	return nil
}

func (s *Store) ResetBreaker(ctx context.Context) error {
	ctx, sp := span(ctx, "pgstore.ResetBreaker", "UPDATE")
	defer sp.End()

	if _, err := s.pool.Exec(ctx,
		`UPDATE pipeline_state SET consecutive_failures = 0, open = FALSE, transitioned_at = now() WHERE name = $1`,
		pipelineName,
	); err != nil {
		return fail(sp, fmt.Errorf("reset breaker: %w", err))
	}
	return nil
}

func (s *Store) LastAlerted(ctx context.Context, key string) (time.Time, bool, error) {
	ctx, sp := span(ctx, "pgstore.LastAlerted", "SELECT")
	defer sp.End()

	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_alerted FROM alert_dedup WHERE dedup_key = $1`, key).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fail(sp, fmt.Errorf("read dedup key: %w", err))
	}
	return at, true, nil
}

func (s *Store) MarkAlerted(ctx context.Context, key string, at time.Time) error {
	ctx, sp := span(ctx, "pgstore.MarkAlerted", "UPSERT")
	defer sp.End()

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO alert_dedup (dedup_key, last_alerted) VALUES ($1, $2)
		 ON CONFLICT (dedup_key) DO UPDATE SET last_alerted = EXCLUDED.last_alerted`,
		key, at,
	); err != nil {
		return fail(sp, fmt.Errorf("mark alerted: %w", err))
	}
	return nil
}

func (s *Store) HighWaterMark(ctx context.Context) (time.Time, error) {
	ctx, sp := span(ctx, "pgstore.HighWaterMark", "SELECT")
	defer sp.End()

	var hwm *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT high_water_mark FROM pipeline_state WHERE name = $1`, pipelineName).Scan(&hwm)
	if err != nil {
		return time.Time{}, fail(sp, fmt.Errorf("read high-water mark: %w", err))
	}
	if hwm == nil {
		return time.Time{}, nil
	}
	return *hwm, nil
}

func (s *Store) SetHighWaterMark(ctx context.Context, t time.Time) error {
	ctx, sp := span(ctx, "pgstore.SetHighWaterMark", "UPDATE")
	defer sp.End()

	if _, err := s.pool.Exec(ctx,
		`UPDATE pipeline_state SET high_water_mark = $2 WHERE name = $1`, pipelineName, t,
	); err != nil {
		return fail(sp, fmt.Errorf("set high-water mark: %w", err))
	}
	return nil
}

func (s *Store) AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	ctx, sp := span(ctx, "pgstore.AcquireLease", "UPDATE")
	defer sp.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_state
		 SET lease_holder = $2, lease_expires = now() + $3
		 WHERE name = $1
		   AND (lease_holder = '' OR lease_holder = $2 OR lease_expires < now())`,
		pipelineName, holder, ttl,
	)
	if err != nil {
		return false, fail(sp, fmt.Errorf("acquire lease: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseLease(ctx context.Context, holder string) error {
	ctx, sp := span(ctx, "pgstore.ReleaseLease", "UPDATE")
	defer sp.End()

	if _, err := s.pool.Exec(ctx,
		`UPDATE pipeline_state SET lease_holder = '', lease_expires = NULL WHERE name = $1 AND lease_holder = $2`,
		pipelineName, holder,
	); err != nil {
		return fail(sp, fmt.Errorf("release lease: %w", err))
	}
	return nil
}

func (s *Store) TerminalOutcome(ctx context.Context, key string) (string, bool, error) {
	ctx, sp := span(ctx, "pgstore.TerminalOutcome", "SELECT")
	defer sp.End()

	var outcome string
	err := s.pool.QueryRow(ctx,
		`SELECT outcome FROM event_ledger WHERE ledger_key = $1`, key).Scan(&outcome)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fail(sp, fmt.Errorf("read ledger: %w", err))
	}
	return outcome, true, nil
}

func (s *Store) MarkTerminal(ctx context.Context, key, outcome string) error {
	ctx, sp := span(ctx, "pgstore.MarkTerminal", "UPSERT")
	defer sp.End()

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO event_ledger (ledger_key, outcome, recorded_at) VALUES ($1, $2, now())
		 ON CONFLICT (ledger_key) DO UPDATE SET outcome = EXCLUDED.outcome, recorded_at = now()`,
		key, outcome,
	); err != nil {
		return fail(sp, fmt.Errorf("mark terminal: %w", err))
	}
	return nil
}
