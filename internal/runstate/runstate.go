// Package runstate defines the durable, keyed state that survives across
// scheduled pipeline invocations: the circuit breaker, the alert dedup index,
// the ingestion high-water mark, the run lease, and the terminal-event ledger
// used for idempotent replay.
package runstate

import (
	"context"
	"time"
)

// BreakerState is the circuit breaker snapshot for the pipeline. Within an
// open episode the state is monotonic: it only returns to closed through an
// explicit operator reset, never silently.
type BreakerState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Open                bool      `json:"open"`
	TransitionedAt      time.Time `json:"transitioned_at,omitempty"`
}

// Store is the persistence contract for cross-run pipeline state. The
// read-modify-write operations (RecordFailure, RecordSuccess, AcquireLease)
// must be atomic per call: two overlapping invocations must not both observe
// "closed" and both cross the failure threshold unnoticed.
type Store interface {
	// Breaker returns the current circuit breaker state.
	Breaker(ctx context.Context) (BreakerState, error)

	// RecordFailure atomically increments the consecutive-failure counter and
	// opens the breaker when it reaches threshold. The returned bool is true
	// only on the call that performed the closed->open transition.
	RecordFailure(ctx context.Context, threshold int) (BreakerState, bool, error)

	// RecordSuccess resets the consecutive-failure counter. It does not close
	// an open breaker; only ResetBreaker does that.
	RecordSuccess(ctx context.Context) error

	// ResetBreaker is the operator-triggered transition back to closed.
	ResetBreaker(ctx context.Context) error

	// LastAlerted returns when key last produced a dispatched alert.
	LastAlerted(ctx context.Context, key string) (time.Time, bool, error)

	// MarkAlerted records that key alerted at the given time.
	MarkAlerted(ctx context.Context, key string, at time.Time) error

	// HighWaterMark returns the point up to which ingested events have been
	// fully accounted for. Zero time means no prior run.
	HighWaterMark(ctx context.Context) (time.Time, error)

	// SetHighWaterMark advances the high-water mark.
	SetHighWaterMark(ctx context.Context, t time.Time) error

	// AcquireLease takes the run-level mutual-exclusion lease. It succeeds if
	// the lease is free, expired, or already held by this holder. Returns
	// false when another live holder has it.
	AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error)

	// ReleaseLease releases the lease if held by this holder.
	ReleaseLease(ctx context.Context, holder string) error

	// TerminalOutcome returns the recorded terminal outcome for an event
	// ledger key, if any.
	TerminalOutcome(ctx context.Context, key string) (string, bool, error)

	// MarkTerminal records that the event behind key reached a terminal
	// outcome (alerted, failed, suppressed) and needs no reprocessing.
	MarkTerminal(ctx context.Context, key, outcome string) error
}
