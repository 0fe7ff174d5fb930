// Package guard wraps every stage invocation with the pipeline's
// operational guardrails: retry with backoff, circuit breaking,
// confidence gating, alert deduplication, and per-attempt audit records.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/patrol/internal/audit"
	"github.com/linnemanlabs/patrol/internal/event"
	"github.com/linnemanlabs/patrol/internal/runstate"
	"github.com/linnemanlabs/patrol/internal/stage"
)

// ErrCircuitOpen is returned when the circuit breaker is open and the
// stage invocation was skipped without calling the underlying capability.
var ErrCircuitOpen = errors.New("circuit breaker open")

// InfraError marks a state-store or audit failure. It is fatal to the
// run: no partial progress may be committed once one occurs.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string { return fmt.Sprintf("infrastructure failure in %s: %v", e.Op, e.Err) }

func (e *InfraError) Unwrap() error { return e.Err }

func infra(op string, err error) error { return &InfraError{Op: op, Err: err} }

// IsInfra reports whether err carries an InfraError anywhere in its chain.
func IsInfra(err error) bool {
	var ie *InfraError
	return errors.As(err, &ie)
}

// Config holds the guardrail tunables.
type Config struct {
	MaxRetries          int
	BreakerThreshold    int
	ConfidenceThreshold float64
	DedupWindow         time.Duration
	InitialBackoff      time.Duration
}

// Hooks receive guardrail outcomes for metrics. Nil fields are skipped.
type Hooks struct {
	OnAttempt    func(stageName, outcome string, duration float64)
	OnSuppressed func(reason string)
	OnBreaker    func(open bool)
}

// Controller applies the guardrail policy around stage invocations.
// One Controller serves the whole pipeline: the circuit breaker counts
// consecutive failures globally across stages, not per event.
type Controller struct {
	cfg    Config
	states runstate.Store
	audit  *audit.Logger
	logger log.Logger
	hooks  Hooks

	// OnOpen is called exactly once when the breaker transitions to open,
	// so an operator-facing notification can be sent.
	OnOpen func(ctx context.Context, st runstate.BreakerState)

	now func() time.Time
}

// New creates a Controller. All dependencies are required except hooks.
func New(cfg Config, states runstate.Store, auditLog *audit.Logger, logger log.Logger, hooks Hooks) *Controller {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	return &Controller{
		cfg:    cfg,
		states: states,
		audit:  auditLog,
		logger: logger,
		hooks:  hooks,
		now:    time.Now,
	}
}

type runIDKey struct{}

// WithRunID tags the context with the current run so audit records can
// be correlated back to it.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

func runIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// Invoke runs fn under the full guardrail policy: circuit pre-check,
// retry with exponential backoff on transient failures, one audit record
// per attempt, and breaker bookkeeping on the final outcome.
//
// A nil error means fn succeeded and the breaker's failure counter was
// reset. ErrCircuitOpen means fn was never called. An InfraError means
// the state store or audit trail is unavailable and the run must abort.
func Invoke[O any](
	ctx context.Context,
	c *Controller,
	stageName, action, inputSummary string,
	fn func(context.Context) (O, error),
	outSummary func(O) string,
) (O, error) {
	var zero O

	st, err := c.states.Breaker(ctx)
	if err != nil {
		return zero, infra("breaker read", err)
	}
	if st.Open {
		rec := audit.Record{
			RunID:   runIDFromContext(ctx),
			Stage:   stageName,
			Action:  action,
			Input:   inputSummary,
			Success: false,
			Error:   ErrCircuitOpen.Error(),
		}
		if err := c.audit.Append(ctx, rec); err != nil {
			return zero, infra("audit append", err)
		}
		c.logger.Warn(ctx, "stage skipped, circuit open",
			"stage", stageName,
			"failures", st.ConsecutiveFailures,
		)
		return zero, ErrCircuitOpen
	}

	attempt := 0
	op := func() (O, error) {
		attempt++
		start := c.now()
		out, err := fn(ctx)
		dur := c.now().Sub(start)

		rec := audit.Record{
			RunID:      runIDFromContext(ctx),
			Stage:      stageName,
			Action:     action,
			Input:      inputSummary,
			DurationMS: dur.Milliseconds(),
			Success:    err == nil,
		}
		if err != nil {
			rec.Error = err.Error()
		} else if outSummary != nil {
			rec.Output = outSummary(out)
		}
		if aerr := c.audit.Append(ctx, rec); aerr != nil {
			return zero, backoff.Permanent(infra("audit append", aerr))
		}

		outcome := "ok"
		switch {
		case err == nil:
		case stage.IsPermanent(err):
			outcome = "permanent"
		default:
			outcome = "transient"
		}
		if c.hooks.OnAttempt != nil {
			c.hooks.OnAttempt(stageName, outcome, dur.Seconds())
		}

		switch {
		case err == nil:
			return out, nil
		case stage.IsPermanent(err):
			c.logger.Error(ctx, err, "stage failed permanently",
				"stage", stageName,
				"attempt", attempt,
			)
			return zero, backoff.Permanent(err)
		default:
			c.logger.Warn(ctx, "stage attempt failed, will retry",
				"stage", stageName,
				"attempt", attempt,
				"error", err.Error(),
			)
			return zero, err
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.InitialBackoff

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries)+1),
	)
	if err == nil {
		if serr := c.states.RecordSuccess(ctx); serr != nil {
			return zero, infra("breaker update", serr)
		}
		return out, nil
	}
	if IsInfra(err) {
		return zero, err
	}

	st, opened, berr := c.states.RecordFailure(ctx, c.cfg.BreakerThreshold)
	if berr != nil {
		return zero, infra("breaker update", berr)
	}
	if c.hooks.OnBreaker != nil {
		c.hooks.OnBreaker(st.Open)
	}
	if opened {
		c.logger.Error(ctx, err, "circuit breaker opened",
			"stage", stageName,
			"failures", st.ConsecutiveFailures,
		)
		if c.OnOpen != nil {
			c.OnOpen(ctx, st)
		}
	}

	return zero, err
}

// ConfidenceGate reports whether the analysis clears the confidence
// threshold. Suppressed findings are recorded in the audit trail and
// never reach the reporter.
func (c *Controller) ConfidenceGate(ctx context.Context, rca *event.RootCauseAnalysis) (bool, error) {
	if rca.Confidence >= c.cfg.ConfidenceThreshold {
		return true, nil
	}

	rec := audit.Record{
		RunID:   runIDFromContext(ctx),
		Stage:   "rootcause",
		Action:  "suppressed-low-confidence",
		Input:   rca.Service + "/" + rca.ErrorType,
		Output:  fmt.Sprintf("confidence %.2f below threshold %.2f", rca.Confidence, c.cfg.ConfidenceThreshold),
		Success: true,
	}
	if err := c.audit.Append(ctx, rec); err != nil {
		return false, infra("audit append", err)
	}
	if c.hooks.OnSuppressed != nil {
		c.hooks.OnSuppressed("low-confidence")
	}
	c.logger.Info(ctx, "finding suppressed below confidence threshold",
		"service", rca.Service,
		"error_type", rca.ErrorType,
		"confidence", rca.Confidence,
	)
	return false, nil
}

// DedupGate reports whether an alert for the analysis's dedup key may be
// dispatched. A key alerted within the dedup window is suppressed with a
// duplicate-suppressed audit record.
func (c *Controller) DedupGate(ctx context.Context, rca *event.RootCauseAnalysis) (bool, error) {
	key := rca.DedupKey()

	last, found, err := c.states.LastAlerted(ctx, key)
	if err != nil {
		return false, infra("dedup read", err)
	}
	if !found || c.now().Sub(last) >= c.cfg.DedupWindow {
		return true, nil
	}

	rec := audit.Record{
		RunID:   runIDFromContext(ctx),
		Stage:   "report",
		Action:  "duplicate-suppressed",
		Input:   key,
		Output:  "last alerted " + last.UTC().Format(time.RFC3339),
		Success: true,
	}
	if aerr := c.audit.Append(ctx, rec); aerr != nil {
		return false, infra("audit append", aerr)
	}
	if c.hooks.OnSuppressed != nil {
		c.hooks.OnSuppressed("duplicate")
	}
	c.logger.Info(ctx, "duplicate alert suppressed",
		"dedup_key", key,
		"last_alerted", last,
	)
	return false, nil
}

// MarkAlerted records the dispatch intent for the key: an audit record
// is durably appended, then the dedup index is updated. Both must
// succeed before the alert is actually sent, so a crash mid-dispatch
// suppresses rather than duplicates on replay.
func (c *Controller) MarkAlerted(ctx context.Context, key string) error {
	rec := audit.Record{
		RunID:   runIDFromContext(ctx),
		Stage:   "report",
		Action:  "dispatch-intent",
		Input:   key,
		Success: true,
	}
	if err := c.audit.Append(ctx, rec); err != nil {
		return infra("audit append", err)
	}
	if err := c.states.MarkAlerted(ctx, key, c.now()); err != nil {
		return infra("dedup write", err)
	}
	return nil
}

// BreakerState returns the current circuit breaker state.
func (c *Controller) BreakerState(ctx context.Context) (runstate.BreakerState, error) {
	st, err := c.states.Breaker(ctx)
	if err != nil {
		return runstate.BreakerState{}, infra("breaker read", err)
	}
	return st, nil
}

// ResetBreaker clears an open breaker back to closed. This is the only
// way to resume after a trip, and it is audited.
func (c *Controller) ResetBreaker(ctx context.Context) error {
	rec := audit.Record{
		RunID:   runIDFromContext(ctx),
		Stage:   "pipeline",
		Action:  "breaker-reset",
		Success: true,
	}
	if err := c.audit.Append(ctx, rec); err != nil {
		return infra("audit append", err)
	}
	if err := c.states.ResetBreaker(ctx); err != nil {
		return infra("breaker update", err)
	}
	if c.hooks.OnBreaker != nil {
		c.hooks.OnBreaker(false)
	}
	c.logger.Info(ctx, "circuit breaker reset by operator")
	return nil
}
