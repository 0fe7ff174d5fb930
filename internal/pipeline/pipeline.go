// Package pipeline implements the incident-analysis run: discover new log
// events, triage them into fingerprint groups, analyze each group, and
// dispatch alerts for the findings that survive the confidence and dedup
// gates. Every stage invocation goes through the guardrail controller.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/patrol/internal/event"
	"github.com/linnemanlabs/patrol/internal/guard"
	"github.com/linnemanlabs/patrol/internal/ingest"
	"github.com/linnemanlabs/patrol/internal/postgres"
	"github.com/linnemanlabs/patrol/internal/runstate"
	"github.com/linnemanlabs/patrol/internal/stage"
)

// State is the lifecycle phase of a run.
type State string

const (
	StateIdle        State = "idle"
	StateDiscovering State = "discovering"
	StateProcessing  State = "processing"
	StateReporting   State = "reporting"
	StateDone        State = "done"
	// StateBlocked means the circuit breaker opened during the run.
	// Remaining events were recorded as skipped, not silently dropped.
	StateBlocked State = "blocked"
	// StateFailed means a run-level error: state store or audit trail
	// unavailable, run timeout, or a discovery failure. No progress was
	// committed past the previous high-water mark for in-flight events.
	StateFailed State = "failed"
)

// ErrRunActive is returned by Trigger when another run holds the lease.
var ErrRunActive = errors.New("another run is already active")

// Run is the observable record of one pipeline invocation.
type Run struct {
	ID               string    `json:"id"`
	State            State     `json:"state"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at,omitempty"`
	EventsDiscovered int       `json:"events_discovered"`
	GroupsTriaged    int       `json:"groups_triaged"`
	AlertsDispatched int       `json:"alerts_dispatched"`
	Suppressed       int       `json:"suppressed"`
	EventsFailed     int       `json:"events_failed"`
	Error            string    `json:"error,omitempty"`
}

// Config holds the orchestrator tunables not owned by the guardrails.
type Config struct {
	// RunTimeout bounds a whole run; it also sizes the run lease TTL.
	RunTimeout time.Duration
	// MaxParallel caps concurrent group analysis within one run.
	MaxParallel int
}

// Hooks receive run outcomes for metrics. Nil fields are skipped.
type Hooks struct {
	OnRunComplete func(run *Run, duration time.Duration)
}

// Orchestrator drives the IDLE -> DISCOVERING -> PROCESSING -> REPORTING
// -> DONE state machine, with BLOCKED on a breaker trip and FAILED on a
// run-level error.
type Orchestrator struct {
	cfg       Config
	source    ingest.Source
	triage    stage.Triage
	rootcause stage.RootCause
	reporter  stage.Reporter
	guard     *guard.Controller
	states    runstate.Store
	logger    log.Logger
	hooks     Hooks

	mu   sync.Mutex
	runs map[string]*Run

	now func() time.Time
}

// New creates an Orchestrator. All dependencies are required except hooks.
func New(
	cfg Config,
	source ingest.Source,
	triageStage stage.Triage,
	rootcauseStage stage.RootCause,
	reporterStage stage.Reporter,
	g *guard.Controller,
	states runstate.Store,
	logger log.Logger,
	hooks Hooks,
) *Orchestrator {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 300 * time.Second
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	return &Orchestrator{
		cfg:       cfg,
		source:    source,
		triage:    triageStage,
		rootcause: rootcauseStage,
		reporter:  reporterStage,
		guard:     g,
		states:    states,
		logger:    logger,
		hooks:     hooks,
		runs:      make(map[string]*Run),
		now:       time.Now,
	}
}

// Trigger starts a run in the background. It acquires the run lease
// synchronously so overlapping triggers are rejected immediately with
// ErrRunActive.
func (o *Orchestrator) Trigger(ctx context.Context) (*Run, error) {
	id := ulid.Make().String()

	ok, err := o.states.AcquireLease(ctx, id, o.cfg.RunTimeout)
	if err != nil {
		return nil, fmt.Errorf("acquire run lease: %w", err)
	}
	if !ok {
		return nil, ErrRunActive
	}

	run := o.register(id)
	go o.execute(context.WithoutCancel(ctx), id)
	return run, nil
}

// Execute runs the pipeline synchronously and returns the final run
// record. Used by timer-driven deployments and tests.
func (o *Orchestrator) Execute(ctx context.Context) (*Run, error) {
	id := ulid.Make().String()

	ok, err := o.states.AcquireLease(ctx, id, o.cfg.RunTimeout)
	if err != nil {
		return nil, fmt.Errorf("acquire run lease: %w", err)
	}
	if !ok {
		return nil, ErrRunActive
	}

	o.register(id)
	o.execute(ctx, id)
	run, _ := o.Get(id)
	return run, nil
}

// Get returns a snapshot of a run by ID.
func (o *Orchestrator) Get(id string) (*Run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[id]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

func (o *Orchestrator) register(id string) *Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	run := &Run{ID: id, State: StateIdle, StartedAt: o.now()}
	o.runs[id] = run
	cp := *run
	return &cp
}

func (o *Orchestrator) update(id string, fn func(*Run)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[id]; ok {
		fn(r)
	}
}

func (o *Orchestrator) setState(id string, s State) {
	o.update(id, func(r *Run) { r.State = s })
}

// groupOutcome is the per-group result of the processing phase.
type groupOutcome struct {
	group    *event.TriagedEvent
	analysis *event.RootCauseAnalysis
	terminal string // ledger outcome, empty while the group is still live
	blocked  bool
}

func (o *Orchestrator) execute(ctx context.Context, id string) {
	start := o.now()
	L := o.logger.With("run_id", id)
	ctx = guard.WithRunID(ctx, id)
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()
	defer func() {
		if err := o.states.ReleaseLease(context.WithoutCancel(ctx), id); err != nil {
			L.Error(ctx, err, "failed to release run lease")
		}
	}()

	finish := func(s State, runErr error) {
		o.update(id, func(r *Run) {
			r.State = s
			r.FinishedAt = o.now()
			if runErr != nil {
				r.Error = runErr.Error()
			}
		})
		run, _ := o.Get(id)
		dur := o.now().Sub(start)
		if o.hooks.OnRunComplete != nil {
			o.hooks.OnRunComplete(run, dur)
		}
		kv := []any{
			"state", string(s),
			"duration_ms", dur.Milliseconds(),
			"events", run.EventsDiscovered,
			"groups", run.GroupsTriaged,
			"dispatched", run.AlertsDispatched,
			"suppressed", run.Suppressed,
			"failed_events", run.EventsFailed,
		}
		if runErr != nil {
			L.Error(ctx, runErr, "run finished", kv...)
			return
		}
		L.Info(ctx, "run finished", kv...)
	}

	// DISCOVERING
	o.setState(id, StateDiscovering)
	hwm, err := o.states.HighWaterMark(postgres.WithStage(ctx, "discover"))
	if err != nil {
		finish(StateFailed, fmt.Errorf("read high-water mark: %w", err))
		return
	}
	raws, err := o.source.ListEventsSince(ctx, hwm)
	if err != nil {
		finish(StateFailed, fmt.Errorf("discover events: %w", err))
		return
	}
	o.update(id, func(r *Run) { r.EventsDiscovered = len(raws) })
	if len(raws) == 0 {
		L.Info(ctx, "no new events since high-water mark", "hwm", hwm)
		finish(StateDone, nil)
		return
	}

	// PROCESSING
	o.setState(id, StateProcessing)
	groups, err := guard.Invoke(ctx, o.guard, "triage", "group-events",
		fmt.Sprintf("%d events", len(raws)),
		func(ctx context.Context) ([]event.TriagedEvent, error) {
			return o.triage.Execute(ctx, raws)
		},
		func(out []event.TriagedEvent) string {
			return fmt.Sprintf("%d groups", len(out))
		},
	)
	if err != nil {
		switch {
		case errors.Is(err, guard.ErrCircuitOpen):
			finish(StateBlocked, err)
		case guard.IsInfra(err):
			finish(StateFailed, err)
		default:
			// Nothing was processed; the high-water mark stays put and
			// the whole batch is retried next run.
			finish(StateFailed, fmt.Errorf("triage: %w", err))
		}
		return
	}
	o.update(id, func(r *Run) { r.GroupsTriaged = len(groups) })

	outcomes := make([]groupOutcome, len(groups))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(o.cfg.MaxParallel)
	for i := range groups {
		eg.Go(func() error {
			out, err := o.processGroup(egCtx, &groups[i], hwm)
			outcomes[i] = out
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		finish(StateFailed, err)
		return
	}

	// REPORTING
	o.setState(id, StateReporting)
	blocked := false
	for i := range outcomes {
		out := &outcomes[i]
		if out.blocked {
			blocked = true
		}
		switch out.terminal {
		case "suppressed-low-confidence", "duplicate-suppressed", "replayed":
			o.update(id, func(r *Run) { r.Suppressed++ })
		case "failed":
			o.update(id, func(r *Run) { r.EventsFailed++ })
		}
		if out.analysis == nil || out.terminal != "" || out.blocked {
			continue
		}

		if err := o.dispatch(ctx, out, hwm); err != nil {
			finish(StateFailed, err)
			return
		}
		if out.blocked {
			blocked = true
		}
		switch out.terminal {
		case "alerted":
			o.update(id, func(r *Run) { r.AlertsDispatched++ })
		case "failed":
			o.update(id, func(r *Run) { r.EventsFailed++ })
		}
	}

	// DONE: advance the high-water mark only past events whose groups
	// reached a terminal outcome. An event behind a still-live group
	// stays eligible for the next run.
	newHWM, err := o.advanceHWM(ctx, hwm, raws, outcomes)
	if err != nil {
		finish(StateFailed, err)
		return
	}
	if newHWM.After(hwm) {
		L.Info(ctx, "high-water mark advanced", "from", hwm, "to", newHWM)
	}

	if blocked {
		finish(StateBlocked, guard.ErrCircuitOpen)
		return
	}
	finish(StateDone, nil)
}

// processGroup runs the root-cause stage and the confidence and dedup
// gates for one triaged group. A non-nil error is an infrastructure
// failure that must abort the run.
func (o *Orchestrator) processGroup(ctx context.Context, g *event.TriagedEvent, hwm time.Time) (groupOutcome, error) {
	ctx = postgres.WithStage(ctx, "rootcause")
	out := groupOutcome{group: g}
	key := ledgerKey(g.Fingerprint, hwm)

	// Idempotent replay: a group already terminal for this batch was
	// fully accounted for by a previous (crashed) run.
	if prior, found, err := o.states.TerminalOutcome(ctx, key); err != nil {
		return out, fmt.Errorf("read terminal ledger: %w", err)
	} else if found {
		o.logger.Info(ctx, "group already terminal, skipping",
			"fingerprint", g.Fingerprint,
			"outcome", prior,
		)
		out.terminal = "replayed"
		return out, nil
	}

	analysis, err := guard.Invoke(ctx, o.guard, "rootcause", "analyze-group",
		g.Service+"/"+g.ErrorType,
		func(ctx context.Context) (*event.RootCauseAnalysis, error) {
			return o.rootcause.Execute(ctx, g)
		},
		func(a *event.RootCauseAnalysis) string {
			return fmt.Sprintf("confidence %.2f", a.Confidence)
		},
	)
	if err != nil {
		switch {
		case errors.Is(err, guard.ErrCircuitOpen):
			out.blocked = true
			return out, nil
		case guard.IsInfra(err):
			return out, err
		case ctx.Err() != nil:
			// The run deadline expired (or the run was cancelled) while
			// this group was in flight. That is not a verdict on the
			// group: leave it non-terminal so the high-water mark stays
			// behind its events and the next run retries them.
			return out, fmt.Errorf("analyze %s/%s: %w", g.Service, g.ErrorType, err)
		default:
			// Exhausted retries or a permanent failure: this group is
			// terminal, the run continues for the others.
			if merr := o.states.MarkTerminal(ctx, key, "failed"); merr != nil {
				return out, fmt.Errorf("mark terminal: %w", merr)
			}
			out.terminal = "failed"
			return out, nil
		}
	}
	out.analysis = analysis

	passed, err := o.guard.ConfidenceGate(ctx, analysis)
	if err != nil {
		return out, err
	}
	if !passed {
		if merr := o.states.MarkTerminal(ctx, key, "suppressed-low-confidence"); merr != nil {
			return out, fmt.Errorf("mark terminal: %w", merr)
		}
		out.terminal = "suppressed-low-confidence"
		return out, nil
	}

	passed, err = o.guard.DedupGate(ctx, analysis)
	if err != nil {
		return out, err
	}
	if !passed {
		if merr := o.states.MarkTerminal(ctx, key, "duplicate-suppressed"); merr != nil {
			return out, fmt.Errorf("mark terminal: %w", merr)
		}
		out.terminal = "duplicate-suppressed"
		return out, nil
	}
	return out, nil
}

// dispatch records the dispatch intent, then runs the reporter stage.
// The intent (audit record plus dedup index entry) lands before the send
// so a crash mid-dispatch suppresses on replay instead of duplicating.
func (o *Orchestrator) dispatch(ctx context.Context, out *groupOutcome, hwm time.Time) error {
	ctx = postgres.WithStage(ctx, "report")
	key := ledgerKey(out.group.Fingerprint, hwm)
	dedupKey := out.analysis.DedupKey()

	if err := o.guard.MarkAlerted(ctx, dedupKey); err != nil {
		return err
	}

	_, err := guard.Invoke(ctx, o.guard, "report", "dispatch-alert", dedupKey,
		func(ctx context.Context) (*event.AlertMessage, error) {
			return o.reporter.Execute(ctx, out.analysis)
		},
		func(m *event.AlertMessage) string {
			return m.Title
		},
	)
	if err != nil {
		switch {
		case errors.Is(err, guard.ErrCircuitOpen):
			out.blocked = true
			return nil
		case guard.IsInfra(err):
			return err
		case ctx.Err() != nil:
			// Run deadline hit mid-dispatch: the group stays non-terminal
			// and the run fails, so the events are retried next run. The
			// dedup index entry from MarkAlerted makes that retry suppress
			// instead of double-sending.
			return fmt.Errorf("dispatch %s: %w", dedupKey, err)
		default:
			if merr := o.states.MarkTerminal(ctx, key, "failed"); merr != nil {
				return fmt.Errorf("mark terminal: %w", merr)
			}
			out.terminal = "failed"
			return nil
		}
	}

	if merr := o.states.MarkTerminal(ctx, key, "alerted"); merr != nil {
		return fmt.Errorf("mark terminal: %w", merr)
	}
	out.terminal = "alerted"
	return nil
}

// advanceHWM moves the high-water mark past the longest prefix of the
// time-ordered batch whose groups are all terminal.
func (o *Orchestrator) advanceHWM(ctx context.Context, hwm time.Time, raws []event.RawLogEvent, outcomes []groupOutcome) (time.Time, error) {
	terminal := make(map[string]bool, len(outcomes))
	for i := range outcomes {
		if outcomes[i].terminal != "" {
			terminal[outcomes[i].group.Fingerprint] = true
		}
	}

	newHWM := hwm
	for i := range raws {
		if !terminal[raws[i].Fingerprint()] {
			break
		}
		if raws[i].Timestamp.After(newHWM) {
			newHWM = raws[i].Timestamp
		}
	}
	if !newHWM.After(hwm) {
		return hwm, nil
	}
	if err := o.states.SetHighWaterMark(ctx, newHWM); err != nil {
		return hwm, fmt.Errorf("advance high-water mark: %w", err)
	}
	return newHWM, nil
}

func ledgerKey(fingerprint string, hwm time.Time) string {
	return fingerprint + "@" + hwm.UTC().Format(time.RFC3339Nano)
}
