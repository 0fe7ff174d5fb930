// Package stage defines the capability contracts the pipeline orchestrator
// drives, and the failure taxonomy the guardrail controller keys retries off.
// A stage is a black box: typed input, typed output, an error that is either
// transient (retryable) or permanent (not).
package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/patrol/internal/event"
)

// Triage groups raw log events into fingerprinted event groups.
type Triage interface {
	Execute(ctx context.Context, raws []event.RawLogEvent) ([]event.TriagedEvent, error)
}

// RootCause analyzes one triaged event group and produces a scored analysis.
type RootCause interface {
	Execute(ctx context.Context, te *event.TriagedEvent) (*event.RootCauseAnalysis, error)
}

// Reporter renders an analysis into an alert and dispatches it to the
// notification adapter as a side effect.
type Reporter interface {
	Execute(ctx context.Context, a *event.RootCauseAnalysis) (*event.AlertMessage, error)
}

// Kind classifies a stage failure for the retry policy.
type Kind int

const (
	// KindTransient failures (timeouts, rate limits, temporary I/O) are
	// retried up to the configured limit.
	KindTransient Kind = iota
	// KindPermanent failures (malformed input, schema violations) are never
	// retried.
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error wraps a stage failure with its retry classification.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s stage: %s failure: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient tags err as retryable.
func Transient(stageName string, err error) error {
	return &Error{Kind: KindTransient, Stage: stageName, Err: err}
}

// Permanent tags err as not retryable.
func Permanent(stageName string, err error) error {
	return &Error{Kind: KindPermanent, Stage: stageName, Err: err}
}

// IsPermanent reports whether err is tagged permanent. Untagged errors count
// as transient: timeouts and broken transports are the common case and the
// retry budget bounds the damage of a wrong guess.
func IsPermanent(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindPermanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}
