// Package report implements the final pipeline stage: it renders a root-cause
// analysis into the fixed alert format and dispatches it to the notification
// adapter.
package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/patrol/internal/event"
	"github.com/linnemanlabs/patrol/internal/stage"
)

const stageName = "report"

// Notifier dispatches a rendered alert to the chat transport.
type Notifier interface {
	Send(ctx context.Context, msg *event.AlertMessage) error
}

// Reporter builds the alert message for an analysis and hands it to the
// notifier. It implements stage.Reporter.
type Reporter struct {
	policy   *Policy
	notifier Notifier
	logger   log.Logger
}

// New creates a Reporter. policy may be the empty policy; notifier must not
// be nil.
func New(policy *Policy, notifier Notifier, logger log.Logger) *Reporter {
	if policy == nil {
		policy = &Policy{}
	}
	return &Reporter{policy: policy, notifier: notifier, logger: logger}
}

// Execute renders a into an AlertMessage and dispatches it. Dispatch failures
// are transient: the transport may recover, and suppression state upstream
// keeps a retried dispatch from duplicating.
func (r *Reporter) Execute(ctx context.Context, a *event.RootCauseAnalysis) (*event.AlertMessage, error) {
	if a == nil {
		return nil, stage.Permanent(stageName, fmt.Errorf("nil analysis"))
	}
	if a.RootCause == "" {
		return nil, stage.Permanent(stageName, fmt.Errorf("analysis %s has no root cause", a.EventID))
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return nil, stage.Permanent(stageName, fmt.Errorf("analysis %s confidence %v out of range", a.EventID, a.Confidence))
	}

	msg := r.build(a)
	if err := r.notifier.Send(ctx, msg); err != nil {
		return nil, stage.Transient(stageName, fmt.Errorf("dispatch alert: %w", err))
	}

	r.logger.Info(ctx, "alert dispatched",
		"event_id", a.EventID,
		"service", a.Service,
		"severity", a.Severity.String(),
		"dedup_key", msg.DedupKey,
	)
	return msg, nil
}

func (r *Reporter) build(a *event.RootCauseAnalysis) *event.AlertMessage {
	targets := r.policy.TargetsFor(a.Service, a.ErrorType, a.Severity)
	targets = mergeTargets(targets, a.EscalationTargets)

	msg := &event.AlertMessage{
		Severity:          a.Severity,
		Title:             fmt.Sprintf("%s: %s", a.Service, a.ErrorType),
		RootCause:         a.RootCause,
		Confidence:        a.Confidence,
		AffectedCount:     a.AffectedCount,
		Evidence:          a.Evidence,
		SuggestedFix:      a.SuggestedFix,
		EscalationTargets: targets,
		DetectedAt:        a.DetectedAt,
		DedupKey:          a.DedupKey(),
	}
	msg.Text = render(msg)
	return msg
}

// render produces the fixed alert text: severity glyph and headline, root
// cause, confidence as a percentage, affected count, bulleted evidence,
// suggested fix, escalation handles, and a detection timestamp footer.
func render(msg *event.AlertMessage) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s %s: %s\n\n", msg.Severity.Glyph(), msg.Severity, msg.Title)
	fmt.Fprintf(&sb, "Root cause: %s\n\n", msg.RootCause)
	fmt.Fprintf(&sb, "Confidence: %.0f%%\n", msg.Confidence*100)
	fmt.Fprintf(&sb, "Affected: %d\n", msg.AffectedCount)

	if len(msg.Evidence) > 0 {
		sb.WriteString("\nEvidence:\n")
		for _, ev := range msg.Evidence {
			fmt.Fprintf(&sb, "  • %s\n", ev)
		}
	}
	if msg.SuggestedFix != "" {
		fmt.Fprintf(&sb, "\nSuggested fix: %s\n", msg.SuggestedFix)
	}
	if len(msg.EscalationTargets) > 0 {
		fmt.Fprintf(&sb, "\nEscalate to: %s\n", strings.Join(msg.EscalationTargets, " "))
	}

	fmt.Fprintf(&sb, "\nDetected at %s", msg.DetectedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	return sb.String()
}

func mergeTargets(policy, analysis []string) []string {
	seen := make(map[string]bool, len(policy))
	out := make([]string, 0, len(policy)+len(analysis))
	for _, t := range policy {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range analysis {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
