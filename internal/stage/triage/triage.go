// Package triage groups raw log events into fingerprinted event groups,
// the first stage of the analysis pipeline.
package triage

import (
	"context"
	"fmt"
	"sort"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/patrol/internal/event"
	"github.com/linnemanlabs/patrol/internal/stage"
)

// Grouper implements the triage stage: events sharing a fingerprint
// collapse into a single TriagedEvent carrying the occurrence count,
// the group's worst severity, and the observed trace IDs.
type Grouper struct {
	logger log.Logger
}

// NewGrouper creates a Grouper.
func NewGrouper(logger log.Logger) *Grouper {
	return &Grouper{logger: logger}
}

// Execute implements stage.Triage. An empty input yields an empty
// output; a batch with no groupable content is a permanent failure
// upstream, not here.
func (g *Grouper) Execute(ctx context.Context, events []event.RawLogEvent) ([]event.TriagedEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	byFP := make(map[string]*event.TriagedEvent)
	order := make([]string, 0, 8)

	for i := range events {
		ev := &events[i]
		if ev.Timestamp.IsZero() || ev.Service == "" {
			return nil, stage.Permanent("triage", errMissingFields(ev))
		}

		fp := ev.Fingerprint()
		grp, ok := byFP[fp]
		if !ok {
			grp = &event.TriagedEvent{
				ID:           ulid.Make().String(),
				Fingerprint:  fp,
				Severity:     ev.Severity,
				Service:      ev.Service,
				ErrorType:    ev.Error.Type,
				ErrorMessage: firstNonEmpty(ev.Error.Message, ev.Message),
				FirstSeen:    ev.Timestamp,
				LastSeen:     ev.Timestamp,
			}
			byFP[fp] = grp
			order = append(order, fp)
		}

		grp.Occurrences++
		if ev.Severity > grp.Severity {
			grp.Severity = ev.Severity
		}
		if ev.Timestamp.Before(grp.FirstSeen) {
			grp.FirstSeen = ev.Timestamp
		}
		if ev.Timestamp.After(grp.LastSeen) {
			grp.LastSeen = ev.Timestamp
		}
		if ev.TraceID != "" && !contains(grp.TraceIDs, ev.TraceID) {
			grp.TraceIDs = append(grp.TraceIDs, ev.TraceID)
		}
		grp.Raw = append(grp.Raw, *ev)
	}

	groups := make([]event.TriagedEvent, 0, len(order))
	for _, fp := range order {
		groups = append(groups, *byFP[fp])
	}

	// Worst first, then busiest.
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Severity != groups[j].Severity {
			return groups[i].Severity > groups[j].Severity
		}
		return groups[i].Occurrences > groups[j].Occurrences
	})

	g.logger.Info(ctx, "triage complete",
		"events", len(events),
		"groups", len(groups),
	)
	return groups, nil
}

func errMissingFields(ev *event.RawLogEvent) error {
	return fmt.Errorf("event missing timestamp or service: service=%q timestamp=%s",
		ev.Service, ev.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
