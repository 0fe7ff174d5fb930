// Package event defines the data model flowing through the patrol pipeline:
// raw log events as exported by the log shipper, triaged event groups, the
// root-cause analysis produced for a group, and the final alert message.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Severity is the ordered log severity scale. Higher values are more severe:
// INFO < WARNING < ERROR < CRITICAL.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

var severityNames = [...]string{"INFO", "WARNING", "ERROR", "CRITICAL"}

// ParseSeverity converts a wire severity string (case-insensitive) to a
// Severity. WARN and FATAL are accepted as aliases the exporter emits.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INFO", "DEBUG":
		return SeverityInfo, nil
	case "WARNING", "WARN":
		return SeverityWarning, nil
	case "ERROR":
		return SeverityError, nil
	case "CRITICAL", "FATAL":
		return SeverityCritical, nil
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityCritical {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// Glyph returns the symbol used as the alert prefix for this severity.
func (s Severity) Glyph() string {
	switch s {
	case SeverityCritical:
		return "\U0001f534" // red circle
	case SeverityError:
		return "\U0001f7e0" // orange circle
	case SeverityWarning:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// MarshalJSON emits the canonical wire name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts any spelling ParseSeverity accepts.
func (s *Severity) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	sev, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = sev
	return nil
}

// ErrorInfo is the structured error attached to a raw log event.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RawLogEvent is one structured log record as delivered by the ingestion
// adapter, newline-delimited JSON on the wire. Immutable once parsed.
type RawLogEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Severity  Severity          `json:"severity"`
	Service   string            `json:"service"`
	Function  string            `json:"function,omitempty"`
	Message   string            `json:"message"`
	TraceID   string            `json:"trace_id,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Error     ErrorInfo         `json:"error"`
}

// Fingerprint identifies the underlying issue an event belongs to. Events from
// the same service with the same error type and a normalized message share a
// fingerprint and are triaged as one group.
func (e *RawLogEvent) Fingerprint() string {
	msg := e.Error.Message
	if msg == "" {
		msg = e.Message
	}
	h := sha256.Sum256([]byte(e.Service + "\x00" + e.Error.Type + "\x00" + normalizeMessage(msg)))
	return hex.EncodeToString(h[:16])
}

// normalizeMessage collapses the volatile parts of an error message (numbers,
// hex ids) so that repeated occurrences of the same defect fingerprint
// identically.
func normalizeMessage(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inRun := false
	for _, r := range strings.ToLower(s) {
		if r >= '0' && r <= '9' {
			if !inRun {
				b.WriteByte('#')
				inRun = true
			}
			continue
		}
		if inRun && r >= 'a' && r <= 'f' {
			// hex tail of an id like 0x1f3a
			continue
		}
		inRun = false
		b.WriteRune(r)
	}
	return b.String()
}

// TriagedEvent is a fingerprint group of raw events produced by the triage
// stage. It always references at least one raw record.
type TriagedEvent struct {
	ID           string        `json:"id"`
	Fingerprint  string        `json:"fingerprint"`
	Severity     Severity      `json:"severity"`
	Service      string        `json:"service"`
	ErrorType    string        `json:"error_type"`
	ErrorMessage string        `json:"error_message"`
	Occurrences  int           `json:"occurrences"`
	FirstSeen    time.Time     `json:"first_seen"`
	LastSeen     time.Time     `json:"last_seen"`
	TraceIDs     []string      `json:"trace_ids,omitempty"`
	Raw          []RawLogEvent `json:"-"`
}

// RootCauseAnalysis is the output of the root-cause stage for one triaged
// event group. Confidence is always in [0, 1].
type RootCauseAnalysis struct {
	EventID           string    `json:"event_id"`
	Fingerprint       string    `json:"fingerprint"`
	Service           string    `json:"service"`
	ErrorType         string    `json:"error_type"`
	Severity          Severity  `json:"severity"`
	RootCause         string    `json:"root_cause"`
	Confidence        float64   `json:"confidence"`
	Evidence          []string  `json:"evidence,omitempty"`
	AffectedCount     int       `json:"affected_count"`
	SuggestedFix      string    `json:"suggested_fix,omitempty"`
	Escalate          bool      `json:"escalate,omitempty"`
	EscalationTargets []string  `json:"escalation_targets,omitempty"`
	Model             string    `json:"model,omitempty"`
	DetectedAt        time.Time `json:"detected_at"`
}

// DedupKey derives the suppression key for an analysis: same service, same
// error type, same root-cause narrative within the dedup window means the same
// underlying issue.
func (a *RootCauseAnalysis) DedupKey() string {
	h := sha256.Sum256([]byte(normalizeMessage(a.RootCause)))
	return a.Service + "/" + a.ErrorType + "/" + hex.EncodeToString(h[:8])
}

// AlertMessage is the terminal, human-readable payload handed to the
// notification adapter. Text carries the fully rendered body.
type AlertMessage struct {
	Severity          Severity  `json:"severity"`
	Title             string    `json:"title"`
	RootCause         string    `json:"root_cause"`
	Confidence        float64   `json:"confidence"`
	AffectedCount     int       `json:"affected_count"`
	Evidence          []string  `json:"evidence,omitempty"`
	SuggestedFix      string    `json:"suggested_fix,omitempty"`
	EscalationTargets []string  `json:"escalation_targets,omitempty"`
	DetectedAt        time.Time `json:"detected_at"`
	DedupKey          string    `json:"dedup_key"`
	Text              string    `json:"text"`
}
