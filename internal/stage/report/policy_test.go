package report

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/linnemanlabs/patrol/internal/event"
)

const testPolicyYAML = `
default_targets: ["#incidents"]
rules:
  - service: payment-api
    targets: ["@payments-oncall"]
  - service: payment-api
    error_type: OOMKilled
    targets: ["@platform-oncall"]
  - service: checkout
    min_severity: CRITICAL
    targets: ["@checkout-lead"]
`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escalation.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoadPolicy(t *testing.T) {
	t.Parallel()

	p, err := LoadPolicy(writePolicy(t, testPolicyYAML))
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if len(p.Rules) != 3 {
		t.Fatalf("rules = %d, want 3", len(p.Rules))
	}
	if got, want := p.Rules[2].minSeverity, event.SeverityCritical; got != want {
		t.Errorf("rule 2 min severity = %v, want %v", got, want)
	}
}

func TestLoadPolicy_EmptyPath(t *testing.T) {
	t.Parallel()

	p, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if got := p.TargetsFor("any", "Any", event.SeverityCritical); len(got) != 0 {
		t.Errorf("targets = %v, want none", got)
	}
}

func TestLoadPolicy_BadSeverity(t *testing.T) {
	t.Parallel()

	_, err := LoadPolicy(writePolicy(t, "rules:\n  - service: a\n    min_severity: LOUD\n"))
	if err == nil {
		t.Fatal("expected error for unknown severity")
	}
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestTargetsFor(t *testing.T) {
	t.Parallel()

	p, err := LoadPolicy(writePolicy(t, testPolicyYAML))
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}

	tests := []struct {
		name      string
		service   string
		errorType string
		severity  event.Severity
		want      []string
	}{
		{
			name:     "all matching rules contribute",
			service:  "payment-api",
			severity: event.SeverityError,
			want:     []string{"@payments-oncall"},
		},
		{
			name:      "error type narrows",
			service:   "payment-api",
			errorType: "OOMKilled",
			severity:  event.SeverityError,
			want:      []string{"@payments-oncall", "@platform-oncall"},
		},
		{
			name:     "below min severity skips rule",
			service:  "checkout",
			severity: event.SeverityWarning,
			want:     []string{"#incidents"},
		},
		{
			name:     "at min severity matches",
			service:  "checkout",
			severity: event.SeverityCritical,
			want:     []string{"@checkout-lead"},
		},
		{
			name:     "no rule falls back to default",
			service:  "unknown-svc",
			severity: event.SeverityCritical,
			want:     []string{"#incidents"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := p.TargetsFor(tt.service, tt.errorType, tt.severity)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("TargetsFor mismatch:\n%s", diff)
			}
		})
	}
}
