package cfg

import (
	"errors"
	"flag"
	"fmt"

	"github.com/linnemanlabs/patrol/internal/event"
)

// Config adds pipeline-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	EventsDir            string
	AuditPath            string
	StatePath            string
	DatabaseURL          string
	EscalationPolicyPath string

	PrometheusEndpoint string
	PrometheusTenantID string
	LokiEndpoint       string
	LokiTenantID       string
	ClaudeAPIKey       string
	ClaudeModel        string
	SlackWebhookURL    string
	OperatorWebhookURL string

	MaxRetries          int
	BreakerThreshold    int
	ConfidenceThreshold float64
	DedupWindowMinutes  int
	RunTimeoutSeconds   int
	MinSeverity         string
	MaxParallel         int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token protecting the run API")

	fs.StringVar(&c.EventsDir, "events-dir", "", "directory of NDJSON log-event exports to analyze")
	fs.StringVar(&c.AuditPath, "audit-path", "audit.ndjson", "append-only audit trail file")
	fs.StringVar(&c.StatePath, "state-path", "", "SQLite run-state file (empty + no database-url = in-memory)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for run state (overrides state-path)")
	fs.StringVar(&c.EscalationPolicyPath, "escalation-policy", "", "YAML escalation policy file (empty = no targets)")

	fs.StringVar(&c.PrometheusEndpoint, "prometheus-endpoint", "", "Prometheus endpoint for metrics correlation by tool use")
	fs.StringVar(&c.PrometheusTenantID, "prometheus-tenant-id", "", "Prometheus tenant ID for multi-tenant setups")
	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint for log retrieval by tool use")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant ID for multi-tenant setups")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for alert notifications")
	fs.StringVar(&c.OperatorWebhookURL, "operator-webhook-url", "", "Slack webhook URL for operator notices (empty = alert webhook)")

	fs.IntVar(&c.MaxRetries, "max-retries", 3, "retries per stage invocation on transient failure (0..10)")
	fs.IntVar(&c.BreakerThreshold, "breaker-threshold", 10, "consecutive failures before the circuit breaker opens (1..100)")
	fs.Float64Var(&c.ConfidenceThreshold, "confidence-threshold", 0.7, "minimum root-cause confidence to alert (0..1)")
	fs.IntVar(&c.DedupWindowMinutes, "dedup-window-minutes", 60, "minutes during which repeated findings are suppressed (1..1440)")
	fs.IntVar(&c.RunTimeoutSeconds, "run-timeout-seconds", 300, "run timeout, also the run lease TTL (10..3600)")
	fs.StringVar(&c.MinSeverity, "min-severity", "WARNING", "minimum event severity to ingest (INFO, WARNING, ERROR, CRITICAL)")
	fs.IntVar(&c.MaxParallel, "max-parallel", 4, "concurrent group analyses per run (1..32)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Event discovery needs a source
	if c.EventsDir == "" {
		errs = append(errs, errors.New("EVENTS_DIR is required"))
	}

	// Audit trail is mandatory: every stage attempt must be recorded
	if c.AuditPath == "" {
		errs = append(errs, errors.New("AUDIT_PATH is required"))
	}

	// Claude access is required for the root-cause stage
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid MAX_RETRIES %d (must be 0..10)", c.MaxRetries))
	}
	if c.BreakerThreshold <= 0 || c.BreakerThreshold > 100 {
		errs = append(errs, fmt.Errorf("invalid BREAKER_THRESHOLD %d (must be 1..100)", c.BreakerThreshold))
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("invalid CONFIDENCE_THRESHOLD %v (must be 0..1)", c.ConfidenceThreshold))
	}
	if c.DedupWindowMinutes <= 0 || c.DedupWindowMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid DEDUP_WINDOW_MINUTES %d (must be 1..1440)", c.DedupWindowMinutes))
	}
	if c.RunTimeoutSeconds < 10 || c.RunTimeoutSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid RUN_TIMEOUT_SECONDS %d (must be 10..3600)", c.RunTimeoutSeconds))
	}
	if c.MaxParallel <= 0 || c.MaxParallel > 32 {
		errs = append(errs, fmt.Errorf("invalid MAX_PARALLEL %d (must be 1..32)", c.MaxParallel))
	}
	if _, err := event.ParseSeverity(c.MinSeverity); err != nil {
		errs = append(errs, fmt.Errorf("invalid MIN_SEVERITY %q", c.MinSeverity))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
