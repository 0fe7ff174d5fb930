// Package rootcause implements the root-cause analysis stage: an
// LLM-driven investigation of one triaged event group, with access to
// metric and log query tools, producing a scored RootCauseAnalysis.
package rootcause

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/patrol/internal/event"
	"github.com/linnemanlabs/patrol/internal/stage"
	"github.com/linnemanlabs/patrol/internal/tools"
)

const tracerName = "patrol/rootcause"

const (
	MaxToolRounds  = 15
	MaxTokens      = 50000
	ResponseTokens = 4096
)

// EngineHooks receive per-call engine telemetry for metrics. Nil fields
// are skipped.
type EngineHooks struct {
	OnLLMCall  func(inputTokens, outputTokens int, duration float64)
	OnToolCall func(name string, duration float64, inputBytes, outputBytes int, isError bool)
}

// Engine drives the investigation loop against the LLM provider and
// tool registry. It is stateless across calls.
type Engine struct {
	provider Provider
	registry *tools.Registry
	logger   log.Logger
	hooks    EngineHooks
}

// NewEngine creates a root-cause engine with the given dependencies.
func NewEngine(provider Provider, registry *tools.Registry, logger log.Logger, hooks EngineHooks) *Engine {
	return &Engine{
		provider: provider,
		registry: registry,
		logger:   logger,
		hooks:    hooks,
	}
}

// Execute implements stage.RootCause.
func (e *Engine) Execute(ctx context.Context, te *event.TriagedEvent) (*event.RootCauseAnalysis, error) {
	L := e.logger.With(
		"event_id", te.ID,
		"service", te.Service,
		"error_type", te.ErrorType,
	)

	messages := []Message{
		{Role: "user", Content: []ContentBlock{
			{Type: "text", Text: buildInitialPrompt(te)},
		}},
	}

	var totalTokens int
	var totalToolCalls int
	var llmSeq int
	var model string

	for {
		if totalToolCalls >= MaxToolRounds {
			L.Warn(ctx, "analysis hit tool call limit", "limit", MaxToolRounds)
			return nil, stage.Transient("rootcause",
				fmt.Errorf("tool call budget exhausted after %d calls", totalToolCalls))
		}
		if totalTokens >= MaxTokens {
			L.Warn(ctx, "analysis hit token limit", "limit", MaxTokens)
			return nil, stage.Transient("rootcause",
				fmt.Errorf("token budget exhausted at %d tokens", totalTokens))
		}

		start := time.Now()
		callCtx, span := otel.Tracer(tracerName).Start(ctx, "llm.call", trace.WithAttributes(
			attribute.String("gen_ai.operation.name", "llm.call"),
			attribute.String("patrol.event.id", te.ID),
			attribute.String("patrol.event.fingerprint", te.Fingerprint),
			attribute.Int("patrol.llm.seq", llmSeq),
		))
		llmSeq++
		resp, err := e.provider.Send(callCtx, &LLMRequest{
			MaxTokens: ResponseTokens,
			System:    systemPrompt,
			Messages:  messages,
			Tools:     e.registry.ToToolDefs(),
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "llm call failed")
			span.End()
			L.Error(ctx, err, "llm call failed")
			return nil, classifyProviderError(err)
		}
		span.SetAttributes(
			attribute.String("gen_ai.response.model", resp.Model),
			attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
			attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
			attribute.String("patrol.llm.stop_reason", string(resp.StopReason)),
		)
		span.End()

		totalTokens += resp.Usage.InputTokens + resp.Usage.OutputTokens
		model = resp.Model
		if e.hooks.OnLLMCall != nil {
			e.hooks.OnLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start).Seconds())
		}

		L.Info(ctx, "llm response",
			"stop_reason", resp.StopReason,
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
			"total_tokens", totalTokens,
		)

		messages = append(messages, Message{
			Role:    "assistant",
			Content: resp.Content,
		})

		// done - extract final analysis
		if resp.StopReason == StopEnd {
			var text string
			for _, block := range resp.Content {
				if block.Type == "text" {
					text = block.Text
				}
			}
			a, err := parseAnalysis(text, te)
			if err != nil {
				L.Warn(ctx, "unparseable analysis output", "error", err.Error())
				return nil, stage.Transient("rootcause", err)
			}
			a.Model = model
			L.Info(ctx, "analysis complete",
				"confidence", a.Confidence,
				"tokens", totalTokens,
				"tool_calls", totalToolCalls,
			)
			return a, nil
		}

		if resp.StopReason == StopToolUse {
			var toolResults []ContentBlock

			for _, block := range resp.Content {
				if block.Type != "tool_use" {
					continue
				}

				totalToolCalls++
				L.Info(ctx, "executing tool",
					"tool", block.Name,
					"call_number", totalToolCalls,
				)

				toolResults = append(toolResults, e.runTool(ctx, block))
			}

			messages = append(messages, Message{
				Role:    "user",
				Content: toolResults,
			})
			continue
		}

		return nil, stage.Transient("rootcause",
			fmt.Errorf("unexpected stop reason %q", resp.StopReason))
	}
}

func (e *Engine) runTool(ctx context.Context, block ContentBlock) ContentBlock {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("patrol.tool.name", block.Name),
	))
	defer span.End()

	tool, ok := e.registry.Get(block.Name)
	if !ok {
		span.SetStatus(codes.Error, "unknown tool")
		return ContentBlock{
			Type:      "tool_result",
			ToolUseID: block.ID,
			Content:   fmt.Sprintf("unknown tool: %s", block.Name),
			IsError:   true,
		}
	}

	start := time.Now()
	output, err := tool.Execute(ctx, block.Input)
	dur := time.Since(start).Seconds()
	if e.hooks.OnToolCall != nil {
		e.hooks.OnToolCall(block.Name, dur, len(block.Input), len(output), err != nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool failed")
		e.logger.Error(ctx, err, "tool execution failed", "tool", block.Name)
		return ContentBlock{
			Type:      "tool_result",
			ToolUseID: block.ID,
			Content:   fmt.Sprintf("tool error: %v", err),
			IsError:   true,
		}
	}
	return ContentBlock{
		Type:      "tool_result",
		ToolUseID: block.ID,
		Content:   string(output),
	}
}

// classifyProviderError maps provider failures onto the retry taxonomy:
// rate limits, timeouts, and server-side errors are transient; any other
// rejected request is permanent; transport errors are transient.
func classifyProviderError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 429 || apiErr.Status == 408:
			return stage.Transient("rootcause", err)
		case apiErr.Status >= 500:
			return stage.Transient("rootcause", err)
		default:
			return stage.Permanent("rootcause", err)
		}
	}
	return stage.Transient("rootcause", err)
}

type analysisPayload struct {
	RootCause         string   `json:"root_cause"`
	Confidence        float64  `json:"confidence"`
	Evidence          []string `json:"evidence"`
	AffectedCount     int      `json:"affected_count"`
	SuggestedFix      string   `json:"suggested_fix"`
	Escalate          bool     `json:"escalate"`
	EscalationTargets []string `json:"escalation_targets"`
}

// parseAnalysis extracts the JSON analysis object from the model's final
// text, tolerating prose or a fenced code block around it.
func parseAnalysis(text string, te *event.TriagedEvent) (*event.RootCauseAnalysis, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in analysis output")
	}

	var p analysisPayload
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if p.RootCause == "" {
		return nil, fmt.Errorf("analysis missing root_cause")
	}

	if p.Confidence < 0 {
		p.Confidence = 0
	}
	if p.Confidence > 1 {
		p.Confidence = 1
	}
	if p.AffectedCount <= 0 {
		p.AffectedCount = te.Occurrences
	}

	return &event.RootCauseAnalysis{
		EventID:           te.ID,
		Fingerprint:       te.Fingerprint,
		Service:           te.Service,
		ErrorType:         te.ErrorType,
		Severity:          te.Severity,
		RootCause:         p.RootCause,
		Confidence:        p.Confidence,
		Evidence:          p.Evidence,
		AffectedCount:     p.AffectedCount,
		SuggestedFix:      p.SuggestedFix,
		Escalate:          p.Escalate,
		EscalationTargets: p.EscalationTargets,
		DetectedAt:        time.Now().UTC(),
	}, nil
}

const systemPrompt = `You are Patrol, an autonomous incident analyst. You investigate grouped production log events and determine their root cause.

You have access to tools that let you query metrics and read logs. Use them to investigate, then respond with ONLY a JSON object:

{
  "root_cause": "<one-paragraph explanation of the underlying defect>",
  "confidence": <0.0-1.0>,
  "evidence": ["<observation>", ...],
  "affected_count": <number of affected requests/records, if determinable>,
  "suggested_fix": "<concrete remediation>",
  "escalate": <true if humans must act now>,
  "escalation_targets": ["<team or handle>", ...]
}

Be precise. Confidence reflects how well the evidence supports the root cause, not how severe the issue is.`

// buildInitialPrompt summarizes one event group for the model.
func buildInitialPrompt(te *event.TriagedEvent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `Analyze this production error group.

Service: %s
Error type: %s
Severity: %s
Occurrences: %d
First seen: %s
Last seen: %s
Message: %s
`,
		te.Service,
		te.ErrorType,
		te.Severity,
		te.Occurrences,
		te.FirstSeen.Format(time.RFC3339),
		te.LastSeen.Format(time.RFC3339),
		te.ErrorMessage,
	)

	if len(te.TraceIDs) > 0 {
		fmt.Fprintf(&sb, "Trace IDs: %s\n", strings.Join(te.TraceIDs, ", "))
	}

	// A few raw samples give the model concrete detail without blowing
	// the token budget.
	n := len(te.Raw)
	if n > 3 {
		n = 3
	}
	for i := 0; i < n; i++ {
		raw, err := json.Marshal(te.Raw[i])
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "\nSample %d: %s", i+1, raw)
	}

	sb.WriteString("\n\nInvestigate with the available tools, then reply with the JSON analysis only.")
	return sb.String()
}
