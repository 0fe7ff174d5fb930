// Package claude adapts the Anthropic SDK to the root-cause stage's
// Provider interface.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/patrol/internal/stage/rootcause"
	"github.com/linnemanlabs/patrol/internal/tools"
)

// Client implements rootcause.Provider against the Claude API.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates a new Claude API client with the given API key and model name.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Send sends one conversation turn to the Claude API.
func (c *Client) Send(ctx context.Context, req *rootcause.LLMRequest) (*rootcause.LLMResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toSDKMessages(req.Messages),
		Tools:     toSDKTools(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apierr *anthropic.Error
		if errors.As(err, &apierr) {
			return nil, &rootcause.APIError{Status: apierr.StatusCode, Body: apierr.Error()}
		}
		return nil, fmt.Errorf("anthropic api: %w", err)
	}

	return fromSDKResponse(msg), nil
}

// toSDKMessages converts conversation history to the SDK's param types.
func toSDKMessages(msgs []rootcause.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case "text":
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfText: &anthropic.TextBlockParam{Text: b.Text},
				})
			case "tool_use":
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    b.ID,
						Name:  b.Name,
						Input: b.Input,
					},
				})
			case "tool_result":
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: b.ToolUseID,
						IsError:   anthropic.Bool(b.IsError),
						Content: []anthropic.ToolResultBlockParamContentUnion{
							{OfText: &anthropic.TextBlockParam{Text: b.Content}},
						},
					},
				})
			}
		}
		out = append(out, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(m.Role),
			Content: blocks,
		})
	}
	return out
}

// toSDKTools converts registry tool definitions to the SDK's param types.
func toSDKTools(defs []tools.ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schema struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		// Registry schemas are static and well-formed; a decode failure
		// just yields a tool with no declared parameters.
		_ = json.Unmarshal(d.InputSchema, &schema)

		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema.Properties,
					Required:   schema.Required,
				},
			},
		})
	}
	return out
}

// fromSDKResponse converts an SDK message back to the provider contract.
func fromSDKResponse(msg *anthropic.Message) *rootcause.LLMResponse {
	out := &rootcause.LLMResponse{
		Model:      string(msg.Model),
		StopReason: mapStopReason(msg.StopReason),
		Usage: rootcause.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, b := range msg.Content {
		switch b.Type {
		case "text":
			out.Content = append(out.Content, rootcause.ContentBlock{
				Type: "text",
				Text: b.Text,
			})
		case "tool_use":
			out.Content = append(out.Content, rootcause.ContentBlock{
				Type:  "tool_use",
				ID:    b.ID,
				Name:  b.Name,
				Input: b.Input,
			})
		}
	}
	return out
}

func mapStopReason(sr anthropic.StopReason) rootcause.StopReason {
	switch sr {
	case anthropic.StopReasonEndTurn:
		return rootcause.StopEnd
	case anthropic.StopReasonToolUse:
		return rootcause.StopToolUse
	default:
		return rootcause.StopReason(sr)
	}
}
