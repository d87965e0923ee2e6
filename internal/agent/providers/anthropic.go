// Package providers implements LLM provider integrations for the agent core.
//
// Each provider adapts the agent.LLMProvider interface to a vendor SDK:
// request/response format conversion, tool (function) calling, and error
// classification. Responses that do not match the expected shape are
// reported as agent.ProtocolError so the loop can degrade instead of
// misinterpreting the payload.
//
// Providers are safe for concurrent use; each Complete() call is an
// independent request.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/agentcore/internal/agent"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// AnthropicProvider implements agent.LLMProvider for Anthropic's Claude API.
//
// The provider converts between the internal message format and Anthropic's
// content-block format, forwards tool definitions, and maps malformed
// responses to agent.ProtocolError.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig holds configuration for creating an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (required).
	APIKey string

	// BaseURL overrides the default Anthropic API base URL.
	BaseURL string

	// DefaultModel is used when CompletionRequest.Model is empty.
	// Default: "claude-sonnet-4-20250514"
	DefaultModel string
}

// NewAnthropicProvider creates a new Anthropic provider instance.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns the provider identifier used for routing and logging.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete sends a completion request to Claude and returns the full
// response. The request is not retried here: availability policy belongs
// to the circuit breaker around this call.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}

	return p.convertResponse(message)
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}

	// System prompt is separate from messages in the Anthropic API.
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.System,
			},
		}
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return params, nil
}

// convertResponse maps an Anthropic message to the internal response
// format. A response without a recognizable stop reason, or a tool_use
// block missing its identity, is a protocol error.
func (p *AnthropicProvider) convertResponse(message *anthropic.Message) (*agent.CompletionResponse, error) {
	if message == nil {
		return nil, &agent.ProtocolError{Provider: "anthropic", Shape: "nil message"}
	}

	resp := &agent.CompletionResponse{Model: string(message.Model)}

	switch message.StopReason {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		resp.StopReason = agent.StopEndTurn
	case anthropic.StopReasonToolUse:
		resp.StopReason = agent.StopToolUse
	case anthropic.StopReasonMaxTokens:
		resp.StopReason = agent.StopMaxTokens
	default:
		return nil, &agent.ProtocolError{
			Provider: "anthropic",
			Shape:    fmt.Sprintf("unknown stop_reason %q", message.StopReason),
		}
	}

	for _, block := range message.Content {
		switch block.Type {
		case "text":
			resp.Blocks = append(resp.Blocks, agent.ContentBlock{
				Type: "text",
				Text: block.Text,
			})
		case "tool_use":
			if block.ID == "" || block.Name == "" {
				return nil, &agent.ProtocolError{
					Provider: "anthropic",
					Shape:    "tool_use block missing id or name",
				}
			}
			input := json.RawMessage(block.Input)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			resp.Blocks = append(resp.Blocks, agent.ContentBlock{
				Type: "tool_use",
				ToolCall: &models.ToolCall{
					ID:    block.ID,
					Name:  block.Name,
					Input: input,
				},
			})
		}
	}

	if resp.StopReason == agent.StopToolUse && len(resp.ToolCalls()) == 0 {
		return nil, &agent.ProtocolError{
			Provider: "anthropic",
			Shape:    "stop_reason tool_use with no tool_use blocks",
		}
	}

	return resp, nil
}

// convertMessages converts internal messages to Anthropic's content-block
// format. System messages are skipped; they are configured separately.
// Tool-role messages map to user messages carrying tool_result blocks.
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				toolResult.Content,
				toolResult.IsError,
			))
		}

		for _, toolCall := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(toolCall.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(
				toolCall.ID,
				input,
				toolCall.Name,
			))
		}

		if len(content) == 0 {
			continue
		}

		var message anthropic.MessageParam
		if msg.Role == "assistant" {
			message = anthropic.NewAssistantMessage(content...)
		} else {
			message = anthropic.NewUserMessage(content...)
		}

		result = append(result, message)
	}

	return result, nil
}

// convertTools converts internal tool definitions to Anthropic's tool
// schema format.
func (p *AnthropicProvider) convertTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description())

		result = append(result, toolParam)
	}

	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}
