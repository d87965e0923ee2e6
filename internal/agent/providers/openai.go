package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/agentcore/internal/agent"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// OpenAIProvider implements agent.LLMProvider for OpenAI's chat completion
// API using function calling for tools.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig holds configuration for creating an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey is the OpenAI API authentication key (required).
	APIKey string

	// BaseURL overrides the default API base URL, for proxies and
	// compatible endpoints.
	BaseURL string

	// DefaultModel is used when CompletionRequest.Model is empty.
	// Default: "gpt-4o"
	DefaultModel string
}

// NewOpenAIProvider creates a new OpenAI provider instance.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	var client *openai.Client
	if config.BaseURL != "" {
		cfg := openai.DefaultConfig(config.APIKey)
		cfg.BaseURL = config.BaseURL
		client = openai.NewClientWithConfig(cfg)
	} else {
		client = openai.NewClient(config.APIKey)
	}

	return &OpenAIProvider{
		client:       client,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns the provider identifier used for routing and logging.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete sends a chat completion request and returns the full response.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:     p.getModel(req.Model),
		Messages:  p.convertMessages(req.Messages, req.System),
		MaxTokens: req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	response, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}

	return p.convertResponse(&response)
}

// convertResponse maps an OpenAI chat completion to the internal response
// format. An empty choice list or an unparseable tool call is a protocol
// error.
func (p *OpenAIProvider) convertResponse(response *openai.ChatCompletionResponse) (*agent.CompletionResponse, error) {
	if len(response.Choices) == 0 {
		return nil, &agent.ProtocolError{Provider: "openai", Shape: "empty choices array"}
	}

	choice := response.Choices[0]
	resp := &agent.CompletionResponse{Model: response.Model}

	switch choice.FinishReason {
	case openai.FinishReasonStop, openai.FinishReasonNull, "":
		resp.StopReason = agent.StopEndTurn
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		resp.StopReason = agent.StopToolUse
	case openai.FinishReasonLength:
		resp.StopReason = agent.StopMaxTokens
	default:
		return nil, &agent.ProtocolError{
			Provider: "openai",
			Shape:    fmt.Sprintf("unknown finish_reason %q", choice.FinishReason),
		}
	}

	if choice.Message.Content != "" {
		resp.Blocks = append(resp.Blocks, agent.ContentBlock{
			Type: "text",
			Text: choice.Message.Content,
		})
	}

	for _, tc := range choice.Message.ToolCalls {
		if tc.ID == "" || tc.Function.Name == "" {
			return nil, &agent.ProtocolError{
				Provider: "openai",
				Shape:    "tool call missing id or function name",
			}
		}
		input := json.RawMessage(tc.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		resp.Blocks = append(resp.Blocks, agent.ContentBlock{
			Type: "tool_use",
			ToolCall: &models.ToolCall{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: input,
			},
		})
	}

	if resp.StopReason == agent.StopToolUse && len(resp.ToolCalls()) == 0 {
		return nil, &agent.ProtocolError{
			Provider: "openai",
			Shape:    "finish_reason tool_calls with no tool calls",
		}
	}

	return resp, nil
}

// convertMessages converts internal messages to OpenAI chat format. The
// system prompt becomes the first message; each tool result becomes its
// own role-tool message linked by tool_call_id.
func (p *OpenAIProvider) convertMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		case "tool":
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	return result
}

// convertTools converts internal tool definitions to OpenAI function
// format. A tool with an unparseable schema gets an empty object schema
// so one bad tool does not break function calling for the rest.
func (p *OpenAIProvider) convertTools(tools []agent.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schemaMap,
			},
		}
	}

	return result
}

func (p *OpenAIProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
