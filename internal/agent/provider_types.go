package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of communicating with different LLM
// APIs (Anthropic, OpenAI, ...) while presenting a unified interface to the
// agentic loop. The loop is the sole caller of the tool-enabled path.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple goroutines may
// call Complete() simultaneously for different runs.
type LLMProvider interface {
	// Complete sends a completion request and returns the full response.
	// A malformed provider payload is surfaced as a *ProtocolError.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name used for breakers, metrics, and logging.
	Name() string
}

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	// Model specifies which LLM model to use. If empty, the provider's
	// default model is used.
	Model string `json:"model"`

	// System is the system prompt. Handled separately from messages in most
	// LLM APIs.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools defines available tools the LLM can request to execute.
	Tools []Tool `json:"-"`

	// MaxTokens limits the maximum length of the generated response.
	// If 0 or negative, the provider's default is used.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage represents a single turn sent to the provider.
//
// Role values: "user", "assistant", "tool". A tool message carries the
// results for the tool calls of the immediately preceding assistant turn.
type CompletionMessage struct {
	// Role indicates who sent the message: "user", "assistant", or "tool"
	Role string `json:"role"`

	// Content is the text content of the message
	Content string `json:"content,omitempty"`

	// ToolCalls contains tool execution requests from the assistant
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// ToolResults contains responses from executed tools
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// StopReason distinguishes why the provider stopped generating.
type StopReason string

const (
	// StopEndTurn means the model produced a complete answer.
	StopEndTurn StopReason = "end_turn"

	// StopToolUse means the model is requesting tool executions.
	StopToolUse StopReason = "tool_use"

	// StopMaxTokens means the response was cut off by the token limit.
	StopMaxTokens StopReason = "max_tokens"
)

// ContentBlock is one ordered block of a provider response.
type ContentBlock struct {
	// Type is "text" or "tool_use".
	Type string `json:"type"`

	// Text holds the text for text blocks.
	Text string `json:"text,omitempty"`

	// ToolCall holds the requested call for tool_use blocks.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
}

// CompletionResponse is a full provider response.
type CompletionResponse struct {
	// StopReason says whether the answer is complete, wants tools, or was
	// cut off.
	StopReason StopReason `json:"stop_reason"`

	// Blocks are the response content blocks in provider order.
	Blocks []ContentBlock `json:"blocks"`

	// Model is the model that produced the response.
	Model string `json:"model,omitempty"`
}

// Text concatenates all text blocks of the response.
func (r *CompletionResponse) Text() string {
	var out string
	for _, b := range r.Blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// ToolCalls returns the requested tool calls in provider order.
func (r *CompletionResponse) ToolCalls() []models.ToolCall {
	var calls []models.ToolCall
	for _, b := range r.Blocks {
		if b.Type == "tool_use" && b.ToolCall != nil {
			calls = append(calls, *b.ToolCall)
		}
	}
	return calls
}

// Tool is the execute-capability interface dispatched by name through the
// registry. Handlers must not assume exclusive access to shared resources.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	// Must be a valid function name (alphanumeric, underscores).
	Name() string

	// Description returns a natural language description of what the tool does.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given JSON parameters.
	// The params match the schema returned by Schema().
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution.
type ToolResult struct {
	// Content is the textual output handed back to the model.
	Content string `json:"content"`

	// IsError flags the result as a failure the model should adapt to.
	IsError bool `json:"is_error,omitempty"`
}
