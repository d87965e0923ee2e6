package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/agentcore/internal/agent"
	"github.com/haasonsaas/agentcore/internal/state"
)

// memoryNamespace is the cache namespace used by the memory tools.
const memoryNamespace = "facts"

// MemoryGetTool reads a remembered value from the state cache.
type MemoryGetTool struct {
	cache *state.StateCache
}

// NewMemoryGetTool creates a memory read tool backed by the given cache.
func NewMemoryGetTool(cache *state.StateCache) *MemoryGetTool {
	return &MemoryGetTool{cache: cache}
}

// Name returns the tool name.
func (t *MemoryGetTool) Name() string {
	return "memory_get"
}

// Description describes the tool.
func (t *MemoryGetTool) Description() string {
	return "Retrieves a previously remembered value by key."
}

// Schema defines the tool parameters.
func (t *MemoryGetTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "key": {"type": "string", "description": "Key the value was remembered under"}
  },
  "required": ["key"]
}`)
}

// Execute looks up the key. A missing key is a normal answer, not an
// error.
func (t *MemoryGetTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid params: %v", err), IsError: true}, nil
	}
	if input.Key == "" {
		return &agent.ToolResult{Content: "key is required", IsError: true}, nil
	}

	value, ok := t.cache.Get(ctx, memoryNamespace, input.Key)
	if !ok {
		return &agent.ToolResult{Content: "no value remembered for key: " + input.Key}, nil
	}
	return &agent.ToolResult{Content: string(value)}, nil
}

// MemorySetTool writes a value through the state cache, persisting it to
// the durable tier.
type MemorySetTool struct {
	cache *state.StateCache
}

// NewMemorySetTool creates a memory write tool backed by the given cache.
func NewMemorySetTool(cache *state.StateCache) *MemorySetTool {
	return &MemorySetTool{cache: cache}
}

// Name returns the tool name.
func (t *MemorySetTool) Name() string {
	return "memory_set"
}

// Description describes the tool.
func (t *MemorySetTool) Description() string {
	return "Remembers a value under a key for later retrieval with memory_get."
}

// Schema defines the tool parameters.
func (t *MemorySetTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "key": {"type": "string", "description": "Key to remember the value under"},
    "value": {"type": "string", "description": "Value to remember"}
  },
  "required": ["key", "value"]
}`)
}

// Execute stores the value. A durable-tier failure surfaces as an
// error-flagged result so the model can tell the user.
func (t *MemorySetTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid params: %v", err), IsError: true}, nil
	}
	if input.Key == "" {
		return &agent.ToolResult{Content: "key is required", IsError: true}, nil
	}

	encoded, err := json.Marshal(input.Value)
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("failed to encode value: %v", err), IsError: true}, nil
	}

	if err := t.cache.Set(ctx, memoryNamespace, input.Key, encoded, true); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("failed to remember value: %v", err), IsError: true}, nil
	}
	return &agent.ToolResult{Content: "remembered " + input.Key}, nil
}

// RegisterBuiltins registers the built-in tools on the given registry.
func RegisterBuiltins(registry *agent.ToolRegistry, cache *state.StateCache) {
	registry.Register(NewClockTool())
	registry.Register(NewCalculatorTool())
	if cache != nil {
		registry.Register(NewMemoryGetTool(cache))
		registry.Register(NewMemorySetTool(cache))
	}
}
