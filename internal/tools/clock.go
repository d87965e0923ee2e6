// Package tools provides built-in tools for the agent core: small,
// side-effect-light handlers that exercise the registry and executor and
// serve as templates for application-defined tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/agentcore/internal/agent"
)

// ClockTool reports the current time, optionally in a named timezone.
type ClockTool struct {
	now func() time.Time
}

// NewClockTool creates a new clock tool.
func NewClockTool() *ClockTool {
	return &ClockTool{now: time.Now}
}

// Name returns the tool name.
func (t *ClockTool) Name() string {
	return "clock_now"
}

// Description describes the tool.
func (t *ClockTool) Description() string {
	return "Returns the current date and time, optionally in a specific IANA timezone."
}

// Schema defines the tool parameters.
func (t *ClockTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "timezone": {"type": "string", "description": "IANA timezone name, e.g. America/New_York. Defaults to UTC."}
  }
}`)
}

// Execute returns the current time.
func (t *ClockTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Timezone string `json:"timezone"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("invalid params: %v", err), IsError: true}, nil
		}
	}

	loc := time.UTC
	if input.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(input.Timezone)
		if err != nil {
			return &agent.ToolResult{Content: "unknown timezone: " + input.Timezone, IsError: true}, nil
		}
	}

	payload, err := json.Marshal(map[string]string{
		"time":     t.now().In(loc).Format(time.RFC3339),
		"timezone": loc.String(),
	})
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("failed to encode result: %v", err), IsError: true}, nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}
