package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/haasonsaas/agentcore/internal/agent"
)

// CalculatorTool performs basic arithmetic. It exists mostly so the loop
// has a deterministic tool to exercise.
type CalculatorTool struct{}

// NewCalculatorTool creates a new calculator tool.
func NewCalculatorTool() *CalculatorTool {
	return &CalculatorTool{}
}

// Name returns the tool name.
func (t *CalculatorTool) Name() string {
	return "calculator"
}

// Description describes the tool.
func (t *CalculatorTool) Description() string {
	return "Performs basic arithmetic: add, subtract, multiply, divide, power."
}

// Schema defines the tool parameters.
func (t *CalculatorTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "operation": {"type": "string", "enum": ["add", "subtract", "multiply", "divide", "power"]},
    "a": {"type": "number"},
    "b": {"type": "number"}
  },
  "required": ["operation", "a", "b"]
}`)
}

// Execute evaluates the requested operation.
func (t *CalculatorTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Operation string  `json:"operation"`
		A         float64 `json:"a"`
		B         float64 `json:"b"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid params: %v", err), IsError: true}, nil
	}

	var result float64
	switch input.Operation {
	case "add":
		result = input.A + input.B
	case "subtract":
		result = input.A - input.B
	case "multiply":
		result = input.A * input.B
	case "divide":
		if input.B == 0 {
			return &agent.ToolResult{Content: "division by zero", IsError: true}, nil
		}
		result = input.A / input.B
	case "power":
		result = math.Pow(input.A, input.B)
	default:
		return &agent.ToolResult{Content: "unknown operation: " + input.Operation, IsError: true}, nil
	}

	if math.IsNaN(result) || math.IsInf(result, 0) {
		return &agent.ToolResult{Content: "result is not a finite number", IsError: true}, nil
	}

	return &agent.ToolResult{Content: strconv.FormatFloat(result, 'g', -1, 64)}, nil
}
