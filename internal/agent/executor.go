package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// DispatchPolicy controls how a batch of tool calls from a single model
// turn is executed.
type DispatchPolicy string

const (
	// DispatchSequential runs tool calls one at a time in the order the
	// model emitted them. This is the default: tools may have side
	// effects that depend on ordering.
	DispatchSequential DispatchPolicy = "sequential"

	// DispatchParallel runs tool calls concurrently, bounded by
	// MaxConcurrency. Opt-in for workloads whose tools are independent.
	DispatchParallel DispatchPolicy = "parallel"
)

// ExecutorConfig configures tool dispatch behavior.
type ExecutorConfig struct {
	// Policy selects sequential or parallel dispatch.
	// Default: sequential
	Policy DispatchPolicy

	// MaxConcurrency limits parallel tool executions when the policy
	// is parallel. Ignored for sequential dispatch.
	// Default: 5
	MaxConcurrency int

	// DefaultTimeout is the per-call timeout for tool execution
	// Default: 30s
	DefaultTimeout time.Duration

	// ToolTimeouts overrides the default timeout for specific tools.
	ToolTimeouts map[string]time.Duration

	// Metrics receives per-call measurements when set.
	Metrics ToolMetrics
}

// ToolMetrics receives per-call tool measurements. Implementations must
// be safe for concurrent use.
type ToolMetrics interface {
	RecordToolExecution(toolName string, duration time.Duration, success bool)
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		Policy:         DispatchSequential,
		MaxConcurrency: 5,
		DefaultTimeout: 30 * time.Second,
	}
}

// Executor dispatches tool calls against a registry with timeout and panic
// containment. Every failure mode surfaces as an ExecutionResult; a batch
// always produces one result per call, in input order.
type Executor struct {
	registry *ToolRegistry
	config   *ExecutorConfig

	// Semaphore for concurrency limiting under parallel dispatch
	sem chan struct{}

	metrics *ExecutorMetrics
}

// ExecutorMetrics tracks executor counters for executions, failures,
// timeouts, and panics.
type ExecutorMetrics struct {
	mu              sync.Mutex
	TotalExecutions int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// NewExecutor creates a tool executor with the given registry and
// configuration. If config is nil, DefaultExecutorConfig is used.
func NewExecutor(registry *ToolRegistry, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if config.Policy == "" {
		config.Policy = DispatchSequential
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}

	return &Executor{
		registry: registry,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrency),
		metrics:  &ExecutorMetrics{},
	}
}

// ExecutionResult holds the result of a single tool execution including
// timing information.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Result     *ToolResult
	Error      error
	Duration   time.Duration
}

// DispatchHooks brackets each call in a batch. Before fires immediately
// before a call is dispatched and After immediately after it resolves.
// Under parallel dispatch the hooks fire from the dispatch goroutines, so
// implementations must be safe for concurrent use.
type DispatchHooks struct {
	Before func(call models.ToolCall)
	After  func(result *ExecutionResult)
}

// ExecuteAll executes a batch of tool calls according to the configured
// dispatch policy. Results are returned in the same order as the input
// calls regardless of completion order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []*ExecutionResult {
	return e.ExecuteAllWithHooks(ctx, calls, DispatchHooks{})
}

// ExecuteAllWithHooks is ExecuteAll with per-call notifications around
// each dispatch.
func (e *Executor) ExecuteAllWithHooks(ctx context.Context, calls []models.ToolCall, hooks DispatchHooks) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]*ExecutionResult, len(calls))

	if e.config.Policy == DispatchParallel {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(idx int, tc models.ToolCall) {
				defer wg.Done()
				if hooks.Before != nil {
					hooks.Before(tc)
				}
				results[idx] = e.executeBounded(ctx, tc)
				if hooks.After != nil {
					hooks.After(results[idx])
				}
			}(i, call)
		}
		wg.Wait()
		return results
	}

	for i, call := range calls {
		if hooks.Before != nil {
			hooks.Before(call)
		}
		results[i] = e.Execute(ctx, call)
		if hooks.After != nil {
			hooks.After(results[i])
		}
	}
	return results
}

// executeBounded acquires a semaphore slot before executing, providing
// backpressure under parallel dispatch.
func (e *Executor) executeBounded(ctx context.Context, call models.ToolCall) *ExecutionResult {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return &ExecutionResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Error: NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID),
		}
	}
	return e.Execute(ctx, call)
}

// Execute executes a single tool call with timeout handling and panic
// containment.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}

	execResult, execErr := e.executeWithTimeout(ctx, call, e.timeoutFor(call.Name))
	if execResult == nil && execErr == nil {
		// A handler returned (nil, nil). Surface it as a failed call so
		// the conversation still carries a result for this tool_call id.
		execErr = NewToolError(call.Name, errors.New("tool returned no result")).
			WithType(ToolErrorExecution).
			WithToolCallID(call.ID)
	}
	result.Result = execResult
	result.Error = execErr
	result.Duration = time.Since(start)

	if e.config.Metrics != nil {
		success := execErr == nil && (execResult == nil || !execResult.IsError)
		e.config.Metrics.RecordToolExecution(call.Name, result.Duration, success)
	}

	e.metrics.mu.Lock()
	e.metrics.TotalExecutions++
	if execErr != nil {
		e.metrics.TotalFailures++
		if toolErr, ok := GetToolError(execErr); ok {
			switch toolErr.Type {
			case ToolErrorTimeout:
				e.metrics.TotalTimeouts++
			case ToolErrorPanic:
				e.metrics.TotalPanics++
			}
		}
	}
	e.metrics.mu.Unlock()

	return result
}

func (e *Executor) timeoutFor(name string) time.Duration {
	if t, ok := e.config.ToolTimeouts[name]; ok && t > 0 {
		return t
	}
	return e.config.DefaultTimeout
}

// executeWithTimeout executes a tool call with a timeout. The handler runs
// in its own goroutine so a panic can be recovered without tearing down
// the caller.
func (e *Executor) executeWithTimeout(ctx context.Context, call models.ToolCall, timeout time.Duration) (*ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		result *ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				err := NewToolError(call.Name, fmt.Errorf("panic: %v\n%s", r, stack)).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID)
				resultCh <- execResult{err: err}
			}
		}()

		result, err := e.registry.Execute(execCtx, call.Name, call.Input)
		if err != nil {
			toolErr := NewToolError(call.Name, err).WithToolCallID(call.ID)
			resultCh <- execResult{err: toolErr}
			return
		}
		resultCh <- execResult{result: result}
	}()

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			// Parent context cancelled
			return nil, NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID).
				WithMessage("context cancelled")
		}
		return nil, NewToolError(call.Name, ErrToolTimeout).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

// Metrics returns a copy-safe snapshot of the executor metrics.
func (e *Executor) Metrics() *ExecutorMetricsSnapshot {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	return &ExecutorMetricsSnapshot{
		TotalExecutions: e.metrics.TotalExecutions,
		TotalFailures:   e.metrics.TotalFailures,
		TotalTimeouts:   e.metrics.TotalTimeouts,
		TotalPanics:     e.metrics.TotalPanics,
	}
}

// ExecutorMetricsSnapshot is a thread-safe copy of executor metrics at a point in time.
type ExecutorMetricsSnapshot struct {
	TotalExecutions int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// ResultsToMessages converts execution results to tool result messages
// suitable for conversation history. Failures become error-flagged
// results rather than dropped entries so the model sees every outcome.
func ResultsToMessages(results []*ExecutionResult) []models.ToolResult {
	toolResults := make([]models.ToolResult, len(results))

	for i, r := range results {
		if r.Error != nil {
			toolResults[i] = models.ToolResult{
				ToolCallID: r.ToolCallID,
				Content:    r.Error.Error(),
				IsError:    true,
			}
		} else if r.Result != nil {
			toolResults[i] = models.ToolResult{
				ToolCallID: r.ToolCallID,
				Content:    r.Result.Content,
				IsError:    r.Result.IsError,
			}
		}
	}

	return toolResults
}

// AnyErrors returns true if any execution result contains an error or an
// error-flagged tool result.
func AnyErrors(results []*ExecutionResult) bool {
	for _, r := range results {
		if r.Error != nil {
			return true
		}
		if r.Result != nil && r.Result.IsError {
			return true
		}
	}
	return false
}

// AsJSON converts tool input to JSON if it is not already a json.RawMessage, []byte, or string.
func AsJSON(input any) json.RawMessage {
	switch v := input.(type) {
	case json.RawMessage:
		return v
	case []byte:
		return json.RawMessage(v)
	case string:
		return json.RawMessage(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return json.RawMessage("null")
		}
		return data
	}
}
