package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/agentcore/pkg/models"
)

func TestExecutorSingleCall(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(echoTool("echo"))
	exec := NewExecutor(reg, nil)

	result := exec.Execute(context.Background(), models.ToolCall{
		ID:    "tc-1",
		Name:  "echo",
		Input: json.RawMessage(`{"msg":"hi"}`),
	})

	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Result.Content != `{"msg":"hi"}` {
		t.Errorf("unexpected content: %s", result.Result.Content)
	}
	if result.ToolCallID != "tc-1" {
		t.Errorf("expected tool call id to be preserved, got %s", result.ToolCallID)
	}
	if result.Duration <= 0 {
		t.Error("expected a positive duration")
	}
}

func TestExecutorSequentialOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex

	reg := NewToolRegistry()
	reg.Register(&funcTool{
		name:   "record",
		schema: `{"type":"object"}`,
		execute: func(_ context.Context, params json.RawMessage) (*ToolResult, error) {
			mu.Lock()
			order = append(order, string(params))
			mu.Unlock()
			return &ToolResult{Content: "ok"}, nil
		},
	})
	exec := NewExecutor(reg, &ExecutorConfig{Policy: DispatchSequential})

	calls := make([]models.ToolCall, 4)
	for i := range calls {
		calls[i] = models.ToolCall{
			ID:    fmt.Sprintf("tc-%d", i),
			Name:  "record",
			Input: json.RawMessage(fmt.Sprintf(`"%d"`, i)),
		}
	}

	results := exec.ExecuteAll(context.Background(), calls)
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for i, want := range []string{`"0"`, `"1"`, `"2"`, `"3"`} {
		if order[i] != want {
			t.Errorf("sequential dispatch ran out of order: %v", order)
			break
		}
	}
}

func TestExecutorParallelBounded(t *testing.T) {
	var inFlight, maxInFlight int64

	reg := NewToolRegistry()
	reg.Register(&funcTool{
		name:   "slow",
		schema: `{"type":"object"}`,
		execute: func(_ context.Context, _ json.RawMessage) (*ToolResult, error) {
			cur := atomic.AddInt64(&inFlight, 1)
			for {
				prev := atomic.LoadInt64(&maxInFlight)
				if cur <= prev || atomic.CompareAndSwapInt64(&maxInFlight, prev, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			return &ToolResult{Content: "done"}, nil
		},
	})
	exec := NewExecutor(reg, &ExecutorConfig{
		Policy:         DispatchParallel,
		MaxConcurrency: 2,
	})

	calls := make([]models.ToolCall, 6)
	for i := range calls {
		calls[i] = models.ToolCall{ID: fmt.Sprintf("tc-%d", i), Name: "slow"}
	}

	results := exec.ExecuteAll(context.Background(), calls)
	for i, r := range results {
		if r == nil || r.Error != nil {
			t.Fatalf("result %d failed: %+v", i, r)
		}
		if r.ToolCallID != fmt.Sprintf("tc-%d", i) {
			t.Errorf("result %d out of input order: %s", i, r.ToolCallID)
		}
	}
	if got := atomic.LoadInt64(&maxInFlight); got > 2 {
		t.Errorf("expected at most 2 concurrent executions, saw %d", got)
	}
}

func TestExecutorTimeout(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(&funcTool{
		name:   "hang",
		schema: `{"type":"object"}`,
		execute: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	exec := NewExecutor(reg, &ExecutorConfig{DefaultTimeout: 20 * time.Millisecond})

	result := exec.Execute(context.Background(), models.ToolCall{ID: "tc-1", Name: "hang"})
	if result.Error == nil {
		t.Fatal("expected timeout error")
	}
	toolErr, ok := GetToolError(result.Error)
	if !ok || toolErr.Type != ToolErrorTimeout {
		t.Errorf("expected timeout tool error, got %v", result.Error)
	}
	if !errors.Is(result.Error, ErrToolTimeout) {
		t.Errorf("expected ErrToolTimeout in chain, got %v", result.Error)
	}

	m := exec.Metrics()
	if m.TotalTimeouts != 1 {
		t.Errorf("expected 1 timeout recorded, got %d", m.TotalTimeouts)
	}
}

func TestExecutorPerToolTimeout(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(&funcTool{
		name:   "hang",
		schema: `{"type":"object"}`,
		execute: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return &ToolResult{Content: "too slow to matter"}, nil
			}
		},
	})
	exec := NewExecutor(reg, &ExecutorConfig{
		DefaultTimeout: time.Minute,
		ToolTimeouts:   map[string]time.Duration{"hang": 20 * time.Millisecond},
	})

	start := time.Now()
	result := exec.Execute(context.Background(), models.ToolCall{ID: "tc-1", Name: "hang"})
	if result.Error == nil {
		t.Fatal("expected error from per-tool timeout")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("per-tool timeout not applied: took %s", elapsed)
	}
}

func TestExecutorPanicContained(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(&funcTool{
		name:   "boom",
		schema: `{"type":"object"}`,
		execute: func(_ context.Context, _ json.RawMessage) (*ToolResult, error) {
			panic("handler exploded")
		},
	})
	exec := NewExecutor(reg, nil)

	result := exec.Execute(context.Background(), models.ToolCall{ID: "tc-1", Name: "boom"})
	if result.Error == nil {
		t.Fatal("expected panic to surface as an error")
	}
	toolErr, ok := GetToolError(result.Error)
	if !ok || toolErr.Type != ToolErrorPanic {
		t.Errorf("expected panic tool error, got %v", result.Error)
	}
	if !strings.Contains(result.Error.Error(), "handler exploded") {
		t.Errorf("expected panic value in message, got %v", result.Error)
	}

	m := exec.Metrics()
	if m.TotalPanics != 1 {
		t.Errorf("expected 1 panic recorded, got %d", m.TotalPanics)
	}
}

func TestExecutorUnknownToolIsErrorResult(t *testing.T) {
	reg := NewToolRegistry()
	exec := NewExecutor(reg, nil)

	result := exec.Execute(context.Background(), models.ToolCall{ID: "tc-1", Name: "missing"})
	if result.Error != nil {
		t.Fatalf("unknown tool must not be a hard error: %v", result.Error)
	}
	if result.Result == nil || !result.Result.IsError {
		t.Error("expected error-flagged result for unknown tool")
	}
}

func TestResultsToMessages(t *testing.T) {
	results := []*ExecutionResult{
		{ToolCallID: "tc-1", Result: &ToolResult{Content: "fine"}},
		{ToolCallID: "tc-2", Error: errors.New("broke")},
		{ToolCallID: "tc-3", Result: &ToolResult{Content: "bad input", IsError: true}},
	}

	msgs := ResultsToMessages(results)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].IsError || msgs[0].Content != "fine" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if !msgs[1].IsError || msgs[1].Content != "broke" {
		t.Errorf("unexpected second message: %+v", msgs[1])
	}
	if !msgs[2].IsError {
		t.Error("expected error flag to carry through")
	}

	if !AnyErrors(results) {
		t.Error("expected AnyErrors to report failures")
	}
	if AnyErrors(results[:1]) {
		t.Error("expected AnyErrors to be false for clean results")
	}
}

func TestAsJSON(t *testing.T) {
	if got := AsJSON(json.RawMessage(`{"a":1}`)); string(got) != `{"a":1}` {
		t.Errorf("raw message passthrough failed: %s", got)
	}
	if got := AsJSON(map[string]int{"a": 1}); string(got) != `{"a":1}` {
		t.Errorf("marshal failed: %s", got)
	}
	if got := AsJSON(make(chan int)); string(got) != "null" {
		t.Errorf("unmarshalable input should become null, got %s", got)
	}
}

// recordingToolMetrics captures RecordToolExecution calls for assertions.
type recordingToolMetrics struct {
	mu    sync.Mutex
	calls []struct {
		name    string
		success bool
	}
}

func (m *recordingToolMetrics) RecordToolExecution(toolName string, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, struct {
		name    string
		success bool
	}{toolName, success})
}

func TestExecutorRecordsToolMetrics(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(echoTool("fine"))
	reg.Register(&funcTool{
		name:   "broken",
		schema: `{"type":"object"}`,
		execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
			return nil, errors.New("broke")
		},
	})

	recorder := &recordingToolMetrics{}
	exec := NewExecutor(reg, &ExecutorConfig{Metrics: recorder})

	exec.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "tc-1", Name: "fine", Input: json.RawMessage(`{}`)},
		{ID: "tc-2", Name: "broken", Input: json.RawMessage(`{}`)},
	})

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.calls) != 2 {
		t.Fatalf("expected 2 recorded executions, got %d", len(recorder.calls))
	}
	if recorder.calls[0].name != "fine" || !recorder.calls[0].success {
		t.Errorf("unexpected first record: %+v", recorder.calls[0])
	}
	if recorder.calls[1].name != "broken" || recorder.calls[1].success {
		t.Errorf("unexpected second record: %+v", recorder.calls[1])
	}
}

func TestExecutorNilResultBecomesError(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(&funcTool{
		name:   "silent",
		schema: `{"type":"object"}`,
		execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
			return nil, nil
		},
	})
	exec := NewExecutor(reg, nil)

	result := exec.Execute(context.Background(), models.ToolCall{
		ID:    "tc-1",
		Name:  "silent",
		Input: json.RawMessage(`{}`),
	})
	if result.Error == nil {
		t.Fatal("expected a handler returning neither result nor error to fail")
	}

	// The conversation message must still carry the tool call id, or the
	// provider would emit a malformed tool_result block.
	msgs := ResultsToMessages([]*ExecutionResult{result})
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ToolCallID != "tc-1" || !msgs[0].IsError {
		t.Errorf("unexpected message: %+v", msgs[0])
	}
	if !strings.Contains(msgs[0].Content, "no result") {
		t.Errorf("unexpected content: %q", msgs[0].Content)
	}
}

func TestExecuteAllWithHooksBracketsEachCall(t *testing.T) {
	var mu sync.Mutex
	var sequence []string

	reg := NewToolRegistry()
	reg.Register(&funcTool{
		name:   "step",
		schema: `{"type":"object"}`,
		execute: func(_ context.Context, params json.RawMessage) (*ToolResult, error) {
			mu.Lock()
			sequence = append(sequence, "run "+string(params))
			mu.Unlock()
			return &ToolResult{Content: "ok"}, nil
		},
	})
	exec := NewExecutor(reg, &ExecutorConfig{Policy: DispatchSequential})

	exec.ExecuteAllWithHooks(context.Background(), []models.ToolCall{
		{ID: "tc-1", Name: "step", Input: json.RawMessage(`1`)},
		{ID: "tc-2", Name: "step", Input: json.RawMessage(`2`)},
	}, DispatchHooks{
		Before: func(tc models.ToolCall) {
			mu.Lock()
			sequence = append(sequence, "before "+tc.ID)
			mu.Unlock()
		},
		After: func(r *ExecutionResult) {
			mu.Lock()
			sequence = append(sequence, "after "+r.ToolCallID)
			mu.Unlock()
		},
	})

	want := []string{"before tc-1", "run 1", "after tc-1", "before tc-2", "run 2", "after tc-2"}
	mu.Lock()
	defer mu.Unlock()
	if len(sequence) != len(want) {
		t.Fatalf("sequence = %v, want %v", sequence, want)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", sequence, want)
		}
	}
}
