package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/agentcore/internal/infra"
	"github.com/haasonsaas/agentcore/internal/state"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// stubProvider returns scripted completions in order, repeating the last
// one once the script runs out.
type stubProvider struct {
	mu        sync.Mutex
	calls     int
	requests  []*CompletionRequest
	responses []*CompletionResponse
	err       error
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	idx := p.calls
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx], nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func textResponse(text string) *CompletionResponse {
	return &CompletionResponse{
		StopReason: StopEndTurn,
		Blocks:     []ContentBlock{{Type: "text", Text: text}},
	}
}

func toolUseResponse(text, callID, toolName string, input json.RawMessage) *CompletionResponse {
	blocks := []ContentBlock{}
	if text != "" {
		blocks = append(blocks, ContentBlock{Type: "text", Text: text})
	}
	blocks = append(blocks, ContentBlock{
		Type:     "tool_use",
		ToolCall: &models.ToolCall{ID: callID, Name: toolName, Input: input},
	})
	return &CompletionResponse{StopReason: StopToolUse, Blocks: blocks}
}

func newLoopCache() *state.StateCache {
	return state.NewStateCache(state.CacheConfig{DefaultTTL: time.Hour}, nil, nil)
}

func newTestExecutor(t *testing.T, provider LLMProvider, registry *ToolRegistry, config *LoopConfig) *AgenticExecutor {
	t.Helper()
	return NewAgenticExecutor(provider, registry, newLoopCache(), nil, config)
}

func TestRunCompletesWithoutTools(t *testing.T) {
	provider := &stubProvider{responses: []*CompletionResponse{textResponse("hello there")}}
	exec := newTestExecutor(t, provider, nil, nil)

	result, err := exec.Run(context.Background(), &RunRequest{
		SessionID:   "sess-1",
		UserMessage: "hi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "hello there" {
		t.Errorf("unexpected text: %q", result.Text)
	}
	if result.Truncated || result.Degraded {
		t.Errorf("expected clean completion, got %+v", result)
	}
	if provider.callCount() != 1 {
		t.Errorf("expected 1 provider call, got %d", provider.callCount())
	}
	if len(result.Trace.Iterations) != 1 {
		t.Errorf("expected 1 iteration in trace, got %d", len(result.Trace.Iterations))
	}
}

func TestRunDispatchesToolsThenCompletes(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(echoTool("lookup"))

	provider := &stubProvider{responses: []*CompletionResponse{
		toolUseResponse("checking", "tc-1", "lookup", json.RawMessage(`{"q":"weather"}`)),
		textResponse("it is sunny"),
	}}
	exec := newTestExecutor(t, provider, registry, nil)

	result, err := exec.Run(context.Background(), &RunRequest{
		SessionID:   "sess-1",
		UserMessage: "what's the weather",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Text, "it is sunny") {
		t.Errorf("expected final answer in text, got %q", result.Text)
	}
	if provider.callCount() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", provider.callCount())
	}

	// Second request must carry the assistant turn and the tool result.
	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || len(last.ToolResults) != 1 {
		t.Fatalf("expected trailing tool-result turn, got %+v", last)
	}
	if last.ToolResults[0].ToolCallID != "tc-1" {
		t.Errorf("tool result not matched to call: %+v", last.ToolResults[0])
	}

	if len(result.Trace.ToolCalls) != 1 || result.Trace.ToolCalls[0].Name != "lookup" {
		t.Errorf("unexpected trace tool calls: %+v", result.Trace.ToolCalls)
	}
	if !result.Trace.ToolCalls[0].Success {
		t.Error("expected tool call recorded as success")
	}
}

func TestRunExactlyMaxIterationsThenTruncates(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(echoTool("probe"))

	// Provider always requests another tool call: the loop must issue
	// exactly maxIterations provider calls and then stop.
	provider := &stubProvider{responses: []*CompletionResponse{
		toolUseResponse("more", "tc-1", "probe", json.RawMessage(`{}`)),
	}}
	exec := newTestExecutor(t, provider, registry, &LoopConfig{MaxIterations: 5})

	result, err := exec.Run(context.Background(), &RunRequest{
		SessionID:   "sess-1",
		UserMessage: "go",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.callCount() != 5 {
		t.Errorf("expected exactly 5 provider calls, got %d", provider.callCount())
	}
	if !result.Truncated {
		t.Error("expected truncated result")
	}
	if !strings.HasSuffix(result.Text, TruncationNotice) {
		t.Errorf("expected text to end with truncation notice, got %q", result.Text)
	}
	if !result.Trace.Truncated {
		t.Error("expected trace marked truncated")
	}
}

func TestRunDegradesWhenBreakerOpen(t *testing.T) {
	provider := &stubProvider{responses: []*CompletionResponse{textResponse("unreachable")}}
	breaker := infra.NewCircuitBreaker(infra.CircuitBreakerConfig{Name: "llm", FailureThreshold: 1, Cooldown: time.Hour})
	breaker.RecordFailure() // force open

	exec := NewAgenticExecutor(provider, nil, newLoopCache(), breaker, nil)

	result, err := exec.Run(context.Background(), &RunRequest{
		SessionID:   "sess-1",
		UserMessage: "hi",
	})
	if err != nil {
		t.Fatalf("breaker denial must not be an error: %v", err)
	}
	if !result.Degraded {
		t.Error("expected degraded result")
	}
	if result.Text != UnavailableMessage {
		t.Errorf("expected unavailable message, got %q", result.Text)
	}
	if provider.callCount() != 0 {
		t.Errorf("provider must not be called when breaker is open, got %d calls", provider.callCount())
	}
}

func TestRunDegradesOnProtocolError(t *testing.T) {
	provider := &stubProvider{err: &ProtocolError{Provider: "stub", Shape: "missing content array"}}
	exec := newTestExecutor(t, provider, nil, nil)

	result, err := exec.Run(context.Background(), &RunRequest{
		SessionID:   "sess-1",
		UserMessage: "hi",
	})
	if err != nil {
		t.Fatalf("protocol error must not be a hard error: %v", err)
	}
	if !result.Degraded {
		t.Error("expected degraded result")
	}
	if provider.callCount() != 1 {
		t.Errorf("expected a single provider call, no retry within the run: got %d", provider.callCount())
	}
}

func TestRunToolFailureContinuesLoop(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&funcTool{
		name:   "flaky",
		schema: `{"type":"object"}`,
		execute: func(_ context.Context, _ json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "backend unreachable", IsError: true}, nil
		},
	})

	provider := &stubProvider{responses: []*CompletionResponse{
		toolUseResponse("", "tc-1", "flaky", json.RawMessage(`{}`)),
		textResponse("could not fetch the data"),
	}}
	exec := newTestExecutor(t, provider, registry, nil)

	result, err := exec.Run(context.Background(), &RunRequest{
		SessionID:   "sess-1",
		UserMessage: "hi",
	})
	if err != nil {
		t.Fatalf("tool failure must not fail the run: %v", err)
	}
	if result.Degraded {
		t.Error("tool failure must not degrade the run")
	}
	if provider.callCount() != 2 {
		t.Fatalf("expected loop to continue after tool failure, got %d calls", provider.callCount())
	}

	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if len(last.ToolResults) != 1 || !last.ToolResults[0].IsError {
		t.Errorf("expected error-flagged tool result in history, got %+v", last.ToolResults)
	}
	if result.Trace.ToolCalls[0].Success {
		t.Error("expected trace to record the failure")
	}
}

func TestRunPanickingToolContinuesLoop(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&funcTool{
		name:   "boom",
		schema: `{"type":"object"}`,
		execute: func(_ context.Context, _ json.RawMessage) (*ToolResult, error) {
			panic("tool bug")
		},
	})

	provider := &stubProvider{responses: []*CompletionResponse{
		toolUseResponse("", "tc-1", "boom", json.RawMessage(`{}`)),
		textResponse("recovered"),
	}}
	exec := newTestExecutor(t, provider, registry, nil)

	result, err := exec.Run(context.Background(), &RunRequest{
		SessionID:   "sess-1",
		UserMessage: "hi",
	})
	if err != nil {
		t.Fatalf("tool panic must not fail the run: %v", err)
	}
	if !strings.Contains(result.Text, "recovered") {
		t.Errorf("expected the run to finish normally, got %q", result.Text)
	}
}

func TestRunProgressCallbackOrder(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(echoTool("first"))
	registry.Register(echoTool("second"))

	// One turn requesting two tools: each dispatch must be bracketed by
	// its own start/end pair, so under sequential dispatch the second
	// tool's start never precedes the first tool's end.
	twoCalls := &CompletionResponse{StopReason: StopToolUse, Blocks: []ContentBlock{
		{Type: "tool_use", ToolCall: &models.ToolCall{ID: "tc-1", Name: "first", Input: json.RawMessage(`{}`)}},
		{Type: "tool_use", ToolCall: &models.ToolCall{ID: "tc-2", Name: "second", Input: json.RawMessage(`{}`)}},
	}}
	provider := &stubProvider{responses: []*CompletionResponse{
		twoCalls,
		textResponse("done"),
	}}
	exec := newTestExecutor(t, provider, registry, nil)

	var mu sync.Mutex
	var events []ProgressEvent
	_, err := exec.Run(context.Background(), &RunRequest{
		SessionID:   "sess-1",
		UserMessage: "hi",
		Progress: func(e ProgressEvent) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []struct {
		stage  ProgressStage
		callID string
		name   string
	}{
		{ProgressToolStart, "tc-1", "first"},
		{ProgressToolEnd, "tc-1", "first"},
		{ProgressToolStart, "tc-2", "second"},
		{ProgressToolEnd, "tc-2", "second"},
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(events), events)
	}
	for i, w := range want {
		if events[i].Stage != w.stage || events[i].ToolCallID != w.callID || events[i].ToolName != w.name {
			t.Errorf("event %d = %+v, want stage %s call %s tool %s", i, events[i], w.stage, w.callID, w.name)
		}
	}
}

func TestRunPersistsAndReloadsSession(t *testing.T) {
	cache := newLoopCache()
	provider := &stubProvider{responses: []*CompletionResponse{textResponse("first answer")}}
	exec := NewAgenticExecutor(provider, nil, cache, nil, nil)

	if _, err := exec.Run(context.Background(), &RunRequest{
		SessionID:   "sess-1",
		UserMessage: "first question",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A second run on the same session must replay the earlier turns.
	provider2 := &stubProvider{responses: []*CompletionResponse{textResponse("second answer")}}
	exec2 := NewAgenticExecutor(provider2, nil, cache, nil, nil)

	if _, err := exec2.Run(context.Background(), &RunRequest{
		SessionID:   "sess-1",
		UserMessage: "second question",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := provider2.requests[0]
	var sawFirstQuestion, sawFirstAnswer bool
	for _, m := range req.Messages {
		if m.Content == "first question" {
			sawFirstQuestion = true
		}
		if m.Content == "first answer" {
			sawFirstAnswer = true
		}
	}
	if !sawFirstQuestion || !sawFirstAnswer {
		t.Errorf("expected prior turns in history, got %+v", req.Messages)
	}
}

func TestRunDeadlineReturnsTimeoutNotice(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&funcTool{
		name:   "slow",
		schema: `{"type":"object"}`,
		execute: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return &ToolResult{Content: "late"}, nil
			}
		},
	})

	provider := &stubProvider{responses: []*CompletionResponse{
		toolUseResponse("working on it", "tc-1", "slow", json.RawMessage(`{}`)),
	}}
	exec := newTestExecutor(t, provider, registry, nil)

	result, err := exec.Run(context.Background(), &RunRequest{
		SessionID:   "sess-1",
		UserMessage: "hi",
		Deadline:    50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("deadline overrun must not be a hard error: %v", err)
	}
	if !result.Truncated {
		t.Error("expected truncated result")
	}
	if !strings.HasSuffix(result.Text, TimeoutNotice) {
		t.Errorf("expected timeout notice, got %q", result.Text)
	}
}

func TestRunCancellationReturnsError(t *testing.T) {
	registry := NewToolRegistry()
	started := make(chan struct{})
	registry.Register(&funcTool{
		name:   "hang",
		schema: `{"type":"object"}`,
		execute: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	provider := &stubProvider{responses: []*CompletionResponse{
		toolUseResponse("", "tc-1", "hang", json.RawMessage(`{}`)),
	}}
	exec := newTestExecutor(t, provider, registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := exec.Run(ctx, &RunRequest{
		SessionID:   "sess-1",
		UserMessage: "hi",
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRunRejectsEmptyMessage(t *testing.T) {
	exec := newTestExecutor(t, &stubProvider{responses: []*CompletionResponse{textResponse("x")}}, nil, nil)
	if _, err := exec.Run(context.Background(), &RunRequest{SessionID: "s", UserMessage: "   "}); err == nil {
		t.Error("expected error for empty user message")
	}
	if _, err := exec.Run(context.Background(), nil); err == nil {
		t.Error("expected error for nil request")
	}
}

func TestRunNoProvider(t *testing.T) {
	exec := NewAgenticExecutor(nil, nil, nil, nil, nil)
	if _, err := exec.Run(context.Background(), &RunRequest{UserMessage: "hi"}); !errors.Is(err, ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
}
