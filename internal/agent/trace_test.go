package agent

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func sampleTrace() *ExecutionTrace {
	trace := &ExecutionTrace{
		RunID:     "run-1",
		SessionID: "sess-1",
		StartedAt: time.Now(),
	}
	trace.AddIteration(IterationRecord{StopReason: StopToolUse, ToolCalls: 1, Duration: 10 * time.Millisecond})
	trace.AddToolCall(ToolCallRecord{
		Iteration:  0,
		ToolCallID: "tc-1",
		Name:       "echo",
		Input:      `{"msg":"hi"}`,
		Output:     "hi",
		Success:    true,
		Duration:   2 * time.Millisecond,
	})
	trace.AddIteration(IterationRecord{StopReason: StopEndTurn, Duration: 8 * time.Millisecond})
	trace.FinishedAt = time.Now()
	return trace
}

func TestTraceWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewTraceWriter(&buf)
	w.Write(sampleTrace())
	w.Write(sampleTrace())

	r, err := NewTraceReader(&buf)
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	if r.Header().Version != 1 {
		t.Errorf("expected version 1, got %d", r.Header().Version)
	}

	traces, err := r.ReadAll()
	if err != nil {
		t.Fatalf("failed to read traces: %v", err)
	}
	if len(traces) != 2 {
		t.Fatalf("expected 2 traces, got %d", len(traces))
	}

	got := traces[0]
	if got.RunID != "run-1" {
		t.Errorf("expected run-1, got %s", got.RunID)
	}
	if len(got.Iterations) != 2 {
		t.Errorf("expected 2 iterations, got %d", len(got.Iterations))
	}
	if got.Iterations[1].Index != 1 {
		t.Errorf("expected iteration indexes assigned in order, got %d", got.Iterations[1].Index)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Name != "echo" {
		t.Errorf("unexpected tool calls: %+v", got.ToolCalls)
	}
}

func TestTraceSummaryTruncation(t *testing.T) {
	trace := &ExecutionTrace{RunID: "run-1"}
	trace.AddToolCall(ToolCallRecord{
		Name:  "big",
		Input: strings.Repeat("x", maxTraceSummaryLen*2),
	})

	input := trace.ToolCalls[0].Input
	if !strings.HasSuffix(input, "...(truncated)") {
		t.Error("expected oversized input to be truncated")
	}
	if len(input) > maxTraceSummaryLen+len("...(truncated)") {
		t.Errorf("truncated input too long: %d", len(input))
	}
}

func TestTraceRedactor(t *testing.T) {
	var buf bytes.Buffer
	w := NewTraceWriter(&buf, WithTraceRedactor(DefaultTraceRedactor))

	original := sampleTrace()
	w.Write(original)

	// Redaction must not mutate the caller's trace.
	if original.ToolCalls[0].Input != `{"msg":"hi"}` {
		t.Error("redactor mutated the original trace")
	}

	r, err := NewTraceReader(&buf)
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	trace, err := r.ReadTrace()
	if err != nil {
		t.Fatalf("failed to read trace: %v", err)
	}
	if trace.ToolCalls[0].Input != "[REDACTED]" || trace.ToolCalls[0].Output != "[REDACTED]" {
		t.Errorf("expected redacted tool payloads, got %+v", trace.ToolCalls[0])
	}
}

func TestTraceReaderRejectsUnknownVersion(t *testing.T) {
	buf := bytes.NewBufferString(`{"version":2,"started_at":"2026-01-01T00:00:00Z"}` + "\n")
	if _, err := NewTraceReader(buf); err == nil {
		t.Error("expected error for unsupported trace version")
	}
}
