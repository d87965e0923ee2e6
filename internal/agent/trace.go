package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// maxTraceSummaryLen bounds the input/output excerpts recorded per tool
// call so traces stay readable for large payloads.
const maxTraceSummaryLen = 512

// ToolCallRecord captures one tool dispatch inside a run, in dispatch
// order.
type ToolCallRecord struct {
	Iteration  int           `json:"iteration"`
	ToolCallID string        `json:"tool_call_id"`
	Name       string        `json:"name"`
	Input      string        `json:"input,omitempty"`
	Output     string        `json:"output,omitempty"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration"`
}

// IterationRecord captures one model turn inside a run.
type IterationRecord struct {
	Index      int           `json:"index"`
	StopReason StopReason    `json:"stop_reason"`
	ToolCalls  int           `json:"tool_calls"`
	Duration   time.Duration `json:"duration"`
}

// ExecutionTrace is the ordered record of a single run: every model turn
// and every tool dispatch, in the order they happened.
type ExecutionTrace struct {
	RunID      string            `json:"run_id"`
	SessionID  string            `json:"session_id,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitzero"`
	Iterations []IterationRecord `json:"iterations,omitempty"`
	ToolCalls  []ToolCallRecord  `json:"tool_calls,omitempty"`
	Truncated  bool              `json:"truncated,omitempty"`
	Degraded   bool              `json:"degraded,omitempty"`
}

// AddIteration appends a model turn record.
func (t *ExecutionTrace) AddIteration(rec IterationRecord) {
	rec.Index = len(t.Iterations)
	t.Iterations = append(t.Iterations, rec)
}

// AddToolCall appends a tool dispatch record, truncating oversized input
// and output excerpts.
func (t *ExecutionTrace) AddToolCall(rec ToolCallRecord) {
	rec.Input = summarize(rec.Input)
	rec.Output = summarize(rec.Output)
	t.ToolCalls = append(t.ToolCalls, rec)
}

func summarize(s string) string {
	if len(s) <= maxTraceSummaryLen {
		return s
	}
	return s[:maxTraceSummaryLen] + "...(truncated)"
}

// TraceWriter writes execution traces to a JSONL stream, one trace per
// line, flushed immediately for crash safety.
type TraceWriter struct {
	mu       sync.Mutex
	writer   io.Writer
	file     *os.File // non-nil if we opened the file ourselves
	redactor TraceRedactor
	header   *TraceHeader
	started  bool
}

// TraceHeader contains metadata written as the first line of a trace file.
type TraceHeader struct {
	Version   int       `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// TraceRedactor is an optional function to redact sensitive data from a
// trace before serialization. It receives a copy and can modify it in
// place.
type TraceRedactor func(t *ExecutionTrace)

// TraceWriterOption configures a TraceWriter.
type TraceWriterOption func(*TraceWriter)

// WithTraceRedactor sets a custom redactor function.
func WithTraceRedactor(r TraceRedactor) TraceWriterOption {
	return func(w *TraceWriter) {
		w.redactor = r
	}
}

// NewTraceWriter creates a trace writer that writes to the given writer.
func NewTraceWriter(w io.Writer, opts ...TraceWriterOption) *TraceWriter {
	tw := &TraceWriter{
		writer: w,
		header: &TraceHeader{
			Version:   1,
			StartedAt: time.Now(),
		},
	}

	for _, opt := range opts {
		opt(tw)
	}

	return tw
}

// NewTraceWriterFile creates a trace writer that appends to the given file
// path. Caller should call Close() when done.
func NewTraceWriterFile(path string, opts ...TraceWriterOption) (*TraceWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	w := NewTraceWriter(f, opts...)
	w.file = f

	return w, nil
}

// Write appends one trace as a single JSON line.
func (w *TraceWriter) Write(trace *ExecutionTrace) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		w.started = true
		w.writeHeader()
	}

	// Copy for redaction
	traceCopy := *trace
	if w.redactor != nil {
		traceCopy.ToolCalls = append([]ToolCallRecord(nil), trace.ToolCalls...)
		traceCopy.Iterations = append([]IterationRecord(nil), trace.Iterations...)
		w.redactor(&traceCopy)
	}

	data, err := json.Marshal(&traceCopy)
	if err != nil {
		// Best effort - don't block on trace errors
		return
	}

	_, _ = w.writer.Write(data)
	_, _ = w.writer.Write([]byte("\n"))

	if w.file != nil {
		_ = w.file.Sync()
	}
}

func (w *TraceWriter) writeHeader() {
	data, err := json.Marshal(w.header)
	if err != nil {
		return
	}

	_, _ = w.writer.Write(data)
	_, _ = w.writer.Write([]byte("\n"))

	if w.file != nil {
		_ = w.file.Sync()
	}
}

// Close closes the trace file if one was opened.
func (w *TraceWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// TraceReader reads traces from a JSONL stream.
type TraceReader struct {
	decoder *json.Decoder
	header  *TraceHeader
}

// NewTraceReader creates a trace reader from the given reader.
// It reads and validates the header automatically.
func NewTraceReader(r io.Reader) (*TraceReader, error) {
	decoder := json.NewDecoder(r)

	var header TraceHeader
	if err := decoder.Decode(&header); err != nil {
		return nil, fmt.Errorf("failed to read trace header: %w", err)
	}

	if header.Version != 1 {
		return nil, fmt.Errorf("unsupported trace version: %d", header.Version)
	}

	return &TraceReader{
		decoder: decoder,
		header:  &header,
	}, nil
}

// Header returns the trace header.
func (r *TraceReader) Header() *TraceHeader {
	return r.header
}

// ReadTrace reads the next trace. Returns io.EOF when no more traces are
// available.
func (r *TraceReader) ReadTrace() (*ExecutionTrace, error) {
	var trace ExecutionTrace
	if err := r.decoder.Decode(&trace); err != nil {
		return nil, err
	}
	return &trace, nil
}

// ReadAll reads all traces from the stream.
func (r *TraceReader) ReadAll() ([]ExecutionTrace, error) {
	var traces []ExecutionTrace
	for {
		trace, err := r.ReadTrace()
		if err == io.EOF {
			break
		}
		if err != nil {
			return traces, err
		}
		traces = append(traces, *trace)
	}
	return traces, nil
}

// DefaultTraceRedactor replaces tool inputs and outputs with placeholders.
func DefaultTraceRedactor(t *ExecutionTrace) {
	for i := range t.ToolCalls {
		if t.ToolCalls[i].Input != "" {
			t.ToolCalls[i].Input = "[REDACTED]"
		}
		if t.ToolCalls[i].Output != "" {
			t.ToolCalls[i].Output = "[REDACTED]"
		}
	}
}
