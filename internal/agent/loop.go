package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentcore/internal/infra"
	"github.com/haasonsaas/agentcore/internal/state"
	"github.com/haasonsaas/agentcore/pkg/models"
)

const (
	// sessionNamespace is the cache namespace holding conversation state.
	sessionNamespace = "sessions"

	// TruncationNotice is appended to the answer when the iteration budget
	// runs out before the model signals completion.
	TruncationNotice = "[response truncated: iteration limit reached before the model finished]"

	// TimeoutNotice is appended to the answer when the run deadline
	// expires mid-loop.
	TimeoutNotice = "[response truncated: run deadline exceeded]"

	// UnavailableMessage is returned when the provider's circuit breaker
	// rejects the call or the provider fails outright.
	UnavailableMessage = "The assistant is temporarily unavailable. Please try again shortly."
)

// Run outcomes as recorded in metrics and logs.
const (
	OutcomeCompleted = "completed"
	OutcomeTruncated = "truncated"
	OutcomeTimeout   = "timeout"
	OutcomeDegraded  = "degraded"
	OutcomeCancelled = "cancelled"
)

// ProgressStage identifies the suspension point a progress notification
// was emitted from.
type ProgressStage string

const (
	// ProgressToolStart fires immediately before a tool dispatch.
	ProgressToolStart ProgressStage = "tool_start"

	// ProgressToolEnd fires immediately after a tool dispatch resolves.
	ProgressToolEnd ProgressStage = "tool_end"
)

// ProgressEvent describes one suspension point during a run.
type ProgressEvent struct {
	Stage      ProgressStage
	Iteration  int
	ToolCallID string
	ToolName   string
	IsError    bool // meaningful for tool_end only
}

// ProgressFunc receives progress notifications during a run. Calls are
// synchronous with the dispatch that triggered them, so implementations
// must return promptly. Under parallel tool dispatch the callback fires
// from the dispatch goroutines and must be safe for concurrent use.
type ProgressFunc func(ProgressEvent)

// LoopMetrics receives run-level measurements. Implementations must be
// safe for concurrent use.
type LoopMetrics interface {
	RecordLLMCall(provider string, duration time.Duration, success bool)
	RecordRun(outcome string, iterations int)
}

// LoopConfig configures the agentic loop behavior.
type LoopConfig struct {
	// MaxIterations limits the number of tool use iterations
	// Default: 10
	MaxIterations int

	// MaxTokens is the default max tokens for LLM responses
	// Default: 4096
	MaxTokens int

	// Deadline limits total run wall time (0 = no limit)
	Deadline time.Duration

	// HistoryLimit caps how many prior messages are replayed to the
	// provider. Default: 50
	HistoryLimit int

	// Model passed to the provider when the request does not specify one.
	Model string

	// System is the default system prompt.
	System string

	// ExecutorConfig configures tool dispatch.
	ExecutorConfig *ExecutorConfig

	// Metrics receives run measurements when set.
	Metrics LoopMetrics

	// TraceWriter persists execution traces when set.
	TraceWriter *TraceWriter

	// Logger for loop events. Defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations: 10,
		MaxTokens:     4096,
		HistoryLimit:  50,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		config = &LoopConfig{}
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaults.HistoryLimit
	}
	if cfg.Deadline < 0 {
		cfg.Deadline = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &cfg
}

// RunRequest describes one invocation of the agentic loop.
type RunRequest struct {
	// SessionID selects the conversation. A new session is created on
	// first use.
	SessionID string

	// UserMessage is the inbound user turn.
	UserMessage string

	// System overrides the configured system prompt when non-empty.
	System string

	// Model overrides the configured model when non-empty.
	Model string

	// MaxIterations overrides the configured iteration budget when > 0.
	MaxIterations int

	// Deadline overrides the configured run deadline when > 0.
	Deadline time.Duration

	// Progress, when set, is invoked immediately before and after each
	// tool dispatch.
	Progress ProgressFunc
}

// RunResult is the outcome of a run.
type RunResult struct {
	// Text is the accumulated answer, possibly ending in a truncation or
	// timeout notice.
	Text string

	// Trace records every model turn and tool dispatch in order.
	Trace *ExecutionTrace

	// Truncated is true when the iteration budget or deadline cut the
	// run short.
	Truncated bool

	// Degraded is true when the provider was unavailable and Text is a
	// fallback message rather than a model answer.
	Degraded bool
}

// AgenticExecutor orchestrates the bounded tool-use loop: session state
// through the cache, provider calls through the circuit breaker, tool
// dispatch through the registry-backed executor.
type AgenticExecutor struct {
	provider LLMProvider
	executor *Executor
	cache    *state.StateCache
	breaker  *infra.CircuitBreaker
	config   *LoopConfig
	logger   *slog.Logger
}

// NewAgenticExecutor creates an agentic executor. All collaborators are
// injected; there are no ambient singletons. If config is nil,
// DefaultLoopConfig is used.
func NewAgenticExecutor(provider LLMProvider, registry *ToolRegistry, cache *state.StateCache, breaker *infra.CircuitBreaker, config *LoopConfig) *AgenticExecutor {
	config = sanitizeLoopConfig(config)
	if registry == nil {
		registry = NewToolRegistry()
	}
	if breaker == nil {
		breaker = infra.NewCircuitBreaker(infra.CircuitBreakerConfig{Name: "llm"})
	}

	return &AgenticExecutor{
		provider: provider,
		executor: NewExecutor(registry, config.ExecutorConfig),
		cache:    cache,
		breaker:  breaker,
		config:   config,
		logger:   config.Logger.With("component", "agent.loop"),
	}
}

// Registry returns the tool registry backing this executor.
func (e *AgenticExecutor) Registry() *ToolRegistry {
	return e.executor.registry
}

// ExecutorMetrics returns a snapshot of the tool executor counters.
func (e *AgenticExecutor) ExecutorMetrics() *ExecutorMetricsSnapshot {
	return e.executor.Metrics()
}

// Run executes the agentic loop for one user message and returns the
// final text plus the execution trace. Provider unavailability produces a
// degraded result, not an error; only invalid input and caller
// cancellation return errors.
func (e *AgenticExecutor) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	if e.provider == nil {
		return nil, ErrNoProvider
	}
	if req == nil {
		return nil, errors.New("run request is nil")
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		return nil, errors.New("user message is empty")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	maxIterations := e.config.MaxIterations
	if req.MaxIterations > 0 {
		maxIterations = req.MaxIterations
	}
	deadline := e.config.Deadline
	if req.Deadline > 0 {
		deadline = req.Deadline
	}

	runCtx := ctx
	if deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	session := e.loadSession(runCtx, sessionID)
	messages := e.buildMessages(session, req.UserMessage)
	session.Messages = append(session.Messages, models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   req.UserMessage,
		CreatedAt: time.Now(),
	})

	trace := &ExecutionTrace{
		RunID:     uuid.NewString(),
		SessionID: session.ID,
		StartedAt: time.Now(),
	}

	var answer strings.Builder
	iteration := 0

	for iteration < maxIterations {
		if runCtx.Err() != nil {
			return e.interrupted(ctx, session, trace, answer.String(), iteration)
		}

		turnStart := time.Now()
		completion, err := infra.ExecuteWithResult(e.breaker, runCtx, func(callCtx context.Context) (*CompletionResponse, error) {
			return e.provider.Complete(callCtx, &CompletionRequest{
				Model:     e.modelFor(req),
				System:    e.systemFor(req),
				Messages:  messages,
				Tools:     e.executor.registry.AsLLMTools(),
				MaxTokens: e.config.MaxTokens,
			})
		})
		turnDuration := time.Since(turnStart)

		if e.config.Metrics != nil {
			e.config.Metrics.RecordLLMCall(e.provider.Name(), turnDuration, err == nil)
		}

		if err != nil {
			if runCtx.Err() != nil {
				return e.interrupted(ctx, session, trace, answer.String(), iteration)
			}
			return e.finish(ctx, session, trace, e.degraded(err, trace, iteration)), nil
		}

		toolCalls := completion.ToolCalls()
		trace.AddIteration(IterationRecord{
			StopReason: completion.StopReason,
			ToolCalls:  len(toolCalls),
			Duration:   turnDuration,
		})

		if text := completion.Text(); text != "" {
			if answer.Len() > 0 {
				answer.WriteString("\n")
			}
			answer.WriteString(text)
		}

		assistantMsg := models.Message{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Role:      models.RoleAssistant,
			Content:   completion.Text(),
			ToolCalls: toolCalls,
			CreatedAt: time.Now(),
		}
		session.Messages = append(session.Messages, assistantMsg)
		messages = append(messages, CompletionMessage{
			Role:      string(models.RoleAssistant),
			Content:   assistantMsg.Content,
			ToolCalls: toolCalls,
		})

		if len(toolCalls) == 0 {
			trace.FinishedAt = time.Now()
			e.recordRun(OutcomeCompleted, iteration+1)
			return e.finish(ctx, session, trace, &RunResult{Text: answer.String(), Trace: trace}), nil
		}

		execResults := e.dispatchTools(runCtx, req, iteration, toolCalls)
		if runCtx.Err() != nil {
			return e.interrupted(ctx, session, trace, answer.String(), iteration)
		}

		toolResults := ResultsToMessages(execResults)
		for i := range execResults {
			trace.AddToolCall(ToolCallRecord{
				Iteration:  iteration,
				ToolCallID: toolCalls[i].ID,
				Name:       toolCalls[i].Name,
				Input:      string(toolCalls[i].Input),
				Output:     toolResults[i].Content,
				Success:    !toolResults[i].IsError,
				Duration:   execResults[i].Duration,
			})
		}

		session.Messages = append(session.Messages, models.Message{
			ID:          uuid.NewString(),
			SessionID:   session.ID,
			Role:        models.RoleTool,
			ToolResults: toolResults,
			CreatedAt:   time.Now(),
		})
		messages = append(messages, CompletionMessage{
			Role:        string(models.RoleTool),
			ToolResults: toolResults,
		})

		iteration++
	}

	// Iteration budget exhausted without a completion signal. A policy
	// outcome, not an error.
	trace.FinishedAt = time.Now()
	trace.Truncated = true
	e.recordRun(OutcomeTruncated, iteration)

	text := answer.String()
	if text != "" {
		text += "\n\n"
	}
	text += TruncationNotice

	return e.finish(ctx, session, trace, &RunResult{Text: text, Trace: trace, Truncated: true}), nil
}

// dispatchTools runs one turn's tool calls through the executor. Each
// dispatch is bracketed by its own progress pair: start fires immediately
// before the call runs and end immediately after it resolves, so under
// sequential dispatch tool N's start never precedes tool N-1's end.
func (e *AgenticExecutor) dispatchTools(ctx context.Context, req *RunRequest, iteration int, toolCalls []models.ToolCall) []*ExecutionResult {
	var hooks DispatchHooks
	if req.Progress != nil {
		hooks = DispatchHooks{
			Before: func(tc models.ToolCall) {
				req.Progress(ProgressEvent{
					Stage:      ProgressToolStart,
					Iteration:  iteration,
					ToolCallID: tc.ID,
					ToolName:   tc.Name,
				})
			},
			After: func(r *ExecutionResult) {
				req.Progress(ProgressEvent{
					Stage:      ProgressToolEnd,
					Iteration:  iteration,
					ToolCallID: r.ToolCallID,
					ToolName:   r.ToolName,
					IsError:    r.Error != nil || (r.Result != nil && r.Result.IsError),
				})
			},
		}
	}
	return e.executor.ExecuteAllWithHooks(ctx, toolCalls, hooks)
}

// degraded builds the fallback result for a provider failure and logs the
// cause. Breaker rejections and protocol errors both land here: neither
// is retried within the run.
func (e *AgenticExecutor) degraded(err error, trace *ExecutionTrace, iteration int) *RunResult {
	trace.FinishedAt = time.Now()
	trace.Degraded = true

	attrs := []any{
		"dependency", e.provider.Name(),
		"iteration", iteration,
		"breaker_state", e.breaker.State(),
		"error", err,
	}
	var perr *ProtocolError
	if errors.As(err, &perr) {
		attrs = append(attrs, "payload_shape", perr.Shape)
	}
	e.logger.Warn("llm call failed, returning degraded response", attrs...)

	e.recordRun(OutcomeDegraded, iteration)
	return &RunResult{Text: UnavailableMessage, Trace: trace, Degraded: true}
}

// interrupted resolves a dead run context: caller cancellation becomes an
// error with nothing persisted, a deadline overrun becomes a timeout
// result.
func (e *AgenticExecutor) interrupted(ctx context.Context, session *models.Session, trace *ExecutionTrace, text string, iteration int) (*RunResult, error) {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		// Caller cancellation: leave cache state as it was before the
		// cancelled step, no partial persistence.
		e.recordRun(OutcomeCancelled, iteration)
		return nil, ctx.Err()
	}

	trace.FinishedAt = time.Now()
	trace.Truncated = true
	e.recordRun(OutcomeTimeout, iteration)

	if text != "" {
		text += "\n\n"
	}
	text += TimeoutNotice

	return e.finish(ctx, session, trace, &RunResult{Text: text, Trace: trace, Truncated: true}), nil
}

// finish persists the session and trace. Persistence failures degrade to
// a warning; the computed result is returned regardless.
func (e *AgenticExecutor) finish(ctx context.Context, session *models.Session, trace *ExecutionTrace, result *RunResult) *RunResult {
	session.UpdatedAt = time.Now()
	e.persistSession(ctx, session)

	if e.config.TraceWriter != nil {
		e.config.TraceWriter.Write(trace)
	}
	return result
}

func (e *AgenticExecutor) recordRun(outcome string, iterations int) {
	if e.config.Metrics != nil {
		e.config.Metrics.RecordRun(outcome, iterations)
	}
}

func (e *AgenticExecutor) modelFor(req *RunRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return e.config.Model
}

func (e *AgenticExecutor) systemFor(req *RunRequest) string {
	if req.System != "" {
		return req.System
	}
	return e.config.System
}

// loadSession fetches the session from the cache, starting a fresh one
// when it is absent or unreadable.
func (e *AgenticExecutor) loadSession(ctx context.Context, sessionID string) *models.Session {
	fresh := &models.Session{
		ID:        sessionID,
		CreatedAt: time.Now(),
	}
	if e.cache == nil {
		return fresh
	}

	raw, ok := e.cache.Get(ctx, sessionNamespace, sessionID)
	if !ok {
		return fresh
	}

	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		e.logger.Warn("failed to decode cached session, starting fresh",
			"session_id", sessionID,
			"error", err,
		)
		return fresh
	}
	return &session
}

func (e *AgenticExecutor) persistSession(ctx context.Context, session *models.Session) {
	if e.cache == nil {
		return
	}

	data, err := json.Marshal(session)
	if err != nil {
		e.logger.Warn("failed to encode session", "session_id", session.ID, "error", err)
		return
	}

	// Persist on a detached context so an expired run deadline doesn't
	// lose the conversation that just happened.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := e.cache.Set(persistCtx, sessionNamespace, session.ID, data, true); err != nil {
		e.logger.Warn("failed to persist session",
			"session_id", session.ID,
			"error", err,
		)
	}
}

// buildMessages converts stored history into provider messages, capped at
// the configured history limit, with the new user turn appended.
func (e *AgenticExecutor) buildMessages(session *models.Session, userMessage string) []CompletionMessage {
	history := session.Messages
	if len(history) > e.config.HistoryLimit {
		history = history[len(history)-e.config.HistoryLimit:]
	}

	messages := make([]CompletionMessage, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	messages = append(messages, CompletionMessage{
		Role:    string(models.RoleUser),
		Content: userMessage,
	})
	return messages
}

// Health reports the operational status of the executor's dependencies.
type Health struct {
	BreakerState string           `json:"breaker_state"`
	Cache        state.CacheStats `json:"cache"`
}

// Health returns a point-in-time health snapshot.
func (e *AgenticExecutor) Health() Health {
	h := Health{}
	if e.breaker != nil {
		h.BreakerState = e.breaker.State()
	}
	if e.cache != nil {
		h.Cache = e.cache.Stats()
	}
	return h
}
