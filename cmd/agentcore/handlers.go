// handlers.go contains the command handler logic: runtime assembly from
// configuration, the one-shot run path, and the HTTP service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/agentcore/internal/agent"
	"github.com/haasonsaas/agentcore/internal/agent/providers"
	"github.com/haasonsaas/agentcore/internal/config"
	"github.com/haasonsaas/agentcore/internal/infra"
	"github.com/haasonsaas/agentcore/internal/observability"
	"github.com/haasonsaas/agentcore/internal/ratelimit"
	"github.com/haasonsaas/agentcore/internal/state"
	"github.com/haasonsaas/agentcore/internal/store"
	"github.com/haasonsaas/agentcore/internal/tools"
)

// runtime holds everything assembled from one configuration file.
type runtime struct {
	cfg      *config.Config
	executor *agent.AgenticExecutor
	cache    *state.StateCache
	limiter  *ratelimit.Limiter
	metrics  *observability.Metrics
	trace    *agent.TraceWriter
	logger   *slog.Logger
}

// Close releases the runtime's resources in dependency order.
func (r *runtime) Close() error {
	var errs []error
	if r.trace != nil {
		if err := r.trace.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.cache != nil {
		r.cache.Close()
	}
	return errors.Join(errs...)
}

// buildRuntime assembles the full execution stack from a configuration
// file: logger, metrics, store, breakers, cache, tools, provider, and
// the agentic executor.
func buildRuntime(configPath string, debug bool) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	metrics := observability.NewMetrics()

	var backend store.Store
	if cfg.Store.Path != "" {
		backend, err = store.NewSQLiteStore(store.SQLiteConfig{Path: cfg.Store.Path})
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	} else {
		backend = store.NewMemoryStore()
	}

	storeBreaker := infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
		Name:             "store",
		FailureThreshold: cfg.Breakers.Store.Threshold,
		Cooldown:         cfg.Breakers.Store.Cooldown,
		OnStateChange:    metrics.BreakerStateChange,
	})
	llmBreaker := infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
		Name:             "llm",
		FailureThreshold: cfg.Breakers.LLM.Threshold,
		Cooldown:         cfg.Breakers.LLM.Cooldown,
		OnStateChange:    metrics.BreakerStateChange,
	})

	cache := state.NewStateCache(state.CacheConfig{
		DefaultTTL:    cfg.Cache.DefaultTTL,
		NamespaceTTL:  cfg.Cache.NamespaceTTL,
		MaxEntries:    cfg.Cache.MaxEntries,
		SweepInterval: cfg.Cache.SweepInterval,
		Metrics:       metrics,
		Logger:        logger,
	}, backend, storeBreaker)

	registry := agent.NewToolRegistry()
	tools.RegisterBuiltins(registry, cache)

	provider, err := buildProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}

	var traceWriter *agent.TraceWriter
	if cfg.Loop.TracePath != "" {
		traceWriter, err = agent.NewTraceWriterFile(cfg.Loop.TracePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace file: %w", err)
		}
	}

	policy := agent.DispatchSequential
	if cfg.Loop.ParallelTools {
		policy = agent.DispatchParallel
	}

	executor := agent.NewAgenticExecutor(provider, registry, cache, llmBreaker, &agent.LoopConfig{
		MaxIterations: cfg.Loop.MaxIterations,
		MaxTokens:     cfg.Loop.MaxTokens,
		Deadline:      cfg.Loop.Deadline,
		HistoryLimit:  cfg.Loop.HistoryLimit,
		Model:         cfg.Provider.Model,
		System:        cfg.Loop.System,
		ExecutorConfig: &agent.ExecutorConfig{
			Policy:         policy,
			MaxConcurrency: cfg.Loop.MaxConcurrency,
			DefaultTimeout: cfg.Loop.ToolTimeout,
			Metrics:        metrics,
		},
		Metrics:     metrics,
		TraceWriter: traceWriter,
		Logger:      logger,
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		tiers := make(map[string]ratelimit.Tier, len(cfg.RateLimit.Tiers))
		for name, tier := range cfg.RateLimit.Tiers {
			tiers[name] = ratelimit.Tier{Window: tier.Window, MaxRequests: tier.MaxRequests}
		}
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			Enabled:     true,
			DefaultTier: cfg.RateLimit.DefaultTier,
			Tiers:       tiers,
		})
	}

	return &runtime{
		cfg:      cfg,
		executor: executor,
		cache:    cache,
		limiter:  limiter,
		metrics:  metrics,
		trace:    traceWriter,
		logger:   logger,
	}, nil
}

func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func buildProvider(cfg config.ProviderConfig) (agent.LLMProvider, error) {
	switch cfg.Name {
	case "anthropic":
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       key,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
	case "openai":
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       key,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Name)
	}
}

// =============================================================================
// Run Command Handler
// =============================================================================

type runOptions struct {
	SessionID string
	Model     string
	System    string
	Message   string
	ShowTrace bool
}

// runRun executes one message through the agentic loop and prints the
// answer to stdout.
func runRun(ctx context.Context, configPath string, opts runOptions) error {
	rt, err := buildRuntime(configPath, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	result, err := rt.executor.Run(ctx, &agent.RunRequest{
		SessionID:   opts.SessionID,
		UserMessage: opts.Message,
		Model:       opts.Model,
		System:      opts.System,
	})
	if err != nil {
		return err
	}

	fmt.Println(result.Text)

	if opts.ShowTrace && result.Trace != nil {
		data, err := json.MarshalIndent(result.Trace, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode trace: %w", err)
		}
		fmt.Fprintln(os.Stderr, string(data))
	}
	return nil
}

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe starts the HTTP service and blocks until shutdown.
func runServe(ctx context.Context, configPath, listen string, debug bool) error {
	rt, err := buildRuntime(configPath, debug)
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.logger.Info("starting agentcore service",
		"version", version,
		"commit", commit,
		"config", configPath,
		"listen", listen,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/run", rt.handleRun)
	mux.HandleFunc("GET /healthz", rt.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	rt.logger.Info("shutdown signal received, initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

type runHTTPRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Model     string `json:"model,omitempty"`
	System    string `json:"system,omitempty"`
	Tier      string `json:"tier,omitempty"`
}

type runHTTPResponse struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
	Degraded  bool   `json:"degraded"`
}

func (rt *runtime) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runHTTPRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		httpError(w, http.StatusBadRequest, "message is required")
		return
	}

	if rt.limiter != nil {
		subject := req.SessionID
		if subject == "" {
			subject = r.RemoteAddr
		}
		tier := req.Tier
		if tier == "" {
			tier = rt.cfg.RateLimit.DefaultTier
		}
		allowed, retryAfter := rt.limiter.Check(subject, tier)
		rt.metrics.RecordRateLimit(tier, allowed)
		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
			httpError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	result, err := rt.executor.Run(r.Context(), &agent.RunRequest{
		SessionID:   req.SessionID,
		UserMessage: req.Message,
		Model:       req.Model,
		System:      req.System,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Client went away; nothing useful to write.
			return
		}
		rt.logger.Error("run failed", "error", err)
		httpError(w, http.StatusInternalServerError, "run failed")
		return
	}

	sessionID := req.SessionID
	if result.Trace != nil && result.Trace.SessionID != "" {
		sessionID = result.Trace.SessionID
	}

	writeJSON(w, http.StatusOK, runHTTPResponse{
		SessionID: sessionID,
		Text:      result.Text,
		Truncated: result.Truncated,
		Degraded:  result.Degraded,
	})
}

func (rt *runtime) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := rt.executor.Health()
	status := http.StatusOK
	if health.BreakerState == infra.CircuitOpen {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// =============================================================================
// Health Command Handler
// =============================================================================

// runHealth builds the runtime locally and prints its health snapshot.
func runHealth(ctx context.Context, configPath string) error {
	rt, err := buildRuntime(configPath, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	data, err := json.MarshalIndent(rt.executor.Health(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// =============================================================================
// Schema Command Handler
// =============================================================================

// runSchema prints the configuration JSON Schema.
func runSchema(out io.Writer) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
