package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/flowstack/conductor/internal/agent"
	"github.com/flowstack/conductor/internal/agent/providers"
	"github.com/flowstack/conductor/internal/agent/routing"
	"github.com/flowstack/conductor/internal/circuit"
	"github.com/flowstack/conductor/internal/config"
	"github.com/flowstack/conductor/internal/costledger"
	"github.com/flowstack/conductor/internal/flags"
	"github.com/flowstack/conductor/internal/infra"
	"github.com/flowstack/conductor/internal/observability"
	ragcontext "github.com/flowstack/conductor/internal/rag/context"
	"github.com/flowstack/conductor/internal/registry"
	"github.com/flowstack/conductor/internal/statestore"
	"github.com/flowstack/conductor/internal/streaming"
	"github.com/flowstack/conductor/internal/tools"
	"github.com/flowstack/conductor/internal/turn"
	"github.com/flowstack/conductor/internal/orchestrator"
	"github.com/flowstack/conductor/pkg/convo"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the orchestrator's
// HTTP server. This is the primary command for running conductor in
// production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conductor orchestrator server",
		Long: `Start the conductor orchestrator server.

The server will:
1. Load configuration from the specified file
2. Connect to Redis-backed conversation state (falling back to a local
   SQLite mirror if Redis is unreachable)
3. Initialize LLM providers and the request router
4. Load the agent registry, feature flags, and cost pricing table
5. Wire the per-turn RAG injector, tool executor, cost ledger, and
   circuit breaker into the TurnRunner and Orchestrator
6. Serve turns over HTTP and stream output over the streaming hub

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  conductor serve

  # Start with custom config
  conductor serve --config /etc/conductor/production.yaml

  # Start with debug logging
  conductor serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "conductor.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}

// runServe implements the serve command logic: it wires every collaborator
// package into a Runner and Orchestrator, starts the HTTP server, and
// blocks until a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("starting conductor", "version", version, "commit", commit, "config", configPath, "debug", debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	deps, err := wireDependencies(cfg)
	if err != nil {
		return fmt.Errorf("failed to wire dependencies: %w", err)
	}
	defer deps.Close()

	go deps.streamHub.Run()

	mux := buildServerMux(deps)
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)

	httpServer := &http.Server{Addr: httpAddr, Handler: mux}
	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}

	errCh := make(chan error, 2)
	go func() { errCh <- httpServer.ListenAndServe() }()
	go func() { errCh <- metricsServer.ListenAndServe() }()

	slog.Info("conductor started", "http_addr", httpAddr, "metrics_addr", metricsAddr, "llm_provider", cfg.LLM.DefaultProvider)

	shutdown := infra.NewShutdownCoordinator(30*time.Second, slog.Default())
	shutdown.Register(infra.ShutdownHandler{
		Name: "http_server", Phase: infra.PhasePreShutdown,
		Func: func(ctx context.Context) error { return httpServer.Shutdown(ctx) },
	})
	shutdown.Register(infra.ShutdownHandler{
		Name: "metrics_server", Phase: infra.PhasePreShutdown,
		Func: func(ctx context.Context) error { return metricsServer.Shutdown(ctx) },
	})
	shutdown.RegisterConnection("deps", func(ctx context.Context) error {
		deps.Close()
		return nil
	})

	done := shutdown.OnSignal(syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		shutdown.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		shutdown.Shutdown(context.Background())
	case <-done:
	}

	slog.Info("conductor stopped gracefully")
	return nil
}

// serverDeps holds every wired collaborator the HTTP handlers and admin
// CLI subcommands need.
type serverDeps struct {
	cfg          *config.Config
	store        statestore.Store
	redisClient  *redis.Client
	router       *routing.Router
	registryMgr  *registry.Registry
	flagsMgr     *flags.Manager
	breaker      *circuit.Breaker
	breakerSched *circuit.Scheduler
	ledger       *costledger.Ledger
	auditSink    *costledger.PostgresAuditSink
	runner       *turn.Runner
	orch         *orchestrator.Orchestrator
	streamHub    *streaming.Hub
	events       *observability.EventRecorder
	metrics      *observability.Metrics
	health       *infra.HealthCheckRegistry
	turnLimiter  *infra.RateLimiterRegistry
	overrideKey  string
}

func (d *serverDeps) Close() {
	if d.breakerSched != nil {
		d.breakerSched.Stop()
	}
	if d.redisClient != nil {
		_ = d.redisClient.Close()
	}
	if d.auditSink != nil {
		_ = d.auditSink.Close()
	}
	d.streamHub.Close()
}

// wireDependencies builds every collaborator named in runServe's doc
// comment from cfg, in dependency order.
func wireDependencies(cfg *config.Config) (*serverDeps, error) {
	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	eventStore := observability.NewMemoryEventStore(1000)
	events := observability.NewEventRecorder(eventStore, logger)
	metrics := observability.NewMetrics()

	store, redisClient, err := buildStateStore(cfg.StateStore)
	if err != nil {
		return nil, err
	}

	providerMap, err := buildProviders(cfg.LLM)
	if err != nil {
		return nil, err
	}

	router := routing.NewRouter(routing.Config{
		DefaultProvider: cfg.LLM.DefaultProvider,
		FailureCooldown: 30 * time.Second,
	}, providerMap)

	reg, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent registry: %w", err)
	}

	flagsMgr, err := loadFlagsManager(cfg.Flags.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	pricing := costledger.DefaultSeedTable()
	for key, override := range cfg.CostLedger.PricingOverrides {
		provider, model := splitProviderModel(key)
		entry, ok := buildPricingEntry(provider, model, override)
		if ok {
			pricing.Append(entry)
		}
	}

	var auditSink *costledger.PostgresAuditSink
	var ledgerAudit costledger.AuditSink
	if cfg.Database.URL != "" {
		sink, err := costledger.NewPostgresAuditSink(cfg.Database.URL)
		if err != nil {
			slog.Warn("cost audit sink unavailable, continuing without durable mirror", "error", err)
		} else {
			auditSink = sink
			ledgerAudit = sink
		}
	}

	ledger := costledger.New(pricing, store, ledgerAudit, events, costledger.Limits{
		PerTurnUSD:    parseDecimalOrZero(cfg.CostLedger.PerTurnLimitUSD),
		PerSessionUSD: parseDecimalOrZero(cfg.CostLedger.PerSessionLimitUSD),
		DailyUSD:      parseDecimalOrZero(cfg.CostLedger.DailyLimitUSD),
		MonthlyUSD:    parseDecimalOrZero(cfg.CostLedger.MonthlyLimitUSD),
	})

	breaker := circuit.New(circuit.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		RecoveryTimeout:  cfg.Circuit.OpenTimeout,
		DailyBudgetUSD:   parseDecimalOrZero(cfg.CostLedger.DailyLimitUSD).Mul(decimal.NewFromFloat(cfg.Circuit.BudgetTripFraction)),
	}, func(from, to circuit.State, reason string) {
		_ = events.Record(context.Background(), observability.EventBudgetExceeded, "circuit.state_change", map[string]any{
			"from":   from,
			"to":     to,
			"reason": reason,
		})
		slog.Warn("circuit breaker state change", "from", from, "to", to, "reason", reason)
	})

	var breakerSched *circuit.Scheduler
	if cfg.Circuit.HalfOpenProbeCron != "" {
		breakerSched, err = circuit.NewScheduler(breaker, cfg.Circuit.HalfOpenProbeCron, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("failed to build circuit breaker scheduler: %w", err)
		}
		breakerSched.Start()
	}

	var ragInjector *ragcontext.Injector
	if cfg.RAG.Enabled {
		memStore := ragcontext.NewMemStore()
		ragInjector = ragcontext.NewInjector(memStore, ragcontext.InjectorConfig{
			K:        cfg.RAG.MaxChunks,
			MinScore: float64(cfg.RAG.MinScore),
			CacheTTL: cfg.RAG.CacheTTL,
		})
	}

	toolRegistry := tools.NewRegistry()
	toolExec := tools.NewExecutor(toolRegistry, tools.ExecutorConfig{
		Concurrency:    cfg.Tools.Execution.Parallelism,
		PerToolTimeout: cfg.Tools.Execution.Timeout,
	})

	runner := turn.New(reg, ragInjector, toolExec, ledger, store, breaker, flagsMgr, events, router, cfg.LLM.DefaultProvider, turn.RunnerConfig{
		MaxRetries:  3,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
		RAGFlagName: "per_turn_rag",
	})

	orch := orchestrator.New(reg, runner, store, events, orchestrator.Config{})

	streamHub := streaming.New(streaming.Config{
		BufferSize: cfg.Streaming.SubscriberBuffer,
	})

	health := infra.NewHealthCheckRegistry()
	health.RegisterSimple("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	health.RegisterSimple("registry", func(ctx context.Context) error {
		if len(reg.List(registry.Filter{})) == 0 {
			return fmt.Errorf("no agents loaded")
		}
		return nil
	})
	health.Register(infra.HealthCheckConfig{
		Name:     "circuit_breaker",
		Critical: false,
		Checker: func(ctx context.Context) infra.HealthCheckResult {
			status := infra.ServiceHealthHealthy
			if breaker.State() == circuit.StateOpen {
				status = infra.ServiceHealthDegraded
			}
			return infra.HealthCheckResult{Status: status, Message: string(breaker.State())}
		},
	})

	turnLimiter := infra.NewRateLimiterRegistry(func(key string) infra.RateLimiter {
		return infra.NewTokenBucket(2, 10)
	})

	return &serverDeps{
		cfg:          cfg,
		store:        store,
		redisClient:  redisClient,
		router:       router,
		registryMgr:  reg,
		flagsMgr:     flagsMgr,
		breaker:      breaker,
		breakerSched: breakerSched,
		ledger:       ledger,
		auditSink:    auditSink,
		runner:       runner,
		orch:         orch,
		streamHub:    streamHub,
		events:       events,
		metrics:      metrics,
		health:       health,
		turnLimiter:  turnLimiter,
		overrideKey:  cfg.Circuit.OverrideSigningKey,
	}, nil
}

// buildStateStore connects to Redis and wraps it with a local SQLite
// fallback cache. If Redis is unreachable at startup, it still returns a
// usable RedisStore: the fallback cache absorbs reads/writes until Redis
// recovers.
func buildStateStore(cfg config.StateStoreConfig) (statestore.Store, *redis.Client, error) {
	local, err := statestore.NewLocalCache(cfg.FallbackPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open local fallback cache: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		Password: cfg.RedisPassword,
	})

	return statestore.NewRedisStore(rdb, local, cfg.KeyPrefix), rdb, nil
}

// buildProviders constructs an agent.LLMProvider for every entry in
// cfg.Providers that this module knows how to build (anthropic, openai).
func buildProviders(cfg config.LLMConfig) (map[string]agent.LLMProvider, error) {
	out := make(map[string]agent.LLMProvider)
	for name, pcfg := range cfg.Providers {
		switch name {
		case "anthropic":
			p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey:       pcfg.APIKey,
				BaseURL:      pcfg.BaseURL,
				DefaultModel: pcfg.DefaultModel,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to build anthropic provider: %w", err)
			}
			out[name] = p
		case "openai":
			out[name] = providers.NewOpenAIProvider(pcfg.APIKey)
		default:
			slog.Warn("skipping unrecognized llm provider", "provider", name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no llm providers configured")
	}
	return out, nil
}

func parseDecimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func splitProviderModel(key string) (provider, model string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return "", key
}

func buildPricingEntry(provider, model string, cfg config.ModelPricingConfig) (costledger.PricingEntry, bool) {
	if provider == "" || model == "" {
		return costledger.PricingEntry{}, false
	}
	inPer1M, err1 := decimal.NewFromString(cfg.InputPer1M)
	outPer1M, err2 := decimal.NewFromString(cfg.OutputPer1M)
	if err1 != nil || err2 != nil {
		return costledger.PricingEntry{}, false
	}
	return costledger.PricingEntry{
		Provider:    provider,
		Model:       model,
		InputPer1k:  inPer1M.Div(decimal.NewFromInt(1000)),
		OutputPer1k: outPer1M.Div(decimal.NewFromInt(1000)),
	}, true
}

// =============================================================================
// HTTP surface
// =============================================================================

func buildServerMux(deps *serverDeps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz(deps))
	mux.HandleFunc("/v1/turns", handleOrchestrate(deps))
	mux.HandleFunc("/v1/stream", handleStream(deps))
	return mux
}

// handleHealthz reports the aggregate health of Redis, the agent registry,
// and the circuit breaker. A critical check failing (Redis down, registry
// empty) returns 503; a degraded breaker still returns 200 so load
// balancers don't pull a node that's merely budget-throttled.
func handleHealthz(deps *serverDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := deps.health.CheckAll(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == infra.ServiceHealthUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

// handleOrchestrate accepts a convo.OrchestrateRequest as JSON, runs it
// through the Orchestrator, and returns the convo.OrchestrateResult as
// JSON. Streamed chunks are published to the streaming hub under the
// conversation's topic; this endpoint returns only the final result.
func handleOrchestrate(deps *serverDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req convo.OrchestrateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}

		if req.ConversationID != "" && !deps.turnLimiter.Get(req.ConversationID).Allow() {
			http.Error(w, "rate limit exceeded for this conversation", http.StatusTooManyRequests)
			return
		}

		pub := streaming.NewTurnPublisher(deps.streamHub)
		result, err := deps.orch.Orchestrate(r.Context(), req, pub)
		if err != nil {
			status := http.StatusInternalServerError
			switch err {
			case orchestrator.ErrAwaitingApproval:
				status = http.StatusAccepted
			case orchestrator.ErrApprovalDenied:
				status = http.StatusForbidden
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}

// streamUpgrader upgrades /v1/stream requests that carry the WebSocket
// handshake headers. Browser clients and long-lived dashboard UIs use the
// duplex socket; curl and server-to-server pollers get plain SSE. There is
// no cross-origin credential in play here (the conversation_id query param
// is the only input), so any origin may open the socket.
var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream serves a conversation's streamed output over whichever
// transport the client asked for: a WebSocket connection when the request
// carries the upgrade handshake, Server-Sent Events otherwise. Both forward
// whatever the streaming hub publishes to that conversation's topic until
// the client disconnects.
func handleStream(deps *serverDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID := r.URL.Query().Get("conversation_id")
		if convID == "" {
			http.Error(w, "conversation_id query parameter is required", http.StatusBadRequest)
			return
		}

		ch, unsubscribe := deps.streamHub.Subscribe(streaming.ConvStreamTopic(convID))
		defer unsubscribe()

		if websocket.IsWebSocketUpgrade(r) {
			streamWebSocket(w, r, ch)
			return
		}
		streamSSE(w, r, ch)
	}
}

func streamWebSocket(w http.ResponseWriter, r *http.Request, ch <-chan streaming.Event) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Drain and discard anything the client sends; this channel is
	// publish-only. Reading keeps the connection's close/ping control
	// frames flowing and detects client disconnects promptly.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func streamSSE(w http.ResponseWriter, r *http.Request, ch <-chan streaming.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
		}
	}
}
