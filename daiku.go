// Package daiku is the public API for embedding the daiku workflow server.
//
// Host applications import this package to construct and extend the
// server without forking it:
//
//	app, err := daiku.New(
//	    daiku.WithVersion(version),
//	    daiku.WithLogger(logger),
//	    daiku.WithGenerator(myProvider),
//	    daiku.WithEventHook(myNotifier{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: daiku (root) imports
// internal/*, but internal/* never imports daiku (root). Public types
// (StepEvent, GenerateRequest) are standalone structs with no internal
// imports; conversion helpers (toPublicStepEvent) live here because this
// is the only file that sees both sides of the boundary.
package daiku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/daiku/api"
	"github.com/ashita-ai/daiku/internal/config"
	"github.com/ashita-ai/daiku/internal/engine"
	"github.com/ashita-ai/daiku/internal/eventlog"
	"github.com/ashita-ai/daiku/internal/llm"
	"github.com/ashita-ai/daiku/internal/mcp"
	"github.com/ashita-ai/daiku/internal/model"
	"github.com/ashita-ai/daiku/internal/ratelimit"
	"github.com/ashita-ai/daiku/internal/server"
	"github.com/ashita-ai/daiku/internal/service/sessions"
	"github.com/ashita-ai/daiku/internal/storage"
	"github.com/ashita-ai/daiku/internal/telemetry"
	"github.com/ashita-ai/daiku/internal/workspace"
	"github.com/ashita-ai/daiku/migrations"
)

// hookTimeout bounds one EventHook dispatch.
const hookTimeout = 10 * time.Second

// App is the daiku server lifecycle. Construct with New(), run with
// Run(). App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	store        storage.Store
	srv          *server.Server
	buf          *eventlog.Buffer
	svc          *sessions.Service
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the daiku server. It opens the store, runs migrations
// on the Postgres backend, wires all subsystems, and returns a
// ready-to-run App. It does NOT start any goroutines or accept HTTP
// connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.workspaceDir != "" {
		cfg.WorkspaceDir = o.workspaceDir
	}
	if o.authToken != "" {
		cfg.AuthToken = o.authToken
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("daiku starting", "version", version, "port", cfg.Port)
	if cfg.AuthToken == "" {
		logger.Warn("bearer auth: disabled (no DAIKU_AUTH_TOKEN)")
	}

	ctx := context.Background()

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Open the store. SQLite creates its schema on open; Postgres runs
	// the embedded migrations below.
	store, err := storage.Open(ctx, storage.Config{
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
	}, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if pg, ok := store.(*storage.Postgres); ok {
		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			_ = store.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}

	// Workspace manager for per-session working directories.
	ws, err := workspace.New(workspace.Config{
		Root:           cfg.WorkspaceDir,
		Python:         cfg.PythonBinary,
		CommandTimeout: cfg.CommandTimeout,
	}, logger)
	if err != nil {
		_ = store.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("workspace: %w", err)
	}

	// Text generator: external override takes priority over the
	// OpenAI-backed client. Unlike most subsystems this one is required;
	// a workflow run is meaningless without it.
	var gen llm.Generator
	if o.generator != nil {
		gen = &generatorAdapter{g: o.generator}
		logger.Info("generator: external (via WithGenerator)")
	} else {
		gen, err = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.GenerationTimeout,
		}, logger)
		if err != nil {
			_ = store.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("generator: %w", err)
		}
		logger.Info("generator: openai", "model", cfg.OpenAIModel)
	}

	// Step event write-ahead log. Optional: without it a crash loses
	// whatever the buffer had not flushed yet.
	var wal *eventlog.WAL
	if cfg.WALDisable {
		logger.Warn("event wal: disabled (DAIKU_WAL_DISABLE=true)",
			"risk", "buffered events will be lost on crash")
	} else {
		wal, err = eventlog.NewWAL(eventlog.WALConfig{
			Dir:            cfg.WALDir,
			SyncMode:       cfg.WALSyncMode,
			SyncInterval:   cfg.WALSyncInterval,
			MaxSegmentSize: int64(cfg.WALSegmentSize),
			MaxSegmentRecs: cfg.WALSegmentRecords,
		}, logger)
		if err != nil {
			_ = store.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("event wal: %w", err)
		}
		logger.Info("event wal: enabled", "dir", cfg.WALDir, "sync_mode", cfg.WALSyncMode)
	}

	// Durable step event log, written through a batching buffer.
	buf := eventlog.NewBuffer(store, logger, cfg.EventlogBufferSize, cfg.EventlogFlushInterval, wal)

	// Session service and the engine it drives.
	svc, err := sessions.New(sessions.Config{
		MaxConcurrent: cfg.MaxConcurrentSessions,
		Engine: engine.Config{
			Rules: engine.Rules{
				MaxTestRetries:    cfg.MaxTestRetries,
				MaxReviewRounds:   cfg.MaxReviewRounds,
				CoverageThreshold: cfg.CoverageThreshold,
				ApprovalThreshold: cfg.ApprovalThreshold,
			},
			MaxSteps: cfg.MaxSteps,
		},
	}, sessions.Deps{
		Store:     store,
		Generator: gen,
		Workspace: ws,
		Events:    buf,
		Logger:    logger,
	})
	if err != nil {
		if wal != nil {
			_ = wal.Close()
		}
		_ = store.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("sessions: %w", err)
	}

	// SSE broker fans live step events out to subscribed clients.
	broker := server.NewBroker(logger)
	svc.AddListener(broker.Publish)

	// Public event hooks observe the same stream.
	if len(o.eventHooks) > 0 {
		svc.AddListener(hookListener(o.eventHooks, logger))
	}

	// MCP server.
	mcpSrv := mcp.New(svc, logger, version)

	// Rate limiter (in-process token bucket, one per client IP).
	limiter := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	logger.Info("rate limiting: memory (in-process token bucket)",
		"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)

	// HTTP server (MCP mounted at /mcp).
	srv := server.New(server.ServerConfig{
		Sessions:            svc,
		Store:               store,
		Logger:              logger,
		Events:              buf,
		Broker:              broker,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		AuthToken:           cfg.AuthToken,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		srv:          srv,
		buf:          buf,
		svc:          svc,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown is called automatically; callers should not call Shutdown
// separately.
func (a *App) Run(ctx context.Context) error {
	a.buf.Start(ctx)
	if a.cfg.RetentionMaxAge > 0 {
		go a.retentionLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a staged graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) cancel running workflow sessions and wait for them to settle,
// (3) flush the event buffer to the store.
// It then closes the rate limiter, telemetry providers, and the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("daiku shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	sessCtx, sessCancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.svc.Shutdown(sessCtx); err != nil {
		a.logger.Error("session shutdown incomplete", "error", err, "active", a.svc.Active())
	}
	sessCancel()

	bufCtx, bufCancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	a.buf.Drain(bufCtx)
	bufCancel()
	if n := a.buf.Len(); n > 0 {
		if a.cfg.WALDisable {
			a.logger.Error("event buffer drain incomplete, unflushed events lost",
				"remaining_events", n)
		} else {
			a.logger.Warn("event buffer drain incomplete, events stay in wal until next start",
				"remaining_events", n)
		}
	}

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	if err := a.store.Close(context.Background()); err != nil {
		a.logger.Error("store close error", "error", err)
	}

	a.logger.Info("daiku stopped")
	return nil
}

// retentionLoop periodically prunes terminal sessions older than the
// configured age, along with their checkpoints and events.
func (a *App) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.store.PruneSessions(opCtx, a.cfg.RetentionMaxAge)
			cancel()
			if err != nil {
				a.logger.Warn("retention prune failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("retention pruned terminal sessions",
					"deleted", deleted, "older_than", a.cfg.RetentionMaxAge.String())
			}
		}
	}
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// generatorAdapter wraps a daiku.Generator to satisfy llm.Generator.
type generatorAdapter struct {
	g Generator
}

func (a *generatorAdapter) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	return a.g.Generate(ctx, GenerateRequest{
		System:      req.System,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
}

// hookListener adapts registered EventHooks to a session listener. The
// listener itself must not block, so each dispatch runs in a goroutine
// with a bounded context.
func hookListener(hooks []EventHook, logger *slog.Logger) func(model.StepEvent) {
	return func(ev model.StepEvent) {
		pub := toPublicStepEvent(ev)
		go func() {
			hookCtx, cancel := context.WithTimeout(context.Background(), hookTimeout)
			defer cancel()
			for _, h := range hooks {
				if err := h.OnStepCompleted(hookCtx, pub); err != nil {
					logger.Warn("event hook OnStepCompleted failed",
						"error", err, "session_id", pub.SessionID)
				}
				if pub.Terminal {
					if err := h.OnSessionFinished(hookCtx, pub); err != nil {
						logger.Warn("event hook OnSessionFinished failed",
							"error", err, "session_id", pub.SessionID)
					}
				}
			}
		}()
	}
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicStepEvent converts an internal model.StepEvent to the public
// daiku.StepEvent. Lives here because this is the only file that imports
// both sides of the boundary.
func toPublicStepEvent(ev model.StepEvent) StepEvent {
	return StepEvent{
		ID:        ev.ID,
		SessionID: ev.SessionID,
		Seq:       ev.Seq,
		Node:      ev.Node,
		Phase:     Phase(ev.Phase),
		Iteration: ev.Iteration,
		Status:    Status(ev.Status),
		Message:   ev.Message,
		Terminal:  ev.Terminal,
		Timestamp: ev.Timestamp,
	}
}
