// Package torii is the public API for embedding the torii orchestration
// gateway: a cached, traced, policy-governed pipeline between callers
// and an external analysis backend.
//
//	app, err := torii.New(
//	    torii.WithAnalyzer(myBackend),
//	    torii.WithLogger(logger),
//	    torii.WithVersion(version),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: torii (root) imports
// internal/*, but internal/* never imports torii (root).
package torii

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/torii-ai/torii/internal/analyzer"
	"github.com/torii-ai/torii/internal/auth"
	"github.com/torii-ai/torii/internal/cache"
	"github.com/torii-ai/torii/internal/config"
	"github.com/torii-ai/torii/internal/escalation"
	"github.com/torii-ai/torii/internal/evaluator"
	"github.com/torii-ai/torii/internal/executor"
	"github.com/torii-ai/torii/internal/model"
	"github.com/torii-ai/torii/internal/orchestrator"
	"github.com/torii-ai/torii/internal/policy"
	"github.com/torii-ai/torii/internal/server"
	"github.com/torii-ai/torii/internal/storage"
	"github.com/torii-ai/torii/internal/telemetry"
	"github.com/torii-ai/torii/internal/tracestore"
	"github.com/torii-ai/torii/migrations"
)

// App is the torii server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB // nil when running in-memory
	srv          *server.Server
	broker       *server.Broker
	orc          *orchestrator.Orchestrator
	manager      *escalation.Manager
	engine       *policy.Engine
	cacheStore   cache.Store
	traces       tracestore.Store
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the torii gateway. It connects to the database when one
// is configured, runs migrations, wires all subsystems, and returns a
// ready-to-run App. It does NOT start any goroutines or accept HTTP
// connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	if o.analyzer == nil {
		return nil, fmt.Errorf("torii: an analyzer is required (use WithAnalyzer)")
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
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("torii starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Storage: Postgres when configured, in-memory otherwise.
	var (
		db         *storage.DB
		cacheStore cache.Store
		traces     tracestore.Store
		escStore   escalation.Store
		rules      policy.RuleStore
		decisions  policy.DecisionStore
		reports    orchestrator.ReportStore
		pinger     server.Pinger
	)
	if cfg.DatabaseURL != "" {
		db, err = storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		cacheStore = storage.NewCacheStore(db)
		traces = storage.NewTraceStore(db)
		escStore = storage.NewEscalationStore(db)
		rules = storage.NewRuleStore(db)
		decisions = storage.NewDecisionStore(db)
		reports = storage.NewReportStore(db)
		pinger = db
	} else {
		logger.Info("no DATABASE_URL configured, running in-memory")
		cacheStore = cache.NewMemoryStore()
		memTraces := tracestore.NewMemoryStore()
		memEsc := escalation.NewMemoryStore()
		memDecisions := policy.NewMemoryDecisionStore()
		// Session aggregates join escalations and violations at close time;
		// the SQL store does this with joins, the in-memory store needs the
		// counters handed over.
		memTraces.SetAuditSources(memEsc, memDecisions)
		traces = memTraces
		escStore = memEsc
		rules = policy.NewMemoryRuleStore()
		decisions = memDecisions
	}
	cache.RegisterMetrics(cacheStore)

	// Policy engine. Seeds the rule catalogue on first start; learned
	// thresholds in the rule store survive restarts.
	engine, err := policy.NewEngine(context.Background(), rules, decisions, policy.Config{
		EscalationThreshold: cfg.EscalationThreshold,
		CostCeiling:         cfg.CostCeiling,
		LearnStep:           cfg.LearnStep,
		MaxThreshold:        cfg.MaxRuleThreshold,
	}, logger)
	if err != nil {
		closeStorage(db, otelShutdown)
		return nil, fmt.Errorf("policy: %w", err)
	}

	// SSE broker. With a notify connection it relays Postgres NOTIFY so
	// resolutions from any replica reach subscribers; otherwise it is fed
	// in-process as the escalation manager's notifier.
	var (
		broker   *server.Broker
		notifier escalation.Notifier
	)
	if db != nil && db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
	} else {
		broker = server.NewBroker(nil, logger)
		notifier = broker
	}

	// Escalation manager.
	manager := escalation.NewManager(escStore, engine, notifier, escalation.Config{
		Mode: escalation.Mode(cfg.EscalationMode),
		AutoPolicy: escalation.AutoApprovePolicy{
			ApproveBelow: cfg.AutoApproveBelow,
			ModifyBelow:  cfg.AutoModifyBelow,
			Delay:        cfg.AutoReviewDelay,
		},
		PendingWindow: cfg.PendingWindow,
	}, logger)

	// Task executor over the two-tier cache.
	exec := executor.New(analyzerAdapter{o.analyzer}, cacheStore, traces, executor.Config{
		Retry: analyzer.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			PerTryLimit: cfg.TaskTimeout,
		},
		TaskTimeout: cfg.TaskTimeout,
		TaskTTL:     cfg.TaskCacheTTL,
		CallTTL:     cfg.CallCacheTTL,
	}, logger)

	// Evaluator: external when provided, structural fallback otherwise.
	var external evaluator.Evaluator
	if o.evaluator != nil {
		external = evaluatorAdapter{o.evaluator}
	}
	eval := evaluator.NewService(external, cfg.RegenerationThreshold)

	// Orchestrator.
	orcCfg := orchestrator.DefaultConfig()
	orcCfg.MaxIterations = cfg.MaxIterations
	// The broker streams run progress over SSE; a caller-provided sink
	// observes the same events alongside it.
	var sink orchestrator.Sink = broker
	if o.sink != nil {
		sink = teeSink{broker, sinkAdapter{o.sink}}
	}
	orc := orchestrator.New(exec, eval, engine, manager, traces, reports, sink, orcCfg, logger)

	// JWT manager for the review surface.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		closeStorage(db, otelShutdown)
		return nil, fmt.Errorf("auth: %w", err)
	}

	// HTTP review server.
	srv := server.New(server.ServerConfig{
		Manager:             manager,
		JWTMgr:              jwtMgr,
		ReviewerKeyHash:     cfg.ReviewerAPIKeyHash,
		Broker:              broker,
		Pinger:              pinger,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		broker:       broker,
		orc:          orc,
		manager:      manager,
		engine:       engine,
		cacheStore:   cacheStore,
		traces:       traces,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// RunReport executes one full report run and returns the final report.
// The error return is reserved for infrastructure failures and
// cancellation; a blocked or escalated-and-rejected report is a
// nil-error return with the disposition on Report.Status.
func (a *App) RunReport(ctx context.Context, req ReportRequest) (Report, error) {
	rep, err := a.orc.Run(ctx, orchestrator.RunRequest{
		UserID:      req.UserID,
		Params:      req.Params,
		ContentHash: req.ContentHash,
	})
	if err != nil {
		return Report{}, err
	}
	out := Report{
		ID:         rep.ID,
		SessionID:  rep.SessionID,
		Status:     string(rep.Status),
		Content:    rep.Content,
		Iterations: rep.Iterations,
		Action:     string(rep.Decision.Action),
		RiskScore:  rep.Decision.RiskScore,
		CreatedAt:  rep.CreatedAt,
	}
	for _, v := range rep.Decision.Violations {
		out.Violations = append(out.Violations, ReportViolation{
			RuleName: v.RuleName,
			RuleKind: string(v.RuleKind),
			Severity: string(v.Severity),
			Details:  v.Details,
		})
	}
	return out, nil
}

// CacheStats reports the result cache counters.
func (a *App) CacheStats() CacheStats {
	st := a.cacheStore.Stats()
	return CacheStats{Hits: st.Hits, Misses: st.Misses, Swept: st.Swept}
}

// Run starts all background goroutines and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown is called automatically — callers should not call Shutdown
// separately.
func (a *App) Run(ctx context.Context) error {
	go a.broker.Start(ctx)
	go a.manager.SweepLoop(ctx, a.cfg.SweeperInterval)
	go a.cacheSweepLoop(ctx)

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

// Shutdown drains in-flight HTTP requests, then closes the database pool
// and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("torii shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	_ = a.otelShutdown(context.Background())
	if a.db != nil {
		a.db.Close(context.Background())
	}

	a.logger.Info("torii stopped")
	return nil
}

// cacheSweepLoop periodically removes expired cache entries. Expiration
// is lazy at read time, so this only reclaims space.
func (a *App) cacheSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			removed, err := a.cacheStore.Sweep(opCtx)
			cancel()
			if err != nil {
				a.logger.Warn("cache sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				a.logger.Info("cache sweep removed entries", "removed", removed)
			}
		}
	}
}

// closeStorage tears down partially-initialised infrastructure on a New failure.
func closeStorage(db *storage.DB, otelShutdown func(context.Context) error) {
	if db != nil {
		db.Close(context.Background())
	}
	_ = otelShutdown(context.Background())
}

// teeSink delivers each event to both sinks. Publish stays non-blocking
// because both underlying sinks are.
type teeSink [2]orchestrator.Sink

func (t teeSink) Publish(ev orchestrator.Event) {
	t[0].Publish(ev)
	t[1].Publish(ev)
}

// analyzerAdapter bridges the public Analyzer extension interface onto
// the internal executor contract.
type analyzerAdapter struct {
	impl Analyzer
}

func (a analyzerAdapter) Analyze(ctx context.Context, in model.TaskInput) (analyzer.Response, error) {
	resp, err := a.impl.Analyze(ctx, TaskInput{
		Type:        string(in.Type),
		Params:      in.Params,
		ContentHash: in.ContentHash,
		Feedback:    in.Feedback,
	})
	if err != nil {
		return analyzer.Response{}, err
	}
	return analyzer.Response{
		Payload: resp.Payload,
		Prompt:  resp.Prompt,
		Cost: model.CostCounters{
			InputTokens:  resp.Cost.InputTokens,
			OutputTokens: resp.Cost.OutputTokens,
			Calls:        resp.Cost.Calls,
		},
	}, nil
}

func (a analyzerAdapter) ModelID() string { return a.impl.ModelID() }

// evaluatorAdapter bridges the public Evaluator onto the internal
// evaluation service. The service stamps the regeneration decision.
type evaluatorAdapter struct {
	impl Evaluator
}

func (e evaluatorAdapter) Evaluate(ctx context.Context, candidate, dataSummary string) (model.EvaluationRecord, error) {
	ev, err := e.impl.Evaluate(ctx, candidate, dataSummary)
	if err != nil {
		return model.EvaluationRecord{}, err
	}
	return model.EvaluationRecord{
		DimensionScores: ev.DimensionScores,
		OverallScore:    ev.OverallScore,
		Reasoning:       ev.Reasoning,
	}, nil
}

// sinkAdapter converts internal run events into the curated public form.
type sinkAdapter struct {
	impl EventSink
}

func (s sinkAdapter) Publish(ev orchestrator.Event) {
	s.impl.Publish(Event{
		Kind:         string(ev.Kind),
		SessionID:    ev.SessionID,
		At:           ev.At,
		Phase:        string(ev.Phase),
		Task:         string(ev.Task),
		Result:       string(ev.Result),
		Iteration:    ev.Iteration,
		Action:       string(ev.Action),
		RiskScore:    ev.RiskScore,
		EscalationID: ev.EscalationID,
		Resolution:   string(ev.Resolution),
		ReportStatus: string(ev.ReportStatus),
	})
}
