// Package storewise is the public API for embedding the Storewise automation
// draft and apply server in another Go program. The typical consumer is a
// larger SaaS backend that wants the playbook engine, run orchestration, and
// HTTP API in-process rather than as a separate deployment.
//
// Basic usage:
//
//	app, err := storewise.New(
//		storewise.WithDatabaseURL(dsn),
//		storewise.WithPort(8080),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer app.Close()
//	if err := app.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// The import graph enforces a strict no-cycle rule: storewise (root) imports
// internal/*, but internal/* never imports storewise (root). Extension points
// in this package therefore use only types defined here.
package storewise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/storewise-ai/storewise/internal/approval"
	"github.com/storewise-ai/storewise/internal/auth"
	"github.com/storewise-ai/storewise/internal/billing"
	"github.com/storewise-ai/storewise/internal/config"
	"github.com/storewise-ai/storewise/internal/generator"
	"github.com/storewise-ai/storewise/internal/model"
	"github.com/storewise-ai/storewise/internal/playbook"
	"github.com/storewise-ai/storewise/internal/quota"
	"github.com/storewise-ai/storewise/internal/ratelimit"
	"github.com/storewise-ai/storewise/internal/run"
	"github.com/storewise-ai/storewise/internal/server"
	"github.com/storewise-ai/storewise/internal/storage"
	"github.com/storewise-ai/storewise/internal/telemetry"
	"github.com/storewise-ai/storewise/migrations"
)

// App is a fully wired Storewise instance: database, migrations, playbook
// engine, run orchestrators, billing, and the HTTP server. Construct with
// New, start with Run, release resources with Close.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	db     *storage.DB
	srv    *server.Server
	worker *run.Worker

	authLimiter  ratelimit.Limiter
	apiLimiter   ratelimit.Limiter
	otelShutdown telemetry.Shutdown
}

// New loads configuration from the environment, applies options, connects to
// the database, runs migrations, and wires every subsystem. It does not start
// the HTTP listener or the queue worker; call Run for that.
func New(opts ...Option) (*App, error) {
	var o resolvedOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "embedded"
	}

	_ = godotenv.Load()

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

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}

	fail := func(err error) (*App, error) {
		db.Close()
		_ = otelShutdown(ctx)
		return nil, err
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}
	for _, extra := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extra); err != nil {
			return fail(fmt.Errorf("extra migrations: %w", err))
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	billingSvc, err := billing.New(db, billing.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		PriceIDPro:    cfg.StripePriceIDPro,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("billing: %w", err))
	}

	var gen generator.Generator
	if o.generator != nil {
		gen = &generatorAdapter{inner: o.generator}
	} else {
		gen = NewGenerator(cfg, logger)
	}

	quotaGate := quota.NewGate(db, logger)
	approvalGate := approval.NewGate(db, logger)
	engine := playbook.NewEngine(db, gen, quotaGate, approvalGate, playbook.Config{
		DraftTTL: cfg.DraftTTL,
	}, logger)

	syncRuns := run.NewOrchestrator(db, run.NewInlineScheduler(db, engine, logger), logger)
	runs := syncRuns
	var worker *run.Worker
	if cfg.QueueEnabled {
		runs = run.NewOrchestrator(db, run.NewQueueScheduler(), logger)
		worker = run.NewWorker(db, engine, logger, cfg.QueuePollInterval, cfg.QueueBatchSize)
	}

	authLimiter := ratelimit.NewMemoryLimiter(1, 5)
	apiLimiter := ratelimit.NewMemoryLimiter(50, 100)

	handlers := server.NewHandlers(db, jwtMgr, runs, syncRuns, engine, quotaGate, approvalGate, billingSvc, version, logger)
	srv := server.New(server.Config{
		Addr:                fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}, handlers, jwtMgr, authLimiter, apiLimiter, logger)

	return &App{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		srv:          srv,
		worker:       worker,
		authLimiter:  authLimiter,
		apiLimiter:   apiLimiter,
		otelShutdown: otelShutdown,
	}, nil
}

// Run starts the queue worker (if enabled) and the HTTP listener, then blocks
// until ctx is cancelled or the listener fails. On cancellation it drains
// in-flight HTTP requests and lets the worker finish claimed runs before
// returning.
func (a *App) Run(ctx context.Context) error {
	if a.worker != nil {
		a.worker.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.logger.Info("storewise listening", "port", a.cfg.Port)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := a.srv.Shutdown(httpCtx)
	httpCancel()

	if a.worker != nil {
		workerCtx, workerCancel := context.WithTimeout(context.Background(), 15*time.Second)
		a.worker.Drain(workerCtx)
		workerCancel()
	}
	return err
}

// Handler exposes the HTTP handler for mounting into an existing mux instead
// of letting Run own the listener.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Close releases the database pool, rate limiters, and telemetry exporters.
// Call after Run returns.
func (a *App) Close() error {
	_ = a.authLimiter.Close()
	_ = a.apiLimiter.Close()
	a.db.Close()
	return a.otelShutdown(context.Background())
}

// NewGenerator selects the built-in AI provider from configuration. Exposed
// so embedders can compose the default provider with their own (for example,
// wrapping it in a caching layer passed back via WithGenerator).
func NewGenerator(cfg config.Config, logger *slog.Logger) generator.Generator {
	switch cfg.GeneratorProvider {
	case "openai":
		logger.Info("generator: openai",
			"model", cfg.GeneratorModel,
			"rps", cfg.GeneratorRPS,
			"burst", cfg.GeneratorBurst,
		)
		return generator.NewOpenAIGenerator(generator.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.GeneratorModel,
			Timeout: cfg.GeneratorTimeout,
			RPS:     cfg.GeneratorRPS,
			Burst:   cfg.GeneratorBurst,
		})
	default:
		logger.Info("generator: placeholder (no AI provider configured)")
		return generator.NewPlaceholder()
	}
}

// generatorAdapter bridges the public ContentGenerator contract to the
// internal generator interface, converting types in both directions and
// mapping the public exhaustion sentinel to the internal one.
type generatorAdapter struct {
	inner ContentGenerator
}

func (a *generatorAdapter) Name() string { return a.inner.Name() }

func (a *generatorAdapter) Generate(ctx context.Context, req generator.Request) (model.DraftPayload, error) {
	raw, err := a.inner.Generate(ctx, ContentRequest{
		DraftType: string(req.DraftType),
		Product: Product{
			Handle:      req.Product.Handle,
			Title:       req.Product.Title,
			Description: req.Product.Description,
		},
		Rules: req.Rules,
	})
	if err != nil {
		if errors.Is(err, ErrGeneratorExhausted) {
			return nil, fmt.Errorf("%w: %v", generator.ErrExhausted, err)
		}
		return nil, err
	}
	payload, err := model.DecodeDraftPayload(req.DraftType, raw)
	if err != nil {
		return nil, fmt.Errorf("generator %s: invalid payload: %w", a.inner.Name(), err)
	}
	return payload, nil
}
