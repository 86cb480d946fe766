// Package main is the entry point for the agentgate coordination gate.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaymesh/agentgate/internal/auth"
	"github.com/relaymesh/agentgate/internal/config"
	"github.com/relaymesh/agentgate/internal/credential"
	"github.com/relaymesh/agentgate/internal/gateway"
	"github.com/relaymesh/agentgate/internal/health"
	"github.com/relaymesh/agentgate/internal/idempotency"
	"github.com/relaymesh/agentgate/internal/observability"
	"github.com/relaymesh/agentgate/internal/ratelimit"
	"github.com/relaymesh/agentgate/internal/reputation"
	"github.com/relaymesh/agentgate/internal/risk"
	"github.com/relaymesh/agentgate/internal/signature"
	"github.com/relaymesh/agentgate/internal/stepup"
	"github.com/relaymesh/agentgate/internal/storage"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	runGate(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("AGENTGATE_CONFIG_PATH", "configs/agentgate.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("AGENTGATE_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("AGENTGATE_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("agentgate version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting agentgate",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.Int("http_port", cfg.HTTPPort),
		observability.Int("metrics_port", cfg.MetricsPort),
		observability.String("database", cfg.DatabasePath),
		observability.Duration("drift_window", cfg.Auth.DriftWindow.Duration()),
		observability.Int("sensitivity_policies", len(cfg.Risk.SensitivityPolicies)),
	)

	return cfg
}

// application holds all application components.
type application struct {
	server        *gateway.Server
	metricsServer *http.Server
	db            *sql.DB
	cache         idempotency.Cache
	clock         *signature.Clock
	classifier    *risk.Classifier
	policySet     *risk.PolicySet
	limiter       *ratelimit.AdaptiveLimiter
	engine        *reputation.Engine
	tracer        *observability.Tracer
	config        *config.Config
}

// initApplication initializes all application components.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	tracer := initTracer(cfg, logger)

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("failed to open database", observability.Error(err))
	}

	cache, err := idempotency.NewRedisCache(cfg.Idempotency, idempotency.WithRedisLogger(logger))
	if err != nil {
		logger.Fatal("failed to connect to redis", observability.Error(err))
	}

	credentials := credential.NewStore(db, logger)
	eventStore := risk.NewEventStore(db)
	usageStore := reputation.NewUsageStore(db)
	attestations := reputation.NewAttestationStore(db)
	snapshots := reputation.NewSnapshotStore(db)

	engine := reputation.NewEngine(usageStore, attestations, snapshots,
		reputation.WithEngineLogger(logger),
		reputation.WithHygieneSource(eventStore),
		reputation.WithAttestationHorizon(time.Duration(cfg.Reputation.AttestationHorizonDays)*24*time.Hour),
		reputation.WithActivityScale(cfg.Reputation.ActivityScale),
	)

	classifier := risk.NewClassifier(snapshots, eventStore,
		risk.WithClassifierLogger(logger),
		risk.WithThresholds(risk.Thresholds{
			Low:    cfg.Risk.LowThreshold,
			Medium: cfg.Risk.MediumThreshold,
		}),
		risk.WithMultipliers(risk.Multipliers{
			Low:    cfg.Risk.LowMultiplier,
			Medium: cfg.Risk.MediumMultiplier,
			High:   cfg.Risk.HighMultiplier,
		}),
	)

	policySet, err := risk.NewPolicySet(cfg.Risk.SensitivityPolicies, logger)
	if err != nil {
		logger.Fatal("failed to compile sensitivity policies", observability.Error(err))
	}

	riskOpts := []risk.MiddlewareOption{
		risk.WithMiddlewareLogger(logger),
		risk.WithPolicySet(policySet),
	}
	if cfg.Risk.StepUpSecret != "" {
		verifier, verr := stepup.NewVerifier(cfg.Risk.StepUpSecret)
		if verr != nil {
			logger.Fatal("failed to initialize step-up verifier", observability.Error(verr))
		}
		riskOpts = append(riskOpts, risk.WithStepUpVerifier(verifier))
	} else {
		logger.Warn("step-up secret not configured, step-up challenges cannot be satisfied")
	}
	riskMW := risk.NewMiddleware(classifier, eventStore, riskOpts...)

	var limiter *ratelimit.AdaptiveLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewAdaptiveLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst,
			ratelimit.WithLimiterLogger(logger))
	}

	clock := signature.NewClock(cfg.Auth.DriftWindow.Duration(), nil)
	orchestrator := auth.NewOrchestrator(credentials,
		auth.WithLogger(logger),
		auth.WithClock(clock),
		auth.WithCache(cache),
		auth.WithEventSink(risk.NewSink(eventStore, usageStore, logger)),
		auth.WithStoreTimeout(cfg.Auth.StoreTimeout.Duration()),
		auth.WithMaxBodyBytes(cfg.Auth.MaxBodyBytes),
	)

	checker := health.NewChecker(version)
	checker.RegisterCheck("database", pingCheck(db.PingContext))
	checker.RegisterCheck("idempotency_cache", pingCheck(cache.Ping))

	server := gateway.NewServer(cfg, gateway.Components{
		Orchestrator: orchestrator,
		Risk:         riskMW,
		Limiter:      limiter,
		Health:       checker,
	}, gateway.WithServerLogger(logger))

	return &application{
		server:        server,
		metricsServer: gateway.NewMetricsServer(cfg),
		db:            db,
		cache:         cache,
		clock:         clock,
		classifier:    classifier,
		policySet:     policySet,
		limiter:       limiter,
		engine:        engine,
		tracer:        tracer,
		config:        cfg,
	}
}

// pingCheck adapts a ping function into a bounded readiness check.
func pingCheck(ping func(context.Context) error) health.CheckFunc {
	return func() health.Check {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			return health.Check{Status: health.StatusUnhealthy, Message: err.Error()}
		}
		return health.Check{Status: health.StatusHealthy}
	}
}

// initTracer initializes the tracer.
func initTracer(cfg *config.Config, logger observability.Logger) *observability.Tracer {
	tracer, err := observability.NewTracer(context.Background(), observability.TracerConfig{
		ServiceName:  cfg.ServiceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		Enabled:      cfg.TracingEnabled,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracer", observability.Error(err))
	}
	return tracer
}

// runGate runs the coordination gate and handles shutdown.
func runGate(app *application, configPath string, logger observability.Logger) {
	ctx := context.Background()

	if err := app.server.Start(ctx); err != nil {
		logger.Fatal("failed to start server", observability.Error(err))
	}

	go func() {
		logger.Info("metrics server listening", observability.String("addr", app.metricsServer.Addr))
		if err := app.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", observability.Error(err))
		}
	}()

	recomputeCtx, stopRecompute := context.WithCancel(ctx)
	go runRecomputeLoop(recomputeCtx, app, logger)

	watcher := startConfigWatcher(app, configPath, logger)

	waitForShutdown(app, watcher, stopRecompute, logger)
}

// runRecomputeLoop periodically refreshes reputation snapshots for all
// known subjects so risk classification sees current scores.
func runRecomputeLoop(ctx context.Context, app *application, logger observability.Logger) {
	interval := app.config.Reputation.RecomputeInterval.Duration()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, window := range reputation.Windows() {
				n, err := app.engine.RecomputeAll(ctx, window)
				if err != nil {
					logger.Error("snapshot recompute failed",
						observability.String("window", string(window)),
						observability.Error(err))
					continue
				}
				logger.Debug("snapshots recomputed",
					observability.String("window", string(window)),
					observability.Int("subjects", n))
			}
		}
	}
}

// startConfigWatcher starts the configuration watcher. Reloads apply the
// runtime-adjustable settings in place; server topology changes still
// require a restart.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		logger.Info("configuration changed, reloading")
		applyRuntimeConfig(app, newCfg, logger)
	}, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
	}

	return watcher
}

// applyRuntimeConfig applies the hot-reloadable subset of a new config.
func applyRuntimeConfig(app *application, cfg *config.Config, logger observability.Logger) {
	if err := cfg.Validate(); err != nil {
		logger.Error("rejected reloaded configuration", observability.Error(err))
		return
	}

	app.clock.SetDriftWindow(cfg.Auth.DriftWindow.Duration())
	app.classifier.SetThresholds(risk.Thresholds{
		Low:    cfg.Risk.LowThreshold,
		Medium: cfg.Risk.MediumThreshold,
	})
	app.classifier.SetMultipliers(risk.Multipliers{
		Low:    cfg.Risk.LowMultiplier,
		Medium: cfg.Risk.MediumMultiplier,
		High:   cfg.Risk.HighMultiplier,
	})
	if app.limiter != nil && cfg.RateLimit.Enabled {
		app.limiter.SetBase(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}
	if err := app.policySet.Reload(cfg.Risk.SensitivityPolicies); err != nil {
		logger.Error("failed to reload sensitivity policies, keeping previous set",
			observability.Error(err))
	}

	logger.Info("runtime configuration applied",
		observability.Duration("drift_window", cfg.Auth.DriftWindow.Duration()),
		observability.Float64("low_threshold", cfg.Risk.LowThreshold),
		observability.Float64("medium_threshold", cfg.Risk.MediumThreshold),
	)
}

// waitForShutdown waits for a shutdown signal and performs graceful shutdown.
func waitForShutdown(app *application, watcher *config.Watcher, stopRecompute context.CancelFunc, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.ShutdownTimeout.Duration())
	defer cancel()

	stopRecompute()
	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.server.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop server gracefully", observability.Error(err))
	}

	if err := app.metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop metrics server", observability.Error(err))
	}

	if app.limiter != nil {
		_ = app.limiter.Close()
	}
	if err := app.cache.Close(); err != nil {
		logger.Error("failed to close idempotency cache", observability.Error(err))
	}
	if err := app.db.Close(); err != nil {
		logger.Error("failed to close database", observability.Error(err))
	}
	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	logger.Info("agentgate stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
