package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-sentinel/internal/api"
	"github.com/miradorstack/mirador-sentinel/internal/cache"
	"github.com/miradorstack/mirador-sentinel/internal/config"
	"github.com/miradorstack/mirador-sentinel/internal/detector"
	"github.com/miradorstack/mirador-sentinel/internal/engine"
	"github.com/miradorstack/mirador-sentinel/internal/evidence"
	"github.com/miradorstack/mirador-sentinel/internal/knowledge"
	"github.com/miradorstack/mirador-sentinel/internal/metrics"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/reasoner"
	"github.com/miradorstack/mirador-sentinel/internal/repo"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-sentinel", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			defer provider.Close()
		}
	}

	registry := evidence.NewRegistry(cfg.Detector.EvidenceCapacity)

	patternRepo := repo.NewPatternRepo(
		cfg.Clients.Patterns.BaseURL,
		cfg.Clients.Patterns.APIKey,
		cfg.Clients.Patterns.Timeout,
		cacheProvider,
		cfg.Cache.PatternsTTL,
	)

	broadcaster := knowledge.NewBroadcaster()
	broadcaster.Subscribe(knowledge.NotifierFunc(func(ctx context.Context, set models.MatchSet) {
		for _, match := range set.Matches {
			logger.Info("pattern matched",
				slog.String("pattern_id", match.Pattern.ID),
				slog.Float64("relevance", match.Relevance))
		}
	}))
	matcher := knowledge.NewMatcher(logger, patternRepo, broadcaster, cfg.Detector.HighConfidence)

	reasonerClient := reasoner.NewClient(reasoner.Config{
		BaseURL:   cfg.Reasoner.BaseURL,
		APIKey:    cfg.Reasoner.APIKey,
		Model:     cfg.Reasoner.Model,
		MaxTokens: cfg.Reasoner.MaxTokens,
	}, logger)

	executorClient := repo.NewExecutorClient(
		cfg.Clients.Actions.BaseURL,
		cfg.Clients.Actions.APIKey,
		cfg.Clients.Actions.Timeout,
	)

	incidentStore, err := repo.OpenIncidentStore(repo.IncidentStoreConfig{
		Path:      cfg.Store.Path,
		InMemory:  cfg.Store.InMemory,
		Retention: cfg.Store.Retention,
	}, logger)
	if err != nil {
		logger.Error("failed to open incident store", slog.Any("error", err))
		os.Exit(1)
	}
	defer incidentStore.Close()

	ruleEngine, err := engine.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		logger.Error("failed to load rule pack", slog.Any("error", err))
		os.Exit(1)
	}

	allowed := make([]models.ActionType, 0, len(cfg.Detector.AllowedActions))
	for _, a := range cfg.Detector.AllowedActions {
		allowed = append(allowed, models.ActionType(a))
	}
	selector := engine.NewSelector(allowed)

	controller := engine.NewController(
		logger,
		registry,
		reasonerClient,
		matcher,
		selector,
		ruleEngine,
		executorClient,
		incidentStore,
		engine.Options{
			ObserveWindow: cfg.Detector.ObserveWindow,
			VerifyRetries: cfg.Detector.VerifyRetries,
		},
	)

	var collector detector.Collector
	if cfg.Clients.Signals.BaseURL != "" {
		signalsClient := repo.NewSignalsClient(
			cfg.Clients.Signals.BaseURL,
			cfg.Clients.Signals.MetricsPath,
			cfg.Clients.Signals.LogsPath,
			cfg.Clients.Signals.EventsPath,
			cfg.Clients.Signals.Timeout,
		)
		collector = repo.NewSignalCollector(signalsClient, registry, cfg.Detector.CollectWindow)
	}

	detection := detector.NewService(logger, controller, collector, cfg.Detector.Interval, cfg.Detector.Subjects)
	if len(cfg.Detector.Subjects) > 0 {
		if err := detection.Start(); err != nil {
			logger.Error("failed to start detection", slog.Any("error", err))
			os.Exit(1)
		}
	}

	handlers := api.NewHandlers(logger, detection, matcher, incidentStore, registry)
	server, err := api.NewServer(cfg.Server, handlers)
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		group.Go(func() error {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		logger.Info("api server listening", slog.String("address", server.Address()))
		return server.Start()
	})

	<-groupCtx.Done()
	logger.Info("shutdown signal received")

	if detection.IsRunning() {
		if err := detection.Stop(); err != nil {
			logger.Warn("detection stop", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	if err := group.Wait(); err != nil {
		logger.Error("server exited", slog.Any("error", err))
	}

	// Let in-flight runs reach their sink writes.
	detection.Wait()
	logger.Info("mirador-sentinel stopped")
}
