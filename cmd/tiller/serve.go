package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tillerworks/tiller/pkg/api"
	"github.com/tillerworks/tiller/pkg/approval"
	"github.com/tillerworks/tiller/pkg/archive"
	"github.com/tillerworks/tiller/pkg/bus"
	"github.com/tillerworks/tiller/pkg/compensation"
	"github.com/tillerworks/tiller/pkg/config"
	"github.com/tillerworks/tiller/pkg/eventstore"
	"github.com/tillerworks/tiller/pkg/invariant"
	"github.com/tillerworks/tiller/pkg/limiter"
	"github.com/tillerworks/tiller/pkg/memory"
	"github.com/tillerworks/tiller/pkg/observability"
	"github.com/tillerworks/tiller/pkg/pipeline"
	"github.com/tillerworks/tiller/pkg/retrieval"
	"github.com/tillerworks/tiller/pkg/schema"
	"github.com/tillerworks/tiller/pkg/statemachine"
	"github.com/tillerworks/tiller/pkg/trust"
	"github.com/tillerworks/tiller/pkg/verify"
	"github.com/tillerworks/tiller/pkg/wake"

	_ "github.com/lib/pq" // Postgres driver
)

func runServer() int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Observability is optional: without an endpoint the kernel runs with
	// no-op metrics.
	var metrics observability.Metrics = observability.NopMetrics{}
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.Insecure = true
		provider, err := observability.New(ctx, obsCfg)
		if err != nil {
			logger.Error("observability init failed", "error", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
		km, err := observability.NewKernelMetrics(provider.Meter())
		if err != nil {
			logger.Error("metrics init failed", "error", err)
			return 1
		}
		metrics = km
	}

	// The in-proc bus is always the primary: local consumers (archiver,
	// Redis bridge) subscribe to it at init.
	inproc := bus.NewInProc()
	var eventBus bus.Bus = inproc
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			return 1
		}
		redisClient = redis.NewClient(opts)
		redisBus := bus.NewRedisBus(redisClient, "tiller")
		inproc.Subscribe("*", func(topic string, payload map[string]any) {
			redisBus.Emit(context.Background(), topic, payload)
		})
	}

	registry := schema.NewRegistry()
	declared, err := config.LoadContracts(cfg.ContractsDir)
	if err != nil {
		logger.Error("contract manifests failed to load", "dir", cfg.ContractsDir, "error", err)
		return 1
	}
	for _, contract := range declared {
		if err := registry.Register(contract); err != nil {
			logger.Error("contract rejected", "tool", contract.Name, "error", err)
			return 1
		}
	}
	registry.Freeze()
	logger.Info("contracts loaded", "count", len(declared))

	eval, err := invariant.NewCELEvaluator()
	if err != nil {
		logger.Error("invariant evaluator init failed", "error", err)
		return 1
	}
	predicates := invariant.NewPredicateSet(eval)
	declaredPredicates, err := config.LoadInvariants(cfg.ContractsDir)
	if err != nil {
		logger.Error("invariant manifests failed to load", "dir", cfg.ContractsDir, "error", err)
		return 1
	}
	for _, pred := range declaredPredicates {
		if err := predicates.Register(pred); err != nil {
			logger.Error("invariant predicate rejected", "id", pred.ID, "error", err)
			return 1
		}
	}
	// A contract naming an undefined invariant is a deployment mistake.
	for _, contract := range declared {
		for _, id := range contract.Invariants {
			if !predicates.Has(id) {
				logger.Error("contract names unknown invariant", "tool", contract.Name, "invariant", id)
				return 1
			}
		}
	}

	machine := statemachine.New()
	if cfg.SafeModeOnStart {
		machine.Transition(statemachine.TriggerEnterSafeMode)
		logger.Warn("kernel starting in safe mode")
	}

	gate := approval.New().
		WithTimeout(time.Duration(cfg.ApprovalTimeoutMs) * time.Millisecond).
		WithBus(eventBus)
	incidents := compensation.NewIncidentManager().WithBus(eventBus)

	scorer := trust.NewScorer()
	memGate := trust.NewGate(scorer, trust.DefaultGateConfig()).
		WithBus(eventBus).
		WithMetrics(metrics)
	var retriever *retrieval.Retriever
	var memWriter api.MemoryWriter

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("database open failed", "error", err)
			return 1
		}
		defer db.Close()

		approvalStore := approval.NewPostgresStore(db)
		if err := approvalStore.InitSchema(ctx); err != nil {
			logger.Error("approval schema init failed", "error", err)
			return 1
		}
		persistent := approval.NewPersistent(gate, approvalStore)
		if err := persistent.HydratePending(ctx); err != nil {
			logger.Warn("approval hydration incomplete", "error", err)
		}

		incidentStore := compensation.NewPostgresIncidentStore(db)
		if err := incidentStore.InitSchema(ctx); err != nil {
			logger.Error("incident schema init failed", "error", err)
			return 1
		}
		incidents.WithStore(incidentStore)

		memStore := memory.NewPostgresStore(db)
		if err := memStore.InitSchema(ctx); err != nil {
			logger.Error("memory schema init failed", "error", err)
			return 1
		}
		memWriter = memStore
		retriever = retrieval.New(memStore, memStore).WithBus(eventBus)
	}

	events := eventstore.New(cfg.EventStoreCapacity)
	if cfg.ArchiveURL != "" {
		sink, err := archive.SinkFromURL(ctx, cfg.ArchiveURL)
		if err != nil {
			logger.Error("archive sink init failed", "url", cfg.ArchiveURL, "error", err)
			return 1
		}
		archLog := slog.Default().With("component", "archive")
		inproc.Subscribe(bus.TopicPipelineCompleted, func(_ string, payload map[string]any) {
			correlationID, _ := payload["correlation_id"].(string)
			if correlationID == "" {
				return
			}
			bundle, err := events.ExportBundle(correlationID)
			if err != nil {
				archLog.Warn("bundle export failed", "correlation_id", correlationID, "error", err)
				return
			}
			key, err := sink.Put(context.Background(), bundle)
			if err != nil {
				archLog.Warn("bundle archive failed", "correlation_id", correlationID, "error", err)
				return
			}
			archLog.Debug("bundle archived", "correlation_id", correlationID, "key", key)
		})
	}

	var limits limiter.Store = limiter.NewInMemory()
	if redisClient != nil {
		limits = limiter.NewRedisStore(redisClient)
	}

	pipe := pipeline.New(pipeline.Config{
		MaxConcurrent:       cfg.MaxConcurrent,
		AutoApproveReadOnly: cfg.AutoApproveReadOnly,
		AutoApproveSources:  pipeline.DefaultConfig().AutoApproveSources,
	}, pipeline.Deps{
		Registry:  registry,
		Events:    events,
		Machine:   machine,
		Gate:      gate,
		Verifier:  verify.New(),
		Checker:   invariant.New().WithBus(eventBus).WithMetrics(metrics).WithPredicates(predicates),
		Comp:      compensation.NewRegistry(),
		Incidents: incidents,
		Limits:    limits,
		Trust:     scorer,
		Bus:       eventBus,
		Metrics:   metrics,
	})

	apiServer := api.NewServer(pipe, gate, incidents, machine).
		WithMemory(memGate, retriever, memWriter)
	if cfg.AuthSecret != "" {
		apiServer.WithAuth(cfg.AuthSecret)
	}
	if cfg.WakeTriggers != "" {
		triggers := strings.Split(cfg.WakeTriggers, ",")
		apiServer.WithWakeGate(wake.New(wake.DefaultConfig(triggers...)))
	}
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apiServer.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("kernel listening", "port", cfg.Port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	gate.Dispose()
	return 0
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
