package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/loomhq/loom/capability"
	"github.com/loomhq/loom/config"
	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/logging"
	"github.com/loomhq/loom/model"
	"github.com/loomhq/loom/model/anthropic"
	"github.com/loomhq/loom/model/openai"
	"github.com/loomhq/loom/orchestrator"
	"github.com/loomhq/loom/pubsub"
	"github.com/loomhq/loom/safety"
	"github.com/loomhq/loom/server"
	"github.com/loomhq/loom/session"
	"github.com/loomhq/loom/workflow"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Loom HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// sessionStore is what serve needs from a store implementation.
type sessionStore interface {
	core.Store
	session.Archiver
}

func runServe(ctx context.Context) error {
	// Local overrides only; absence of a .env file is the normal case.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:     logging.ParseLogLevel(cfg.LogLevel),
		Format:    cfg.LogFormat,
		Output:    os.Stdout,
		Component: "loomd",
	})

	var store sessionStore
	if cfg.DBPath == "" {
		logger.Warn("no database path configured, sessions will not survive restarts")
		store = session.NewMemoryStore()
	} else {
		sqlStore, err := session.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer sqlStore.Close()
		store = sqlStore
		logger.Info("opened session store", "path", cfg.DBPath)
	}

	registry := capability.NewRegistry()
	if err := registerCapabilities(registry, logger); err != nil {
		return err
	}

	scorer := safety.NewFailsafe(safety.NewKeywordScorer(), cfg.ScoreBudget, logger)
	interceptor := safety.NewInterceptor(scorer, func(o *safety.InterceptorOptions) {
		o.FlagThreshold = cfg.FlagThreshold
		o.EscalateThreshold = cfg.EscalateThreshold
		o.Logger = logger
	})

	executor := workflow.NewExecutor(registry, func(o *workflow.ExecutorOptions) {
		o.RetryCeiling = cfg.RetryCeiling
		o.BackoffBase = cfg.BackoffBase
		o.BackoffCap = cfg.BackoffCap
		o.StepTimeout = cfg.StepTimeoutFor
		o.MaxConcurrentSteps = int64(cfg.MaxConcurrentSteps)
		o.MaxSessionSteps = int64(cfg.MaxSessionSteps)
		o.Logger = logger
	})

	hub := pubsub.NewHub(func(o *pubsub.Options) {
		o.ReplayBuffer = cfg.ReplayBuffer
		o.SubscriberQueue = cfg.SubscriberQueue
		o.Logger = logger
	})

	engine := workflow.NewEngine(store, interceptor, executor, func(o *workflow.EngineOptions) {
		o.TurnCeiling = cfg.TurnCeiling
		o.Sink = hub
		o.Logger = logger
	})

	orch := orchestrator.New(store, engine, func(o *orchestrator.Options) {
		o.MaxInputLen = cfg.MaxInputLen
		o.WaitBudget = cfg.DefaultWaitBudget
		o.Logger = logger
	})

	srv := server.New(orch, hub, func(o *server.Options) {
		o.Logger = logger
	})

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := session.NewSweeper(store, func(o *session.SweeperOptions) {
		o.TTL = cfg.SessionTTL
		o.Logger = logger
	})
	go sweeper.Run(runCtx)
	go hub.RunHealthPings(runCtx, cfg.HealthPingInterval)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-runCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// registerCapabilities wires the narrative agents. A configured model backend
// powers them; without API credentials the daemon still runs, with echo-style
// capabilities suitable for local exploration.
func registerCapabilities(registry *capability.Registry, logger logging.Logger) error {
	backend := pickModel()
	if backend == nil {
		logger.Warn("no model API key found, registering demo capabilities")
		registry.MustRegister(capability.NewStatic("worldbuilder@v1", func(task core.Task) (string, error) {
			return "The scene settles around you, quiet and waiting.", nil
		}))
		registry.MustRegister(capability.NewStatic("interpreter@v1", func(task core.Task) (string, error) {
			return "The player intends: " + task.Input, nil
		}))
		registry.MustRegister(capability.NewStatic("narrator@v1", func(task core.Task) (string, error) {
			return "You try to " + task.Input + ", and the world responds in kind.", nil
		}))
	} else {
		logger.Info("registered model-backed capabilities", "model", backend.Name())
		registry.MustRegister(capability.NewWorldbuilder(backend))
		registry.MustRegister(capability.NewInterpreter(backend))
		registry.MustRegister(capability.NewNarrator(backend))
	}
	registry.MustRegister(capability.NewFallbackNarrator())
	return nil
}

// pickModel selects a backend from ambient credentials, preferring Anthropic.
func pickModel() model.Model {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return anthropic.NewModel()
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return openai.NewModel()
	}
	return nil
}
