package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/rollout/alerting"
	"github.com/GoCodeAlone/rollout/config"
	"github.com/GoCodeAlone/rollout/engine"
	"github.com/GoCodeAlone/rollout/health"
	"github.com/GoCodeAlone/rollout/server"
	"github.com/GoCodeAlone/rollout/store"
)

var (
	configFile = flag.String("config", "", "Path to rollout configuration YAML file")
	addr       = flag.String("addr", "", "HTTP listen address (overrides config)")
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	var cfg *config.Config
	if *configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	} else {
		cfg = config.Default()
		logger.Info("No config file specified, using defaults", "store", cfg.Store.Backend)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	evaluator := health.NewEvaluator(st, cfg.StageCatalog(), health.EvaluatorOptions{
		Window:          cfg.Rollout.MetricsWindow.Std(),
		MinAdvanceCalls: cfg.Rollout.MinCallsForAdvance,
		NewVersionTag:   cfg.Rollout.NewVersionTag,
		OldVersionTag:   cfg.Rollout.OldVersionTag,
	}, logger)
	eng := engine.New(cfg.Rollout.Name, st, st, evaluator, cfg.StageCatalog(), logger)

	monitorState, err := openMonitorState(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect monitor state store: %v", err)
	}
	monitor := alerting.NewMonitor(alerting.Config{
		Enabled:                cfg.Monitor.Enabled,
		MonitoringInterval:     cfg.Monitor.Interval.Std(),
		DefaultChannels:        cfg.Monitor.Channels,
		AutoRollbackOnCritical: cfg.Monitor.AutoRollbackOnCritical,
		MinCallsForAlerts:      cfg.Monitor.MinCallsForAlerts,
		SuppressionWindow:      cfg.Monitor.SuppressionWindow.Std(),
		WarningEscalation:      cfg.Monitor.WarningEscalation.Std(),
		MaxConsecutiveWarnings: cfg.Monitor.MaxConsecutiveWarnings,
	}, eng, alerting.NewMemoryManager(0), monitorState, logger)

	mux := http.NewServeMux()
	server.NewHandler(eng, monitor, st, st, logger).RegisterRoutes(mux)

	monitor.Start(ctx)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}
	go func() {
		logger.Info("Starting rollout server", "addr", cfg.Server.Addr, "rollout", cfg.Rollout.Name)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	fmt.Printf("Rollout server started on %s\n", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	cancel()
	monitor.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	fmt.Println("Shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Store.SQLite.Path)
	case "postgres":
		return store.NewPGStore(ctx, store.PGConfig{
			URL:      cfg.Store.Postgres.URL,
			MaxConns: cfg.Store.Postgres.MaxConns,
			MinConns: cfg.Store.Postgres.MinConns,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func openMonitorState(ctx context.Context, cfg *config.Config) (alerting.StateStore, error) {
	if cfg.Monitor.Redis.Address == "" {
		return alerting.NewMemoryStateStore(), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return alerting.NewRedisStateStore(connectCtx, alerting.RedisStateStoreConfig{
		Address:  cfg.Monitor.Redis.Address,
		Password: cfg.Monitor.Redis.Password,
		DB:       cfg.Monitor.Redis.DB,
		Prefix:   cfg.Monitor.Redis.Prefix,
	})
}
