package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pideck/pideck/internal/agent"
	"github.com/pideck/pideck/internal/commitlog"
	"github.com/pideck/pideck/internal/common/config"
	"github.com/pideck/pideck/internal/common/httpmw"
	"github.com/pideck/pideck/internal/common/logger"
	"github.com/pideck/pideck/internal/common/tracing"
	"github.com/pideck/pideck/internal/db"
	"github.com/pideck/pideck/internal/events/bus"
	gateway "github.com/pideck/pideck/internal/gateway/websocket"
	"github.com/pideck/pideck/internal/state"
	"github.com/pideck/pideck/internal/store"
	"github.com/pideck/pideck/internal/workspace"
)

var startTime = time.Now()

func main() {
	mockAgent := flag.Bool("mock-agent", false,
		"run agent slots against the scripted mock session")
	configPath := flag.String("config", "", "config file directory")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Pi-Deck state hub...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 5. Open the durable store
	if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
		log.Fatal("Failed to create state directory", zap.Error(err))
	}
	pool, err := db.Open(cfg.State.DBPath())
	if err != nil {
		log.Fatal("Failed to open sync database", zap.Error(err))
	}
	st, err := store.NewSQLiteStore(pool, cfg.State.PruneMarginDeltas, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer st.Close()
	log.Info("Opened sync database", zap.String("path", cfg.State.DBPath()))

	// 6. Restore state and start the commit log
	commitLog, err := commitlog.New(ctx, state.NewModel(log), st, eventBus, commitlog.Options{
		SnapshotEveryDeltas: cfg.State.SnapshotEveryDeltas,
		SnapshotInterval:    cfg.State.SnapshotInterval(),
		SlowAppendWarn:      cfg.State.SlowAppendWarn(),
	}, log)
	if err != nil {
		log.Fatal("Failed to restore state", zap.Error(err))
	}
	log.Info("State restored", zap.Uint64("version", commitLog.Version()))

	// 7. Agent session factory
	sessions := sessionFactory(*mockAgent)
	if *mockAgent {
		log.Info("Using scripted mock agent sessions")
	}

	// 8. Workspace registry with the plans/jobs provider
	providers := func(wsID, path string, committer agent.Committer,
		live func() []string) (workspace.Provider, error) {
		return workspace.NewPlansJobsProvider(wsID, path, committer, eventBus, live, log)
	}
	registry := workspace.NewRegistry(commitLog, sessions, providers, eventBus,
		cfg.Workspaces.AllowedRoots, log)

	// 9. Sync hub
	hub := gateway.NewHub(commitLog, st, registry, eventBus, cfg.Sync, log)
	hub.Start()

	// 10. HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "pideck"))
	router.Use(httpmw.OtelTracing("pideck"))

	router.GET("/ws", hub.HandleWebSocket)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        healthStatus(commitLog.Degraded()),
			"version":       commitLog.Version(),
			"clients":       hub.ClientCount(),
			"uptimeSeconds": int(time.Since(startTime).Seconds()),
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 11. Start server in goroutine
	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host), zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Pi-Deck...")

	// 13. Graceful shutdown: stop intake, close workspaces, snapshot
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	hub.Shutdown()
	registry.CloseAll(shutdownCtx)

	if err := commitLog.Close(shutdownCtx); err != nil {
		log.Error("Commit log close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}
	cancel()

	log.Info("Pi-Deck stopped", zap.Uint64("final_version", commitLog.Version()))
}

// sessionFactory picks the agent runtime. Only the scripted mock ships
// today; without the flag, opening a workspace reports the missing
// runtime instead of silently faking one.
func sessionFactory(mock bool) agent.SessionFactory {
	if mock {
		return agent.MockSessionFactory(30 * time.Millisecond)
	}
	return func(workspacePath, slotID string) (agent.Session, error) {
		return nil, fmt.Errorf("no agent runtime configured (start with --mock-agent for the scripted session)")
	}
}

func healthStatus(degraded bool) string {
	if degraded {
		return "degraded"
	}
	return "ok"
}
