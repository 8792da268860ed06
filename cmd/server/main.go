package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/forgeline/sandboxd/internal/agentapi"
	"github.com/forgeline/sandboxd/internal/builds"
	"github.com/forgeline/sandboxd/internal/config"
	"github.com/forgeline/sandboxd/internal/credential"
	"github.com/forgeline/sandboxd/internal/crypto"
	"github.com/forgeline/sandboxd/internal/database"
	"github.com/forgeline/sandboxd/internal/dispatcher"
	"github.com/forgeline/sandboxd/internal/handler"
	"github.com/forgeline/sandboxd/internal/jobs"
	"github.com/forgeline/sandboxd/internal/orchestrator"
	"github.com/forgeline/sandboxd/internal/provision"
	"github.com/forgeline/sandboxd/internal/sandbox"
	"github.com/forgeline/sandboxd/internal/sandbox/docker"
	"github.com/forgeline/sandboxd/internal/service"
	"github.com/forgeline/sandboxd/internal/store"
	"github.com/forgeline/sandboxd/internal/sweeper"
	"github.com/forgeline/sandboxd/internal/version"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background workers outlive the signal so in-flight jobs can finish.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	db, err := database.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() { _ = db.Close() }()

	logger.Info("Running database migrations", "driver", db.Driver)
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	s := store.New(db.DB)

	runtime, err := docker.NewRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = runtime.Close() }()

	var provisioner sandbox.Provisioner = provision.Noop{}
	if cfg.SandboxAdminDSN != "" {
		pg, err := provision.NewPostgres(cfg.SandboxAdminDSN, logger)
		if err != nil {
			return err
		}
		defer func() { _ = pg.Close() }()
		provisioner = pg
	} else {
		logger.Info("Sandbox database provisioning disabled")
	}

	router, err := sandbox.NewRouter(cfg)
	if err != nil {
		return err
	}
	manager := sandbox.NewManager(cfg, runtime, provisioner, router, logger)
	agent := agentapi.NewClient(manager)

	enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to create encryptor: %w", err)
	}
	credentials := credential.NewResolver(cfg, s, enc)

	buildExec := dispatcher.NewBuildExecutor(s, manager, agent, nil, logger)

	var queue jobs.Enqueuer
	var disp *dispatcher.Service
	switch cfg.QueueBackend {
	case config.QueueNATS:
		conn, err := jobs.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer func() { _ = conn.Drain() }()
		nq, err := jobs.NewNATSQueue(ctx, conn)
		if err != nil {
			return err
		}
		consumer, err := nq.Consumer(ctx, buildExec.Execute, cfg.DispatcherJobTimeout, logger)
		if err != nil {
			return err
		}
		go consumer.Run(workerCtx)
		queue = nq
		logger.Info("Build queue using NATS JetStream", "url", cfg.NATSURL)
	default:
		dbQueue := jobs.NewQueue(s, cfg.JobMaxAttempts)
		if cfg.DispatcherEnabled {
			disp = dispatcher.NewService(s, cfg, logger)
			disp.RegisterExecutor(buildExec)
			dbQueue.SetNotifyFunc(disp.NotifyNewJob)
			disp.Start(workerCtx)
			logger.Info("Job dispatcher started", "server_id", disp.ServerID())
		} else {
			logger.Info("Job dispatcher disabled")
		}
		queue = dbQueue
	}

	buildDispatcher := builds.NewDispatcher(s, queue, credentials, agent, logger)
	phases := orchestrator.NewAgentPhases(agent)

	// A nil Dispatcher makes the orchestrator build inline.
	var queued orchestrator.Dispatcher
	if !cfg.BuildInline {
		queued = buildDispatcher
	}
	orch := orchestrator.New(phases, phases, queued, s, logger)
	workflow := service.NewWorkflow(s, manager, credentials, orch, logger)

	sw := sweeper.New(s, manager, cfg, logger)
	sw.Start(workerCtx)

	h := handler.New(s, workflow, manager, buildDispatcher, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h.Router(cfg, logger),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "port", cfg.Port, "version", version.Get())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")

	// Stop taking work before draining requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Sweeper did not stop cleanly", "error", err)
	}
	if disp != nil {
		disp.Stop()
	}
	cancelWorkers()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}
