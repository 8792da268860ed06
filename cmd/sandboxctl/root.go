package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/forgeline/sandboxd/internal/config"
	"github.com/forgeline/sandboxd/internal/database"
	"github.com/forgeline/sandboxd/internal/provision"
	"github.com/forgeline/sandboxd/internal/sandbox"
	"github.com/forgeline/sandboxd/internal/sandbox/docker"
	"github.com/forgeline/sandboxd/internal/store"
	"github.com/forgeline/sandboxd/internal/version"
)

var (
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:     "sandboxctl",
	Version: version.Get(),
	Short:   "Manage sandboxd sandboxes",
	Long: `sandboxctl talks to the Docker daemon and the sandboxd database using the
same configuration as the server (environment, .env and SANDBOXD_CONFIG).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func logger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// env holds the dependencies a command opened; close releases them.
type env struct {
	cfg     *config.Config
	manager *sandbox.Manager
	store   *store.Store
	closers []func() error
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

// openEnv connects to Docker and, when withStore is set, to the database.
func openEnv(withStore bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logger()
	e := &env{cfg: cfg}

	runtime, err := docker.NewRuntime(cfg, log)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, runtime.Close)

	var provisioner sandbox.Provisioner = provision.Noop{}
	if cfg.SandboxAdminDSN != "" {
		pg, err := provision.NewPostgres(cfg.SandboxAdminDSN, log)
		if err != nil {
			e.close()
			return nil, err
		}
		e.closers = append(e.closers, pg.Close)
		provisioner = pg
	}

	router, err := sandbox.NewRouter(cfg)
	if err != nil {
		e.close()
		return nil, err
	}
	e.manager = sandbox.NewManager(cfg, runtime, provisioner, router, log)

	if withStore {
		db, err := database.New(cfg)
		if err != nil {
			e.close()
			return nil, err
		}
		e.closers = append(e.closers, db.Close)
		e.store = store.New(db.DB)
	}
	return e, nil
}

// setStatus mirrors a sandbox change onto the session row when the
// database is reachable. The container change already happened, so a
// database failure is only reported.
func (e *env) setStatus(ctx context.Context, sessionID, status string) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdateSandboxStatus(ctx, sessionID, status); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to record status for %s: %v\n", sessionID, err)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
