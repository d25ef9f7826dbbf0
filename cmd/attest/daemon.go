package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/attest/internal/collab"
	"github.com/fentz26/attest/internal/config"
	"github.com/fentz26/attest/internal/connectors/localexec"
	"github.com/fentz26/attest/internal/controlplane"
	"github.com/fentz26/attest/internal/criteria"
	"github.com/fentz26/attest/internal/models"
	"github.com/fentz26/attest/internal/notify"
	"github.com/fentz26/attest/internal/protocol"
	"github.com/fentz26/attest/internal/registry"
	"github.com/fentz26/attest/internal/safeguard"
	"github.com/fentz26/attest/internal/scheduler"
	"github.com/fentz26/attest/internal/store"
)

// notifyTimeout bounds one escalation delivery.
const notifyTimeout = 5 * time.Second

var (
	listenAddr string
	dbPath     string
	workDir    string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the attest daemon",
	Long: `Starts the attest daemon: it replays the audit log, serves the HTTP control
API and, when a worker and an auditor are configured, drives tasks through the
verification protocol.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	daemonCmd.Flags().StringVar(&workDir, "workdir", "", "Working directory for acceptance checks (overrides config)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen = listenAddr
	}
	if cmd.Flags().Changed("db") {
		cfg.DB = dbPath
	}
	if cmd.Flags().Changed("workdir") {
		cfg.WorkDir = workDir
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting attest daemon", "version", controlplane.Version, "db", cfg.DB)

	if err := os.MkdirAll(filepath.Dir(cfg.DB), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	s, err := store.New(cfg.DB)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing database connection")
		if err := s.Close(); err != nil {
			logger.Error("database close error", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := safeguard.New(cfg.Safeguards)
	reg, err := registry.Replay(ctx, s, engine, registry.Options{Logger: logger})
	if err != nil {
		return err
	}
	session, err := controlplane.RestoreSession(ctx, s, nil, logger)
	if err != nil {
		return err
	}
	if err := session.Begin(ctx, models.ActorSystem, "daemon started"); err != nil {
		return err
	}

	notifiers := notify.Multi{notify.NewLog(logger)}
	if cfg.Notify.NATSURL != "" {
		nc, err := notify.DialNATS(cfg.Notify.NATSURL, cfg.Notify.Subject)
		if err != nil {
			logger.Error("escalations will not be published to nats", "error", err)
		} else {
			defer nc.Close()
			notifiers = append(notifiers, nc)
			logger.Info("publishing escalations to nats", "subject", cfg.Notify.Subject)
		}
	}
	reg.OnEscalation(notify.Observer(notifiers, notifyTimeout, logger))

	service := controlplane.NewService(reg, session, s, logger)

	root, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return err
	}
	if cfg.Collaborators.WorkerURL != "" && cfg.Collaborators.AuditorURL != "" {
		suite := criteria.NewSuite(localexec.New(root, cfg.Exec.Allow))
		coord := protocol.New(reg,
			collab.NewWorker(cfg.Collaborators.WorkerURL, cfg.Collaborators.Timeout, reg.Get),
			collab.NewAuditor(cfg.Collaborators.AuditorURL, cfg.Collaborators.Timeout),
			protocol.Options{Gate: session, Suite: suite, WorkDir: root, Logger: logger},
		)
		sched := scheduler.New(reg, coord, &cfg.Scheduler, logger)
		service.SetDispatcher(sched)
		sched.Start()
		defer sched.Stop()
	} else {
		logger.Warn("worker_url and auditor_url not both configured; tasks advance only through API commands")
	}

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(c *config.Config) {
				engine.SetLimits(c.Safeguards)
				logger.Info("safeguard limits updated",
					"max_audit_attempts", c.Safeguards.MaxAuditAttempts,
					"max_revision_attempts", c.Safeguards.MaxRevisionAttempts)
			})
			if err != nil {
				logger.Warn("config hot reload disabled", "error", err)
			}
		}()
	}

	server := controlplane.NewServer(service, s, cfg.Listen)

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("initiating graceful shutdown", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	cancel()
	logger.Info("shutdown complete")
	return nil
}
