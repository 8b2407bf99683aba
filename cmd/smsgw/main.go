// Command smsgw runs the SMS gateway: it mediates between HTTP clients and
// a USB cellular modem, queuing outbound sends, polling for inbound
// messages, reconciling delivery status, and gating the send queue on
// modem health.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/allyourbase/smsgw/internal/apikey"
	"github.com/allyourbase/smsgw/internal/api"
	"github.com/allyourbase/smsgw/internal/cliui"
	"github.com/allyourbase/smsgw/internal/config"
	"github.com/allyourbase/smsgw/internal/dispatch"
	"github.com/allyourbase/smsgw/internal/inbound"
	"github.com/allyourbase/smsgw/internal/jobs"
	"github.com/allyourbase/smsgw/internal/migrations"
	"github.com/allyourbase/smsgw/internal/modem"
	"github.com/allyourbase/smsgw/internal/monitor"
	"github.com/allyourbase/smsgw/internal/pgmanager"
	"github.com/allyourbase/smsgw/internal/postgres"
	"github.com/allyourbase/smsgw/internal/reconcile"
	"github.com/allyourbase/smsgw/internal/server"
	"github.com/allyourbase/smsgw/internal/store"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "smsgw",
		Short: "SMS gateway mediating HTTP clients and a USB cellular modem",
		RunE:  runServe,
	}
	root.Flags().String("config", "", "path to smsgw.toml")
	root.Flags().String("database-url", "", "PostgreSQL connection URL")
	root.Flags().String("host", "", "server host (default 0.0.0.0)")
	root.Flags().String("port", "", "server port (default 8080)")
	root.Flags().String("modem-base-url", "", "modem base URL (default http://192.168.8.1)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	flags := map[string]string{}
	for _, name := range []string{"database-url", "host", "port", "modem-base-url"} {
		if v, _ := cmd.Flags().GetString(name); v != "" {
			flags[name] = v
		}
	}
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	isTTY := cliui.ColorEnabled()
	sp := cliui.NewStepSpinner(os.Stderr, !isTTY)
	logger, closeLog := newLogger(cfg.Logging.Level, cfg.Logging.Format)
	defer closeLog()

	fmt.Fprintf(os.Stderr, "\n  %s %s\n\n", cliui.BrandEmoji, cliui.StyleBoldCyan.Render("smsgw v"+version))

	if ln, err := net.Listen("tcp", cfg.Address()); err != nil {
		return fmt.Errorf("port %d is already in use: %w", cfg.Server.Port, err)
	} else {
		ln.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pgMgr *pgmanager.Manager
	if cfg.Database.URL == "" {
		sp.Start("Starting managed PostgreSQL...")
		pgMgr = pgmanager.New(pgmanager.Config{
			Port:    cfg.Database.EmbeddedPort,
			DataDir: cfg.Database.EmbeddedDataDir,
			Logger:  logger,
		})
		if err := pgMgr.Start(); err != nil {
			sp.Fail()
			return fmt.Errorf("starting managed postgres: %w", err)
		}
		cfg.Database.URL = pgMgr.ConnURL()
		sp.Done()
	}

	sp.Start("Connecting to database...")
	pool, err := postgres.New(ctx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		HealthCheckSecs: cfg.Database.HealthCheckSecs,
	}, logger)
	if err != nil {
		sp.Fail()
		if pgMgr != nil {
			_ = pgMgr.Stop()
		}
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()
	sp.Done()

	sp.Start("Running migrations...")
	migRunner := migrations.NewRunner(pool.DB(), logger)
	if err := migRunner.Bootstrap(ctx); err != nil {
		sp.Fail()
		return fmt.Errorf("bootstrapping migrations: %w", err)
	}
	if _, err := migRunner.Run(ctx); err != nil {
		sp.Fail()
		return fmt.Errorf("running migrations: %w", err)
	}
	sp.Done()

	sp.Start("Probing modem...")
	modemClient, err := modem.NewClient(modem.Config{
		BaseURL:              cfg.Modem.BaseURL,
		RequestTimeout:       time.Duration(cfg.Modem.RequestTimeoutS) * time.Second,
		SessionTokenTTL:      time.Duration(cfg.Modem.SessionTokenTTLS) * time.Second,
		CircuitFailureThresh: cfg.Modem.CircuitFailureThresh,
		CircuitOpenDuration:  time.Duration(cfg.Modem.CircuitOpenDurationS) * time.Second,
	})
	if err != nil {
		sp.Fail()
		return fmt.Errorf("building modem client: %w", err)
	}
	if _, err := modemClient.HealthCheck(ctx); err != nil {
		logger.Warn("modem not reachable at startup, continuing — the status monitor will retry", "error", err)
		sp.Fail()
	} else {
		sp.Done()
	}

	st := store.New(pool.DB())

	jobStore := jobs.NewStore(pool.DB())
	jobCfg := jobs.DefaultServiceConfig()
	jobCfg.PollInterval = time.Duration(cfg.Jobs.PollIntervalMs) * time.Millisecond
	jobCfg.LeaseDuration = time.Duration(cfg.Jobs.LeaseDurationS) * time.Second
	// Every job type (sms_send, sms_status_reconcile) is drained exclusively
	// by its own named queue below; the generic worker pool would otherwise
	// race those same rows against the per-queue concurrency/rate caps.
	jobCfg.WorkerConcurrency = 0
	jobSvc := jobs.NewService(jobStore, logger, jobCfg)

	dispatcher := dispatch.New(modemClient, st, logger)
	jobSvc.RegisterHandler("sms_send", dispatcher.Handler())
	jobSvc.RegisterQueue(jobs.QueueConfig{
		Name:        "sms_send",
		Type:        "sms_send",
		Concurrency: cfg.Jobs.SendConcurrency,
		RateLimit:   cfg.Jobs.SendRateLimit,
		RateWindow:  time.Duration(cfg.Jobs.SendRateWindowS) * time.Second,
	})

	reconciler := reconcile.New(modemClient, st, logger)
	jobSvc.RegisterHandler("sms_status_reconcile", func(ctx context.Context, _ json.RawMessage) error {
		return reconciler.Run(ctx)
	})
	jobSvc.RegisterQueue(jobs.QueueConfig{
		Name:        "sms_status",
		Type:        "sms_status_reconcile",
		Concurrency: cfg.Jobs.StatusConcurrency,
	})
	if err := jobSvc.RegisterDefaultSchedules(ctx, cfg.Jobs.StatusReconcileCron); err != nil {
		return fmt.Errorf("registering default schedules: %w", err)
	}

	poller := inbound.New(modemClient, st, logger, cfg.ModemPollInterval())
	mon := monitor.New(modemClient, jobSvc, logger, cfg.ModemHealthCheckInterval(), cfg.Modem.LowSignalWarnThreshold)

	authSvc := apikey.New(st, cfg.Auth.DefaultRateLimit, logger)

	apiHandler := api.New(st, jobSvc, mon, pool, logger)
	httpSrv := server.New(cfg, logger, apiHandler, authSvc)

	jobSvc.Start(ctx)
	poller.Start(ctx)
	mon.Start(ctx)
	authSvc.Start(ctx)

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- httpSrv.Start(ctx)
	}()

	logger.Info("smsgw started", "address", cfg.Address())

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-serverErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}
	authSvc.Stop()
	mon.Stop()
	poller.Stop()
	jobSvc.Stop()
	if pgMgr != nil {
		if err := pgMgr.Stop(); err != nil {
			logger.Error("error stopping managed postgres", "error", err)
		}
	}

	return nil
}

func newLogger(level, format string) (*slog.Logger, func()) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler), func() {}
}
