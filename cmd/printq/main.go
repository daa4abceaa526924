package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/printq/internal/api"
	"github.com/orrn/printq/internal/archive"
	"github.com/orrn/printq/internal/clock"
	"github.com/orrn/printq/internal/config"
	"github.com/orrn/printq/internal/core"
	"github.com/orrn/printq/internal/db"
	"github.com/orrn/printq/internal/logging"
	"github.com/orrn/printq/internal/pgstore"
	"github.com/orrn/printq/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, envFile, logLevel, hashToken string

	flagSet := pflag.NewFlagSet("printq", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before PRINTQ_* overrides")
	flagSet.StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	flagSet.StringVar(&hashToken, "hash-device-token", "", "print the bcrypt hash of a device token and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if hashToken != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(hashToken), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash device token: %w", err)
		}
		fmt.Println(string(hash))
		return nil
	}

	if err := config.LoadEnvFiles(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.New(cfg.Logging, os.Stdout)
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.close()
	logger.Info().Str("driver", cfg.Database.Driver).Msg("database ready")

	clk := clock.Real()

	sender := webhook.NewWebhookSender(webhookConfig(cfg.Webhooks), logging.Component(logger, "webhook"))
	sender.Start()
	defer sender.Stop()

	devices := core.NewDeviceRegistry(st.devices, clk, sender, logging.Component(logger, "devices"))
	if err := devices.Load(ctx); err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	for _, d := range cfg.Devices.Devices {
		devices.Register(d.ID, d.Name)
	}

	scheduler := core.NewScheduler(st.jobs, devices, clk, sender, logging.Component(logger, "scheduler"), core.SchedulerConfig{
		Interval:         cfg.Scheduler.Interval,
		MaxBackoff:       cfg.Scheduler.MaxBackoff,
		HeartbeatTimeout: cfg.Devices.HeartbeatTimeout,
		BatchSize:        cfg.Scheduler.BatchSize,
	})
	manager := core.NewJobManager(st.jobs, devices, clk, sender, scheduler, cfg.Scheduler.GraceWindow, logging.Component(logger, "jobs"))
	ingestor := core.NewIngestor(st.jobs, devices, clk, sender, scheduler, logging.Component(logger, "telemetry"))
	metrics := core.NewMetricsAggregator(st.jobs, clk, cfg.Metrics.CacheTTL)

	archiver, err := archive.NewArchiver(st.archive, archive.ArchiveConfig{
		ArchivePath: cfg.Database.ArchivePath,
		ArchiveDays: cfg.Database.ArchiveDays,
		Interval:    cfg.Database.ArchiveInterval,
		Passphrase:  cfg.Database.ArchivePassphrase,
	}, clk, logging.Component(logger, "archive"))
	if err != nil {
		return err
	}

	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	if archiver.HasPassphrase() && cfg.Database.ArchiveDays > 0 {
		archiver.Start(ctx)
		defer archiver.Stop()
	} else {
		logger.Warn().Msg("archive passphrase not set, archiving disabled")
	}

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(api.Deps{
			Config:   cfg,
			Manager:  manager,
			Devices:  devices,
			Ingestor: ingestor,
			Metrics:  metrics,
			Archiver: archiver,
			Webhooks: sender,
			Logger:   logging.Component(logger, "http"),
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return serve(ctx, srv, logger)
}

func serve(ctx context.Context, srv *http.Server, logger zerolog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	logger.Info().Msg("server stopped")
	return err
}

type stores struct {
	jobs    core.JobStore
	devices core.DeviceStore
	archive archive.Source
	close   func()
}

func openStores(ctx context.Context, cfg config.DatabaseConfig) (*stores, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := pgstore.Open(ctx, pgstore.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, err
		}
		unlock, err := pgstore.LockScheduler(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		s := pgstore.New(pool)
		return &stores{jobs: s, devices: s, archive: s, close: func() {
			unlock()
			pool.Close()
		}}, nil
	default:
		database, err := db.Open(db.Config{Path: cfg.Path})
		if err != nil {
			return nil, err
		}
		return &stores{
			jobs:    db.NewJobOperations(database),
			devices: db.NewDeviceOperations(database),
			archive: db.NewArchiveOperations(database),
			close:   func() { database.Close() },
		}, nil
	}
}

func webhookConfig(cfg config.WebhooksConfig) webhook.WebhookConfig {
	endpoints := make([]webhook.Endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		events := make([]core.EventType, 0, len(ep.Events))
		for _, e := range ep.Events {
			events = append(events, core.EventType(e))
		}
		endpoints = append(endpoints, webhook.Endpoint{
			Name:   ep.Name,
			URL:    ep.URL,
			Secret: ep.Secret,
			Events: events,
		})
	}

	return webhook.WebhookConfig{
		Endpoints:   endpoints,
		RetryCount:  cfg.RetryCount,
		RetryDelay:  cfg.RetryDelay,
		Timeout:     cfg.Timeout,
		WorkerCount: cfg.WorkerCount,
		QueueSize:   cfg.QueueSize,
	}
}
