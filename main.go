package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"histflow/config"
	"histflow/internal/audit"
	"histflow/internal/orchestrator"
	"histflow/internal/verify"
	"histflow/logger"
	"histflow/reader"
	"histflow/reader/binance"
	"histflow/reader/bybit"
	"histflow/reader/kucoin"
	"histflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	mode := flag.String("mode", "run", "Operation mode: run or verify")
	broker := flag.String("broker", "", "Only process this broker")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithEnv("APP_ENV").WithFields(logger.Fields{
		"service": cfg.Histflow.Name,
		"version": cfg.Histflow.Version,
		"mode":    *mode,
	}).Info("starting histflow")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(ctx, cfg.Storage.S3.Region, cfg.Metrics.Namespace)
	}

	registry := newRegistry()

	switch *mode {
	case "run":
		err = runAcquisition(ctx, cfg, registry, *broker)
	case "verify":
		err = runVerify(ctx, cfg, registry, *broker)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q (want run or verify)\n", *mode)
		os.Exit(2)
	}

	switch {
	case errors.Is(err, context.Canceled):
		log.Warn("histflow interrupted")
		os.Exit(130)
	case err != nil:
		log.WithError(err).Error("histflow failed")
		os.Exit(1)
	}
	log.Info("histflow stopped")
}

func newRegistry() *reader.Registry {
	r := reader.NewRegistry()
	r.Register("binance", binance.New)
	r.Register("bybit", bybit.New)
	r.Register("kucoin", kucoin.New)
	return r
}

func loadCredentials(cfg *config.Config) (*config.Credentials, error) {
	creds, err := config.LoadCredentialsFile(cfg.Acquisition.Credentials)
	if err != nil {
		return nil, err
	}
	if config.IsProductionLike(config.AppEnvironment()) {
		for _, skipped := range creds.Skipped {
			logger.GetLogger().WithComponent("main").WithError(skipped).Error("broker credentials incomplete")
		}
	}
	return creds, nil
}

func newSink(ctx context.Context, cfg *config.Config) (*writer.Sink, error) {
	var opts []writer.Option
	if cfg.Writer.Formats.Parquet.Enabled {
		opts = append(opts, writer.WithParquet(writer.NewParquetWriter(cfg.Writer.Formats.Parquet.Compression)))
	}
	if cfg.Storage.S3.Enabled {
		uploader, err := writer.NewS3Uploader(ctx, cfg.Storage.S3, cfg.Histflow.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 uploader: %w", err)
		}
		opts = append(opts, writer.WithUploader(uploader))
	} else {
		logger.GetLogger().WithComponent("main").Info("S3 storage disabled; artifacts stay local")
	}
	return writer.NewSink(writer.NewCSVWriter(cfg.Writer.OutputDir), opts...), nil
}

func runAcquisition(ctx context.Context, cfg *config.Config, registry *reader.Registry, broker string) error {
	log := logger.GetLogger()

	// Fail at start on an unreadable table rather than on the first tick.
	if _, err := loadCredentials(cfg); err != nil {
		return err
	}
	sink, err := newSink(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.Acquisition.Schedule == "" {
		return acquire(ctx, cfg, registry, sink, broker)
	}

	logger.StartReport(ctx, log, time.Minute)
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(cfg.Acquisition.Schedule, func() {
		if err := acquire(ctx, cfg, registry, sink, broker); err != nil && !errors.Is(err, context.Canceled) {
			log.WithComponent("main").WithError(err).Error("scheduled acquisition failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid acquisition.schedule %q: %w", cfg.Acquisition.Schedule, err)
	}
	c.Start()
	log.WithComponent("main").WithFields(logger.Fields{"schedule": cfg.Acquisition.Schedule}).Info("acquisition scheduled")

	<-ctx.Done()
	log.Info("shutdown signal received")
	<-c.Stop().Done()
	return nil
}

// acquire performs one full run with its own run id and audit file.
func acquire(ctx context.Context, cfg *config.Config, registry *reader.Registry, sink *writer.Sink, broker string) error {
	log := logger.GetLogger()
	creds, err := loadCredentials(cfg)
	if err != nil {
		return err
	}

	auditLog, err := audit.Open(cfg.Audit, uuid.NewString(), time.Now())
	if err != nil {
		return err
	}
	defer auditLog.Close()

	if cfg.Audit.SQLitePath != "" {
		store, err := audit.OpenStore(cfg.Audit.SQLitePath)
		if err != nil {
			return err
		}
		defer store.Close()
		auditLog.Mirror(store)
	}

	o := orchestrator.New(cfg, registry, creds, sink, auditLog, orchestrator.WithBroker(broker))
	res, err := o.Run(ctx)
	logger.LogReport(ctx, log)

	log.WithComponent("main").WithFields(logger.Fields{
		"run_id":  res.RunID,
		"files":   res.Files,
		"brokers": len(res.Brokers),
		"audit":   auditLog.Path(),
	}).Info("acquisition finished")
	return err
}

func runVerify(ctx context.Context, cfg *config.Config, registry *reader.Registry, broker string) error {
	creds, err := loadCredentials(cfg)
	if err != nil {
		return err
	}
	results, err := verify.New(cfg, registry).Run(ctx, creds, broker)
	verify.Report(os.Stdout, results)

	mismatches := 0
	for _, r := range results {
		if !r.Match {
			mismatches++
		}
	}
	logger.GetLogger().WithComponent("main").WithFields(logger.Fields{
		"checked":    len(results),
		"mismatches": mismatches,
	}).Info("verification finished")
	return err
}
