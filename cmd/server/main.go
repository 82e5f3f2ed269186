// Package main is the entry point for the marketsim simulation core.
// It wires the lifecycle kernel, the template store, the instantiation
// worker pool and the HTTP API together, then runs until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aristath/marketsim/internal/config"
	"github.com/aristath/marketsim/internal/database"
	"github.com/aristath/marketsim/internal/events"
	"github.com/aristath/marketsim/internal/instantiate"
	"github.com/aristath/marketsim/internal/kernel"
	"github.com/aristath/marketsim/internal/market"
	"github.com/aristath/marketsim/internal/reliability"
	"github.com/aristath/marketsim/internal/server"
	"github.com/aristath/marketsim/internal/sim"
	"github.com/aristath/marketsim/internal/simclock"
	"github.com/aristath/marketsim/internal/templates"
	"github.com/aristath/marketsim/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting marketsim")

	db, err := database.New(filepath.Join(cfg.DataDir, "marketsim.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	store := templates.NewSQLStore(db.Conn(), log)
	history := instantiate.NewHistoryRepo(db, log)

	k := kernel.New(kernel.Options{
		Log:       log,
		FPS:       cfg.Kernel.FPS,
		MaxErrors: cfg.Kernel.MaxErrors,
	})

	registry := market.NewRegistry()
	bus := events.NewBus()

	// Trading calendar shared by every environment's clock.
	trading, nonTrading := simclock.LoadIntervals(cfg.Exchange.IntervalsPath, log)

	runner := instantiate.NewRunner(instantiate.Config{
		PoolSize:            cfg.Worker.PoolSize,
		MaxConcurrent:       int64(cfg.Worker.MaxConcurrent),
		Timeout:             cfg.Worker.Timeout,
		RetryAttempts:       cfg.Worker.RetryAttempts,
		ArchiveTTL:          cfg.Worker.ArchiveTTL,
		Trading:             trading,
		NonTrading:          nonTrading,
		DefaultOpenClock:    cfg.Exchange.InitialTime,
		DefaultAcceleration: cfg.Exchange.Acceleration,
	}, instantiate.Deps{
		Store:    store,
		Kernel:   k,
		Registry: registry,
		Bus:      bus,
		History:  history,
	})

	svc := sim.NewService(registry, runner, k, bus)

	srv := server.New(server.Config{
		Log:     log,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		Service: svc,
		Bus:     bus,
	})

	if err := k.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start kernel")
	}
	runner.Start()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 10m", func() {
		if n := runner.Sweep(time.Now()); n > 0 {
			log.Debug().Int("swept", n).Msg("Dropped expired instantiation records")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule task sweep")
	}

	if cfg.Backup.Enabled() {
		s3Client, err := reliability.NewS3Client(context.Background(), reliability.S3Config{
			Endpoint:        cfg.Backup.Endpoint,
			AccessKeyID:     cfg.Backup.AccessKeyID,
			SecretAccessKey: cfg.Backup.SecretAccessKey,
			Bucket:          cfg.Backup.Bucket,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create S3 client")
		}
		backupSvc := reliability.NewSnapshotBackupService(s3Client, registry, log)

		if _, err := scheduler.AddFunc(cfg.Backup.Schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := backupSvc.CreateAndUploadSnapshots(ctx); err != nil {
				log.Error().Err(err).Msg("Snapshot backup failed")
			}
			if err := backupSvc.RotateOldSnapshots(ctx, 7*24*time.Hour); err != nil {
				log.Error().Err(err).Msg("Snapshot rotation failed")
			}
		}); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule snapshot backup")
		}
		log.Info().Str("schedule", cfg.Backup.Schedule).Str("bucket", cfg.Backup.Bucket).
			Msg("Snapshot backup scheduled")
	} else {
		log.Info().Msg("Snapshot backup not configured, skipping")
	}
	scheduler.Start()

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("marketsim started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	cronCtx := scheduler.Stop()
	<-cronCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	runner.Stop()
	k.Stop()

	log.Info().Msg("marketsim stopped")
}
