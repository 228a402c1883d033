// Package main wires together the scraper service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xcellparts/scraper/internal/api"
	"github.com/xcellparts/scraper/internal/archive"
	"github.com/xcellparts/scraper/internal/browser"
	"github.com/xcellparts/scraper/internal/clock/system"
	"github.com/xcellparts/scraper/internal/config"
	"github.com/xcellparts/scraper/internal/events"
	"github.com/xcellparts/scraper/internal/extract"
	"github.com/xcellparts/scraper/internal/id/uuid"
	"github.com/xcellparts/scraper/internal/images"
	"github.com/xcellparts/scraper/internal/logging"
	"github.com/xcellparts/scraper/internal/registry"
	"github.com/xcellparts/scraper/internal/runner"
	"github.com/xcellparts/scraper/internal/scheduler"
	"github.com/xcellparts/scraper/internal/scrape"
	"github.com/xcellparts/scraper/internal/snapshot"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()

	broadcaster := events.NewBroadcaster(events.Config{
		Heartbeat:    time.Duration(cfg.Events.HeartbeatSec) * time.Second,
		HistoryLimit: cfg.Events.LogHistoryLimit,
		Logger:       logging.ForSubsystem(logger, "events"),
		Clock:        clock,
	})

	var store *registry.Store
	var snapWriter *snapshot.Writer
	if cfg.Persistence.Enabled {
		snapWriter = snapshot.NewWriter(
			cfg.Persistence.DownloadRoot,
			time.Duration(cfg.Persistence.DebounceMs)*time.Millisecond,
			cfg.Persistence.MaxJobs,
			func() []scrape.Job { return store.List() },
			logging.ForSubsystem(logger, "snapshot"),
		)
	}

	store = registry.New(clock, func(job scrape.Job) {
		broadcaster.JobUpdate(job.Summarize(false))
		if snapWriter != nil && job.Status.Terminal() {
			snapWriter.Schedule()
		}
	})

	if cfg.Persistence.Enabled {
		restored, err := snapshot.Load(cfg.Persistence.DownloadRoot)
		if err != nil {
			logger.Warn("snapshot load failed", zap.Error(err))
		} else if len(restored) > 0 {
			store.Restore(restored)
			logger.Info("restored persisted jobs", zap.Int("count", len(restored)))
		}
	}

	engine := extract.New(extract.Config{
		NavTimeout:    time.Duration(cfg.Browser.NavTimeoutSec) * time.Second,
		ChallengeWait: time.Duration(cfg.Extract.ChallengeWaitSec) * time.Second,
		ImageWait:     time.Duration(cfg.Extract.ImageWaitTimeoutSec) * time.Second,
	}, logging.ForSubsystem(logger, "extract"))

	converter := images.NewPythonConverter(images.ConverterConfig{
		PythonBin: cfg.Images.PythonBin,
		Script:    cfg.Images.ConvertScript,
		Quality:   cfg.Images.Quality,
		Timeout:   time.Duration(cfg.Images.ConvertTimeoutSec) * time.Second,
	}, logging.ForSubsystem(logger, "converter"))
	pipeline := images.NewPipeline(converter, cfg.Images.Concurrency, clock, logging.ForSubsystem(logger, "images"))

	browserCfg := browser.Config{
		Headless:      cfg.Browser.Headless,
		ChromeBin:     cfg.Browser.ChromeBin,
		UserAgent:     cfg.Browser.UserAgent,
		ProfileRoot:   cfg.Browser.ProfileRoot,
		NavTimeout:    time.Duration(cfg.Browser.NavTimeoutSec) * time.Second,
		RestartSettle: time.Duration(cfg.Browser.RestartSettleMs) * time.Millisecond,
	}
	sessions := func(jobID string) runner.Session {
		return browser.NewManager(browserCfg, logging.ForSubsystem(logger, "browser"), jobID)
	}

	jobRunner := runner.New(runner.Config{
		Budget: extract.Budget{
			EmptyRetries:   cfg.Extract.EmptyRetries,
			ErrorRetries:   cfg.Extract.ErrorRetries,
			SessionRetries: cfg.Browser.RecoveryRetries,
		},
		RotateEvery:     cfg.Browser.ProductsPerSession,
		PausePoll:       cfg.PausePoll(),
		EmptyRetryDelay: time.Duration(cfg.Extract.EmptyRetryDelayMs) * time.Millisecond,
		ErrorRetryDelay: time.Duration(cfg.Extract.ErrorRetryDelayMs) * time.Millisecond,
		ProductDelayMin: time.Duration(cfg.Extract.ProductDelayMinMs) * time.Millisecond,
		ProductDelayMax: time.Duration(cfg.Extract.ProductDelayMaxMs) * time.Millisecond,
	}, sessions, engine, pipeline, store, broadcaster, logging.ForSubsystem(logger, "runner"))

	sched, err := scheduler.New(scheduler.Config{
		AdmissionLimit: cfg.Scheduler.AdmissionLimit,
		MaxRuntime:     cfg.MaxRuntime(),
		Registry:       store,
		Runner:         jobRunner,
		Events:         broadcaster,
		Logger:         logging.ForSubsystem(logger, "scheduler"),
		IDGen:          idGen,
		Clock:          clock,
		OnTerminal: func(job scrape.Job) {
			if snapWriter == nil {
				return
			}
			snapWriter.Schedule()
			if job.Status == scrape.JobStatusCompleted {
				if err := snapWriter.WriteManifest(job); err != nil {
					logger.Warn("manifest write failed", zap.String("job_id", job.ID), zap.Error(err))
				}
			}
		},
	})
	if err != nil {
		logger.Error("scheduler init failed", zap.Error(err))
		os.Exit(1)
	}

	archiver := archive.NewBuilder(archive.Config{
		PythonBin: cfg.Images.PythonBin,
		Script:    cfg.Images.ZipScript,
	}, logging.ForSubsystem(logger, "archive"))

	apiServer := api.NewServer(sched, store, broadcaster, archiver, logging.ForSubsystem(logger, "api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDrain()
	if err := sched.Shutdown(drainCtx); err != nil {
		logger.Warn("jobs still draining at exit", zap.Error(err))
	}

	broadcaster.Close()
	if snapWriter != nil {
		if err := snapWriter.Close(); err != nil {
			logger.Error("final snapshot failed", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
