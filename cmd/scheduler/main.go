// Package main provides the corvid scheduler service: it promotes due
// delayed jobs into their target queues and, optionally, fires recurring
// cron-scheduled jobs.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corvidqueue/corvid/internal/config"
	"github.com/corvidqueue/corvid/internal/eventbus"
	"github.com/corvidqueue/corvid/internal/logger"
	"github.com/corvidqueue/corvid/internal/queue"
	"github.com/corvidqueue/corvid/internal/redisgw"
	"github.com/corvidqueue/corvid/internal/scheduler"
	"github.com/corvidqueue/corvid/internal/status"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	schedulerLog := log.WithComponent(logger.ComponentScheduler).WithSource(logger.LogSourceInternal)
	schedulerLog.Info("scheduler starting",
		"redis_url", cfg.RedisURL(),
		"scheduler_interval", cfg.SchedulerInterval,
		"cron_enabled", cfg.CronSchedulerEnabled)

	if err := cfg.WritePIDFile(); err != nil {
		schedulerLog.Error("failed to write pid file", "error", err)
		os.Exit(1)
	}

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6062"
	}
	go func() {
		schedulerLog.Info("starting pprof server", "port", pprofPort)
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			schedulerLog.Error("pprof server failed", "error", err)
		}
	}()

	gw, err := redisgw.New(cfg.RedisURL(), cfg.Prefix)
	if err != nil {
		schedulerLog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			schedulerLog.Error("failed to close redis gateway", "error", err)
		}
	}()

	bus := eventbus.New()
	st := status.New(gw)
	qops := queue.New(gw, bus, st)
	promoter := scheduler.NewPromoter(gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cronScheduler *scheduler.CronScheduler
	if cfg.CronSchedulerEnabled {
		reg := scheduler.NewRegistry()

		// Operators replace these with their own recurring schedules.
		// Example:
		// reg.Register(&scheduler.Schedule{
		//     ID:      "nightly-cleanup",
		//     Cron:    "0 0 * * *",
		//     Queue:   "default",
		//     Class:   "process_data",
		//     Enabled: true,
		// })

		cronScheduler = scheduler.NewCronScheduler(gw, qops, reg, cfg.SchedulerInterval)
		schedulerLog.Info("cron scheduler initialized", "schedules", reg.Count())
		go cronScheduler.Run(ctx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		ticker := time.NewTicker(cfg.SchedulerInterval)
		defer ticker.Stop()

		schedulerLog.Info("scheduler ready - monitoring delayed jobs")

		for {
			select {
			case <-ticker.C:
				count, err := promoter.PromoteDue(ctx, time.Now().UTC())
				if err != nil {
					schedulerLog.Error("error promoting delayed jobs", "error", err)
					continue
				}
				if count > 0 {
					schedulerLog.Info("promoted delayed jobs", "count", count)
				}
			case <-ctx.Done():
				schedulerLog.Info("delayed job promoter stopping")
				return
			}
		}
	}()

	sig := <-sigChan
	schedulerLog.Info("received shutdown signal, initiating graceful shutdown", "signal", sig)
	cancel()
	time.Sleep(2 * time.Second)
	schedulerLog.Info("scheduler shut down successfully")
}
