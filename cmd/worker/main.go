// Package main provides the corvid worker service: it reserves jobs from
// Redis-backed queues and supervises their execution in re-exec'd child
// processes.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"sync"
	"time"

	"github.com/corvidqueue/corvid/internal/config"
	"github.com/corvidqueue/corvid/internal/eventbus"
	"github.com/corvidqueue/corvid/internal/factory"
	"github.com/corvidqueue/corvid/internal/faillog"
	"github.com/corvidqueue/corvid/internal/logger"
	"github.com/corvidqueue/corvid/internal/metrics"
	"github.com/corvidqueue/corvid/internal/queue"
	"github.com/corvidqueue/corvid/internal/redisgw"
	"github.com/corvidqueue/corvid/internal/registry"
	"github.com/corvidqueue/corvid/internal/stats"
	"github.com/corvidqueue/corvid/internal/status"
	"github.com/corvidqueue/corvid/internal/supervisor"
	"github.com/corvidqueue/corvid/internal/worker"
)

// childFactory is the handler registry a re-exec'd child process uses to
// resolve a class name into a Handler. It must mirror the parent's
// registrations: a child resolves handlers independently, since it is a
// separate process with its own Factory instance.
func childFactory() *factory.Factory {
	fac := factory.New()
	fac.Register("count_items", worker.CountItemsConstructor)
	fac.Register("send_email", worker.SendEmailConstructor)
	fac.Register("process_data", worker.ProcessDataConstructor)
	return fac
}

func main() {
	for _, a := range os.Args[1:] {
		if a == supervisor.ChildFlag {
			os.Exit(runChild())
		}
	}
	runParent()
}

// runChild handles the supervised-child invocation: decode the job handed
// over stdin, perform it, report the outcome via exit code. It builds its
// own collaborators from the same environment the parent used, rather than
// inheriting them across the exec boundary.
func runChild() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 3
	}

	gw, err := redisgw.New(cfg.RedisURL(), cfg.Prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to redis: %v\n", err)
		return 3
	}
	defer gw.Close()

	fl := faillog.New(gw)
	reg := registry.New(gw, fl)
	st := status.New(gw)
	sc := stats.New(gw)
	bus := eventbus.New()

	return supervisor.RunChild(context.Background(), reg, childFactory(), st, fl, sc, bus)
}

func runParent() {
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

	workerLog := log.WithComponent(logger.ComponentWorker).WithSource(logger.LogSourceInternal)

	queueNames, all := cfg.Queues()
	workerLog.Info("worker starting",
		"queue", cfg.Queue,
		"count", cfg.Count,
		"blocking", cfg.Blocking,
		"interval", cfg.Interval,
		"redis_url", cfg.RedisURL())

	if err := cfg.WritePIDFile(); err != nil {
		workerLog.Error("failed to write pid file", "error", err)
		os.Exit(1)
	}

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6061"
	}
	go func() {
		workerLog.Info("starting pprof server", "port", pprofPort)
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			workerLog.Error("pprof server failed", "error", err)
		}
	}()

	gw, err := redisgw.New(cfg.RedisURL(), cfg.Prefix)
	if err != nil {
		workerLog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			workerLog.Error("failed to close redis gateway", "error", err)
		}
	}()

	bus := eventbus.New()
	fac := childFactory()
	qops := queue.New(gw, bus, status.New(gw))

	workerLog.Info("registered job handlers", "count", fac.Count())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Each loop gets its own Gateway (and collaborators built on it): the
	// supervisor invalidates its Gateway around every child spawn, and a
	// shared connection would vanish out from under the sibling loops
	// mid-BLPOP. The top-level gw above is never handed to a supervisor and
	// stays valid for the shared queue view at shutdown.
	var wg sync.WaitGroup
	loops := make([]*worker.Loop, 0, cfg.Count)
	for i := 0; i < cfg.Count; i++ {
		loopGW, err := redisgw.New(cfg.RedisURL(), cfg.Prefix)
		if err != nil {
			workerLog.Error("failed to connect to redis for worker loop", "index", i, "error", err)
			os.Exit(1)
		}
		defer loopGW.Close()

		st := status.New(loopGW)
		sc := stats.New(loopGW)
		fl := faillog.New(loopGW)
		reg := registry.New(loopGW, fl)
		loopQops := queue.New(loopGW, bus, st)
		sup := supervisor.New(loopGW, bus, st, fl, sc, reg, fac)

		loop, err := worker.New(worker.Config{
			Queues:   queueNames,
			All:      all,
			Interval: cfg.Interval,
			Blocking: cfg.Blocking,
			Prefix:   cfg.Prefix,
			Index:    i,
		}, loopGW, loopQops, sup, reg, bus, fl, sc)
		if err != nil {
			workerLog.Error("failed to construct worker loop", "error", err)
			os.Exit(1)
		}

		loops = append(loops, loop)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loop.Run(ctx); err != nil {
				workerLog.Error("worker loop exited with error", "worker_id", loop.ID(), "error", err)
			}
		}()
		workerLog.Info("worker loop started", "worker_id", loop.ID())
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var active int64
				for _, l := range loops {
					if l.CurrentState() == worker.Running {
						active++
					}
				}
				metrics.Default().RecordWorkerActivity(active, int64(cfg.Count))

				m := metrics.GetMetrics()
				workerLog.Info("system metrics",
					"jobs_processed", m.TotalJobsProcessed,
					"jobs_completed", m.TotalJobsCompleted,
					"jobs_failed", m.TotalJobsFailed,
					"avg_duration_ms", m.AvgJobDuration.Milliseconds(),
					"worker_utilization", fmt.Sprintf("%.1f%%", m.WorkerUtilization),
					"error_rate", fmt.Sprintf("%.2f%%", m.ErrorRate),
					"uptime", m.Uptime.String())
			}
		}
	}()

	// Every worker.Loop installs its own signal.Notify for the full
	// TERM/INT/QUIT/USR1/USR2/CONT/PIPE control surface; main only needs to
	// wait for every loop to return (which happens once each has seen a
	// shutdown signal and, for SIGQUIT, finished its in-flight job).
	wg.Wait()
	workerLog.Info("worker shut down successfully")

	signalled := false
	for _, l := range loops {
		if l.ShutdownSignalled() {
			signalled = true
		}
	}
	if signalled && pendingWork(context.Background(), qops, queueNames, all) {
		os.Exit(2)
	}
}

// pendingWork reports whether any watched queue still holds envelopes at
// shutdown. Best-effort: an error counts as "unknown", not as pending.
func pendingWork(ctx context.Context, qops *queue.Operations, queueNames []string, all bool) bool {
	names := queueNames
	if all {
		listed, err := qops.List(ctx)
		if err != nil {
			return false
		}
		names = listed
	}
	for _, q := range names {
		n, err := qops.Size(ctx, q)
		if err == nil && n > 0 {
			return true
		}
	}
	return false
}
