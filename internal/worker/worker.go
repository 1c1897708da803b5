// Package worker implements the top-level control loop: reserve, supervise,
// record outcome. The loop writes no heartbeat. It owns the STARTING -> IDLE
// <-> RESERVING -> RUNNING -> (IDLE | SHUTTING_DOWN) -> STOPPED state machine
// and the orthogonal PAUSED flag, driven by operator signals (TERM/INT, QUIT,
// USR1, USR2, CONT, PIPE). Each Loop drives one worker id. cmd/worker runs
// COUNT Loops as goroutines inside one OS process, so with COUNT > 1 those
// workers share one process and pid; running the binary with COUNT=1 gives
// one worker per OS process.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/corvidqueue/corvid/internal/envelope"
	"github.com/corvidqueue/corvid/internal/eventbus"
	"github.com/corvidqueue/corvid/internal/faillog"
	"github.com/corvidqueue/corvid/internal/logger"
	"github.com/corvidqueue/corvid/internal/queue"
	"github.com/corvidqueue/corvid/internal/redisgw"
	"github.com/corvidqueue/corvid/internal/registry"
	"github.com/corvidqueue/corvid/internal/stats"
	"github.com/corvidqueue/corvid/internal/supervisor"
)

// State is a position in the control loop's state machine.
type State string

const (
	Starting     State = "STARTING"
	Idle         State = "IDLE"
	Reserving    State = "RESERVING"
	Running      State = "RUNNING"
	ShuttingDown State = "SHUTTING_DOWN"
	Stopped      State = "STOPPED"
)

// Config configures one Loop. Queues is watched in order for non-blocking
// polling; if All is set, the queue list is re-read from Redis and sorted
// lexically ascending before every reservation.
type Config struct {
	Queues   []string
	All      bool
	Interval time.Duration
	Blocking bool
	Prefix   string
	// Index disambiguates multiple in-process goroutine workers sharing one
	// OS pid (cmd/worker's COUNT option): 0 means "the only worker in this
	// process" and is omitted from the worker id; >0 is appended after pid.
	Index int
}

func (c Config) interval() time.Duration {
	if c.Interval <= 0 {
		return 5 * time.Second
	}
	return c.Interval
}

// Loop is the worker control loop for one OS process (or one in-process
// goroutine worker, disambiguated by Config.Index).
type Loop struct {
	id       string
	cfg      Config
	gw       *redisgw.Gateway
	queueOps *queue.Operations
	sup      *supervisor.Supervisor
	reg      *registry.Registry
	bus      *eventbus.Bus
	failLog  *faillog.Log
	stats    *stats.Counters
	log      logger.Logger

	state        atomic.Value // State
	paused       atomic.Bool
	shuttingDown atomic.Bool
}

// New wires a Loop from its collaborators and computes this process's
// worker id: "<host>:<pid>:<queues>" (or "<host>:<pid>-<index>:<queues>"
// for Index > 0), with "*" standing in for the queue list when All is set.
func New(cfg Config, gw *redisgw.Gateway, queueOps *queue.Operations, sup *supervisor.Supervisor, reg *registry.Registry, bus *eventbus.Bus, fl *faillog.Log, sc *stats.Counters) (*Loop, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("resolve hostname: %w", err)
	}

	l := &Loop{
		id:       workerID(host, os.Getpid(), cfg.Index, cfg.Queues, cfg.All),
		cfg:      cfg,
		gw:       gw,
		queueOps: queueOps,
		sup:      sup,
		reg:      reg,
		bus:      bus,
		failLog:  fl,
		stats:    sc,
		log:      logger.Default().WithComponent(logger.ComponentWorker).WithSource(logger.LogSourceInternal),
	}
	l.state.Store(Starting)
	return l, nil
}

func workerID(host string, pid, index int, queues []string, all bool) string {
	suffix := "*"
	if !all {
		suffix = strings.Join(queues, ",")
	}
	if index > 0 {
		return fmt.Sprintf("%s:%d-%d:%s", host, pid, index, suffix)
	}
	return fmt.Sprintf("%s:%d:%s", host, pid, suffix)
}

// ID returns this worker's registry identity.
func (l *Loop) ID() string { return l.id }

// CurrentState reports the loop's present position in the state machine.
func (l *Loop) CurrentState() State { return l.state.Load().(State) }

// ShutdownSignalled reports whether this loop's exit was operator-initiated
// (TERM/INT/QUIT) rather than a plain context cancellation. cmd/worker uses
// it to pick the documented exit code when work is still pending.
func (l *Loop) ShutdownSignalled() bool { return l.shuttingDown.Load() }

func (l *Loop) setState(s State) { l.state.Store(s) }

// killSwitch is a closable-then-renewable gate the signal handler uses to
// tell the supervisor's fork boundary "kill whatever you're running right
// now". The channel field is touched from two goroutines (the run loop
// arms it, the signal handler triggers it), so access goes through a
// mutex. Arming swaps in a fresh channel at the start of each job, which
// also means a USR1 arriving between jobs closes a channel nothing
// listens to instead of condemning the next job before it starts.
type killSwitch struct {
	mu sync.Mutex
	ch chan struct{}
}

func newKillSwitch() *killSwitch { return &killSwitch{ch: make(chan struct{})} }

// arm installs and returns the channel the next supervised job watches.
func (k *killSwitch) arm() chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ch = make(chan struct{})
	return k.ch
}

func (k *killSwitch) trigger() {
	k.mu.Lock()
	defer k.mu.Unlock()
	select {
	case <-k.ch:
	default:
		close(k.ch)
	}
}

// Run registers the worker, prunes dead siblings on this host, fires
// beforeFirstFork, then drives the reserve/supervise loop until a shutdown
// signal (or ctx cancellation) ends it, at which point it unregisters
// cleanly. Run blocks until the loop stops.
func (l *Loop) Run(ctx context.Context) error {
	l.setState(Starting)

	if err := l.reg.Register(ctx, l.id); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	pruned, err := l.reg.Prune(ctx)
	if err != nil {
		l.log.Warn("prune dead siblings failed", "error", err)
	} else if pruned > 0 {
		l.log.Info("pruned dead siblings", "count", pruned)
	}

	l.bus.Trigger(eventbus.BeforeFirstFork, map[string]interface{}{"worker": l.id})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT,
		syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGCONT, syscall.SIGPIPE)
	defer signal.Stop(sigCh)

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	ks := newKillSwitch()
	wake := make(chan struct{}, 1)

	sigDone := make(chan struct{})
	go func() {
		defer close(sigDone)
		l.handleSignals(sigCh, cancelWork, ks, wake)
	}()

	l.setState(Idle)
	l.runLoop(workCtx, ks, wake)

	l.setState(ShuttingDown)
	signal.Stop(sigCh)
	close(sigCh)
	<-sigDone

	cleanupCtx := context.Background()
	if err := l.reg.Unregister(cleanupCtx, l.id); err != nil {
		l.log.Warn("unregister failed", "error", err)
	}
	l.setState(Stopped)
	return nil
}

func (l *Loop) handleSignals(sigCh <-chan os.Signal, cancelWork context.CancelFunc, ks *killSwitch, wake chan<- struct{}) {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGTERM, syscall.SIGINT:
			l.log.Info("shutdown requested, killing any running child", "signal", sig.String())
			l.shuttingDown.Store(true)
			ks.trigger()
			cancelWork()
		case syscall.SIGQUIT:
			l.log.Info("graceful shutdown requested, finishing current job", "signal", sig.String())
			l.shuttingDown.Store(true)
		case syscall.SIGUSR1:
			l.log.Info("killing current job, loop continues")
			ks.trigger()
		case syscall.SIGUSR2:
			l.log.Info("pausing reservation")
			l.paused.Store(true)
		case syscall.SIGCONT:
			l.log.Info("resuming reservation")
			l.paused.Store(false)
		case syscall.SIGPIPE:
			l.log.Warn("reconnecting to redis")
			if err := l.gw.Reconnect(); err != nil {
				l.log.Error("redis reconnect failed", "error", err)
			}
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// maxReserveBackoff caps the exponential backoff applied to consecutive
// reservation failures (Redis outages, mostly).
const maxReserveBackoff = 30 * time.Second

// runLoop is the reserve -> supervise -> record loop. It returns once a
// shutdown has been requested and (for graceful shutdown) any in-flight job
// has finished.
func (l *Loop) runLoop(ctx context.Context, ks *killSwitch, wake <-chan struct{}) {
	consecutiveFailures := 0

	for {
		if l.shuttingDown.Load() {
			return
		}

		if l.paused.Load() {
			if !l.sleepInterruptible(ctx, l.cfg.interval(), wake) {
				return
			}
			continue
		}

		l.setState(Reserving)
		queueName, env, err := l.reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			var malformed *queue.MalformedPayloadError
			if errors.As(err, &malformed) {
				// The element is already off the queue; drop it into the
				// failed log rather than retrying a payload that will
				// never decode.
				l.recordMalformed(ctx, malformed)
				consecutiveFailures = 0
				continue
			}

			consecutiveFailures++
			backoff := time.Duration(1<<uint(consecutiveFailures)) * time.Second
			if backoff > maxReserveBackoff {
				backoff = maxReserveBackoff
			}
			if consecutiveFailures <= 3 {
				l.log.Warn("reservation failed, retrying with backoff",
					"error", err, "consecutive_failures", consecutiveFailures, "backoff", backoff)
			} else if consecutiveFailures%10 == 0 {
				l.log.Error("persistent reservation failures",
					"error", err, "consecutive_failures", consecutiveFailures, "backoff", backoff)
			}
			if !l.sleepInterruptible(ctx, backoff, wake) {
				return
			}
			continue
		}
		consecutiveFailures = 0

		if env == nil {
			if l.shuttingDown.Load() {
				return
			}
			if !l.cfg.Blocking {
				if !l.sleepInterruptible(ctx, l.cfg.interval(), wake) {
					return
				}
			}
			continue
		}

		l.setState(Running)
		if err := l.sup.Perform(ctx, l.id, queueName, env, ks.arm()); err != nil {
			l.log.Error("supervisor perform failed", "error", err, "job_id", env.ID, "queue", queueName)
		}

		if l.shuttingDown.Load() {
			return
		}
		l.setState(Idle)
	}
}

// recordMalformed logs a queue element that failed to decode, per the
// serialization-error contract: the raw string becomes the failure record's
// payload and the failed counter moves.
func (l *Loop) recordMalformed(ctx context.Context, m *queue.MalformedPayloadError) {
	l.log.Error("dropping malformed queue element", "queue", m.Queue, "error", m.Err)
	raw, err := json.Marshal(string(m.Raw))
	if err != nil {
		raw = []byte(`""`)
	}
	if err := l.failLog.RecordHandlerError(ctx, raw, "SerializationError", m.Err.Error(), nil, l.id, m.Queue); err != nil {
		l.log.Error("failed to record malformed element", "error", err)
	}
	if err := l.stats.IncrForWorker(ctx, stats.Failed, l.id); err != nil {
		l.log.Warn("failed to increment failed stat", "error", err)
	}
}

// resolveQueues returns the queue names to reserve from this iteration. A
// literal "*" config is re-resolved against the live `queues` set and
// sorted lexically ascending each time, so a queue created after startup is
// picked up without a restart.
func (l *Loop) resolveQueues(ctx context.Context) ([]string, error) {
	if !l.cfg.All {
		return l.cfg.Queues, nil
	}
	qs, err := l.queueOps.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve wildcard queues: %w", err)
	}
	sort.Strings(qs)
	return qs, nil
}

// reserve performs one reservation attempt: a single blocking BLPOP across
// every listed queue, or (non-blocking) a walk in configured order taking
// the first non-empty queue. Returns ("", nil, nil) when nothing is ready.
func (l *Loop) reserve(ctx context.Context) (string, *envelope.Envelope, error) {
	queues, err := l.resolveQueues(ctx)
	if err != nil {
		return "", nil, err
	}
	if len(queues) == 0 {
		return "", nil, nil
	}

	if l.cfg.Blocking {
		return l.queueOps.BlockingPop(ctx, queues, l.cfg.interval())
	}

	for _, q := range queues {
		env, err := l.queueOps.Pop(ctx, q)
		if err != nil {
			return "", nil, fmt.Errorf("pop %s: %w", q, err)
		}
		if env != nil {
			return q, env, nil
		}
	}
	return "", nil, nil
}

// sleepInterruptible waits for d, returning false early (without having
// slept the full duration) if ctx is cancelled. A pending signal (recorded
// on wake) also returns early so pause/resume/shutdown state is
// re-evaluated promptly rather than at the next full interval boundary.
func (l *Loop) sleepInterruptible(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wake:
		return true
	}
}
