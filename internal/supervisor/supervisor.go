// Package supervisor implements the fork-and-wait execution boundary: a
// reserved job is handed to an isolated child so a handler crash, timeout,
// or forced kill cannot corrupt the worker process or its Redis state. Go
// has no fork(2) exposed to userland, so the child is a fresh invocation of
// the same binary, re-executed via os/exec with the envelope piped over
// stdin, rather than a copy-on-write child image.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/corvidqueue/corvid/internal/envelope"
	"github.com/corvidqueue/corvid/internal/errors"
	"github.com/corvidqueue/corvid/internal/eventbus"
	"github.com/corvidqueue/corvid/internal/factory"
	"github.com/corvidqueue/corvid/internal/faillog"
	"github.com/corvidqueue/corvid/internal/logger"
	"github.com/corvidqueue/corvid/internal/metrics"
	"github.com/corvidqueue/corvid/internal/redisgw"
	"github.com/corvidqueue/corvid/internal/registry"
	"github.com/corvidqueue/corvid/internal/stats"
	"github.com/corvidqueue/corvid/internal/status"
)

// ChildFlag, when present in os.Args, marks this process invocation as a
// supervised child rather than a worker loop. cmd/worker's main checks for
// it before anything else and dispatches to RunChild.
const ChildFlag = "--corvid-perform-child"

// Exit codes the child reports to the parent via its process exit status.
// The parent only needs to distinguish these from each other and from the
// exit codes a crash or external kill would produce (which is why they
// start at 0 and stay below any signal-derived value, and skip 2, the
// status the Go runtime exits with on an unrecovered panic or fatal error).
const (
	exitSuccess       = 0
	exitHandlerError  = 1
	exitSkipped       = 4
	exitStartupFailed = 3
)

// childRequest is the JSON document piped to the child's stdin. The wire
// envelope does not carry the queue name, so the supervisor bundles it
// alongside for the child's Factory call and status bookkeeping.
type childRequest struct {
	WorkerID string             `json:"worker_id"`
	Queue    string             `json:"queue"`
	Envelope *envelope.Envelope `json:"envelope"`
}

// Supervisor owns the fork-and-wait loop for one worker. It is constructed
// once per worker Loop and reused across every job that worker reserves.
type Supervisor struct {
	gw      *redisgw.Gateway
	bus     *eventbus.Bus
	status  *status.Tracker
	failLog *faillog.Log
	stats   *stats.Counters
	reg     *registry.Registry
	factory *factory.Factory // only consulted by the inline fallback
	log     logger.Logger
}

// New wires a Supervisor from its collaborators. factory is only exercised
// when exec.Command is unavailable (ForkUnsupported); the child process
// resolves handlers through its own Factory instance via RunChild.
func New(gw *redisgw.Gateway, bus *eventbus.Bus, st *status.Tracker, fl *faillog.Log, sc *stats.Counters, reg *registry.Registry, fac *factory.Factory) *Supervisor {
	return &Supervisor{
		gw:      gw,
		bus:     bus,
		status:  st,
		failLog: fl,
		stats:   sc,
		reg:     reg,
		factory: fac,
		log:     logger.Default().WithComponent(logger.ComponentSupervisor).WithSource(logger.LogSourceInternal),
	}
}

// Perform carries a reserved envelope through beforePerform, the fork
// boundary, and outcome classification. kill, when closed, tells a running
// child to die immediately (the worker control loop's USR1/TERM path).
func (s *Supervisor) Perform(ctx context.Context, workerID, queue string, env *envelope.Envelope, kill <-chan struct{}) error {
	payload := map[string]interface{}{
		"class": env.Class,
		"args":  env.Arg(),
		"id":    env.ID,
		"queue": queue,
	}
	if s.bus.Trigger(eventbus.BeforePerform, payload) == eventbus.Veto {
		s.log.Info("job vetoed before perform", "job_id", env.ID, "queue", queue)
		return s.reg.StopProcessing(ctx, workerID)
	}

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope for processing pointer: %w", err)
	}
	if err := s.reg.SetProcessing(ctx, workerID, queue, data); err != nil {
		return fmt.Errorf("set processing pointer: %w", err)
	}

	req := childRequest{WorkerID: workerID, Queue: queue, Envelope: env}
	reqData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode child request: %w", err)
	}

	forkPayload := map[string]interface{}{"worker": workerID, "queue": queue, "id": env.ID}
	s.bus.Trigger(eventbus.BeforeFork, forkPayload)

	// The connection must be discarded before the fork boundary: a socket
	// shared across parent and child would corrupt both sides.
	if err := s.gw.Invalidate(); err != nil {
		s.log.Warn("invalidate before fork failed", "error", err)
	}

	metrics.Default().RecordJobStarted(queue)
	forkStart := time.Now()
	result := s.fork(ctx, reqData, kill)
	forkDuration := time.Since(forkStart)

	if err := s.gw.Reconnect(); err != nil {
		return fmt.Errorf("reconnect after fork: %w", err)
	}

	s.bus.Trigger(eventbus.AfterFork, forkPayload)

	if !result.skipped {
		if result.startErr == nil && !result.signaled && result.exitCode == exitSuccess {
			metrics.Default().RecordJobCompleted(queue, forkDuration)
		} else {
			metrics.Default().RecordJobFailed(queue, forkDuration)
		}
		if err := s.recordOutcome(ctx, workerID, queue, env, reqData, result); err != nil {
			return err
		}
		s.bus.Trigger(eventbus.AfterPerform, payload)
	}

	return s.reg.StopProcessing(ctx, workerID)
}

type forkResult struct {
	skipped  bool
	exitCode int
	signaled bool
	signal   syscall.Signal
	startErr error
}

// fork spawns the child and waits for it, or runs the handler inline when
// exec.Command is unavailable on this platform.
func (s *Supervisor) fork(ctx context.Context, reqData []byte, kill <-chan struct{}) forkResult {
	exePath, err := os.Executable()
	if err != nil {
		s.log.Warn("fork unsupported, falling back to inline execution", "error", err)
		// The connection was invalidated for the fork that isn't happening;
		// the inline path needs it back before it can record anything.
		if rerr := s.gw.Reconnect(); rerr != nil {
			return forkResult{startErr: fmt.Errorf("reconnect for inline execution: %w", rerr)}
		}
		return s.runInline(ctx, reqData)
	}

	cmd := exec.CommandContext(ctx, exePath, ChildFlag)
	cmd.Stdin = bytes.NewReader(reqData)
	cmd.Stdout = logger.NewWriter(s.log, logger.LevelInfo)
	cmd.Stderr = logger.NewWriter(s.log, logger.LevelError)

	if err := cmd.Start(); err != nil {
		return forkResult{startErr: fmt.Errorf("start child: %w", err)}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-kill:
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		waitErr = <-done
	}

	if waitErr == nil {
		return forkResult{exitCode: exitSuccess}
	}

	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return forkResult{startErr: fmt.Errorf("wait on child: %w", waitErr)}
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return forkResult{signaled: true, signal: ws.Signal()}
	}

	code := exitErr.ExitCode()
	if code == exitSkipped {
		return forkResult{skipped: true}
	}
	return forkResult{exitCode: code}
}

// runInline executes the handler in the current goroutine, the documented
// degraded path for platforms without process-spawning support: a handler
// panic is recovered rather than taking the worker down with it. Unlike the
// real re-exec'd child, nothing else observes this goroutine's outcome, so
// runInline records status/failed-log/stats and fires onFailure itself on
// any failure, the same bookkeeping childFail does on the real child path.
func (s *Supervisor) runInline(ctx context.Context, reqData []byte) (res forkResult) {
	var req childRequest
	if err := json.Unmarshal(reqData, &req); err != nil {
		return forkResult{startErr: fmt.Errorf("decode inline request: %w", err)}
	}

	defer func() {
		if r := recover(); r != nil {
			perr := &errors.PanicError{Value: r, Stacktrace: string(debug.Stack())}
			s.log.Error("handler panicked in inline fallback", "error", errors.FormatPanicForLog(perr))
			s.recordInlineFailure(ctx, req, "HandlerFault", perr.Error())
			res = forkResult{exitCode: exitHandlerError}
		}
	}()

	handler, err := s.factory.Create(req.Envelope.Class, req.Envelope.Arg(), req.Queue)
	if err != nil {
		s.recordInlineFailure(ctx, req, "HandlerFault", fmt.Sprintf("no handler registered for class %q: %v", req.Envelope.Class, err))
		return forkResult{exitCode: exitHandlerError}
	}

	if su, ok := handler.(factory.SetUpper); ok {
		if err := su.SetUp(); err != nil {
			if err == factory.ErrVeto {
				return forkResult{skipped: true}
			}
			s.recordInlineFailure(ctx, req, "SetUpError", err.Error())
			return forkResult{exitCode: exitHandlerError}
		}
	}

	resultVal, perfErr := invokePerform(handler)

	if td, ok := handler.(factory.TearDowner); ok {
		if err := td.TearDown(); err != nil {
			s.log.Warn("teardown failed in inline fallback", "error", err)
		}
	}

	if perfErr != nil {
		s.recordInlineFailure(ctx, req, "HandlerError", perfErr.Error())
		return forkResult{exitCode: exitHandlerError}
	}

	resultJSON, err := json.Marshal(resultVal)
	if err != nil {
		resultJSON = nil
	}
	if err := s.status.Update(ctx, req.Envelope.ID, status.Complete, resultJSON); err != nil {
		s.log.Warn("failed to mark status complete in inline fallback", "error", err)
	}
	return forkResult{exitCode: exitSuccess}
}

// recordInlineFailure mirrors childFail's bookkeeping for the inline
// fallback path, where there is no separate child process to have recorded
// it already.
func (s *Supervisor) recordInlineFailure(ctx context.Context, req childRequest, exception, errMsg string) {
	if err := s.status.Update(ctx, req.Envelope.ID, status.Failed, nil); err != nil {
		s.log.Warn("failed to mark status failed in inline fallback", "error", err)
	}

	payload, err := req.Envelope.Encode()
	if err != nil {
		payload = nil
	}
	if err := s.failLog.RecordHandlerError(ctx, payload, exception, errMsg, nil, req.WorkerID, req.Queue); err != nil {
		s.log.Error("failed to record handler error in inline fallback", "error", err)
	}
	if err := s.stats.IncrForWorker(ctx, stats.Failed, req.WorkerID); err != nil {
		s.log.Warn("failed to increment failed stat in inline fallback", "error", err)
	}

	s.bus.Trigger(eventbus.OnFailure, map[string]interface{}{
		"class":     req.Envelope.Class,
		"args":      req.Envelope.Arg(),
		"id":        req.Envelope.ID,
		"queue":     req.Queue,
		"worker":    req.WorkerID,
		"exception": exception,
		"error":     errMsg,
	})
}

// recordOutcome interprets the child's exit status: a clean exit increments
// the processed counters; any other outcome is a failure, synthesized by the
// parent only when the child could not have recorded it itself.
func (s *Supervisor) recordOutcome(ctx context.Context, workerID, queue string, env *envelope.Envelope, payload []byte, res forkResult) error {
	switch {
	case res.startErr != nil:
		return s.synthesizeFailure(ctx, workerID, queue, env, payload, res.startErr.Error())

	case res.signaled:
		return s.synthesizeFailure(ctx, workerID, queue, env, payload,
			fmt.Sprintf("job exited with signal %d", int(res.signal)))

	case res.exitCode == exitSuccess:
		return s.stats.IncrForWorker(ctx, stats.Processed, workerID)

	case res.exitCode == exitHandlerError:
		// The child already recorded its own failure (status, failed log,
		// stat:failed) before exiting 1. Nothing left for the parent to do.
		return nil

	default:
		return s.synthesizeFailure(ctx, workerID, queue, env, payload,
			fmt.Sprintf("job exited with exit code %d", res.exitCode))
	}
}

// synthesizeFailure is invoked when the child died before it could record
// its own outcome (killed by signal, never started, or exited with a code
// this binary never produces deliberately).
func (s *Supervisor) synthesizeFailure(ctx context.Context, workerID, queue string, env *envelope.Envelope, payload []byte, msg string) error {
	if err := s.status.Update(ctx, env.ID, status.Failed, nil); err != nil {
		s.log.Warn("failed to mark status failed after synthesized outcome", "error", err)
	}
	if err := s.failLog.RecordFault(ctx, payload, msg, workerID, queue); err != nil {
		return fmt.Errorf("record synthesized fault: %w", err)
	}
	return s.stats.IncrForWorker(ctx, stats.Failed, workerID)
}

// RunChild is the child-side entrypoint: cmd/worker's main calls this
// instead of starting a worker loop when ChildFlag is present in os.Args.
// It reads the childRequest from stdin, runs the handler to completion, and
// returns the process exit code the parent's fork() classifies. bus is a
// fresh event bus built by the child, independent of the parent's: the
// child is a separate process and resolves handlers and hooks on its own,
// the same way it resolves handlers through its own Factory instance.
func RunChild(ctx context.Context, reg *registry.Registry, fac *factory.Factory, st *status.Tracker, fl *faillog.Log, sc *stats.Counters, bus *eventbus.Bus) int {
	log := logger.Default().WithComponent(logger.ComponentSupervisor).WithSource(logger.LogSourceJob)

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		log.Error("failed to read job request from stdin", "error", err)
		return exitStartupFailed
	}

	var req childRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		log.Error("failed to decode job request", "error", err)
		return exitStartupFailed
	}
	env := req.Envelope

	if err := reg.SetPID(ctx, req.WorkerID, os.Getpid()); err != nil {
		log.Warn("failed to record child pid", "error", err)
	}

	if err := st.Update(ctx, env.ID, status.Running, nil); err != nil {
		log.Warn("failed to mark status running", "error", err)
	}

	handler, err := fac.Create(env.Class, env.Arg(), req.Queue)
	if err != nil {
		return childFail(ctx, log, st, fl, sc, bus, req, fmt.Sprintf("no handler registered for class %q: %v", env.Class, err), "HandlerFault")
	}

	if su, ok := handler.(factory.SetUpper); ok {
		if err := su.SetUp(); err != nil {
			if err == factory.ErrVeto {
				log.Info("setup vetoed execution", "job_id", env.ID)
				return exitSkipped
			}
			return childFail(ctx, log, st, fl, sc, bus, req, err.Error(), "SetUpError")
		}
	}

	start := time.Now()
	resultVal, perfErr := invokePerform(handler)
	duration := time.Since(start)

	if td, ok := handler.(factory.TearDowner); ok {
		if err := td.TearDown(); err != nil {
			log.Warn("teardown failed", "job_id", env.ID, "error", err)
		}
	}

	if perfErr != nil {
		log.Error("handler failed", "job_id", env.ID, "duration_ms", duration.Milliseconds(), "error", perfErr)
		return childFail(ctx, log, st, fl, sc, bus, req, perfErr.Error(), "HandlerError")
	}

	resultJSON, err := json.Marshal(resultVal)
	if err != nil {
		resultJSON = nil
	}
	if err := st.Update(ctx, env.ID, status.Complete, resultJSON); err != nil {
		log.Warn("failed to mark status complete", "error", err)
	}
	log.Info("job completed", "job_id", env.ID, "queue", req.Queue, "duration_ms", duration.Milliseconds())
	return exitSuccess
}

// invokePerform wraps Perform in panic recovery so a handler panic comes back
// as a *errors.PanicError, which the callers record as a "HandlerError"
// failure, instead of an unclassified process crash.
func invokePerform(h factory.Handler) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errors.PanicError{Value: r, Stacktrace: string(debug.Stack())}
		}
	}()
	return h.Perform()
}

func childFail(ctx context.Context, log logger.Logger, st *status.Tracker, fl *faillog.Log, sc *stats.Counters, bus *eventbus.Bus, req childRequest, errMsg, exception string) int {
	if err := st.Update(ctx, req.Envelope.ID, status.Failed, nil); err != nil {
		log.Warn("failed to mark status failed", "error", err)
	}

	payload, err := req.Envelope.Encode()
	if err != nil {
		payload = nil
	}
	if err := fl.RecordHandlerError(ctx, payload, exception, errMsg, nil, req.WorkerID, req.Queue); err != nil {
		log.Error("failed to record handler error", "error", err)
	}
	if err := sc.IncrForWorker(ctx, stats.Failed, req.WorkerID); err != nil {
		log.Warn("failed to increment failed stat", "error", err)
	}

	bus.Trigger(eventbus.OnFailure, map[string]interface{}{
		"class":     req.Envelope.Class,
		"args":      req.Envelope.Arg(),
		"id":        req.Envelope.ID,
		"queue":     req.Queue,
		"worker":    req.WorkerID,
		"exception": exception,
		"error":     errMsg,
	})

	return exitHandlerError
}
