// Package registry tracks live worker identities, their processing
// pointers, and performs startup prune of dead siblings.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/corvidqueue/corvid/internal/faillog"
	"github.com/corvidqueue/corvid/internal/redisgw"
)

const workersSetKey = "workers"

// ProcessingPointer is the JSON value stored at worker:<id> while a worker
// has a job reserved and not yet recorded its outcome.
type ProcessingPointer struct {
	Queue   string          `json:"queue"`
	RunAt   time.Time       `json:"run_at"`
	Payload json.RawMessage `json:"payload"`
}

// Registry manages the `workers` set and each worker's derived keys.
type Registry struct {
	gw      *redisgw.Gateway
	failLog *faillog.Log
}

// New wires a Gateway and a failure log (used by Prune to record orphaned
// jobs) into a worker registry.
func New(gw *redisgw.Gateway, failLog *faillog.Log) *Registry {
	return &Registry{gw: gw, failLog: failLog}
}

func startedKey(id string) string { return "worker:" + id + ":started" }
func pidKey(id string) string     { return "worker:" + id + ":pid" }
func pointerKey(id string) string { return "worker:" + id }

// Register adds id to the `workers` set and timestamps its start.
func (r *Registry) Register(ctx context.Context, id string) error {
	if err := r.gw.SAdd(ctx, workersSetKey, id); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return r.gw.Set(ctx, startedKey(id), []byte(time.Now().UTC().Format(time.RFC3339)), 0)
}

// Unregister clears a worker's processing pointer and removes its presence
// entirely from the registry, including per-worker stat counters.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	if err := r.StopProcessing(ctx, id); err != nil {
		return err
	}
	if err := r.gw.SRem(ctx, workersSetKey, id); err != nil {
		return fmt.Errorf("unregister worker: %w", err)
	}
	return r.gw.Del(ctx, pointerKey(id), startedKey(id), pidKey(id), "stat:processed:"+id, "stat:failed:"+id)
}

// All returns every registered worker id.
func (r *Registry) All(ctx context.Context) ([]string, error) {
	return r.gw.SMembers(ctx, workersSetKey)
}

// SetProcessing writes the processing pointer before a job is handed to the
// supervisor.
func (r *Registry) SetProcessing(ctx context.Context, id, queue string, payload []byte) error {
	ptr := ProcessingPointer{Queue: queue, RunAt: time.Now().UTC(), Payload: payload}
	data, err := json.Marshal(ptr)
	if err != nil {
		return fmt.Errorf("marshal processing pointer: %w", err)
	}
	return r.gw.Set(ctx, pointerKey(id), data, 0)
}

// StopProcessing clears a worker's processing pointer and PID record. It is
// always safe to call even if no pointer is currently set.
func (r *Registry) StopProcessing(ctx context.Context, id string) error {
	return r.gw.Del(ctx, pointerKey(id), pidKey(id))
}

// GetProcessing returns a worker's current processing pointer, or (nil, nil)
// if it is idle.
func (r *Registry) GetProcessing(ctx context.Context, id string) (*ProcessingPointer, error) {
	data, err := r.gw.Get(ctx, pointerKey(id))
	if err != nil {
		return nil, fmt.Errorf("get processing pointer: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var ptr ProcessingPointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return nil, fmt.Errorf("unmarshal processing pointer: %w", err)
	}
	return &ptr, nil
}

// SetPID records the child's PID once the supervisor has forked.
func (r *Registry) SetPID(ctx context.Context, id string, pid int) error {
	return r.gw.Set(ctx, pidKey(id), []byte(strconv.Itoa(pid)), 0)
}

// idHost extracts the host segment from a worker id of the form
// "<host>:<pid>:<queues>".
func idHost(id string) string {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// idPID extracts the PID segment from a worker id. A goroutine-fleet
// worker's id carries an "-N" index suffix on the PID segment
// (worker.Config.Index, e.g. "host:4821-2:default" for the third goroutine
// worker in pid 4821) to disambiguate multiple in-process workers sharing
// one OS pid; that suffix is stripped before parsing since the OS process
// existence check only cares about the pid itself.
func idPID(id string) (int, error) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) < 2 {
		return 0, fmt.Errorf("malformed worker id %q", id)
	}
	pidSegment := parts[1]
	if i := strings.IndexByte(pidSegment, '-'); i >= 0 {
		pidSegment = pidSegment[:i]
	}
	return strconv.Atoi(pidSegment)
}

// processAlive reports whether an OS process with the given PID exists on
// this host. Signal 0 performs existence/permission checks without
// affecting the target process.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// pruneLockTTL bounds how long one worker holds the per-host prune guard,
// long enough to cover a full registry scan plus fault recording.
const pruneLockTTL = 30 * time.Second

func pruneLockKey(hostname string) string { return "lock:prune:" + hostname }

// acquirePruneGuard takes the per-host prune guard via plain SETNX,
// returning the ownership token, or ok=false when another worker holds it.
func (r *Registry) acquirePruneGuard(ctx context.Context, hostname string) (token string, ok bool, err error) {
	token = uuid.New().String()
	ok, err = r.gw.SetNX(ctx, pruneLockKey(hostname), token, pruneLockTTL)
	if err != nil {
		return "", false, fmt.Errorf("acquire prune guard: %w", err)
	}
	return token, ok, nil
}

// releasePruneGuard deletes the guard only if this worker still owns it.
// The get-compare-delete is not atomic, but the guard exists to stop two
// workers double-recording the same dead sibling at startup, not to fence a
// critical section: losing the race after our TTL expired at worst lets a
// later starter re-scan an already-clean registry.
func (r *Registry) releasePruneGuard(ctx context.Context, hostname, token string) error {
	val, err := r.gw.Get(ctx, pruneLockKey(hostname))
	if err != nil {
		return fmt.Errorf("read prune guard: %w", err)
	}
	if string(val) != token {
		return nil
	}
	return r.gw.Del(ctx, pruneLockKey(hostname))
}

// Prune scans every registered worker whose host matches this host; any
// whose PID no longer corresponds to a running OS process is treated as
// dead. A dead worker's in-flight job (if any) is recorded as a failure
// ("worker vanished") and the worker is unregistered. The scan is guarded
// by a short-lived per-host SETNX guard so two workers starting on the
// same host at the same instant don't both observe the same dead sibling
// and double-record its failure; a worker that loses the race simply skips
// pruning this round and returns (0, nil).
func (r *Registry) Prune(ctx context.Context) (pruned int, err error) {
	hostname, err := os.Hostname()
	if err != nil {
		return 0, fmt.Errorf("resolve hostname: %w", err)
	}

	token, ok, err := r.acquirePruneGuard(ctx, hostname)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	defer func() {
		if rerr := r.releasePruneGuard(ctx, hostname, token); rerr != nil && err == nil {
			err = rerr
		}
	}()

	ids, err := r.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("list workers: %w", err)
	}

	for _, id := range ids {
		if idHost(id) != hostname {
			continue
		}

		pid, err := idPID(id)
		if err != nil {
			continue
		}
		if processAlive(pid) {
			continue
		}

		ptr, err := r.GetProcessing(ctx, id)
		if err != nil {
			return pruned, err
		}
		if ptr != nil {
			if err := r.failLog.RecordFault(ctx, ptr.Payload, "worker vanished", id, ptr.Queue); err != nil {
				return pruned, fmt.Errorf("record vanished worker fault: %w", err)
			}
		}

		if err := r.Unregister(ctx, id); err != nil {
			return pruned, fmt.Errorf("unregister dead worker %s: %w", id, err)
		}
		pruned++
	}

	return pruned, nil
}
