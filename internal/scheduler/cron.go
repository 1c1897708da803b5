package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corvidqueue/corvid/internal/logger"
	"github.com/corvidqueue/corvid/internal/queue"
	"github.com/corvidqueue/corvid/internal/redisgw"
)

// CronScheduler fires registered Schedules on their cron tick, guarded by a
// distributed lock so only one scheduler process enqueues a given firing
// when several run for availability.
type CronScheduler struct {
	gw       *redisgw.Gateway
	queueOps *queue.Operations
	registry *Registry
	interval time.Duration
	lockTTL  time.Duration
	log      logger.Logger
}

// NewCronScheduler wires a Gateway, Queue Operations, and a schedule
// Registry into a ticking promoter for recurring jobs.
func NewCronScheduler(gw *redisgw.Gateway, queueOps *queue.Operations, reg *Registry, interval time.Duration) *CronScheduler {
	return &CronScheduler{
		gw:       gw,
		queueOps: queueOps,
		registry: reg,
		interval: interval,
		lockTTL:  60 * time.Second,
		log:      logger.Default().WithComponent(logger.ComponentScheduler).WithSource(logger.LogSourceInternal),
	}
}

// SetLockTTL overrides the distributed lock's TTL (tests and tuning).
func (cs *CronScheduler) SetLockTTL(ttl time.Duration) { cs.lockTTL = ttl }

// Run ticks every interval until ctx is cancelled, checking each enabled
// schedule for due-ness and firing it.
func (cs *CronScheduler) Run(ctx context.Context) {
	cs.log.Info("cron scheduler started", "interval", cs.interval, "schedules", cs.registry.Count())

	ticker := time.NewTicker(cs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cs.log.Info("cron scheduler stopping")
			return
		case <-ticker.C:
			cs.tick(ctx)
		}
	}
}

func (cs *CronScheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, s := range cs.registry.List() {
		if !s.Enabled {
			continue
		}
		if cs.isDue(ctx, s, now) {
			cs.fire(ctx, s, now)
		}
	}
}

func stateKey(id string) string { return "schedule:" + id + ":state" }

func (cs *CronScheduler) getState(ctx context.Context, id string) (ScheduleState, error) {
	data, err := cs.gw.Get(ctx, stateKey(id))
	if err != nil {
		return ScheduleState{}, fmt.Errorf("get schedule state: %w", err)
	}
	if data == nil {
		return ScheduleState{}, nil
	}
	var st ScheduleState
	if err := json.Unmarshal(data, &st); err != nil {
		return ScheduleState{}, fmt.Errorf("unmarshal schedule state: %w", err)
	}
	return st, nil
}

func (cs *CronScheduler) putState(ctx context.Context, id string, st ScheduleState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal schedule state: %w", err)
	}
	return cs.gw.Set(ctx, stateKey(id), data, 0)
}

func (cs *CronScheduler) isDue(ctx context.Context, s *Schedule, now time.Time) bool {
	state, err := cs.getState(ctx, s.ID)
	if err != nil {
		cs.log.Error("failed to read schedule state", "schedule_id", s.ID, "error", err)
		return false
	}

	next, err := cs.registry.NextRun(s, state.LastRun)
	if err != nil {
		cs.log.Error("failed to compute next run", "schedule_id", s.ID, "error", err)
		return false
	}

	// One-second grace window absorbs tick-to-tick jitter around the
	// boundary.
	return !now.Before(next.Add(-time.Second))
}

func (cs *CronScheduler) fire(ctx context.Context, s *Schedule, now time.Time) {
	lockKey := "lock:schedule:" + s.ID
	lock, err := AcquireLock(ctx, cs.gw, lockKey, cs.lockTTL)
	if err != nil {
		cs.log.Error("failed to acquire schedule lock", "schedule_id", s.ID, "error", err)
		return
	}
	if lock == nil {
		cs.log.Debug("schedule already claimed by another scheduler", "schedule_id", s.ID)
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			cs.log.Warn("failed to release schedule lock", "schedule_id", s.ID, "error", err)
		}
	}()

	id, err := cs.queueOps.Enqueue(ctx, s.Queue, s.Class, s.Args, false, "")
	if err != nil {
		cs.log.Error("failed to enqueue scheduled job", "schedule_id", s.ID, "error", err)
		return
	}

	state, err := cs.getState(ctx, s.ID)
	if err != nil {
		cs.log.Warn("failed to reload schedule state before update", "schedule_id", s.ID, "error", err)
	}
	state.LastRun = now
	state.RunCount++
	if err := cs.putState(ctx, s.ID, state); err != nil {
		cs.log.Warn("failed to persist schedule state", "schedule_id", s.ID, "error", err)
	}

	cs.log.Info("scheduled job enqueued", "schedule_id", s.ID, "job_id", id, "queue", s.Queue, "class", s.Class)
}
