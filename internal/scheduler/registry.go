package scheduler

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var scheduleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Schedule describes one recurring entry: a cron expression, the class and
// argument vector to enqueue, and the target queue. This is a supplemental
// feature (resque-scheduler's recurring-job registry) layered on top of the
// delayed-job promoter; it does not change core job semantics.
type Schedule struct {
	ID          string
	Cron        string
	Queue       string
	Class       string
	Args        interface{}
	Enabled     bool
	Description string
}

// ScheduleState is the runtime bookkeeping persisted at
// `schedule:<id>:state`.
type ScheduleState struct {
	LastRun  time.Time `json:"last_run"`
	RunCount int64     `json:"run_count"`
}

// Registry holds the in-process set of recurring schedules. Unlike queues
// and workers, schedule definitions are process-local configuration, not a
// Redis-shared registry; only ScheduleState is durable.
type Registry struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	parser    cron.Parser
}

// NewRegistry creates an empty schedule registry using the standard 5-field
// cron grammar (minute hour day-of-month month day-of-week).
func NewRegistry() *Registry {
	return &Registry{
		schedules: make(map[string]*Schedule),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Register validates and adds a schedule. Returns an error on a malformed
// id, an unparseable cron expression, or a duplicate id.
func (r *Registry) Register(s *Schedule) error {
	if !scheduleIDPattern.MatchString(s.ID) {
		return fmt.Errorf("invalid schedule id %q", s.ID)
	}
	if _, err := r.parser.Parse(s.Cron); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schedules[s.ID]; exists {
		return fmt.Errorf("schedule %q already registered", s.ID)
	}
	r.schedules[s.ID] = s
	return nil
}

// List returns every registered schedule.
func (r *Registry) List() []*Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Schedule, 0, len(r.schedules))
	for _, s := range r.schedules {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered schedules.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schedules)
}

// NextRun computes the next firing time after since for a schedule, per
// its cron expression. A zero since means "never run before": the first
// next-run is computed from the current moment.
func (r *Registry) NextRun(s *Schedule, since time.Time) (time.Time, error) {
	sched, err := r.parser.Parse(s.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", s.Cron, err)
	}
	if since.IsZero() {
		since = time.Now().UTC()
	}
	return sched.Next(since), nil
}
