// Package status tracks per-job status records: waiting, running, failed,
// complete. Tracking is opt-in per job; an untracked job has no record at
// all rather than an implicit "waiting" state.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corvidqueue/corvid/internal/redisgw"
)

// State is a job's position in the WAITING → RUNNING → {COMPLETE, FAILED}
// state machine.
type State string

const (
	Waiting  State = "WAITING"
	Running  State = "RUNNING"
	Complete State = "COMPLETE"
	Failed   State = "FAILED"
)

func (s State) terminal() bool {
	return s == Complete || s == Failed
}

// terminalTTL bounds how long a terminal status record survives.
const terminalTTL = 24 * time.Hour

// Record is the JSON value stored at job:<id>:status.
type Record struct {
	Status  State           `json:"status"`
	Updated time.Time       `json:"updated"`
	Started time.Time       `json:"started"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Tracker reads and writes status records.
type Tracker struct {
	gw *redisgw.Gateway
}

// New wraps a Gateway for status tracking.
func New(gw *redisgw.Gateway) *Tracker {
	return &Tracker{gw: gw}
}

func statusKey(id string) string {
	return "job:" + id + ":status"
}

// Create writes a fresh WAITING record for id. prefix is accepted for
// parity with the source's signature but is not part of the stored record
// (the Gateway already applies the configured key prefix uniformly).
func (t *Tracker) Create(ctx context.Context, id string, prefix string) error {
	_ = prefix
	now := time.Now().UTC()
	rec := Record{Status: Waiting, Updated: now, Started: now}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status record: %w", err)
	}
	return t.gw.Set(ctx, statusKey(id), data, 0)
}

// Update transitions id to newStatus. It silently no-ops if id has no
// existing record, so opted-out jobs never grow a status record implicitly.
// result is attached and a 24h TTL applied only on a terminal transition
// (COMPLETE or FAILED).
func (t *Tracker) Update(ctx context.Context, id string, newStatus State, result json.RawMessage) error {
	existing, err := t.gw.Get(ctx, statusKey(id))
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	if existing == nil {
		return nil
	}

	var rec Record
	if err := json.Unmarshal(existing, &rec); err != nil {
		return fmt.Errorf("unmarshal status record: %w", err)
	}

	rec.Status = newStatus
	rec.Updated = time.Now().UTC()

	var ttl time.Duration
	if newStatus.terminal() {
		rec.Result = result
		ttl = terminalTTL
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status record: %w", err)
	}

	return t.gw.Set(ctx, statusKey(id), data, ttl)
}

// Get returns the current record, or (nil, nil) if id is untracked.
func (t *Tracker) Get(ctx context.Context, id string) (*Record, error) {
	data, err := t.gw.Get(ctx, statusKey(id))
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal status record: %w", err)
	}
	return &rec, nil
}

// IsTracking reports whether id has a status record at all.
func (t *Tracker) IsTracking(ctx context.Context, id string) (bool, error) {
	rec, err := t.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// TTL returns the remaining TTL on id's status key (used by tests asserting
// the expiry invariant). A non-positive duration with no error means the
// key has no expiry set (or does not exist).
func (t *Tracker) TTL(ctx context.Context, id string) (time.Duration, error) {
	return t.gw.Client().TTL(ctx, t.gw.Key(statusKey(id))).Result()
}
