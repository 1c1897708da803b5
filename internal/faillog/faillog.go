// Package faillog appends failure records to the append-only "failed" list.
package faillog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corvidqueue/corvid/internal/redisgw"
)

const key = "failed"

// Record is one serialized failure entry.
type Record struct {
	FailedAt  string          `json:"failed_at"`
	Payload   json.RawMessage `json:"payload"`
	Exception string          `json:"exception"`
	Error     string          `json:"error"`
	Backtrace []string        `json:"backtrace"`
	Worker    string          `json:"worker"`
	Queue     string          `json:"queue"`
}

// Log appends failure records to Redis.
type Log struct {
	gw *redisgw.Gateway
}

// New wraps a Gateway for failure logging.
func New(gw *redisgw.Gateway) *Log {
	return &Log{gw: gw}
}

// RecordHandlerError logs a failure raised by handler code: an exception
// class/kind plus message and an optional backtrace.
func (l *Log) RecordHandlerError(ctx context.Context, payload []byte, exception, errMsg string, backtrace []string, workerID, queue string) error {
	return l.record(ctx, payload, exception, errMsg, backtrace, workerID, queue)
}

// RecordFault logs a lower-level failure: an OS-level fault or a
// runtime crash the child could not itself record (synthesized by the
// parent after reaping the child).
func (l *Log) RecordFault(ctx context.Context, payload []byte, errMsg, workerID, queue string) error {
	return l.record(ctx, payload, "HandlerFault", errMsg, nil, workerID, queue)
}

func (l *Log) record(ctx context.Context, payload []byte, exception, errMsg string, backtrace []string, workerID, queue string) error {
	rec := Record{
		FailedAt:  time.Now().UTC().Format(time.RFC3339),
		Payload:   json.RawMessage(payload),
		Exception: exception,
		Error:     errMsg,
		Backtrace: backtrace,
		Worker:    workerID,
		Queue:     queue,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal failed-job record: %w", err)
	}

	return l.gw.RPush(ctx, key, data)
}

// Length returns the number of entries in the failed log (test/ops use).
func (l *Log) Length(ctx context.Context) (int64, error) {
	return l.gw.LLen(ctx, key)
}

// All returns every entry in the failed log, oldest first.
func (l *Log) All(ctx context.Context) ([]Record, error) {
	raw, err := l.gw.LRange(ctx, key, 0, -1)
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(raw))
	for _, r := range raw {
		var rec Record
		if err := json.Unmarshal(r, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal failed-job record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
