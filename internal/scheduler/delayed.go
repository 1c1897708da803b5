// Package scheduler implements the delayed-job promoter and the recurring
// cron-schedule registry that back the scheduler binary. Promoted envelopes
// land in an ordinary queue, indistinguishable from ones enqueued directly.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corvidqueue/corvid/internal/envelope"
	"github.com/corvidqueue/corvid/internal/logger"
	"github.com/corvidqueue/corvid/internal/redisgw"
)

const delayedKey = "delayed"

// delayedEntry is the JSON member stored in the `delayed` ZSET: an envelope
// plus the queue name it should land in once due (the ZSET score alone
// only carries the run-at timestamp).
type delayedEntry struct {
	Queue    string             `json:"queue"`
	Envelope *envelope.Envelope `json:"envelope"`
}

// Promoter moves due entries from the `delayed` ZSET into their target
// queue. It is the Go-native equivalent of resque-scheduler's delayed-job
// poller.
type Promoter struct {
	gw  *redisgw.Gateway
	log logger.Logger
}

// NewPromoter wires a Gateway into a delayed-job promoter.
func NewPromoter(gw *redisgw.Gateway) *Promoter {
	return &Promoter{
		gw:  gw,
		log: logger.Default().WithComponent(logger.ComponentScheduler).WithSource(logger.LogSourceInternal),
	}
}

// Schedule adds env to the `delayed` ZSET scored by runAt, to be promoted
// into queueName once due.
func (p *Promoter) Schedule(ctx context.Context, queueName string, env *envelope.Envelope, runAt time.Time) error {
	entry := delayedEntry{Queue: queueName, Envelope: env}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal delayed entry: %w", err)
	}
	return p.gw.ZAdd(ctx, delayedKey, float64(runAt.Unix()), string(data))
}

// PromoteDue pops every `delayed` entry scored at or before now and RPUSHes
// it onto its target queue, returning how many were promoted. Scans via
// ZRangeByScore rather than a single atomic pop-set: a concurrent Schedule
// landing exactly on the boundary may or may not be picked up in the same
// pass, and will simply be promoted on the next tick.
func (p *Promoter) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	cutoff := fmt.Sprintf("%d", now.Unix())
	members, err := p.gw.ZRangeByScore(ctx, delayedKey, "-inf", cutoff)
	if err != nil {
		return 0, fmt.Errorf("scan delayed set: %w", err)
	}

	promoted := 0
	for _, raw := range members {
		var entry delayedEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			p.log.Warn("dropping unparseable delayed entry", "error", err)
			if remErr := p.gw.ZRem(ctx, delayedKey, raw); remErr != nil {
				return promoted, fmt.Errorf("remove unparseable delayed entry: %w", remErr)
			}
			continue
		}

		data, err := entry.Envelope.Encode()
		if err != nil {
			return promoted, fmt.Errorf("encode promoted envelope: %w", err)
		}
		if err := p.gw.SAdd(ctx, "queues", entry.Queue); err != nil {
			return promoted, fmt.Errorf("register promoted queue: %w", err)
		}
		if err := p.gw.RPush(ctx, "queue:"+entry.Queue, data); err != nil {
			return promoted, fmt.Errorf("push promoted envelope: %w", err)
		}
		if err := p.gw.ZRem(ctx, delayedKey, raw); err != nil {
			return promoted, fmt.Errorf("remove promoted delayed entry: %w", err)
		}
		promoted++
	}

	if promoted > 0 {
		p.log.Info("promoted delayed jobs", "count", promoted)
	}
	return promoted, nil
}

// Pending returns how many entries are waiting in the `delayed` set,
// regardless of due-ness (ops/monitoring use).
func (p *Promoter) Pending(ctx context.Context) (int64, error) {
	return p.gw.Client().ZCard(ctx, p.gw.Key(delayedKey)).Result()
}
