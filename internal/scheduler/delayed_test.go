package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/corvidqueue/corvid/internal/envelope"
	"github.com/corvidqueue/corvid/internal/redisgw"
)

func setupPromoter(t *testing.T) (*Promoter, *redisgw.Gateway, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gw := redisgw.NewFromClient(client, "corvid:")
	return NewPromoter(gw), gw, mr
}

func TestScheduleAddsToDelayedSet(t *testing.T) {
	p, _, mr := setupPromoter(t)
	defer mr.Close()
	ctx := context.Background()

	env := envelope.New("Echo", map[string]interface{}{"msg": "later"}, "job-1", "corvid", 0)
	if err := p.Schedule(ctx, "default", env, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	pending, err := p.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected 1 pending entry, got %d", pending)
	}
}

func TestPromoteDueOnlyMovesPastEntries(t *testing.T) {
	p, gw, mr := setupPromoter(t)
	defer mr.Close()
	ctx := context.Background()

	due := envelope.New("Echo", nil, "job-due", "corvid", 0)
	future := envelope.New("Echo", nil, "job-future", "corvid", 0)

	if err := p.Schedule(ctx, "default", due, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("schedule due: %v", err)
	}
	if err := p.Schedule(ctx, "default", future, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("schedule future: %v", err)
	}

	promoted, err := p.PromoteDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("promote due: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("expected 1 promoted entry, got %d", promoted)
	}

	pending, err := p.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected 1 entry still pending, got %d", pending)
	}

	size, err := gw.LLen(ctx, "queue:default")
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected 1 envelope promoted into queue:default, got %d", size)
	}

	queues, err := gw.SMembers(ctx, "queues")
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(queues) != 1 || queues[0] != "default" {
		t.Fatalf("expected queues set to contain default, got %v", queues)
	}
}
