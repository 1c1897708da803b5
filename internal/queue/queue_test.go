package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/corvidqueue/corvid/internal/eventbus"
	"github.com/corvidqueue/corvid/internal/redisgw"
	"github.com/corvidqueue/corvid/internal/status"
)

func setupTestOps(t *testing.T) (*Operations, *redisgw.Gateway, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gw := redisgw.NewFromClient(client, "corvid:")
	bus := eventbus.New()
	st := status.New(gw)
	return New(gw, bus, st), gw, mr
}

func TestEnqueueRegistersQueueAndPushesEnvelope(t *testing.T) {
	ops, _, mr := setupTestOps(t)
	defer mr.Close()
	ctx := context.Background()

	id, err := ops.Enqueue(ctx, "default", "Echo", map[string]interface{}{"msg": "hi"}, false, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}

	queues, err := ops.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queues) != 1 || queues[0] != "default" {
		t.Fatalf("expected [default], got %v", queues)
	}

	size, err := ops.Size(ctx, "default")
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected size 1, got %d", size)
	}
}

func TestEnqueueWithTrackStatusCreatesWaitingRecord(t *testing.T) {
	ops, gw, mr := setupTestOps(t)
	defer mr.Close()
	ctx := context.Background()

	id, err := ops.Enqueue(ctx, "default", "Echo", nil, true, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	st := status.New(gw)
	rec, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if rec == nil || rec.Status != status.Waiting {
		t.Fatalf("expected WAITING status record, got %#v", rec)
	}
}

func TestEnqueueRefusedByBeforeEnqueueListener(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gw := redisgw.NewFromClient(client, "corvid:")
	bus := eventbus.New()
	bus.On(eventbus.BeforeEnqueue, func(map[string]interface{}) eventbus.Signal {
		return eventbus.Veto
	})
	ops := New(gw, bus, status.New(gw))
	ctx := context.Background()

	_, err = ops.Enqueue(ctx, "default", "Echo", nil, false, "")
	if err != ErrRefused {
		t.Fatalf("expected ErrRefused, got %v", err)
	}

	size, _ := ops.Size(ctx, "default")
	if size != 0 {
		t.Fatalf("expected nothing enqueued, got size %d", size)
	}
}

func TestFIFOWithinQueue(t *testing.T) {
	ops, _, mr := setupTestOps(t)
	defer mr.Close()
	ctx := context.Background()

	id1, _ := ops.Enqueue(ctx, "default", "First", nil, false, "")
	id2, _ := ops.Enqueue(ctx, "default", "Second", nil, false, "")

	e1, err := ops.Pop(ctx, "default")
	if err != nil {
		t.Fatalf("pop 1: %v", err)
	}
	if e1.ID != id1 {
		t.Fatalf("expected first popped job to be %s, got %s", id1, e1.ID)
	}

	e2, err := ops.Pop(ctx, "default")
	if err != nil {
		t.Fatalf("pop 2: %v", err)
	}
	if e2.ID != id2 {
		t.Fatalf("expected second popped job to be %s, got %s", id2, e2.ID)
	}
}

func TestPopEmptyQueueReturnsNil(t *testing.T) {
	ops, _, mr := setupTestOps(t)
	defer mr.Close()

	e, err := ops.Pop(context.Background(), "nothing-here")
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if e != nil {
		t.Fatalf("expected nil envelope, got %#v", e)
	}
}

func TestBlockingPopMultiQueueReturnsOnlyPopulatedQueue(t *testing.T) {
	ops, _, mr := setupTestOps(t)
	defer mr.Close()
	ctx := context.Background()

	id, err := ops.Enqueue(ctx, "b", "OnB", nil, false, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	gotQueue, env, err := ops.BlockingPop(ctx, []string{"a", "b"}, 2*time.Second)
	if err != nil {
		t.Fatalf("blocking pop: %v", err)
	}
	if gotQueue != "b" {
		t.Fatalf("expected queue b, got %q", gotQueue)
	}
	if env.ID != id {
		t.Fatalf("expected job %s, got %s", id, env.ID)
	}

	sizeA, _ := ops.Size(ctx, "a")
	if sizeA != 0 {
		t.Fatalf("expected queue a untouched, got size %d", sizeA)
	}
}

func TestSelectiveRemovePreservesOrderOfSurvivors(t *testing.T) {
	ops, _, mr := setupTestOps(t)
	defer mr.Close()
	ctx := context.Background()

	ops.Enqueue(ctx, "q", "A", nil, false, "")
	ops.Enqueue(ctx, "q", "B", nil, false, "")
	ops.Enqueue(ctx, "q", "A", nil, false, "")
	ops.Enqueue(ctx, "q", "C", nil, false, "")

	removed, err := ops.SelectiveRemove(ctx, "q", []Matcher{{Class: "A"}})
	if err != nil {
		t.Fatalf("selective remove: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}

	remaining, err := ops.Enumerate(ctx, "q")
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(remaining) != 2 || remaining[0].Class != "B" || remaining[1].Class != "C" {
		classes := make([]string, len(remaining))
		for i, e := range remaining {
			classes[i] = e.Class
		}
		t.Fatalf("expected [B, C] in order, got %v", classes)
	}
}

func TestRecreatePreservesIDAndTracking(t *testing.T) {
	ops, gw, mr := setupTestOps(t)
	defer mr.Close()
	ctx := context.Background()

	id, err := ops.Enqueue(ctx, "default", "Echo", nil, true, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	env, err := ops.Pop(ctx, "default")
	if err != nil {
		t.Fatalf("pop: %v", err)
	}

	if err := ops.Recreate(ctx, "default", env); err != nil {
		t.Fatalf("recreate: %v", err)
	}

	again, err := ops.Pop(ctx, "default")
	if err != nil {
		t.Fatalf("pop recreated: %v", err)
	}
	if again.ID != id {
		t.Fatalf("expected recreated job to keep id %s, got %s", id, again.ID)
	}

	st := status.New(gw)
	tracking, err := st.IsTracking(ctx, id)
	if err != nil {
		t.Fatalf("is tracking: %v", err)
	}
	if !tracking {
		t.Fatal("expected tracking to survive recreate")
	}
}

func TestRemoveQueueDeletesListAndMembership(t *testing.T) {
	ops, _, mr := setupTestOps(t)
	defer mr.Close()
	ctx := context.Background()

	ops.Enqueue(ctx, "gone", "X", nil, false, "")
	if err := ops.RemoveQueue(ctx, "gone"); err != nil {
		t.Fatalf("remove queue: %v", err)
	}

	queues, _ := ops.List(ctx)
	for _, q := range queues {
		if q == "gone" {
			t.Fatal("expected queue to be removed from queues set")
		}
	}
	size, _ := ops.Size(ctx, "gone")
	if size != 0 {
		t.Fatalf("expected empty queue, got size %d", size)
	}
}
