package stats

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/corvidqueue/corvid/internal/redisgw"
)

func setupTestGateway(t *testing.T) (*redisgw.Gateway, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return redisgw.NewFromClient(client, "corvid:"), mr
}

func TestIncrMonotonic(t *testing.T) {
	gw, mr := setupTestGateway(t)
	defer mr.Close()
	c := New(gw)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		v, err := c.Incr(ctx, Processed)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if v != int64(i) {
			t.Errorf("expected %d, got %d", i, v)
		}
	}
}

func TestIncrForWorkerUpdatesBoth(t *testing.T) {
	gw, mr := setupTestGateway(t)
	defer mr.Close()
	c := New(gw)
	ctx := context.Background()

	if err := c.IncrForWorker(ctx, Failed, "host:1:default"); err != nil {
		t.Fatalf("incr for worker: %v", err)
	}

	global, err := c.Get(ctx, Failed)
	if err != nil {
		t.Fatalf("get global: %v", err)
	}
	if global != 1 {
		t.Errorf("expected global failed=1, got %d", global)
	}

	perWorker, err := c.Get(ctx, Failed+":host:1:default")
	if err != nil {
		t.Fatalf("get per-worker: %v", err)
	}
	if perWorker != 1 {
		t.Errorf("expected per-worker failed=1, got %d", perWorker)
	}
}

func TestGetUnsetCounterIsZero(t *testing.T) {
	gw, mr := setupTestGateway(t)
	defer mr.Close()
	c := New(gw)

	v, err := c.Get(context.Background(), "never-incremented")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != 0 {
		t.Errorf("expected 0, got %d", v)
	}
}
