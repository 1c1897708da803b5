package worker

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/corvidqueue/corvid/internal/eventbus"
	"github.com/corvidqueue/corvid/internal/factory"
	"github.com/corvidqueue/corvid/internal/faillog"
	"github.com/corvidqueue/corvid/internal/queue"
	"github.com/corvidqueue/corvid/internal/redisgw"
	"github.com/corvidqueue/corvid/internal/registry"
	"github.com/corvidqueue/corvid/internal/stats"
	"github.com/corvidqueue/corvid/internal/status"
	"github.com/corvidqueue/corvid/internal/supervisor"
)

// TestMain lets this test binary double as the supervisor's own child
// process, mirroring internal/supervisor's own TestMain: Perform re-execs
// os.Executable() with ChildFlag, which for `go test` is this binary.
func TestMain(m *testing.M) {
	for _, a := range os.Args[1:] {
		if a == supervisor.ChildFlag {
			os.Exit(runAsTestChild())
		}
	}
	os.Exit(m.Run())
}

func runAsTestChild() int {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: os.Getenv("CORVID_TEST_REDIS_ADDR")})
	gw := redisgw.NewFromClient(client, "corvid:")
	fl := faillog.New(gw)
	reg := registry.New(gw, fl)
	st := status.New(gw)
	sc := stats.New(gw)
	fac := factory.New()
	fac.Register("Echo", func(args interface{}, queueName string) (factory.Handler, error) {
		return echoHandler{args: args}, nil
	})
	return supervisor.RunChild(ctx, reg, fac, st, fl, sc, eventbus.New())
}

func TestWorkerIDFormat(t *testing.T) {
	id := workerID("host1", 123, 0, []string{"a", "b"}, false)
	if id != "host1:123:a,b" {
		t.Fatalf("unexpected worker id: %s", id)
	}

	id = workerID("host1", 123, 2, []string{"a"}, false)
	if id != "host1:123-2:a" {
		t.Fatalf("unexpected sub-indexed worker id: %s", id)
	}

	id = workerID("host1", 123, 0, nil, true)
	if id != "host1:123:*" {
		t.Fatalf("unexpected wildcard worker id: %s", id)
	}
}

func TestKillSwitchTriggerIsIdempotent(t *testing.T) {
	ks := newKillSwitch()
	ch := ks.arm()

	ks.trigger()
	ks.trigger() // must not panic on double-close

	select {
	case <-ch:
	default:
		t.Fatal("expected kill channel to be closed after trigger")
	}

	select {
	case <-ks.arm():
		t.Fatal("expected freshly armed channel to be open")
	default:
	}
}

func setupLoop(t *testing.T, cfg Config) (*Loop, *queue.Operations, *faillog.Log, *stats.Counters, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Setenv("CORVID_TEST_REDIS_ADDR", mr.Addr())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gw := redisgw.NewFromClient(client, "corvid:")
	bus := eventbus.New()
	st := status.New(gw)
	fl := faillog.New(gw)
	sc := stats.New(gw)
	reg := registry.New(gw, fl)
	fac := factory.New()
	fac.Register("Echo", func(args interface{}, queueName string) (factory.Handler, error) {
		return echoHandler{args: args}, nil
	})
	qops := queue.New(gw, bus, st)
	sup := supervisor.New(gw, bus, st, fl, sc, reg, fac)

	l, err := New(cfg, gw, qops, sup, reg, bus, fl, sc)
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	return l, qops, fl, sc, mr
}

type echoHandler struct{ args interface{} }

func (e echoHandler) Perform() (interface{}, error) { return e.args, nil }

func TestResolveQueuesWildcardSortsLexically(t *testing.T) {
	l, qops, _, _, mr := setupLoop(t, Config{All: true, Interval: time.Millisecond})
	defer mr.Close()
	ctx := context.Background()

	for _, q := range []string{"zeta", "alpha", "mid"} {
		if _, err := qops.Enqueue(ctx, q, "Echo", nil, false, ""); err != nil {
			t.Fatalf("enqueue %s: %v", q, err)
		}
	}

	queues, err := l.resolveQueues(ctx)
	if err != nil {
		t.Fatalf("resolve queues: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(queues) != len(want) {
		t.Fatalf("expected %v, got %v", want, queues)
	}
	for i, q := range want {
		if queues[i] != q {
			t.Fatalf("expected %v, got %v", want, queues)
		}
	}
}

func TestReserveNonBlockingWalksOrderFirstNonEmptyWins(t *testing.T) {
	l, qops, _, _, mr := setupLoop(t, Config{Queues: []string{"a", "b"}, Interval: time.Millisecond})
	defer mr.Close()
	ctx := context.Background()

	if _, err := qops.Enqueue(ctx, "b", "Echo", map[string]interface{}{"k": "v"}, false, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	q, env, err := l.reserve(ctx)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if q != "b" || env == nil {
		t.Fatalf("expected to reserve from b, got queue=%q env=%v", q, env)
	}
}

func TestRunProcessesOneJobThenStopsOnContextCancel(t *testing.T) {
	l, qops, _, sc, mr := setupLoop(t, Config{Queues: []string{"default"}, Interval: 20 * time.Millisecond})
	defer mr.Close()
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := qops.Enqueue(ctx, "default", "Echo", map[string]interface{}{"msg": "hi"}, false, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := sc.Get(ctx, stats.Processed)
		if err == nil && n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	n, err := sc.Get(ctx, stats.Processed)
	if err != nil {
		t.Fatalf("get processed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected stat:processed=1, got %d", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after context cancel")
	}

	if l.CurrentState() != Stopped {
		t.Fatalf("expected Stopped state, got %s", l.CurrentState())
	}
}

func TestMalformedQueueElementIsDroppedAndRecorded(t *testing.T) {
	l, _, fl, sc, mr := setupLoop(t, Config{Queues: []string{"default"}, Interval: time.Millisecond})
	defer mr.Close()
	ctx := context.Background()

	if err := l.gw.RPush(ctx, "queue:default", []byte("not json at all")); err != nil {
		t.Fatalf("rpush raw: %v", err)
	}

	_, _, err := l.reserve(ctx)
	var malformed *queue.MalformedPayloadError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedPayloadError, got %v", err)
	}
	if malformed.Queue != "default" {
		t.Fatalf("expected queue default, got %q", malformed.Queue)
	}

	l.recordMalformed(ctx, malformed)

	n, err := fl.Length(ctx)
	if err != nil {
		t.Fatalf("fail log length: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 failed-log entry for the dropped element, got %d", n)
	}
	recs, err := fl.All(ctx)
	if err != nil {
		t.Fatalf("fail log all: %v", err)
	}
	if recs[0].Exception != "SerializationError" {
		t.Fatalf("expected SerializationError, got %q", recs[0].Exception)
	}

	failed, err := sc.Get(ctx, stats.Failed)
	if err != nil {
		t.Fatalf("get failed stat: %v", err)
	}
	if failed != 1 {
		t.Fatalf("expected stat:failed=1, got %d", failed)
	}

	size, err := l.gw.LLen(ctx, "queue:default")
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if size != 0 {
		t.Fatalf("expected the malformed element to be off the queue, got %d left", size)
	}
}

func TestNewUsesHostnameAndPID(t *testing.T) {
	l, _, _, _, mr := setupLoop(t, Config{Queues: []string{"default"}})
	defer mr.Close()

	host, _ := os.Hostname()
	want := workerID(host, os.Getpid(), 0, []string{"default"}, false)
	if l.ID() != want {
		t.Fatalf("expected id %s, got %s", want, l.ID())
	}
}
