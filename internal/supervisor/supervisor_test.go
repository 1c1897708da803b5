package supervisor

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/corvidqueue/corvid/internal/envelope"
	"github.com/corvidqueue/corvid/internal/eventbus"
	"github.com/corvidqueue/corvid/internal/factory"
	"github.com/corvidqueue/corvid/internal/faillog"
	"github.com/corvidqueue/corvid/internal/redisgw"
	"github.com/corvidqueue/corvid/internal/registry"
	"github.com/corvidqueue/corvid/internal/stats"
	"github.com/corvidqueue/corvid/internal/status"
)

// TestMain lets this test binary double as the supervisor's own child
// process: Supervisor.fork re-execs os.Executable() with ChildFlag, which
// for `go test` is this very binary. When that flag is present we dispatch
// straight to RunChild instead of running the test suite, mirroring the
// self-reexec helper-process pattern os/exec's own tests use.
func TestMain(m *testing.M) {
	for _, a := range os.Args[1:] {
		if a == ChildFlag {
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
	fac.Register("Echo", func(args interface{}, queue string) (factory.Handler, error) {
		return &echoHandler{args: args}, nil
	})
	fac.Register("Boom", func(args interface{}, queue string) (factory.Handler, error) {
		return &boomHandler{}, nil
	})
	fac.Register("Hang", func(args interface{}, queue string) (factory.Handler, error) {
		return &hangHandler{}, nil
	})

	// Recorded in Redis rather than a local variable: onFailure fires inside
	// this re-exec'd child process, so a listener here can't communicate
	// back to the parent test process any other way.
	bus := eventbus.New()
	bus.On(eventbus.OnFailure, func(map[string]interface{}) eventbus.Signal {
		gw.Incr(ctx, "test:onfailure_fired")
		return eventbus.Continue
	})

	return RunChild(ctx, reg, fac, st, fl, sc, bus)
}

type echoHandler struct{ args interface{} }

func (e *echoHandler) Perform() (interface{}, error) { return e.args, nil }

type boomHandler struct{}

func (b *boomHandler) Perform() (interface{}, error) { return nil, fmt.Errorf("boom") }

type hangHandler struct{}

func (h *hangHandler) Perform() (interface{}, error) {
	time.Sleep(time.Hour)
	return nil, nil
}

func setupSupervisor(t *testing.T) (*Supervisor, *status.Tracker, *faillog.Log, *redisgw.Gateway, *miniredis.Miniredis) {
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

	return New(gw, bus, st, fl, sc, reg, fac), st, fl, gw, mr
}

func TestPerformSuccessIncrementsProcessed(t *testing.T) {
	sup, st, _, gw, mr := setupSupervisor(t)
	defer mr.Close()
	ctx := context.Background()

	env := envelope.New("Echo", map[string]interface{}{"msg": "hi"}, "job-1", "corvid", 0)
	if err := st.Create(ctx, env.ID, "corvid"); err != nil {
		t.Fatalf("create status: %v", err)
	}

	if err := sup.Perform(ctx, "host:1:default", "default", env, nil); err != nil {
		t.Fatalf("perform: %v", err)
	}

	rec, err := st.Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if rec == nil || rec.Status != status.Complete {
		t.Fatalf("expected COMPLETE status, got %#v", rec)
	}

	processed, err := gw.Get(ctx, "stat:processed")
	if err != nil {
		t.Fatalf("get stat:processed: %v", err)
	}
	if string(processed) != "1" {
		t.Fatalf("expected stat:processed=1, got %q", processed)
	}
}

func TestPerformHandlerErrorRecordsFailure(t *testing.T) {
	sup, st, fl, _, mr := setupSupervisor(t)
	defer mr.Close()
	ctx := context.Background()

	env := envelope.New("Boom", nil, "job-2", "corvid", 0)
	if err := st.Create(ctx, env.ID, "corvid"); err != nil {
		t.Fatalf("create status: %v", err)
	}

	if err := sup.Perform(ctx, "host:2:default", "default", env, nil); err != nil {
		t.Fatalf("perform: %v", err)
	}

	rec, err := st.Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if rec == nil || rec.Status != status.Failed {
		t.Fatalf("expected FAILED status, got %#v", rec)
	}

	n, err := fl.Length(ctx)
	if err != nil {
		t.Fatalf("fail log length: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one failed-log entry, got %d", n)
	}
}

func TestPerformBeforePerformVetoSkipsWithoutRecording(t *testing.T) {
	sup, st, fl, gw, mr := setupSupervisor(t)
	defer mr.Close()
	ctx := context.Background()

	sup.bus.On(eventbus.BeforePerform, func(map[string]interface{}) eventbus.Signal {
		return eventbus.Veto
	})

	env := envelope.New("Echo", nil, "job-3", "corvid", 0)
	if err := st.Create(ctx, env.ID, "corvid"); err != nil {
		t.Fatalf("create status: %v", err)
	}

	if err := sup.Perform(ctx, "host:3:default", "default", env, nil); err != nil {
		t.Fatalf("perform: %v", err)
	}

	rec, err := st.Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if rec.Status != status.Waiting {
		t.Fatalf("expected status untouched at WAITING after veto, got %#v", rec)
	}

	n, err := fl.Length(ctx)
	if err != nil {
		t.Fatalf("fail log length: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no failed-log entries after veto, got %d", n)
	}

	ptr, err := gw.Get(ctx, "worker:host:3:default")
	if err != nil {
		t.Fatalf("get processing pointer: %v", err)
	}
	if ptr != nil {
		t.Fatalf("expected no processing pointer left behind after veto")
	}
}

func TestPerformFiresForkAndPerformHooks(t *testing.T) {
	sup, st, _, _, mr := setupSupervisor(t)
	defer mr.Close()
	ctx := context.Background()

	var beforeFork, afterFork, afterPerform int
	sup.bus.On(eventbus.BeforeFork, func(map[string]interface{}) eventbus.Signal {
		beforeFork++
		return eventbus.Continue
	})
	sup.bus.On(eventbus.AfterFork, func(map[string]interface{}) eventbus.Signal {
		afterFork++
		return eventbus.Continue
	})
	sup.bus.On(eventbus.AfterPerform, func(payload map[string]interface{}) eventbus.Signal {
		afterPerform++
		if payload["id"] != "job-5" {
			t.Errorf("expected afterPerform payload id job-5, got %v", payload["id"])
		}
		return eventbus.Continue
	})

	env := envelope.New("Echo", nil, "job-5", "corvid", 0)
	if err := st.Create(ctx, env.ID, "corvid"); err != nil {
		t.Fatalf("create status: %v", err)
	}

	if err := sup.Perform(ctx, "host:5:default", "default", env, nil); err != nil {
		t.Fatalf("perform: %v", err)
	}

	if beforeFork != 1 || afterFork != 1 || afterPerform != 1 {
		t.Fatalf("expected each hook to fire once, got beforeFork=%d afterFork=%d afterPerform=%d", beforeFork, afterFork, afterPerform)
	}
}

func TestPerformHandlerErrorFiresOnFailureInChild(t *testing.T) {
	sup, st, _, gw, mr := setupSupervisor(t)
	defer mr.Close()
	ctx := context.Background()

	env := envelope.New("Boom", nil, "job-6", "corvid", 0)
	if err := st.Create(ctx, env.ID, "corvid"); err != nil {
		t.Fatalf("create status: %v", err)
	}

	if err := sup.Perform(ctx, "host:6:default", "default", env, nil); err != nil {
		t.Fatalf("perform: %v", err)
	}

	val, err := gw.Get(ctx, "test:onfailure_fired")
	if err != nil {
		t.Fatalf("get onfailure marker: %v", err)
	}
	if string(val) != "1" {
		t.Fatalf("expected the child's onFailure hook to fire once, got %q", val)
	}
}

func TestPerformKillChannelTerminatesChild(t *testing.T) {
	sup, st, _, _, mr := setupSupervisor(t)
	defer mr.Close()
	ctx := context.Background()

	env := envelope.New("Hang", nil, "job-4", "corvid", 0)
	if err := st.Create(ctx, env.ID, "corvid"); err != nil {
		t.Fatalf("create status: %v", err)
	}

	kill := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(kill)
	}()

	done := make(chan error, 1)
	go func() { done <- sup.Perform(ctx, "host:4:default", "default", env, kill) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("perform: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("perform did not return after kill signal")
	}
}
