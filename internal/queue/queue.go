// Package queue implements enqueue/pop/selective-remove against named Redis
// lists, plus the `queues` set maintained as a side effect of enqueue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corvidqueue/corvid/internal/envelope"
	"github.com/corvidqueue/corvid/internal/eventbus"
	"github.com/corvidqueue/corvid/internal/redisgw"
	"github.com/corvidqueue/corvid/internal/status"
)

const queuesSetKey = "queues"

func queueKey(name string) string {
	return "queue:" + name
}

// ErrRefused is returned by Enqueue when a beforeEnqueue listener vetoes.
var ErrRefused = fmt.Errorf("enqueue refused by event listener")

// MalformedPayloadError reports a queue element that could not be decoded as
// an envelope. The element has already been popped by the time decoding
// fails, so Raw is the caller's only copy of it; the worker loop records it
// to the failed log instead of retrying.
type MalformedPayloadError struct {
	Queue string
	Raw   []byte
	Err   error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload in queue %s: %v", e.Queue, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// Operations implements the queue surface over a Gateway, an event bus, and
// a status tracker (status creation on enqueue is conditional on
// trackStatus, per the opt-in contract).
type Operations struct {
	gw     *redisgw.Gateway
	bus    *eventbus.Bus
	status *status.Tracker
}

// New wires a Gateway, event bus, and status tracker into a queue surface.
func New(gw *redisgw.Gateway, bus *eventbus.Bus, st *status.Tracker) *Operations {
	return &Operations{gw: gw, bus: bus, status: st}
}

// Enqueue serializes an envelope and appends it to queue:<name>, maintaining
// the `queues` set membership. Returns the generated job id, or ErrRefused
// if a beforeEnqueue listener vetoes.
func (o *Operations) Enqueue(ctx context.Context, queueName, class string, args interface{}, trackStatus bool, prefix string) (string, error) {
	id := uuid.New().String()

	payload := map[string]interface{}{
		"class": class,
		"args":  args,
		"queue": queueName,
		"id":    id,
	}
	if o.bus.Trigger(eventbus.BeforeEnqueue, payload) == eventbus.Veto {
		return "", ErrRefused
	}

	env := envelope.New(class, args, id, prefix, float64(time.Now().Unix()))
	data, err := env.Encode()
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}

	if err := o.gw.SAdd(ctx, queuesSetKey, queueName); err != nil {
		return "", fmt.Errorf("register queue: %w", err)
	}
	if err := o.gw.RPush(ctx, queueKey(queueName), data); err != nil {
		return "", fmt.Errorf("push envelope: %w", err)
	}

	if trackStatus {
		if err := o.status.Create(ctx, id, prefix); err != nil {
			return "", fmt.Errorf("create status record: %w", err)
		}
	}

	o.bus.Trigger(eventbus.AfterEnqueue, payload)

	return id, nil
}

// Recreate puts an already-built envelope back on a queue under its
// original id, recreating the status record when the job was tracked so a
// requeued job stays observable.
func (o *Operations) Recreate(ctx context.Context, queueName string, env *envelope.Envelope) error {
	tracked, err := o.status.IsTracking(ctx, env.ID)
	if err != nil {
		return fmt.Errorf("check tracking: %w", err)
	}

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := o.gw.SAdd(ctx, queuesSetKey, queueName); err != nil {
		return fmt.Errorf("register queue: %w", err)
	}
	if err := o.gw.RPush(ctx, queueKey(queueName), data); err != nil {
		return fmt.Errorf("push envelope: %w", err)
	}

	if tracked {
		if err := o.status.Create(ctx, env.ID, env.Prefix); err != nil {
			return fmt.Errorf("recreate status record: %w", err)
		}
	}
	return nil
}

// Pop performs a non-blocking LPOP of one envelope, or returns (nil, nil)
// when the queue is empty.
func (o *Operations) Pop(ctx context.Context, queueName string) (*envelope.Envelope, error) {
	data, err := o.gw.LPop(ctx, queueKey(queueName))
	if err != nil {
		return nil, fmt.Errorf("pop: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	env, err := envelope.Decode(data)
	if err != nil {
		return nil, &MalformedPayloadError{Queue: queueName, Raw: data, Err: err}
	}
	return env, nil
}

// BlockingPop issues a single BLPOP across every listed queue, returning the
// bare queue name (prefix and the "queue:" segment both stripped) and the
// decoded envelope from whichever queue Redis serviced first, or ("", nil,
// nil) on timeout.
func (o *Operations) BlockingPop(ctx context.Context, queues []string, timeout time.Duration) (string, *envelope.Envelope, error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = queueKey(q)
	}

	rawKey, data, err := o.gw.BLPop(ctx, timeout, keys...)
	if err != nil {
		return "", nil, fmt.Errorf("blocking pop: %w", err)
	}
	if rawKey == "" {
		return "", nil, nil
	}

	queueName := o.gw.StripQueueKey(rawKey)
	env, err := envelope.Decode(data)
	if err != nil {
		return "", nil, &MalformedPayloadError{Queue: queueName, Raw: data, Err: err}
	}
	return queueName, env, nil
}

// Size returns the number of envelopes waiting in a queue.
func (o *Operations) Size(ctx context.Context, queueName string) (int64, error) {
	return o.gw.LLen(ctx, queueKey(queueName))
}

// List returns every known queue name.
func (o *Operations) List(ctx context.Context) ([]string, error) {
	return o.gw.SMembers(ctx, queuesSetKey)
}

// Enumerate returns every envelope currently in a queue, oldest first.
func (o *Operations) Enumerate(ctx context.Context, queueName string) ([]*envelope.Envelope, error) {
	raw, err := o.gw.LRange(ctx, queueKey(queueName), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("enumerate: %w", err)
	}
	envs := make([]*envelope.Envelope, 0, len(raw))
	for _, r := range raw {
		e, err := envelope.Decode(r)
		if err != nil {
			return nil, err
		}
		envs = append(envs, e)
	}
	return envs, nil
}

// RemoveQueue deletes the queue list and its membership in `queues`.
func (o *Operations) RemoveQueue(ctx context.Context, queueName string) error {
	if err := o.gw.Del(ctx, queueKey(queueName)); err != nil {
		return fmt.Errorf("remove queue: %w", err)
	}
	return o.gw.SRem(ctx, queuesSetKey, queueName)
}

// Matcher selects envelopes for SelectiveRemove. A matcher is either a bare
// class name, a class+id pair, or a class plus a partial args object.
type Matcher struct {
	Class string
	ID    string
	Args  map[string]interface{}
}

func (m Matcher) matches(e *envelope.Envelope) bool {
	if m.Class != e.Class {
		return false
	}
	if m.ID != "" {
		return m.ID == e.ID
	}
	if len(m.Args) > 0 {
		argMap, ok := e.Arg().(map[string]interface{})
		if !ok {
			return false
		}
		for k, v := range m.Args {
			got, exists := argMap[k]
			if !exists || !valuesEqual(got, v) {
				return false
			}
		}
		return true
	}
	// Bare class name: class equality alone is sufficient.
	return true
}

func valuesEqual(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

// SelectiveRemove is a best-effort operator tool, not an atomic filter: it
// shuffles the queue through temporary lists via RPOPLPUSH, so a concurrent
// enqueue during the shuffle lands after the restored elements and is not
// examined by this pass. Preserves relative order of the elements that
// remain.
func (o *Operations) SelectiveRemove(ctx context.Context, queueName string, matchers []Matcher) (int, error) {
	src := queueKey(queueName)
	tempKey := queueKey(queueName) + ":selremove:temp"
	requeueKey := queueKey(queueName) + ":selremove:requeue"

	removed := 0
	for {
		data, err := o.gw.RPopLPush(ctx, src, tempKey)
		if err != nil {
			return removed, fmt.Errorf("shuffle to temp: %w", err)
		}
		if data == nil {
			break
		}

		e, err := envelope.Decode(data)
		if err != nil {
			return removed, err
		}

		matched := false
		for _, m := range matchers {
			if m.matches(e) {
				matched = true
				break
			}
		}

		if matched {
			removed++
			if err := o.gw.LRem(ctx, tempKey, 1, data); err != nil {
				return removed, fmt.Errorf("drop matched element: %w", err)
			}
			continue
		}

		if _, err := o.gw.RPopLPush(ctx, tempKey, requeueKey); err != nil {
			return removed, fmt.Errorf("shuffle to requeue: %w", err)
		}
	}

	for {
		data, err := o.gw.RPopLPush(ctx, requeueKey, src)
		if err != nil {
			return removed, fmt.Errorf("drain requeue: %w", err)
		}
		if data == nil {
			break
		}
	}

	if err := o.gw.Del(ctx, tempKey, requeueKey); err != nil {
		return removed, fmt.Errorf("cleanup temp lists: %w", err)
	}

	return removed, nil
}
