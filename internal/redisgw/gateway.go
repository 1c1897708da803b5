// Package redisgw is a thin adapter over the Redis client: key-prefixing,
// reconnect-after-fork, and typed wrappers for the commands the rest of the
// system needs. Other packages go through these wrappers; the few commands
// not wrapped here (status TTL, delayed-set size) are reached through Client().
package redisgw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidated is returned by command wrappers while the connection is
// discarded (between Invalidate and Reconnect around a child spawn).
var ErrInvalidated = errors.New("redis gateway: connection invalidated")

// Gateway owns one Redis client and the configured key prefix. It is
// injected into queue, status, stats, and registry components rather than
// reached for as ambient global state. The client field is guarded so that
// Invalidate/Reconnect (the supervisor's fork boundary, the SIGPIPE
// handler) cannot race an in-flight command from another goroutine.
type Gateway struct {
	opts   *redis.Options
	prefix string

	mu     sync.RWMutex
	client *redis.Client
}

// New parses redisURL and dials a client tuned for a worker-fleet workload:
// long-lived blocking reads (BLPOP) alongside short commands from many
// concurrent workers and an occasional scheduler sweep.
func New(redisURL, prefix string) (*Gateway, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	opts.PoolSize = 50
	opts.MinIdleConns = 5
	opts.ConnMaxIdleTime = 10 * time.Minute
	opts.PoolTimeout = 5 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 10 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.ContextTimeoutEnabled = true

	gw := &Gateway{opts: opts, prefix: prefix}
	gw.client = redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := gw.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return gw, nil
}

// NewFromClient wraps an already-constructed client (used by tests against
// miniredis, where dialing via a URL string is unnecessary ceremony).
func NewFromClient(client *redis.Client, prefix string) *Gateway {
	return &Gateway{client: client, prefix: prefix, opts: client.Options()}
}

// Key prefixes a bare key name with the configured namespace.
func (g *Gateway) Key(name string) string {
	return g.prefix + name
}

// Prefix returns the configured key prefix.
func (g *Gateway) Prefix() string {
	return g.prefix
}

// conn returns the current client, or ErrInvalidated while the connection
// is discarded.
func (g *Gateway) conn() (*redis.Client, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.client == nil {
		return nil, ErrInvalidated
	}
	return g.client, nil
}

// Client exposes the raw go-redis client for components that need commands
// this wrapper doesn't surface (pipelines, TTL inspection). May be nil
// while the connection is invalidated.
func (g *Gateway) Client() *redis.Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.client
}

// Invalidate discards the current Redis connection without tearing down the
// Gateway. Call this before spawning a child process: a socket shared across
// parent and child would corrupt both sides' protocol framing. Commands
// issued while invalidated return ErrInvalidated.
func (g *Gateway) Invalidate() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}

// Reconnect establishes a fresh client using the original options. Call this
// in the parent after the child exits, and it is what the child process
// should call first thing after it starts.
func (g *Gateway) Reconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		_ = g.client.Close()
	}
	g.client = redis.NewClient(g.opts)
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.DialTimeout)
	defer cancel()
	return g.client.Ping(ctx).Err()
}

// Close shuts the Gateway down for good.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}

// RPush appends raw bytes to the list at the prefixed key.
func (g *Gateway) RPush(ctx context.Context, key string, value []byte) error {
	client, err := g.conn()
	if err != nil {
		return err
	}
	return client.RPush(ctx, g.Key(key), value).Err()
}

// LPop pops from the left of the list; returns (nil, nil) when empty.
func (g *Gateway) LPop(ctx context.Context, key string) ([]byte, error) {
	client, err := g.conn()
	if err != nil {
		return nil, err
	}
	val, err := client.LPop(ctx, g.Key(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

// BLPop blocks across multiple prefixed keys. Returns the matched raw key
// (with prefix, as Redis reports it) and the popped value, or ("", nil, nil)
// on timeout.
func (g *Gateway) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, []byte, error) {
	client, err := g.conn()
	if err != nil {
		return "", nil, err
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = g.Key(k)
	}
	res, err := client.BLPop(ctx, timeout, prefixed...).Result()
	if err == redis.Nil {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return res[0], []byte(res[1]), nil
}

// LLen returns list length.
func (g *Gateway) LLen(ctx context.Context, key string) (int64, error) {
	client, err := g.conn()
	if err != nil {
		return 0, err
	}
	return client.LLen(ctx, g.Key(key)).Result()
}

// LRange returns a range of raw list elements.
func (g *Gateway) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	client, err := g.conn()
	if err != nil {
		return nil, err
	}
	vals, err := client.LRange(ctx, g.Key(key), start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// RPopLPush atomically moves one element between two prefixed lists.
func (g *Gateway) RPopLPush(ctx context.Context, src, dst string) ([]byte, error) {
	client, err := g.conn()
	if err != nil {
		return nil, err
	}
	val, err := client.RPopLPush(ctx, g.Key(src), g.Key(dst)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

// LRem removes up to count occurrences of value from the prefixed list.
func (g *Gateway) LRem(ctx context.Context, key string, count int64, value []byte) error {
	client, err := g.conn()
	if err != nil {
		return err
	}
	return client.LRem(ctx, g.Key(key), count, value).Err()
}

// Del removes one or more prefixed keys.
func (g *Gateway) Del(ctx context.Context, keys ...string) error {
	client, err := g.conn()
	if err != nil {
		return err
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = g.Key(k)
	}
	return client.Del(ctx, prefixed...).Err()
}

// Set writes a string value with an optional TTL (0 disables expiry).
func (g *Gateway) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	client, err := g.conn()
	if err != nil {
		return err
	}
	return client.Set(ctx, g.Key(key), value, ttl).Err()
}

// Get returns a string value; returns (nil, nil) when absent.
func (g *Gateway) Get(ctx context.Context, key string) ([]byte, error) {
	client, err := g.conn()
	if err != nil {
		return nil, err
	}
	val, err := client.Get(ctx, g.Key(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

// Expire sets a TTL on an existing key.
func (g *Gateway) Expire(ctx context.Context, key string, ttl time.Duration) error {
	client, err := g.conn()
	if err != nil {
		return err
	}
	return client.Expire(ctx, g.Key(key), ttl).Err()
}

// SAdd adds members to a set.
func (g *Gateway) SAdd(ctx context.Context, key string, members ...string) error {
	client, err := g.conn()
	if err != nil {
		return err
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return client.SAdd(ctx, g.Key(key), args...).Err()
}

// SRem removes members from a set.
func (g *Gateway) SRem(ctx context.Context, key string, members ...string) error {
	client, err := g.conn()
	if err != nil {
		return err
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return client.SRem(ctx, g.Key(key), args...).Err()
}

// SMembers returns all members of a set.
func (g *Gateway) SMembers(ctx context.Context, key string) ([]string, error) {
	client, err := g.conn()
	if err != nil {
		return nil, err
	}
	return client.SMembers(ctx, g.Key(key)).Result()
}

// Incr increments a counter and returns the new value.
func (g *Gateway) Incr(ctx context.Context, key string) (int64, error) {
	client, err := g.conn()
	if err != nil {
		return 0, err
	}
	return client.Incr(ctx, g.Key(key)).Result()
}

// IncrBy increments a counter by delta and returns the new value.
func (g *Gateway) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	client, err := g.conn()
	if err != nil {
		return 0, err
	}
	return client.IncrBy(ctx, g.Key(key), delta).Result()
}

// StripQueueKey recovers the bare queue name from a BLPOP-reported key: it
// already carries the client's configured prefix, so both that prefix and
// the literal "queue:" segment must be stripped.
func (g *Gateway) StripQueueKey(rawKey string) string {
	s := rawKey
	if len(s) >= len(g.prefix) && s[:len(g.prefix)] == g.prefix {
		s = s[len(g.prefix):]
	}
	const marker = "queue:"
	if len(s) >= len(marker) && s[:len(marker)] == marker {
		s = s[len(marker):]
	}
	return s
}

// ZAdd adds a member with a score to a sorted set.
func (g *Gateway) ZAdd(ctx context.Context, key string, score float64, member string) error {
	client, err := g.conn()
	if err != nil {
		return err
	}
	return client.ZAdd(ctx, g.Key(key), redis.Z{Score: score, Member: member}).Err()
}

// ZRangeByScore returns members scored within [min, max].
func (g *Gateway) ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	client, err := g.conn()
	if err != nil {
		return nil, err
	}
	return client.ZRangeByScore(ctx, g.Key(key), &redis.ZRangeBy{Min: min, Max: max}).Result()
}

// ZRem removes a member from a sorted set.
func (g *Gateway) ZRem(ctx context.Context, key string, member string) error {
	client, err := g.conn()
	if err != nil {
		return err
	}
	return client.ZRem(ctx, g.Key(key), member).Err()
}

// Eval runs a Lua script against prefixed keys. Used only by the
// scheduler's distributed schedule lock; the core queue/worker surface
// stays on plain single commands.
func (g *Gateway) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	client, err := g.conn()
	if err != nil {
		return nil, err
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = g.Key(k)
	}
	return client.Eval(ctx, script, prefixed, args...).Result()
}

// SetNX sets a key only if absent, with a TTL. Used by the prune guard and
// the scheduler lock.
func (g *Gateway) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	client, err := g.conn()
	if err != nil {
		return false, err
	}
	return client.SetNX(ctx, g.Key(key), value, ttl).Result()
}

// Ping checks connectivity.
func (g *Gateway) Ping(ctx context.Context) error {
	client, err := g.conn()
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}
