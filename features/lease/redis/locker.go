// Package redis provides a lease.Locker on Redis so several conductor
// processes share writer leases and idempotency fingerprints. Callers build
// the Redis client and pass it to New.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/conductor/runtime/clock"
	"goa.design/conductor/runtime/lease"
)

const defaultPrefix = "conductor:lease:"

type (
	// Options configures the locker.
	Options struct {
		// Redis is the connection holding the leases. Required.
		Redis *redis.Client
		// Prefix namespaces lease keys. Defaults to "conductor:lease:".
		Prefix string
		// Clock supplies AcquiredAt and ExpiresAt. Expiry itself is enforced
		// by Redis key TTLs.
		Clock clock.Clock
	}

	// Locker implements lease.Locker.
	Locker struct {
		redis  *redis.Client
		prefix string
		clock  clock.Clock
	}

	// record is the JSON value stored under each lease key.
	record struct {
		Holder     string `json:"holder"`
		AcquiredAt int64  `json:"acquired_at"`
	}
)

// acquireScript sets the key when free, renews it when owned by ARGV[2], and
// otherwise reports the current value and its remaining TTL.
var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
  return {1, ARGV[1], tonumber(ARGV[3])}
end
local ok, doc = pcall(cjson.decode, cur)
if ok and doc.holder == ARGV[2] then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  return {1, cur, tonumber(ARGV[3])}
end
return {0, cur, redis.call('PTTL', KEYS[1])}
`)

var releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local ok, doc = pcall(cjson.decode, cur)
if ok and doc.holder == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var getScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return false
end
return {cur, redis.call('PTTL', KEYS[1])}
`)

// New returns a Locker using opts.
func New(opts Options) (*Locker, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Locker{redis: opts.Redis, prefix: prefix, clock: clk}, nil
}

// Acquire implements lease.Locker.
func (l *Locker) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (lease.Lease, error) {
	if ttl < time.Millisecond {
		return lease.Lease{}, fmt.Errorf("lease ttl %s is below one millisecond", ttl)
	}
	now := l.clock.Now()
	fresh, err := json.Marshal(record{Holder: holder, AcquiredAt: now.UnixNano()})
	if err != nil {
		return lease.Lease{}, err
	}
	res, err := acquireScript.Run(ctx, l.redis, []string{l.prefix + key}, string(fresh), holder, ttl.Milliseconds()).Slice()
	if err != nil {
		return lease.Lease{}, fmt.Errorf("acquire lease %q: %w", key, err)
	}
	if len(res) != 3 {
		return lease.Lease{}, fmt.Errorf("acquire lease %q: unexpected reply %v", key, res)
	}
	granted, _ := res[0].(int64)
	value, _ := res[1].(string)
	pttl, _ := res[2].(int64)
	ls, err := decode(key, value, now, pttl)
	if err != nil {
		return lease.Lease{}, err
	}
	if granted != 1 {
		return lease.Lease{}, &lease.HeldError{Lease: ls, Remaining: ls.ExpiresAt.Sub(now)}
	}
	return ls, nil
}

// Release implements lease.Locker.
func (l *Locker) Release(ctx context.Context, key, holder string) error {
	if err := releaseScript.Run(ctx, l.redis, []string{l.prefix + key}, holder).Err(); err != nil {
		return fmt.Errorf("release lease %q: %w", key, err)
	}
	return nil
}

// Get implements lease.Locker.
func (l *Locker) Get(ctx context.Context, key string) (lease.Lease, bool, error) {
	res, err := getScript.Run(ctx, l.redis, []string{l.prefix + key}).Slice()
	if errors.Is(err, redis.Nil) {
		return lease.Lease{}, false, nil
	}
	if err != nil {
		return lease.Lease{}, false, fmt.Errorf("get lease %q: %w", key, err)
	}
	if len(res) != 2 {
		return lease.Lease{}, false, fmt.Errorf("get lease %q: unexpected reply %v", key, res)
	}
	value, _ := res[0].(string)
	pttl, _ := res[1].(int64)
	if pttl <= 0 {
		return lease.Lease{}, false, nil
	}
	ls, err := decode(key, value, l.clock.Now(), pttl)
	if err != nil {
		return lease.Lease{}, false, err
	}
	return ls, true, nil
}

// Name implements health.Pinger.
func (l *Locker) Name() string { return "lease-redis" }

// Ping implements health.Pinger.
func (l *Locker) Ping(ctx context.Context) error {
	return l.redis.Ping(ctx).Err()
}

func decode(key, value string, now time.Time, pttl int64) (lease.Lease, error) {
	var rec record
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return lease.Lease{}, fmt.Errorf("lease %q has malformed value: %w", key, err)
	}
	return lease.Lease{
		Key:        key,
		Holder:     rec.Holder,
		AcquiredAt: time.Unix(0, rec.AcquiredAt),
		ExpiresAt:  now.Add(time.Duration(pttl) * time.Millisecond),
	}, nil
}
