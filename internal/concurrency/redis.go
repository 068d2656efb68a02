package concurrency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// incrIfBelowScript implements both "enter inbox" and "try-acquire
// semaphore": both are the same bounded, TTL-refreshing increment.
var incrIfBelowScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
local max = tonumber(ARGV[1])
if n < max then
  n = redis.call('INCR', KEYS[1])
  redis.call('EXPIRE', KEYS[1], ARGV[2])
  return n
end
return -1
`)

// decrFloorScript implements "leave inbox": a floored decrement with TTL
// refresh.
var decrFloorScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n > 0 then
  n = redis.call('DECR', KEYS[1])
else
  n = 0
end
if n < 0 then
  redis.call('SET', KEYS[1], 0)
  n = 0
end
redis.call('EXPIRE', KEYS[1], ARGV[1])
return n
`)

// decrFloorAndPublishScript implements "release semaphore and notify": the
// same floored decrement, plus a Pub/Sub notification so any waiter retries
// its try-acquire instead of sleeping out its deadline.
var decrFloorAndPublishScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n > 0 then
  n = redis.call('DECR', KEYS[1])
else
  n = 0
end
if n < 0 then
  redis.call('SET', KEYS[1], 0)
  n = 0
end
redis.call('EXPIRE', KEYS[1], ARGV[1])
redis.call('PUBLISH', KEYS[2], '1')
return n
`)

// guardScript runs the Request Guard's four protections as one atomic
// batch (§4.5). Returns 0 (admitted), 1 (per-IP rate), 2 (global rate),
// 3 (fingerprint duplicate), or 4 (nonce duplicate) — the first rejection in
// priority order.
//
// KEYS: 1=per-ip zset, 2=global zset, 3=fingerprint key, 4=nonce key.
// ARGV: 1=now_ms, 2=rate_window_ms, 3=member (unique per request),
//
//	4=per_ip_limit, 5=global_limit, 6=check_ip(0/1), 7=check_global(0/1),
//	8=check_dedup(0/1), 9=dedup_window_sec, 10=check_nonce(0/1), 11=nonce_ttl_sec.
var guardScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]
local per_ip_limit = tonumber(ARGV[4])
local global_limit = tonumber(ARGV[5])
local check_ip = ARGV[6] == '1'
local check_global = ARGV[7] == '1'
local check_dedup = ARGV[8] == '1'
local dedup_window = tonumber(ARGV[9])
local check_nonce = ARGV[10] == '1'
local nonce_ttl = tonumber(ARGV[11])
local cutoff = now - window

if check_ip then
  redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
  redis.call('ZADD', KEYS[1], now, member)
  redis.call('PEXPIRE', KEYS[1], window)
  local count = redis.call('ZCARD', KEYS[1])
  if per_ip_limit > 0 and count > per_ip_limit then
    return 1
  end
end

if check_global then
  redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', cutoff)
  redis.call('ZADD', KEYS[2], now, member)
  redis.call('PEXPIRE', KEYS[2], window)
  local count = redis.call('ZCARD', KEYS[2])
  if global_limit > 0 and count > global_limit then
    return 2
  end
end

if check_dedup then
  local ok = redis.call('SET', KEYS[3], '1', 'NX', 'EX', dedup_window)
  if not ok then
    return 3
  end
end

if check_nonce then
  local ok = redis.call('SET', KEYS[4], '1', 'NX', 'EX', nonce_ttl)
  if not ok then
    return 4
  end
end

return 0
`)

// RedisBackend is the shared, cross-replica Backend implementation. All
// mutation of shared state goes through the four scripts above — never via
// ad-hoc GET/SET/ZADD sequences — so every multi-step invariant stays
// atomic regardless of how many chattyd replicas are running.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend wraps an existing client. The caller owns the client's
// lifecycle (construction, Ping, Close).
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) EnterInbox(ctx context.Context, key string, max int, ttl time.Duration) (int, bool, error) {
	res, err := incrIfBelowScript.Run(ctx, b.client, []string{key}, max, int(ttl.Seconds())).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("concurrency: enter inbox: %w", err)
	}
	if res < 0 {
		return 0, false, nil
	}
	return int(res), true, nil
}

func (b *RedisBackend) LeaveInbox(ctx context.Context, key string, ttl time.Duration) error {
	if err := decrFloorScript.Run(ctx, b.client, []string{key}, int(ttl.Seconds())).Err(); err != nil {
		return fmt.Errorf("concurrency: leave inbox: %w", err)
	}
	return nil
}

func (b *RedisBackend) TryAcquire(ctx context.Context, key string, max int, ttl time.Duration) (bool, error) {
	res, err := incrIfBelowScript.Run(ctx, b.client, []string{key}, max, int(ttl.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("concurrency: try-acquire: %w", err)
	}
	return res >= 0, nil
}

func (b *RedisBackend) Release(ctx context.Context, key, notifyChannel string, ttl time.Duration) error {
	if err := decrFloorAndPublishScript.Run(ctx, b.client, []string{key, notifyChannel}, int(ttl.Seconds())).Err(); err != nil {
		return fmt.Errorf("concurrency: release: %w", err)
	}
	return nil
}

func (b *RedisBackend) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("concurrency: subscribe: %w", err)
	}
	sub := &redisSubscription{pubsub: pubsub, out: make(chan struct{}, 1)}
	sub.pump()
	return sub, nil
}

func (b *RedisBackend) CheckGuard(ctx context.Context, p GuardParams) (GuardVerdict, error) {
	member := uuid.New().String()
	ipKey, globalKey, fpKey, nonceKey := guardKeys(p)

	checkIP := boolFlag(p.PerIPLimit > 0)
	checkGlobal := boolFlag(p.GlobalLimit > 0)
	checkDedup := boolFlag(p.DedupWindow > 0)
	checkNonce := boolFlag(p.Nonce != "")

	res, err := guardScript.Run(ctx, b.client, []string{ipKey, globalKey, fpKey, nonceKey},
		time.Now().UnixMilli(),
		p.RateWindow.Milliseconds(),
		member,
		p.PerIPLimit,
		p.GlobalLimit,
		checkIP,
		checkGlobal,
		checkDedup,
		int(p.DedupWindow.Seconds()),
		checkNonce,
		int(p.NonceTTL.Seconds()),
	).Int64()
	if err != nil {
		return GuardOK, fmt.Errorf("concurrency: guard check: %w", err)
	}
	return GuardVerdict(res), nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// guardKeys derives the four Redis keys a guard check touches. The
// fingerprint key is namespaced by the caller's sha256(ip||query)[:16]
// digest, matching the Glossary's definition.
func guardKeys(p GuardParams) (ip, global, fp, nonce string) {
	sum := sha256.Sum256([]byte(p.IP + p.Query))
	digest := hex.EncodeToString(sum[:])[:16]
	return "chatty:guard:ip:" + p.IP,
		"chatty:guard:global",
		"chatty:guard:fp:" + digest,
		"chatty:guard:nonce:" + p.Nonce
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan struct{}
}

// pump drains the underlying message channel into a signal-only channel so
// callers never need to care about payload contents — the Model Semaphore
// only needs "something was released, retry".
func (s *redisSubscription) pump() {
	go func() {
		for range s.pubsub.Channel() {
			select {
			case s.out <- struct{}{}:
			default:
			}
		}
	}()
}

func (s *redisSubscription) C() <-chan struct{} { return s.out }
func (s *redisSubscription) Close() error       { return s.pubsub.Close() }
