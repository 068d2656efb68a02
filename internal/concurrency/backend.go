// Package concurrency implements the distributed admission and
// concurrency-control primitives: the Inbox, the Model Semaphore, and the
// Request Guard, plus the two KV Backend implementations (Redis-backed,
// shared across replicas; and an in-process Local backend) that give them a
// single atomic-operations interface to depend on.
package concurrency

import (
	"context"
	"time"
)

// GuardParams bundles the inputs to one Request Guard check.
type GuardParams struct {
	IP             string
	Query          string
	Nonce          string // empty disables nonce dedup for this request
	PerIPLimit     int    // 0 disables the per-IP check
	GlobalLimit    int    // 0 disables the global check
	RateWindow     time.Duration
	DedupWindow    time.Duration // 0 disables fingerprint dedup
	NonceTTL       time.Duration
}

// GuardVerdict names which protection rejected a request, in priority order.
type GuardVerdict int

const (
	GuardOK GuardVerdict = iota
	GuardRateLimitedIP
	GuardRateLimitedGlobal
	GuardDuplicateFingerprint
	GuardDuplicateNonce
)

// Subscription is a live handle on a Pub/Sub notification channel. Receiving
// from C never blocks forever on its own — callers are expected to combine it
// with a timer. A single byte (or any payload) arriving on C means "a slot
// was released, it is worth retrying try-acquire".
type Subscription interface {
	C() <-chan struct{}
	Close() error
}

// Backend is the single atomic-operations interface the Inbox, Semaphore,
// and Guard depend on. Two implementations satisfy it: Redis (shared across
// replicas, §4.2) and Local (in-process, same semantics via mutex/condition
// signaling).
type Backend interface {
	// EnterInbox increments the counter at key if it is below max, refreshing
	// its TTL, and returns the post-increment value. If the counter is
	// already at max, it reports ok=false without mutating anything.
	EnterInbox(ctx context.Context, key string, max int, ttl time.Duration) (n int, ok bool, err error)

	// LeaveInbox decrements the counter at key, floored at 0, refreshing TTL.
	// Safe to call more than once (idempotent at the floor).
	LeaveInbox(ctx context.Context, key string, ttl time.Duration) error

	// TryAcquire attempts a single non-blocking acquire of one semaphore slot
	// at key. Returns ok=true and increments the counter (refreshing TTL)
	// only if the counter was below max.
	TryAcquire(ctx context.Context, key string, max int, ttl time.Duration) (ok bool, err error)

	// Release decrements the semaphore counter at key (floored at 0),
	// refreshes TTL, and publishes a single notification on notifyChannel so
	// any waiter currently subscribed retries its try-acquire.
	Release(ctx context.Context, key, notifyChannel string, ttl time.Duration) error

	// Subscribe opens a notification subscription on channel. Callers must
	// Close it when done waiting.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// CheckGuard runs the four-protection admission batch (§4.5) as one
	// atomic operation and reports the first rejection in priority order, or
	// GuardOK if the request is admitted.
	CheckGuard(ctx context.Context, p GuardParams) (GuardVerdict, error)
}
