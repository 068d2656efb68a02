package concurrency

import (
	"context"
	"time"
)

// Semaphore is the bounded, event-driven model-concurrency gate (§4.4). It
// never polls with a zero timeout: once the fast path fails, it subscribes
// to a notification channel and only re-tries try-acquire when notified or
// when the remaining deadline (always positive when waited on) expires.
type Semaphore struct {
	backend Backend
	key     string
	channel string
	max     int
	ttl     time.Duration
}

// ErrAcquireTimeout marks a blocked Acquire that ran out its deadline.
type ErrAcquireTimeout struct{}

func (ErrAcquireTimeout) Error() string { return "acquire timeout: model busy" }

// NewSemaphore builds a Semaphore bounded at max concurrent holders. key is
// the counter's backend key; channel is the Pub/Sub notification channel
// used to wake waiters on release.
func NewSemaphore(backend Backend, key, channel string, max int, ttl time.Duration) *Semaphore {
	return &Semaphore{backend: backend, key: key, channel: channel, max: max, ttl: ttl}
}

// Acquire blocks until a slot is free or timeout elapses, returning
// ErrAcquireTimeout in the latter case. If ctx is cancelled while waiting,
// Acquire returns ctx.Err() without ever incrementing the counter — no slot
// is leaked.
func (s *Semaphore) Acquire(ctx context.Context, timeout time.Duration) error {
	// Fast path: one atomic try-acquire before any waiting or subscribing.
	if ok, err := s.backend.TryAcquire(ctx, s.key, s.max, s.ttl); err != nil {
		return err
	} else if ok {
		return nil
	}

	deadline := time.Now().Add(timeout)

	sub, err := s.backend.Subscribe(ctx, s.channel)
	if err != nil {
		return err
	}
	defer sub.Close()

	// Re-try immediately after subscribing: closes the race where the slot
	// that was held when the fast path failed was released between that
	// try-acquire and this Subscribe call, so its notification would
	// otherwise be missed entirely.
	if ok, err := s.backend.TryAcquire(ctx, s.key, s.max, s.ttl); err != nil {
		return err
	} else if ok {
		return nil
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrAcquireTimeout{}
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-sub.C():
			timer.Stop()
		case <-timer.C:
			return ErrAcquireTimeout{}
		}

		if ok, err := s.backend.TryAcquire(ctx, s.key, s.max, s.ttl); err != nil {
			return err
		} else if ok {
			return nil
		}
	}
}

// TryAcquireNonBlocking either acquires immediately or reports busy, never
// waiting. Used by background pre-warming work that must never block real
// traffic.
func (s *Semaphore) TryAcquireNonBlocking(ctx context.Context) (bool, error) {
	return s.backend.TryAcquire(ctx, s.key, s.max, s.ttl)
}

// Release always succeeds; it decrements the counter and wakes one round of
// waiters via Pub/Sub.
func (s *Semaphore) Release(ctx context.Context) error {
	return s.backend.Release(ctx, s.key, s.channel, s.ttl)
}
