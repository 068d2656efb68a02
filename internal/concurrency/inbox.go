package concurrency

import (
	"context"
	"time"
)

// Inbox is the bounded admission counter (§4.3). One Inbox per process talks
// to whichever Backend it was built with; a shared RedisBackend makes the
// counter global across replicas.
type Inbox struct {
	backend Backend
	key     string
	max     int
	ttl     time.Duration
}

// NewInbox builds an Inbox bounded at max admitted-but-unfinished requests.
func NewInbox(backend Backend, key string, max int, ttl time.Duration) *Inbox {
	return &Inbox{backend: backend, key: key, max: max, ttl: ttl}
}

// ErrInboxFull marks a rejected Enter.
type ErrInboxFull struct{}

func (ErrInboxFull) Error() string { return "inbox full" }

// Enter admits one request, returning its informational post-increment
// position, or ErrInboxFull when the inbox is already at capacity.
func (b *Inbox) Enter(ctx context.Context) (position int, err error) {
	n, ok, err := b.backend.EnterInbox(ctx, b.key, b.max, b.ttl)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrInboxFull{}
	}
	return n, nil
}

// Leave releases one admitted slot. Safe to call even if Enter never
// succeeded for this caller — floored at 0 by the backend.
func (b *Inbox) Leave(ctx context.Context) error {
	return b.backend.LeaveInbox(ctx, b.key, b.ttl)
}
