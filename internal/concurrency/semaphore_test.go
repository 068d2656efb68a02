package concurrency

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSemaphore_FastPathAcquireRelease(t *testing.T) {
	sem := NewSemaphore(NewLocalBackend(), "sem", "sem:notify", 1, time.Minute)

	if err := sem.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := sem.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestSemaphore_BlocksWhenFull_TimesOut(t *testing.T) {
	sem := NewSemaphore(NewLocalBackend(), "sem", "sem:notify", 1, time.Minute)

	if err := sem.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	start := time.Now()
	err := sem.Acquire(context.Background(), 50*time.Millisecond)
	elapsed := time.Since(start)

	if _, ok := err.(ErrAcquireTimeout); !ok {
		t.Fatalf("got %v (%T), want ErrAcquireTimeout", err, err)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("timed out too fast: %v", elapsed)
	}
}

func TestSemaphore_ReleaseWakesWaiter(t *testing.T) {
	backend := NewLocalBackend()
	sem := NewSemaphore(backend, "sem", "sem:notify", 1, time.Minute)

	if err := sem.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- sem.Acquire(context.Background(), 2*time.Second)
	}()

	// Give the waiter time to subscribe before releasing.
	time.Sleep(20 * time.Millisecond)
	if err := sem.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("waiter failed to acquire after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up after release")
	}
}

func TestSemaphore_CancellationDoesNotLeakSlot(t *testing.T) {
	sem := NewSemaphore(NewLocalBackend(), "sem", "sem:notify", 1, time.Minute)

	if err := sem.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sem.Acquire(ctx, 5*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("acquire did not return after cancellation")
	}

	// Once the original acquirer releases, a fresh acquire must succeed — the
	// cancelled waiter must not have taken (leaked) the slot.
	if err := sem.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := sem.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("expected slot to be free after the real release: %v", err)
	}
}

func TestSemaphore_TryAcquireNonBlocking(t *testing.T) {
	sem := NewSemaphore(NewLocalBackend(), "sem", "sem:notify", 1, time.Minute)

	ok, err := sem.TryAcquireNonBlocking(context.Background())
	if err != nil || !ok {
		t.Fatalf("first try: ok=%v err=%v, want true/nil", ok, err)
	}
	ok, err = sem.TryAcquireNonBlocking(context.Background())
	if err != nil || ok {
		t.Fatalf("second try: ok=%v err=%v, want false/nil (slot held)", ok, err)
	}
}

// TestSemaphore_ConcurrentSafety is the "semaphore safety" property (§8.2):
// the slot counter never exceeds max_concurrency under concurrent load.
func TestSemaphore_ConcurrentSafety(t *testing.T) {
	const max = 3
	const workers = 30
	sem := NewSemaphore(NewLocalBackend(), "sem", "sem:notify", max, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	held := 0
	peak := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := sem.Acquire(ctx, 2*time.Second); err != nil {
				return
			}
			mu.Lock()
			held++
			if held > peak {
				peak = held
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			held--
			mu.Unlock()
			sem.Release(context.Background())
		}()
	}
	wg.Wait()

	if peak > max {
		t.Errorf("peak held = %d, exceeds max %d", peak, max)
	}
}
