package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock drives the limiter without real sleeping. Sleeps advance the
// clock by the requested duration.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

func newFakeLimiter(settings Settings) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := New(settings, "test")
	l.now = clock.Now
	l.sleep = clock.Sleep
	return l, clock
}

func TestAcquireImmediateWhenUnconstrained(t *testing.T) {
	l, _ := newFakeLimiter(Settings{Concurrency: 2})
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.Release()
}

func TestPerSecondSpacing(t *testing.T) {
	l, clock := newFakeLimiter(Settings{Concurrency: 1, PerSecond: 2})
	ctx := context.Background()

	start := clock.Now()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		l.Release()
	}
	// Three acquisitions at 2/s need at least one second of spacing.
	if elapsed := clock.Now().Sub(start); elapsed < time.Second {
		t.Fatalf("expected >=1s of spacing, got %v", elapsed)
	}
}

func TestPerMinuteWindow(t *testing.T) {
	l, clock := newFakeLimiter(Settings{Concurrency: 1, PerMinute: 2})
	ctx := context.Background()

	start := clock.Now()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		l.Release()
	}
	// The third call must wait until the first timestamp leaves the window.
	if elapsed := clock.Now().Sub(start); elapsed < time.Minute {
		t.Fatalf("expected the window to force a minute wait, got %v", elapsed)
	}
}

func TestImposeCooldownBlocksAcquire(t *testing.T) {
	l, clock := newFakeLimiter(Settings{Concurrency: 1})
	l.ImposeCooldown(5 * time.Second)

	start := clock.Now()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.Release()
	if elapsed := clock.Now().Sub(start); elapsed < 5*time.Second {
		t.Fatalf("cooldown not honoured: waited only %v", elapsed)
	}
}

func TestCooldownOnlyMovesForward(t *testing.T) {
	l, clock := newFakeLimiter(Settings{Concurrency: 1})
	l.ImposeCooldown(10 * time.Second)
	l.ImposeCooldown(2 * time.Second) // must not shorten the first

	start := clock.Now()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.Release()
	if elapsed := clock.Now().Sub(start); elapsed < 10*time.Second {
		t.Fatalf("later shorter cooldown shortened the deadline: %v", elapsed)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	const slots = 3
	l := New(Settings{Concurrency: slots}, "test")
	ctx := context.Background()

	var held atomic.Int32
	var peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := held.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			held.Add(-1)
			l.Release()
		}()
	}
	wg.Wait()
	if p := peak.Load(); p > slots {
		t.Fatalf("held %d slots concurrently, ceiling is %d", p, slots)
	}
}

func TestAcquireCancelled(t *testing.T) {
	l := New(Settings{Concurrency: 1}, "test")
	l.ImposeCooldown(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := l.Acquire(ctx); err == nil {
		l.Release()
		t.Fatal("expected cancellation error")
	}

	// The slot must have been released on the error path.
	select {
	case l.sem <- struct{}{}:
		<-l.sem
	default:
		t.Fatal("concurrency slot leaked after cancelled acquire")
	}
}

func TestJitterBounds(t *testing.T) {
	l := New(Settings{Concurrency: 1, JitterMinMs: 5, JitterMaxMs: 10}, "test")
	for i := 0; i < 100; i++ {
		j := l.pickJitter()
		if j < 5*time.Millisecond || j > 10*time.Millisecond {
			t.Fatalf("jitter %v outside [5ms,10ms]", j)
		}
	}
}
