// Package ratelimit provides the soft per-service request governor. A call
// must hold a concurrency slot and clear three independent wait conditions
// (per-second spacing, per-minute window, imposed cooldown) before it may
// proceed; a random jitter delay is added afterwards so that concurrent
// clients do not fire in lockstep.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Settings configure one Limiter instance.
type Settings struct {
	Concurrency int     // simultaneously held slots, min 1
	PerSecond   float64 // 0 disables per-second spacing
	PerMinute   int     // 0 disables the sliding-window cap
	JitterMinMs int
	JitterMaxMs int
}

// Limiter is a cooperative rate limiter shared by all calls to one service.
type Limiter struct {
	settings Settings
	name     string
	sem      chan struct{}

	mu            sync.Mutex
	nextSlot      time.Time
	recent        []time.Time // request timestamps inside the last minute
	cooldownUntil time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates a limiter for the named service.
func New(settings Settings, name string) *Limiter {
	concurrency := settings.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Limiter{
		settings: settings,
		name:     name,
		sem:      make(chan struct{}, concurrency),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Name returns the service name the limiter was created for.
func (l *Limiter) Name() string { return l.name }

// Acquire blocks until a request is permitted or ctx is cancelled. Every
// successful Acquire must be paired with Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		wait, ok := l.tryReserve()
		if ok {
			break
		}
		if err := l.sleep(ctx, wait); err != nil {
			<-l.sem
			return err
		}
	}

	if jitter := l.pickJitter(); jitter > 0 {
		if err := l.sleep(ctx, jitter); err != nil {
			<-l.sem
			return err
		}
	}
	return nil
}

// Release frees the concurrency slot taken by Acquire.
func (l *Limiter) Release() {
	<-l.sem
}

// ImposeCooldown raises the global wait floor. Deadlines only move forward;
// overlapping cooldowns merge via max.
func (l *Limiter) ImposeCooldown(d time.Duration) {
	if d < 0 {
		d = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}
}

// tryReserve atomically re-evaluates the wait conditions and, when all are
// clear, reserves a slot. Otherwise it returns the longest pending wait.
func (l *Limiter) tryReserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var wait time.Duration

	if l.settings.PerSecond > 0 {
		if d := l.nextSlot.Sub(now); d > wait {
			wait = d
		}
	}
	if l.settings.PerMinute > 0 {
		cutoff := now.Add(-time.Minute)
		trimmed := l.recent[:0]
		for _, ts := range l.recent {
			if ts.After(cutoff) {
				trimmed = append(trimmed, ts)
			}
		}
		l.recent = trimmed
		if len(l.recent) >= l.settings.PerMinute {
			if d := l.recent[0].Add(time.Minute).Sub(now); d > wait {
				wait = d
			}
		}
	}
	if l.cooldownUntil.After(now) {
		if d := l.cooldownUntil.Sub(now); d > wait {
			wait = d
		}
	}

	if wait > 0 {
		return wait, false
	}
	if l.settings.PerSecond > 0 {
		l.nextSlot = now.Add(time.Duration(float64(time.Second) / l.settings.PerSecond))
	}
	if l.settings.PerMinute > 0 {
		l.recent = append(l.recent, now)
	}
	return 0, true
}

func (l *Limiter) pickJitter() time.Duration {
	minMs := l.settings.JitterMinMs
	if minMs < 0 {
		minMs = 0
	}
	maxMs := l.settings.JitterMaxMs
	if maxMs < minMs {
		maxMs = minMs
	}
	if maxMs == 0 {
		return 0
	}
	spread := maxMs - minMs
	ms := minMs
	if spread > 0 {
		ms += rand.IntN(spread + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
