package recovery

import (
	"context"
	"sync"
	"time"
)

// AttemptLimiter counts failed verification attempts per key.
type AttemptLimiter interface {
	// Failures returns the live failure count for key.
	Failures(ctx context.Context, key string) (int, error)
	// RecordFailure increments the count and returns the new value. The
	// counter disappears ttl after the first failure.
	RecordFailure(ctx context.Context, key string, ttl time.Duration) (int, error)
	Reset(ctx context.Context, key string) error
}

type attemptWindow struct {
	count     int
	expiresAt time.Time
}

// MemoryLimiter is an AttemptLimiter for a single replica.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*attemptWindow
	now     func() time.Time
}

func NewMemoryLimiter(now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{windows: make(map[string]*attemptWindow), now: now}
}

func (l *MemoryLimiter) Failures(_ context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w := l.live(key); w != nil {
		return w.count, nil
	}
	return 0, nil
}

func (l *MemoryLimiter) RecordFailure(_ context.Context, key string, ttl time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.live(key)
	if w == nil {
		w = &attemptWindow{expiresAt: l.now().Add(ttl)}
		l.windows[key] = w
	}
	w.count++
	return w.count, nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.windows, key)
	return nil
}

// live returns the window for key, dropping it if expired. Callers hold mu.
func (l *MemoryLimiter) live(key string) *attemptWindow {
	w, ok := l.windows[key]
	if !ok {
		return nil
	}
	if !l.now().Before(w.expiresAt) {
		delete(l.windows, key)
		return nil
	}
	return w
}
