package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ListingWatcher/internal/ports"
)

// MemoryLocker serializes runs inside a single process.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	seq   uint64
	owner map[string]uint64
	now   func() time.Time
}

var _ ports.Locker = (*MemoryLocker)(nil)

// NewMemoryLocker builds an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  map[string]time.Time{},
		owner: map[string]uint64{},
		now:   time.Now,
	}
}

// Acquire takes key until released or until ttl elapses.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if expires, ok := l.held[key]; ok && l.now().Before(expires) {
		return nil, fmt.Errorf("%s: %w", key, ports.ErrLocked)
	}

	l.seq++
	token := l.seq
	l.held[key] = l.now().Add(ttl)
	l.owner[key] = token

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.owner[key] == token {
			delete(l.held, key)
			delete(l.owner, key)
		}
		return nil
	}, nil
}
