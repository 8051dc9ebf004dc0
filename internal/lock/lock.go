// Package lock provides the mutual-exclusion keys that serialize work per
// document and per chat session.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docchat/internal/apperr"
)

// ErrLocked is returned by TryLock when another holder owns the key.
var ErrLocked = fmt.Errorf("lock held: %w", apperr.ErrBusy)

type Locker interface {
	// TryLock acquires key without waiting. The returned unlock func is safe
	// to call more than once.
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

func DocumentKey(id uuid.UUID) string { return "lock:document:" + id.String() }
func SessionKey(id uuid.UUID) string  { return "lock:session:" + id.String() }

// MemoryLocker is a process-local Locker. Keys are held until released; the
// ttl is ignored since a crashed holder takes its locks with it.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]string)}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	token := uuid.NewString()
	l.held[key] = token
	return sync.OnceFunc(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key] == token {
			delete(l.held, key)
		}
	}), nil
}

func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
