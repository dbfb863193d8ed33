package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps key state in process. It suits a single scheduler
// instance; use RedisStore when several instances share keys.
type MemoryStore struct {
	mu    sync.Mutex
	state map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: make(map[string]time.Time)}
}

func (m *MemoryStore) Update(ctx context.Context, key string, fn func(previous time.Time, exists bool) (next time.Time, err error)) (time.Time, error) {
	if strings.TrimSpace(key) == "" {
		return time.Time{}, ErrEmptyJobKey
	}
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	previous, exists := m.state[key]
	next, err := fn(previous, exists)
	if err != nil {
		return time.Time{}, err
	}
	if next.IsZero() {
		return time.Time{}, ErrZeroScheduledAt
	}
	m.state[key] = next
	return next, nil
}

// Last returns the last reserved run time of key.
func (m *MemoryStore) Last(key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.state[key]
	return t, ok
}
