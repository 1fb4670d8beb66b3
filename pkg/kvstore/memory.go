package kvstore

import (
	"context"
	"sync"
	"time"
)

type memoryValue struct {
	value     string
	expiresAt time.Time
}

func (v memoryValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && now.After(v.expiresAt)
}

// MemoryStore is an in-process Store used by tests and single-process
// deployments. All operations are guarded by one mutex, which makes the
// compound operations (SetNX, SetRemove) trivially atomic.
type MemoryStore struct {
	kv    map[string]memoryValue
	sets  map[string]map[string]bool
	lists map[string][]string
	mu    sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:    make(map[string]memoryValue),
		sets:  make(map[string]map[string]bool),
		lists: make(map[string][]string),
	}
}

// Get returns the value for key, reporting presence.
func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.kv[key]
	if !ok || v.expired(time.Now()) {
		return "", false, nil
	}
	return v.value, true, nil
}

// Set writes key=value with an optional ttl.
func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kv[key] = memoryValue{value: value, expiresAt: expiry(ttl)}
	return nil
}

// SetNX writes key=value only if absent.
func (m *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.kv[key]; ok && !v.expired(time.Now()) {
		return false, nil
	}
	m.kv[key] = memoryValue{value: value, expiresAt: expiry(ttl)}
	return true, nil
}

// Delete removes a key.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.kv, key)
	return nil
}

// SetAdd adds members to the set at key.
func (m *MemoryStore) SetAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]bool)
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = true
	}
	return nil
}

// SetRemove removes one member and returns the remaining cardinality.
func (m *MemoryStore) SetRemove(ctx context.Context, key, member string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		return 0, nil
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return len(set), nil
}

// SetMembers returns all members of the set at key.
func (m *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

// ListAppend appends values to the list at key.
func (m *MemoryStore) ListAppend(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lists[key] = append(m.lists[key], values...)
	return nil
}

// ListRange returns list elements in [start, stop]; stop=-1 means the end.
func (m *MemoryStore) ListRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	return sliceRange(list, start, stop), nil
}

// Sweep removes expired keys.
func (m *MemoryStore) Sweep(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	dropped := 0
	for key, v := range m.kv {
		if v.expired(now) {
			delete(m.kv, key)
			dropped++
		}
	}
	return dropped, nil
}

// Close is a no-op for the in-memory backend.
func (m *MemoryStore) Close() error {
	return nil
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func sliceRange(list []string, start, stop int) []string {
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= len(list) {
		stop = len(list) - 1
	}
	if start > stop {
		return []string{}
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out
}
