package stack

import (
	"context"
	"sync"

	"tickd/pkg/state"
)

// Manager hands out stacks by key, loading persisted snapshots on first
// access so a restarted driver resumes where the previous process stopped.
type Manager struct {
	cfg    Config
	stacks map[state.StackKey]*Stack
	mu     sync.Mutex
}

// NewManager creates a stack manager sharing one configuration.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:    cfg.withDefaults(),
		stacks: make(map[state.StackKey]*Stack),
	}
}

// Get returns the stack for key, loading it from the store on first access.
func (m *Manager) Get(ctx context.Context, key state.StackKey) (*Stack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stacks[key]; ok {
		return s, nil
	}

	s, err := Load(ctx, key, m.cfg)
	if err != nil {
		return nil, err
	}
	m.stacks[key] = s
	return s, nil
}

// Put registers an externally constructed stack (used after Fork).
func (m *Manager) Put(s *Stack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stacks[s.Key()] = s
}

// Keys returns the keys of all stacks currently resident.
func (m *Manager) Keys() []state.StackKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]state.StackKey, 0, len(m.stacks))
	for key := range m.stacks {
		keys = append(keys, key)
	}
	return keys
}
