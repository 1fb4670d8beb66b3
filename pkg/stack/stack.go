// Package stack implements the per-(conversation, agent, branch) interaction
// stack: an append-only log of conversation states with duplicate rejection
// and a hard length cap.
//
// Invariants:
// - The first entry of a fresh branch must be a UserMessage.
// - Entries are immutable once pushed; Pop exists only for seed stripping.
// - A push whose kind+correlation id matches a recent entry is rejected.
// - A Waiting top only accepts pushes for its own call's correlation id.
package stack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"tickd/pkg/kvstore"
	"tickd/pkg/state"
)

var (
	// ErrDuplicateEntry rejects a push whose kind+correlation id already
	// appears within the lookback window. Expected under at-least-once
	// delivery; callers treat it as success-no-op.
	ErrDuplicateEntry = errors.New("duplicate entry within lookback window")

	// ErrRootNotUserMessage is a fatal consistency error: the first entry
	// of a fresh branch was not a user message.
	ErrRootNotUserMessage = errors.New("first entry of a branch must be a user message")

	// ErrBlockedOnWaiting rejects a push over a Waiting top whose
	// correlation id belongs to a different call. A blocked agent only
	// accepts its own call's resolution; anything else would barge in
	// ahead of it.
	ErrBlockedOnWaiting = errors.New("stack top is waiting on a different correlation id")
)

const (
	// DefaultCap bounds stack length; oldest entries are dropped beyond it.
	DefaultCap = 2000

	// DefaultLookback is how many recent entries the duplicate check scans.
	DefaultLookback = 100
)

// Config holds stack construction options.
type Config struct {
	Cap      int
	Lookback int
	Store    kvstore.Store // nil disables persistence
	Logger   zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Cap <= 0 {
		c.Cap = DefaultCap
	}
	if c.Lookback <= 0 {
		c.Lookback = DefaultLookback
	}
	return c
}

// Stack is one interaction stack. All mutations go through the session
// driver's per-conversation lease, so the mutex only guards against
// concurrent readers.
type Stack struct {
	key     state.StackKey
	cfg     Config
	entries []state.Entry
	nextSeq int
	episode int
	rooted  bool // true once the branch root user message has been pushed
	mu      sync.RWMutex
}

type snapshot struct {
	Key     state.StackKey `json:"key"`
	NextSeq int            `json:"next_seq"`
	Episode int            `json:"episode"`
	Rooted  bool           `json:"rooted"`
	Entries []state.Entry  `json:"entries"`
}

// New creates an empty stack for key.
func New(key state.StackKey, cfg Config) *Stack {
	return &Stack{key: key, cfg: cfg.withDefaults()}
}

// Load restores a stack from its persisted snapshot, or returns a fresh one
// when no snapshot exists.
func Load(ctx context.Context, key state.StackKey, cfg Config) (*Stack, error) {
	s := New(key, cfg)
	if s.cfg.Store == nil {
		return s, nil
	}

	raw, ok, err := s.cfg.Store.Get(ctx, storeKey(key))
	if err != nil {
		return nil, fmt.Errorf("failed to load stack %s: %w", key, err)
	}
	if !ok {
		return s, nil
	}

	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode stack snapshot %s: %w", key, err)
	}

	s.entries = snap.Entries
	s.nextSeq = snap.NextSeq
	s.episode = snap.Episode
	s.rooted = snap.Rooted

	s.cfg.Logger.Debug().
		Str("stack", key.String()).
		Int("entries", len(s.entries)).
		Msg("Stack restored from snapshot")

	return s, nil
}

// Key returns the stack's identity.
func (s *Stack) Key() state.StackKey {
	return s.key
}

// Push appends a state, assigning the next sequence index and current
// episode id. Returns ErrRootNotUserMessage on a fresh branch whose first
// push is not a user message, and ErrDuplicateEntry when the kind+correlation
// fingerprint matches a recent entry.
func (s *Stack) Push(ctx context.Context, st state.State) (state.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.rooted && len(s.entries) == 0 && st.Kind != state.KindUserMessage {
		return state.Entry{}, fmt.Errorf("stack %s: %w (got %s)", s.key, ErrRootNotUserMessage, st.Kind)
	}

	// Fork seeds are synthetic and exempt; everything else has to carry the
	// blocked call's correlation id (retry suffixes aside).
	if n := len(s.entries); n > 0 && s.entries[n-1].State.Kind == state.KindWaiting && !st.IsSeed() {
		top := s.entries[n-1].State
		if state.BaseCorrelation(st.CorrelationID) != state.BaseCorrelation(top.CorrelationID) {
			return state.Entry{}, fmt.Errorf("stack %s: %w (waiting on %s, got %s/%s)",
				s.key, ErrBlockedOnWaiting, top.CorrelationID, st.Kind, st.CorrelationID)
		}
	}

	if st.CorrelationID != "" && s.duplicateLocked(st) {
		return state.Entry{}, fmt.Errorf("stack %s: %w (%s/%s)",
			s.key, ErrDuplicateEntry, st.Kind, st.CorrelationID)
	}

	id, err := gonanoid.New()
	if err != nil {
		return state.Entry{}, fmt.Errorf("failed to generate entry id: %w", err)
	}

	if st.Kind == state.KindUserMessage && !st.IsSeed() {
		s.episode++
	}

	entry := state.Entry{
		ID:        id,
		Seq:       s.nextSeq,
		BranchID:  s.key.BranchID,
		EpisodeID: s.episode,
		State:     st,
	}
	s.nextSeq++
	s.entries = append(s.entries, entry)
	if st.Kind == state.KindUserMessage {
		s.rooted = true
	}

	s.truncateToCapLocked()

	if err := s.persistLocked(ctx); err != nil {
		return state.Entry{}, err
	}
	return entry, nil
}

// Pop removes and returns the top entry. Used only for seed stripping.
func (s *Stack) Pop(ctx context.Context) (state.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return state.Entry{}, false, nil
	}
	top := s.entries[len(s.entries)-1]
	s.entries = s.entries[:len(s.entries)-1]

	if err := s.persistLocked(ctx); err != nil {
		return state.Entry{}, false, err
	}
	return top, true, nil
}

// Current returns the top entry, if any.
func (s *Stack) Current() (state.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return state.Entry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// Len returns the number of entries.
func (s *Stack) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns a copy of all entries in causal order.
func (s *Stack) Entries() []state.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]state.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Fork creates a new branch seeded from this stack. The fork copies the
// current entries, records the fork point on the first copied entry, and
// tops the new branch with a synthetic seed user message so the branch can
// accept new work without re-triggering the old top state.
func (s *Stack) Fork(ctx context.Context, branchID string) (*Stack, error) {
	s.mu.RLock()
	entries := make([]state.Entry, len(s.entries))
	copy(entries, s.entries)
	nextSeq := s.nextSeq
	episode := s.episode
	forkSeq := 0
	if len(s.entries) > 0 {
		forkSeq = s.entries[len(s.entries)-1].Seq
	}
	s.mu.RUnlock()

	child := New(state.StackKey{
		ConversationID: s.key.ConversationID,
		AgentID:        s.key.AgentID,
		BranchID:       branchID,
	}, s.cfg)

	for i := range entries {
		entries[i].BranchID = branchID
	}
	if len(entries) > 0 {
		entries[0].ParentBranch = s.key.BranchID
		entries[0].ParentSeq = forkSeq
	}
	child.entries = entries
	child.nextSeq = nextSeq
	child.episode = episode
	child.rooted = len(entries) > 0

	if _, err := child.Push(ctx, state.NewUserMessage(state.SeedMarker)); err != nil {
		return nil, fmt.Errorf("failed to seed forked branch %s: %w", branchID, err)
	}
	return child, nil
}

// duplicateLocked scans the lookback window for an entry with the same
// kind+correlation fingerprint.
func (s *Stack) duplicateLocked(st state.State) bool {
	start := len(s.entries) - s.cfg.Lookback
	if start < 0 {
		start = 0
	}
	for _, entry := range s.entries[start:] {
		if entry.State.Kind == st.Kind && entry.State.CorrelationID == st.CorrelationID {
			return true
		}
	}
	return false
}

// truncateToCapLocked drops oldest entries beyond the cap, keeping the
// branch-root user message alive when it is the first entry.
func (s *Stack) truncateToCapLocked() {
	if len(s.entries) <= s.cfg.Cap {
		return
	}

	overflow := len(s.entries) - s.cfg.Cap
	if s.entries[0].State.Kind == state.KindUserMessage {
		// Preserve the root; drop from the second entry onward.
		root := s.entries[0]
		s.entries = append([]state.Entry{root}, s.entries[1+overflow:]...)
	} else {
		s.entries = s.entries[overflow:]
	}

	s.cfg.Logger.Debug().
		Str("stack", s.key.String()).
		Int("dropped", overflow).
		Msg("Stack truncated to cap")
}

func (s *Stack) persistLocked(ctx context.Context) error {
	if s.cfg.Store == nil {
		return nil
	}

	snap := snapshot{
		Key:     s.key,
		NextSeq: s.nextSeq,
		Episode: s.episode,
		Rooted:  s.rooted,
		Entries: s.entries,
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode stack snapshot: %w", err)
	}
	if err := s.cfg.Store.Set(ctx, storeKey(s.key), string(raw), 0); err != nil {
		return fmt.Errorf("failed to persist stack %s: %w", s.key, err)
	}
	return nil
}

func storeKey(key state.StackKey) string {
	return "stack:" + key.String()
}
