// Package kvstore provides the shared key-value store behind dedup keys,
// override documents, waiting-set membership, and stack snapshots.
//
// Invariants:
// - SetNX and SetRemove are atomic; correctness of the dedup and
//   waiting-set layers depends on it.
// - Expired keys behave as absent from every read operation.
package kvstore

import (
	"context"
	"time"
)

// Store is the narrow shared-store surface the coordination layers consume.
// Backends must provide atomic set-if-absent and atomic
// set-remove-test-empty semantics.
type Store interface {
	// Get returns the value for key, reporting presence.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes key=value. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes key=value only if the key is absent, returning true if
	// the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// SetAdd adds members to the set at key.
	SetAdd(ctx context.Context, key string, members ...string) error

	// SetRemove removes one member and returns the remaining cardinality.
	// Removing an absent member is not an error.
	SetRemove(ctx context.Context, key, member string) (int, error)

	// SetMembers returns all members of the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// ListAppend appends values to the list at key.
	ListAppend(ctx context.Context, key string, values ...string) error

	// ListRange returns list elements in [start, stop]; stop=-1 means the
	// end of the list.
	ListRange(ctx context.Context, key string, start, stop int) ([]string, error)

	// Sweep removes expired keys and returns how many were dropped.
	Sweep(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}
