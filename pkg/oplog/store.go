// Package oplog implements C1: the append-only per-worker journal,
// payload offload, and the OplogStore/PayloadStore collaborator
// interfaces of spec.md §6. Storage is bbolt-backed, generalizing the
// teacher's pkg/storage/boltdb.go bucket-per-entity pattern to
// bucket-per-worker.
package oplog

import (
	"github.com/cuemby/durablewasm/pkg/types"
)

// CommitLevel controls how aggressively Commit flushes buffered entries.
type CommitLevel string

const (
	// Always flushes synchronously to durable storage.
	Always CommitLevel = "always"
	// WhenRequired may be a no-op if nothing is buffered, or if the
	// implementation already commits on every Add.
	WhenRequired CommitLevel = "when_required"
)

// Store is C1's surface: append, commit, read, and payload offload, keyed
// by OwnedWorkerId. Implementations MUST survive process restart (spec.md
// §6, OplogStore).
//
// Contract: appends for one worker are strictly ordered and monotonic.
// Indices returned are strictly increasing. After AddAndCommit returns, a
// subsequent Read from any process observing this store MUST return the
// entry. An entry referencing a payload_ref implies the payload is
// readable (entries and payloads commit atomically w.r.t. recovery).
type Store interface {
	// Add appends an entry to the in-memory buffer for owner and returns
	// its index; it is not guaranteed durable until Commit (or
	// AddAndCommit) returns.
	Add(owner types.OwnedWorkerId, entry types.OplogEntry) (types.OplogIndex, error)

	// AddAndCommit appends and makes the entry durable before returning.
	AddAndCommit(owner types.OwnedWorkerId, entry types.OplogEntry) (types.OplogIndex, error)

	// Commit flushes owner's buffered entries per level.
	Commit(owner types.OwnedWorkerId, level CommitLevel) error

	// CurrentOplogIndex is the last appended index, live-side (including
	// buffered-but-not-yet-committed entries).
	CurrentOplogIndex(owner types.OwnedWorkerId) types.OplogIndex

	// Read returns up to n entries starting at from, in index order.
	Read(owner types.OwnedWorkerId, from types.OplogIndex, n int) (map[types.OplogIndex]types.OplogEntry, error)

	// GetLastIndex is the last durably committed index.
	GetLastIndex(owner types.OwnedWorkerId) (types.OplogIndex, error)

	// AddExportedFunctionInvoked offloads the argument blob automatically
	// and journals the invocation boundary entry.
	AddExportedFunctionInvoked(owner types.OwnedWorkerId, functionName string, args []byte, key types.IdempotencyKey) (types.OplogIndex, error)

	// AddExportedFunctionCompleted offloads the result blob automatically
	// and journals the invocation boundary entry.
	AddExportedFunctionCompleted(owner types.OwnedWorkerId, result []byte, consumedFuel int64) (types.OplogIndex, error)

	Close() error
}

// PayloadStore is the content-addressed blob side channel for large
// oplog values (spec.md §6).
type PayloadStore interface {
	Upload(data []byte) (types.PayloadRef, error)
	Download(ref types.PayloadRef) ([]byte, error)
}
