// Package resource implements C4: per-worker resource handles, indexed
// resource keys, and the current idempotency key. Grounded on
// pkg/worker/worker.go's in-process table idiom (a map guarded by
// sync.RWMutex) combined with the journaling pattern of
// pkg/manager/fsm.go's Apply (each mutation emits a tagged oplog entry
// when live).
package resource

import (
	"fmt"
	"sync"

	"github.com/cuemby/durablewasm/pkg/errs"
	"github.com/cuemby/durablewasm/pkg/oplog"
	"github.com/cuemby/durablewasm/pkg/replay"
	"github.com/cuemby/durablewasm/pkg/types"
)

// Store is the per-worker resource table plus idempotency-key cell.
// Invariant: lastResourceID is monotone; dropped ids are never reused.
type Store struct {
	mu sync.RWMutex

	owner  types.OwnedWorkerId
	oplog  oplog.Store
	replay *replay.State

	lastResourceID types.WorkerResourceId
	resources      map[types.WorkerResourceId][]byte // opaque resource_any payload
	indexed        map[string]types.WorkerResourceId // IndexedResourceKey.String() -> id
	reverseIndexed map[types.WorkerResourceId]types.IndexedResourceKey

	currentIdempotencyKey *types.IdempotencyKey
}

func New(owner types.OwnedWorkerId, store oplog.Store, rs *replay.State) *Store {
	return &Store{
		owner:          owner,
		oplog:          store,
		replay:         rs,
		resources:      make(map[types.WorkerResourceId][]byte),
		indexed:        make(map[string]types.WorkerResourceId),
		reverseIndexed: make(map[types.WorkerResourceId]types.IndexedResourceKey),
	}
}

// Add assigns the next WorkerResourceId, inserts resourceAny, and (in live
// mode) journals CreateResource{id}. In replay mode it instead consumes the
// next cursor entry and requires it to be a matching CreateResource, so the
// replay cursor stays in lockstep with resource bookkeeping entries
// interleaved in the oplog.
func (s *Store) Add(resourceAny []byte) (types.WorkerResourceId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.replay.IsLive() {
		s.lastResourceID++
		id := s.lastResourceID
		s.resources[id] = resourceAny
		if _, err := s.oplog.AddAndCommit(s.owner, types.OplogEntry{
			Kind:       types.EntryCreateResource,
			ResourceId: id,
		}); err != nil {
			return 0, err
		}
		return id, nil
	}

	entry, err := s.consumeNext(types.EntryCreateResource)
	if err != nil {
		return 0, err
	}
	id := entry.ResourceId
	s.resources[id] = resourceAny
	if id > s.lastResourceID {
		s.lastResourceID = id
	}
	return id, nil
}

// Get removes and returns the resource, journaling DropResource{id} in live
// mode. In replay mode it consumes the matching DropResource cursor entry.
// The id is never reused afterward.
func (s *Store) Get(id types.WorkerResourceId) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.resources[id]
	if !ok {
		return nil, false, nil
	}
	delete(s.resources, id)

	if s.replay.IsLive() {
		if _, err := s.oplog.AddAndCommit(s.owner, types.OplogEntry{
			Kind:       types.EntryDropResource,
			ResourceId: id,
		}); err != nil {
			return nil, false, err
		}
		return v, true, nil
	}

	entry, err := s.consumeNext(types.EntryDropResource)
	if err != nil {
		return nil, false, err
	}
	if entry.ResourceId != id {
		return nil, false, errs.UnexpectedOplogEntry(
			fmt.Sprintf("drop_resource for %d", id),
			fmt.Sprintf("drop_resource for %d", entry.ResourceId))
	}
	return v, true, nil
}

// consumeNext advances the replay cursor by one and requires the resulting
// entry to have kind want.
func (s *Store) consumeNext(want types.EntryKind) (types.OplogEntry, error) {
	idx := s.replay.GetNextEntry()
	if idx == types.NONE {
		return types.OplogEntry{}, errs.UnexpectedOplogEntry(string(want), "<end of replay>")
	}
	entries, err := s.oplog.Read(s.owner, idx, 1)
	if err != nil {
		return types.OplogEntry{}, err
	}
	entry, ok := entries[idx]
	if !ok || entry.Kind != want {
		return types.OplogEntry{}, errs.UnexpectedOplogEntry(string(want), string(entry.Kind))
	}
	return entry, nil
}

// Borrow is a non-consuming peek.
func (s *Store) Borrow(id types.WorkerResourceId) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.resources[id]
	return v, ok
}

// StoreIndexedResource binds an IndexedResourceKey to id and journals the
// binding via DescribeResource.
func (s *Store) StoreIndexedResource(key types.IndexedResourceKey, id types.WorkerResourceId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.indexed[key.String()] = id
	s.reverseIndexed[id] = key

	if s.replay.IsLive() {
		k := key
		if _, err := s.oplog.AddAndCommit(s.owner, types.OplogEntry{
			Kind:       types.EntryDescribeResource,
			ResourceId: id,
			IndexedKey: &k,
		}); err != nil {
			return err
		}
	}
	return nil
}

// GetIndexedResource looks up the resource id bound to key, if any.
func (s *Store) GetIndexedResource(key types.IndexedResourceKey) (types.WorkerResourceId, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.indexed[key.String()]
	return id, ok
}

// DropIndexedResource removes the binding without touching the resource
// itself.
func (s *Store) DropIndexedResource(key types.IndexedResourceKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.indexed[key.String()]; ok {
		delete(s.reverseIndexed, id)
	}
	delete(s.indexed, key.String())
}

// SetCurrentIdempotencyKey records the key for the invocation currently in
// flight.
func (s *Store) SetCurrentIdempotencyKey(key types.IdempotencyKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key
	s.currentIdempotencyKey = &k
}

// GetCurrentIdempotencyKey returns the key set for the in-flight
// invocation, if any.
func (s *Store) GetCurrentIdempotencyKey() (types.IdempotencyKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentIdempotencyKey == nil {
		return types.IdempotencyKey{}, false
	}
	return *s.currentIdempotencyKey, true
}

// ClearCurrentIdempotencyKey releases the current key once its invocation
// has completed.
func (s *Store) ClearCurrentIdempotencyKey() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentIdempotencyKey = nil
}

// LastResourceID exposes the monotone counter for status/testing.
func (s *Store) LastResourceID() types.WorkerResourceId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastResourceID
}

// OwnedResources returns a snapshot of {id: indexed_key?} for status
// reporting.
func (s *Store) OwnedResources() map[types.WorkerResourceId]*types.IndexedResourceKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.WorkerResourceId]*types.IndexedResourceKey, len(s.resources))
	for id := range s.resources {
		if k, ok := s.reverseIndexed[id]; ok {
			kk := k
			out[id] = &kk
		} else {
			out[id] = nil
		}
	}
	return out
}
