package oplog

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"github.com/cuemby/durablewasm/pkg/log"
	"github.com/cuemby/durablewasm/pkg/metrics"
	"github.com/cuemby/durablewasm/pkg/types"
)

var (
	bucketOplogRoot = []byte("oplog")
	bucketPayloads  = []byte("payloads")
)

// BoltStore is the bbolt-backed implementation of Store and PayloadStore.
// Grounded on pkg/storage/boltdb.go: one bucket tree opened from a single
// file, transactional CRUD via db.Update/db.View, JSON-encoded values.
type BoltStore struct {
	db     *bbolt.DB
	logger zerolog.Logger

	mu      sync.Mutex
	buffers map[string][]types.OplogEntry // owner.String() -> pending entries
}

// NewBoltStore opens (creating if absent) the oplog database under
// dataDir/oplog.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "oplog.db")
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening oplog store at %s", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketOplogRoot); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketPayloads); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "initializing oplog buckets")
	}

	return &BoltStore{
		db:      db,
		logger:  log.WithComponent("oplog"),
		buffers: make(map[string][]types.OplogEntry),
	}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func ownerBucketName(owner types.OwnedWorkerId) []byte {
	return []byte(owner.String())
}

func indexKey(idx types.OplogIndex) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(idx))
	return b
}

func (s *BoltStore) ownerBucket(tx *bbolt.Tx, owner types.OwnedWorkerId, create bool) (*bbolt.Bucket, error) {
	root := tx.Bucket(bucketOplogRoot)
	name := ownerBucketName(owner)
	if create {
		return root.CreateBucketIfNotExists(name)
	}
	return root.Bucket(name), nil
}

// lastIndexInBucket returns the last index stored in b, or types.NONE if b
// is nil or empty. b must belong to a transaction the caller holds.
func lastIndexInBucket(b *bbolt.Bucket) types.OplogIndex {
	if b == nil {
		return types.NONE
	}
	c := b.Cursor()
	k, _ := c.Last()
	if k == nil {
		return types.NONE
	}
	return types.OplogIndex(binary.BigEndian.Uint64(k))
}

// Add buffers entry in memory; it becomes durable on the next Commit or
// AddAndCommit.
func (s *BoltStore) Add(owner types.OwnedWorkerId, entry types.OplogEntry) (types.OplogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := owner.String()
	last, err := s.lastDurableIndex(owner)
	if err != nil {
		return types.NONE, err
	}
	// account for already-buffered, not-yet-committed entries
	last += types.OplogIndex(len(s.buffers[key]))
	next := last.Next()
	if last == types.NONE {
		next = types.INITIAL
	}

	s.buffers[key] = append(s.buffers[key], entry)
	metrics.OplogEntriesTotal.WithLabelValues(string(entry.Kind)).Inc()
	return next, nil
}

func (s *BoltStore) lastDurableIndex(owner types.OwnedWorkerId) (types.OplogIndex, error) {
	var idx types.OplogIndex
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := s.ownerBucket(tx, owner, false)
		if err != nil {
			return err
		}
		idx = lastIndexInBucket(b)
		return nil
	})
	return idx, err
}

// AddAndCommit appends and flushes owner's buffer synchronously.
func (s *BoltStore) AddAndCommit(owner types.OwnedWorkerId, entry types.OplogEntry) (types.OplogIndex, error) {
	idx, err := s.Add(owner, entry)
	if err != nil {
		return types.NONE, err
	}
	if err := s.Commit(owner, Always); err != nil {
		return types.NONE, err
	}
	return idx, nil
}

// Commit flushes owner's buffered entries into bbolt. WhenRequired is a
// no-op only when the buffer is empty; otherwise both levels behave
// identically, since bbolt itself provides the durability spec.md demands
// ("commit atomically with respect to recovery").
func (s *BoltStore) Commit(owner types.OwnedWorkerId, level CommitLevel) error {
	s.mu.Lock()
	key := owner.String()
	pending := s.buffers[key]
	if len(pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.buffers, key)
	s.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.OplogAppendLatency)

	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := s.ownerBucket(tx, owner, true)
		if err != nil {
			return err
		}
		next := lastIndexInBucket(b).Next()
		if next == types.NONE {
			next = types.INITIAL
		}
		for _, e := range pending {
			data, err := json.Marshal(e)
			if err != nil {
				return errors.Wrap(err, "marshalling oplog entry")
			}
			if err := b.Put(indexKey(next), data); err != nil {
				return errors.Wrap(err, "writing oplog entry")
			}
			next = next.Next()
		}
		return nil
	})
}

func (s *BoltStore) CurrentOplogIndex(owner types.OwnedWorkerId) types.OplogIndex {
	s.mu.Lock()
	buffered := len(s.buffers[owner.String()])
	s.mu.Unlock()

	last, err := s.lastDurableIndex(owner)
	if err != nil {
		return types.NONE
	}
	return last + types.OplogIndex(buffered)
}

func (s *BoltStore) GetLastIndex(owner types.OwnedWorkerId) (types.OplogIndex, error) {
	return s.lastDurableIndex(owner)
}

func (s *BoltStore) Read(owner types.OwnedWorkerId, from types.OplogIndex, n int) (map[types.OplogIndex]types.OplogEntry, error) {
	result := make(map[types.OplogIndex]types.OplogEntry)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := s.ownerBucket(tx, owner, false)
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		c := b.Cursor()
		count := 0
		for k, v := c.Seek(indexKey(from)); k != nil && (n <= 0 || count < n); k, v = c.Next() {
			var entry types.OplogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return errors.Wrap(err, "decoding oplog entry")
			}
			result[types.OplogIndex(binary.BigEndian.Uint64(k))] = entry
			count++
		}
		return nil
	})
	return result, err
}

func (s *BoltStore) AddExportedFunctionInvoked(owner types.OwnedWorkerId, functionName string, args []byte, key types.IdempotencyKey) (types.OplogIndex, error) {
	ref, err := s.Upload(args)
	if err != nil {
		return types.NONE, errors.Wrap(err, "offloading invocation arguments")
	}
	return s.AddAndCommit(owner, types.OplogEntry{
		Kind:              types.EntryExportedFunctionInvoked,
		FunctionName:      functionName,
		RequestPayloadRef: ref,
		IdempotencyKey:    key,
	})
}

func (s *BoltStore) AddExportedFunctionCompleted(owner types.OwnedWorkerId, result []byte, consumedFuel int64) (types.OplogIndex, error) {
	ref, err := s.Upload(result)
	if err != nil {
		return types.NONE, errors.Wrap(err, "offloading invocation result")
	}
	return s.AddAndCommit(owner, types.OplogEntry{
		Kind:               types.EntryExportedFunctionCompleted,
		ResponsePayloadRef: ref,
		ConsumedFuel:       consumedFuel,
	})
}

// Upload stores data content-addressed by its sha256 digest; identical
// content dedupes onto the same ref (spec.md §6 PayloadStore: "content
// addressed, dedup allowed").
func (s *BoltStore) Upload(data []byte) (types.PayloadRef, error) {
	sum := sha256.Sum256(data)
	ref := types.PayloadRef(hex.EncodeToString(sum[:]))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPayloads)
		if existing := b.Get([]byte(ref)); existing != nil {
			return nil
		}
		return b.Put([]byte(ref), data)
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

func (s *BoltStore) Download(ref types.PayloadRef) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPayloads)
		v := b.Get([]byte(ref))
		if v == nil {
			return fmt.Errorf("payload %s not found", ref)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}
