// Package promise implements the PromiseStore collaborator (spec.md §6):
// create/complete/drop for the promise primitive a worker blocks on while
// awaiting an external completion. Grounded on pkg/storage/boltdb.go's
// CRUD-over-bucket idiom, generalized from entity records to promise
// records.
package promise

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/durablewasm/pkg/errs"
	"github.com/cuemby/durablewasm/pkg/types"
)

// Id identifies one promise.
type Id string

// Record is the persisted state of one promise.
type Record struct {
	Owner     types.OwnedWorkerId `json:"owner"`
	OplogIdx  types.OplogIndex    `json:"oplog_idx"`
	Completed bool                `json:"completed"`
	Data      []byte              `json:"data,omitempty"`
}

var bucketPromises = []byte("promises")

// Store is a bbolt-backed PromiseStore.
type Store struct {
	db *bolt.DB
}

func NewStore(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPromises)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating promises bucket")
	}
	return &Store{db: db}, nil
}

// Create allocates a new promise tied to worker's current oplog position.
func (s *Store) Create(owner types.OwnedWorkerId, oplogIdx types.OplogIndex) (Id, error) {
	id := Id(uuid.New().String())
	rec := Record{Owner: owner, OplogIdx: oplogIdx}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(err, "encoding promise record")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPromises).Put([]byte(id), data)
	})
	if err != nil {
		return "", errors.Wrap(err, "persisting promise")
	}
	return id, nil
}

// Complete marks id as completed with data. Completing an already-complete
// promise is a no-op (idempotent), matching the oplog's own append-once
// durability guarantees.
func (s *Store) Complete(id Id, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPromises)
		raw := b.Get([]byte(id))
		if raw == nil {
			return errs.PromiseNotFound(string(id))
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return errors.Wrap(err, "decoding promise record")
		}
		if rec.Completed {
			return nil
		}
		rec.Completed = true
		rec.Data = data
		out, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrap(err, "encoding promise record")
		}
		return b.Put([]byte(id), out)
	})
}

// Drop removes a promise permanently, whether or not it was completed.
func (s *Store) Drop(id Id) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPromises)
		if b.Get([]byte(id)) == nil {
			return errs.PromiseNotFound(string(id))
		}
		return b.Delete([]byte(id))
	})
}

// Get returns the current record for id, for status/introspection callers.
func (s *Store) Get(id Id) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPromises).Get([]byte(id))
		if raw == nil {
			return errs.PromiseNotFound(string(id))
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}
