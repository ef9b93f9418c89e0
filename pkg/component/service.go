// Package component implements the ComponentService collaborator
// (spec.md §6): versioned metadata for a component definition (its
// exports, size, installed plugins, bundled files, durable/ephemeral
// kind). Grounded on pkg/storage/boltdb.go's CRUD-over-bucket idiom.
package component

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/durablewasm/pkg/errs"
	"github.com/cuemby/durablewasm/pkg/runtime"
	"github.com/cuemby/durablewasm/pkg/types"
)

// FileDescriptor is one bundled file a component ships, mounted into a
// worker's sandbox by the FileLoader at invocation time.
type FileDescriptor struct {
	Path     string `json:"path"`
	Key      string `json:"key"`
	ReadOnly bool   `json:"read_only"`
}

// Metadata is the versioned record returned by GetMetadata.
type Metadata struct {
	ComponentId   types.ComponentId          `json:"component_id"`
	Version       int                        `json:"version"`
	Size          uint64                     `json:"size"`
	ComponentType types.ComponentType        `json:"component_type"`
	Exports       []runtime.ExportedFunction `json:"exports"`
	Plugins       []string                   `json:"plugins"`
	Files         []FileDescriptor           `json:"files"`

	// PayloadRef is the content-addressed key the component's wasm bytes
	// were uploaded to the payload store under; set once, at Put time.
	PayloadRef types.PayloadRef `json:"payload_ref"`
}

var bucketComponents = []byte("components")

func bucketKey(accountID string, id types.ComponentId, version int) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d", accountID, id, version))
}

// Service is a bbolt-backed ComponentService.
type Service struct {
	db *bolt.DB
}

func NewService(db *bolt.DB) (*Service, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketComponents)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating components bucket")
	}
	return &Service{db: db}, nil
}

// Put registers or replaces metadata for one component version, used by
// the CLI's `component install` command.
func (s *Service) Put(accountID string, m Metadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encoding component metadata")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketComponents).Put(bucketKey(accountID, m.ComponentId, m.Version), data)
	})
}

// GetMetadata returns the metadata for id at version, or the latest
// registered version if version is nil.
func (s *Service) GetMetadata(accountID string, id types.ComponentId, version *int) (Metadata, error) {
	var m Metadata
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketComponents)
		if version != nil {
			raw := b.Get(bucketKey(accountID, id, *version))
			if raw == nil {
				return errs.WorkerNotFound(string(id))
			}
			return json.Unmarshal(raw, &m)
		}

		prefix := []byte(fmt.Sprintf("%s/%s/", accountID, id))
		c := b.Cursor()
		found := false
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var candidate Metadata
			if err := json.Unmarshal(v, &candidate); err != nil {
				return err
			}
			if !found || candidate.Version > m.Version {
				m = candidate
				found = true
			}
		}
		if !found {
			return errs.GetLatestVersionFailed(string(id))
		}
		return nil
	})
	return m, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
