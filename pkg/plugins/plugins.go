// Package plugins implements the Plugins collaborator (spec.md §6): a
// registry resolving an (account, component, version, installation) tuple
// to its installation and definition records. Grounded on
// pkg/storage/boltdb.go's CRUD-over-bucket idiom.
package plugins

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/durablewasm/pkg/errs"
	"github.com/cuemby/durablewasm/pkg/types"
)

// Installation is one activated plugin instance on a component version.
type Installation struct {
	InstallationId string            `json:"installation_id"`
	DefinitionName string            `json:"definition_name"`
	Priority       int               `json:"priority"`
	Parameters     map[string]string `json:"parameters"`
}

// Definition describes a plugin implementation independent of any
// particular installation.
type Definition struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// Entry pairs an installation with its resolved definition, the shape
// Plugins.Get returns.
type Entry struct {
	Installation Installation `json:"installation"`
	Definition   Definition   `json:"definition"`
}

var (
	bucketInstallations = []byte("plugin_installations")
	bucketDefinitions   = []byte("plugin_definitions")
)

func installationKey(accountID string, componentID types.ComponentId, version int, installationID string) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d/%s", accountID, componentID, version, installationID))
}

// Registry is a bbolt-backed Plugins collaborator.
type Registry struct {
	db *bolt.DB
}

func NewRegistry(db *bolt.DB) (*Registry, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketInstallations); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketDefinitions)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating plugin buckets")
	}
	return &Registry{db: db}, nil
}

// PutDefinition registers or replaces a plugin definition by name.
func (r *Registry) PutDefinition(def Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return errors.Wrap(err, "encoding plugin definition")
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDefinitions).Put([]byte(def.Name), data)
	})
}

// PutInstallation registers or replaces an installation on one component
// version.
func (r *Registry) PutInstallation(accountID string, componentID types.ComponentId, version int, inst Installation) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return errors.Wrap(err, "encoding plugin installation")
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstallations).Put(installationKey(accountID, componentID, version, inst.InstallationId), data)
	})
}

// Get resolves an installation and its definition.
func (r *Registry) Get(accountID string, componentID types.ComponentId, version int, installationID string) (Entry, error) {
	var entry Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketInstallations).Get(installationKey(accountID, componentID, version, installationID))
		if raw == nil {
			return errs.WorkerNotFound("plugin installation " + installationID)
		}
		if err := json.Unmarshal(raw, &entry.Installation); err != nil {
			return err
		}

		defRaw := tx.Bucket(bucketDefinitions).Get([]byte(entry.Installation.DefinitionName))
		if defRaw == nil {
			return errs.WorkerNotFound("plugin definition " + entry.Installation.DefinitionName)
		}
		return json.Unmarshal(defRaw, &entry.Definition)
	})
	return entry, err
}
