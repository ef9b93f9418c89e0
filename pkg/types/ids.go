// Package types holds the data model shared by every core component:
// identifiers, the oplog entry sum type, status records and the small
// enums that tag them.
package types

import (
	"fmt"
	"regexp"

	"github.com/pkg/errors"
)

var workerNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// ComponentId identifies a versioned WASM component definition.
type ComponentId string

// AccountId identifies the owner of a worker.
type AccountId string

// WorkerId is (ComponentId, worker_name).
type WorkerId struct {
	ComponentId ComponentId
	Name        string
}

// NewWorkerId validates worker_name against the fixed pattern: no leading
// dash, no spaces, 1-100 chars of [A-Za-z0-9_-].
func NewWorkerId(component ComponentId, name string) (WorkerId, error) {
	if name == "" || name[0] == '-' || !workerNamePattern.MatchString(name) {
		return WorkerId{}, errors.Errorf("invalid worker name %q", name)
	}
	return WorkerId{ComponentId: component, Name: name}, nil
}

func (w WorkerId) String() string {
	return fmt.Sprintf("%s/%s", w.ComponentId, w.Name)
}

// OwnedWorkerId is (AccountId, WorkerId).
type OwnedWorkerId struct {
	AccountId AccountId
	WorkerId  WorkerId
}

func (o OwnedWorkerId) String() string {
	return fmt.Sprintf("%s:%s", o.AccountId, o.WorkerId)
}

// OplogIndex is a monotonically increasing 1-based oplog position.
type OplogIndex uint64

// INITIAL is the first valid index ever assigned to a worker's oplog.
const INITIAL OplogIndex = 1

// NONE represents "no index" (an empty oplog, or "nothing read yet").
const NONE OplogIndex = 0

// Next returns the next index after idx. Defined for any non-negative idx.
func (idx OplogIndex) Next() OplogIndex { return idx + 1 }

// Previous returns the index before idx. Only meaningful for idx > NONE;
// callers must not call Previous on NONE.
func (idx OplogIndex) Previous() OplogIndex {
	if idx == NONE {
		return NONE
	}
	return idx - 1
}

// IdempotencyKey is an opaque 128-bit token identifying one logical
// invocation across retries.
type IdempotencyKey [16]byte

func (k IdempotencyKey) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", k[0:4], k[4:6], k[6:8], k[8:10], k[10:16])
}

// IsZero reports whether the key was never set.
func (k IdempotencyKey) IsZero() bool {
	return k == IdempotencyKey{}
}

// WorkerResourceId is a monotone per-worker 64-bit counter.
type WorkerResourceId uint64

// IndexedResourceKey is a structural fingerprint of a resource constructor's
// parameters, used to dedupe resources with identical parameters across
// replays.
type IndexedResourceKey struct {
	ResourceName string
	Params       []string
}

func (k IndexedResourceKey) String() string {
	s := k.ResourceName
	for _, p := range k.Params {
		s += "\x00" + p
	}
	return s
}
