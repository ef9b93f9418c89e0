package types

import "time"

// WorkerStatus is the externally visible lifecycle status (spec.md §3.5,
// C6). It is a pure function of the oplog plus current in-memory intents.
type WorkerStatus string

const (
	StatusIdle        WorkerStatus = "idle"
	StatusRunning      WorkerStatus = "running"
	StatusSuspended    WorkerStatus = "suspended"
	StatusInterrupted  WorkerStatus = "interrupted"
	StatusRetrying     WorkerStatus = "retrying"
	StatusFailed       WorkerStatus = "failed"
	StatusExited       WorkerStatus = "exited"
	StatusLoading      WorkerStatus = "loading"
)

// InvocationResult is the tri-state outcome of a tracked idempotency key.
type InvocationResult struct {
	Pending bool
	Ok      []byte // encoded success value, when Pending == false and Err == nil
	Err     *WorkerError
}

// PendingUpdate records an update intent observed in the oplog but not yet
// finalized. SnapshotRef is only meaningful for UpdateSnapshotBased.
type PendingUpdate struct {
	TargetVersion int
	Mode          UpdateMode
	Description   string
	SnapshotRef   PayloadRef
}

// CompletedUpdate records a finalized update, successful or failed.
type CompletedUpdate struct {
	TargetVersion int
	At            time.Time
	Details       string // populated only for FailedUpdate
}

// OwnedResource is the status-visible projection of a live resource.
type OwnedResource struct {
	CreatedAt  time.Time
	IndexedKey *IndexedResourceKey
}

// WorkerStatusRecord is the derived, externally visible status (spec.md
// §3.5). The status aggregator (C8) is the only component allowed to build
// one from scratch; everywhere else copies or rewrites a cached instance.
type WorkerStatusRecord struct {
	Status                WorkerStatus
	ComponentVersion       int
	OplogIdx               OplogIndex
	PendingInvocations      []string
	PendingUpdates          []PendingUpdate
	FailedUpdates           []CompletedUpdate
	SuccessfulUpdates       []CompletedUpdate
	InvocationResults       map[IdempotencyKey]InvocationResult
	CurrentIdempotencyKey   *IdempotencyKey
	DeletedRegions          []DeletedRegion
	OwnedResources          map[WorkerResourceId]OwnedResource
	ActivePlugins           []string
	TotalLinearMemorySize   uint64
	OverriddenRetryConfig   *RetryConfig
}

// NewWorkerStatusRecord returns a zero-valued record with initialized maps,
// as the aggregator would produce for a worker with an empty oplog.
func NewWorkerStatusRecord() *WorkerStatusRecord {
	return &WorkerStatusRecord{
		Status:            StatusLoading,
		OplogIdx:          NONE,
		InvocationResults: make(map[IdempotencyKey]InvocationResult),
		OwnedResources:    make(map[WorkerResourceId]OwnedResource),
	}
}

// Clone returns a deep-enough copy for safe external handoff (readers must
// never observe a record another goroutine is folding into).
func (r *WorkerStatusRecord) Clone() *WorkerStatusRecord {
	c := *r
	c.PendingInvocations = append([]string(nil), r.PendingInvocations...)
	c.PendingUpdates = append([]PendingUpdate(nil), r.PendingUpdates...)
	c.FailedUpdates = append([]CompletedUpdate(nil), r.FailedUpdates...)
	c.SuccessfulUpdates = append([]CompletedUpdate(nil), r.SuccessfulUpdates...)
	c.DeletedRegions = append([]DeletedRegion(nil), r.DeletedRegions...)
	c.ActivePlugins = append([]string(nil), r.ActivePlugins...)
	c.InvocationResults = make(map[IdempotencyKey]InvocationResult, len(r.InvocationResults))
	for k, v := range r.InvocationResults {
		c.InvocationResults[k] = v
	}
	c.OwnedResources = make(map[WorkerResourceId]OwnedResource, len(r.OwnedResources))
	for k, v := range r.OwnedResources {
		c.OwnedResources[k] = v
	}
	return &c
}

// ComponentType distinguishes components whose workers persist across
// loads (Durable) from ones that are recreated fresh on every load
// (Ephemeral, spec.md §4.7 step 4).
type ComponentType string

const (
	ComponentDurable  ComponentType = "durable"
	ComponentEphemeral ComponentType = "ephemeral"
)

// RetryConfig governs the backoff decision function of spec.md §4.6.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig is the process-wide fallback used when a worker has no
// per-worker override (ChangeRetryPolicy never observed).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Delay:       100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// PersistenceLevel is the process-wide (or snapshot-scoped) mode of the
// durability gateway, spec.md §4.3.
type PersistenceLevel string

const (
	PersistSmart               PersistenceLevel = "smart"
	PersistNothing             PersistenceLevel = "persist_nothing"
	PersistRemoteSideEffects   PersistenceLevel = "persist_remote_side_effects"
)

// RetryDecision is the output of the retry decision function (spec.md
// §4.6).
type RetryDecision struct {
	Kind  RetryDecisionKind
	Delay time.Duration
}

type RetryDecisionKind string

const (
	RetryNone             RetryDecisionKind = "none"
	RetryImmediate        RetryDecisionKind = "immediate"
	RetryDelayed          RetryDecisionKind = "delayed"
	RetryReacquirePermits RetryDecisionKind = "reacquire_permits"
)
