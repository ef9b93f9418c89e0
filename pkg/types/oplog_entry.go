package types

import "time"

// EntryKind tags the variant of an OplogEntry. Keeping this as a small
// string enum (rather than a Go type-switch over concrete structs) mirrors
// the teacher's Command{Op, Data} tagged-union encoding in fsm.go, which is
// also how entries round-trip through the bbolt-backed oplog store.
type EntryKind string

const (
	EntryCreate      EntryKind = "create"
	EntryRestart     EntryKind = "restart"
	EntryExited      EntryKind = "exited"
	EntryInterrupted EntryKind = "interrupted"
	EntrySuspend     EntryKind = "suspend"
	EntryNoOp        EntryKind = "no_op"

	EntryExportedFunctionInvoked   EntryKind = "exported_function_invoked"
	EntryExportedFunctionCompleted EntryKind = "exported_function_completed"

	EntryImportedFunctionInvoked EntryKind = "imported_function_invoked"

	EntryBeginAtomicRegion EntryKind = "begin_atomic_region"
	EntryEndAtomicRegion   EntryKind = "end_atomic_region"
	EntryBeginRemoteWrite  EntryKind = "begin_remote_write"
	EntryEndRemoteWrite    EntryKind = "end_remote_write"

	EntryError              EntryKind = "error"
	EntryJump                EntryKind = "jump"
	EntryChangeRetryPolicy   EntryKind = "change_retry_policy"
	EntryPendingInvocation   EntryKind = "pending_worker_invocation"
	EntryPendingUpdate       EntryKind = "pending_update"
	EntrySuccessfulUpdate    EntryKind = "successful_update"
	EntryFailedUpdate        EntryKind = "failed_update"
	EntryGrowMemory          EntryKind = "grow_memory"

	EntryCreateResource   EntryKind = "create_resource"
	EntryDropResource     EntryKind = "drop_resource"
	EntryDescribeResource EntryKind = "describe_resource"

	EntryActivatePlugin   EntryKind = "activate_plugin"
	EntryDeactivatePlugin EntryKind = "deactivate_plugin"

	EntryLog EntryKind = "log"
)

// IsHint reports whether entries of this kind may appear anywhere in the
// oplog and must be skipped by entry-kind matchers that look for a specific
// structural entry (e.g. the retry tail-scan, or get_next_entry's
// ExportedFunctionInvoked search).
func (k EntryKind) IsHint() bool {
	switch k {
	case EntryLog, EntryPendingInvocation:
		return true
	default:
		return false
	}
}

// DurableFunctionType classifies a host call for the durability gateway.
type DurableFunctionType struct {
	Kind DurableFunctionKind
	// BeginIndex is only meaningful for WriteRemoteBatched; it is the
	// oplog index of the atomic region's BeginRemoteWrite, when known.
	BeginIndex *OplogIndex
}

type DurableFunctionKind string

const (
	ReadLocal          DurableFunctionKind = "read_local"
	WriteLocal         DurableFunctionKind = "write_local"
	ReadRemote         DurableFunctionKind = "read_remote"
	WriteRemote        DurableFunctionKind = "write_remote"
	WriteRemoteBatched DurableFunctionKind = "write_remote_batched"
)

// DeletedRegion is a half-open range [Start, End) of oplog indices to be
// skipped by the replay cursor. The set of deleted regions only grows
// during a worker's life.
type DeletedRegion struct {
	Start OplogIndex
	End   OplogIndex
}

// Contains reports whether idx falls inside [Start, End).
func (r DeletedRegion) Contains(idx OplogIndex) bool {
	return idx >= r.Start && idx < r.End
}

// PayloadRef is a content address into the payload store.
type PayloadRef string

// LogLevel mirrors the levels a worker's stdout/stderr/user log entries can
// carry.
type LogLevel string

const (
	LogStdout LogLevel = "stdout"
	LogStderr LogLevel = "stderr"
	LogLevelInfo LogLevel = "info"
	LogLevelWarn LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// InterruptKind is the cooperative cancellation signal a suspension point
// observes.
type InterruptKind string

const (
	InterruptInterrupt InterruptKind = "interrupt"
	InterruptSuspend   InterruptKind = "suspend"
	InterruptRestart   InterruptKind = "restart"
	InterruptJump      InterruptKind = "jump"
)

// UpdateMode distinguishes automatic replay-based updates from
// snapshot-based ones.
type UpdateMode string

const (
	UpdateAuto           UpdateMode = "auto"
	UpdateSnapshotBased  UpdateMode = "snapshot_based"
)

// OplogEntry is the tagged record persisted by the oplog. Only the fields
// relevant to Kind are populated; this mirrors the sum type of spec.md §3.2
// as a single flat struct (the same "tagged struct over strict enum" shape
// as types.Container{DesiredState, ActualState, ...} in the teacher).
type OplogEntry struct {
	Kind      EntryKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// Invocation boundary
	FunctionName      string         `json:"function_name,omitempty"`
	RequestPayloadRef PayloadRef     `json:"request_payload_ref,omitempty"`
	ResponsePayloadRef PayloadRef    `json:"response_payload_ref,omitempty"`
	IdempotencyKey    IdempotencyKey `json:"idempotency_key,omitempty"`
	ConsumedFuel      int64          `json:"consumed_fuel,omitempty"`

	// Host call
	FunctionType DurableFunctionType `json:"function_type,omitempty"`

	// Atomicity markers
	BeginIndex OplogIndex `json:"begin_index,omitempty"`

	// Control
	WorkerError      *WorkerError   `json:"worker_error,omitempty"`
	DeletedRegion    *DeletedRegion `json:"deleted_region,omitempty"`
	UpdateDescription string        `json:"update_description,omitempty"`
	UpdateMode       UpdateMode     `json:"update_mode,omitempty"`
	TargetVersion    int            `json:"target_version,omitempty"`
	NewComponentSize uint64         `json:"new_component_size,omitempty"`
	NewActivePlugins []string       `json:"new_active_plugins,omitempty"`
	FailureDetails   string         `json:"failure_details,omitempty"`
	MemoryDelta      uint64         `json:"memory_delta,omitempty"`
	RetryConfig      *RetryConfig   `json:"retry_config,omitempty"`

	// Resources
	ResourceId   WorkerResourceId    `json:"resource_id,omitempty"`
	IndexedKey   *IndexedResourceKey `json:"indexed_key,omitempty"`

	// Plugins
	PluginInstallationId string `json:"plugin_installation_id,omitempty"`

	// Logs
	LogLevel   LogLevel `json:"log_level,omitempty"`
	LogContext string   `json:"log_context,omitempty"`
	LogMessage string   `json:"log_message,omitempty"`
}

// IsHint is a convenience forward to Kind.IsHint.
func (e OplogEntry) IsHint() bool { return e.Kind.IsHint() }

// WorkerError is the typed classification of an execution failure, as
// produced by the invocation runner's trap classification (spec.md §4.5).
type WorkerError struct {
	Kind    WorkerErrorKind `json:"kind"`
	Details string          `json:"details"`
}

func (e *WorkerError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Details
}

type WorkerErrorKind string

const (
	ErrInvalidRequest WorkerErrorKind = "invalid_request"
	ErrOutOfMemory    WorkerErrorKind = "out_of_memory"
	ErrOther          WorkerErrorKind = "other"
)
