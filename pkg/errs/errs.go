// Package errs declares the typed error taxonomy of spec.md §7 as flat
// tagged variants, built on github.com/pkg/errors for wrapping and stack
// capture. The durability gateway and invocation runner never swallow one
// of these: they flow to the lifecycle state machine, which alone decides
// retry vs. surface.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind discriminates the error taxonomy so callers can switch without type
// assertions on every variant.
type Kind string

const (
	KindInvalidRequest              Kind = "invalid_request"
	KindWorkerAlreadyExists          Kind = "worker_already_exists"
	KindWorkerNotFound               Kind = "worker_not_found"
	KindWorkerCreationFailed         Kind = "worker_creation_failed"
	KindFailedToResumeWorker         Kind = "failed_to_resume_worker"
	KindComponentDownloadFailed      Kind = "component_download_failed"
	KindComponentParseFailed         Kind = "component_parse_failed"
	KindGetLatestVersionFailed       Kind = "get_latest_version_failed"
	KindPromiseNotFound              Kind = "promise_not_found"
	KindPromiseDropped               Kind = "promise_dropped"
	KindPromiseAlreadyCompleted      Kind = "promise_already_completed"
	KindInterrupted                  Kind = "interrupted"
	KindParamTypeMismatch            Kind = "param_type_mismatch"
	KindValueMismatch                Kind = "value_mismatch"
	KindNoValueInMessage             Kind = "no_value_in_message"
	KindUnexpectedOplogEntry         Kind = "unexpected_oplog_entry"
	KindRuntime                      Kind = "runtime"
	KindInvalidShardId               Kind = "invalid_shard_id"
	KindPreviousInvocationFailed     Kind = "previous_invocation_failed"
	KindPreviousInvocationExited     Kind = "previous_invocation_exited"
	KindFileSystemError              Kind = "file_system_error"
	KindInitialComponentFileDownload Kind = "initial_component_file_download_failed"
	KindShardingNotReady             Kind = "sharding_not_ready"
	KindWorkerProxyUnreachable       Kind = "worker_proxy_unreachable"
	KindInvocationResultNotFound     Kind = "invocation_result_not_found"
)

// Error is the single concrete type carrying every variant; Kind plus the
// structured fields below distinguish them. A flat struct (rather than one
// Go type per variant) keeps the JSON/wire boundary (spec.md §9 design
// notes: "a dedicated boundary for JSON/wire conversion") in one place.
type Error struct {
	Kind    Kind
	Details string

	WorkerId string // WorkerAlreadyExists / WorkerNotFound / WorkerCreationFailed / FailedToResumeWorker

	Expected string // UnexpectedOplogEntry
	Got      string // UnexpectedOplogEntry

	ShardId  string   // InvalidShardId
	ShardIds []string // InvalidShardId

	Path   string // FileSystemError
	Reason string // FileSystemError

	InterruptKind string // Interrupted

	Cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s", e.Kind)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error target with the same Kind, e.g.
// errors.Is(err, &errs.Error{Kind: errs.KindWorkerNotFound}); primarily
// callers should type-assert to *Error and compare Kind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

func InvalidRequest(details string) *Error {
	return &Error{Kind: KindInvalidRequest, Details: details}
}

func WorkerNotFound(workerID string) *Error {
	return &Error{Kind: KindWorkerNotFound, WorkerId: workerID}
}

func WorkerAlreadyExists(workerID string) *Error {
	return &Error{Kind: KindWorkerAlreadyExists, WorkerId: workerID}
}

func WorkerCreationFailed(workerID, details string) *Error {
	return &Error{Kind: KindWorkerCreationFailed, WorkerId: workerID, Details: details}
}

func FailedToResumeWorker(workerID string, cause error) *Error {
	return &Error{Kind: KindFailedToResumeWorker, WorkerId: workerID, Cause: cause}
}

func UnexpectedOplogEntry(expected, got string) *Error {
	return &Error{Kind: KindUnexpectedOplogEntry, Expected: expected, Got: got}
}

func Runtime(details string, cause error) *Error {
	return &Error{Kind: KindRuntime, Details: details, Cause: cause}
}

func InvalidShardId(shardID string, shardIDs []string) *Error {
	return &Error{Kind: KindInvalidShardId, ShardId: shardID, ShardIds: shardIDs}
}

func Interrupted(kind string) *Error {
	return &Error{Kind: KindInterrupted, InterruptKind: kind}
}

func FileSystemError(path, reason string) *Error {
	return &Error{Kind: KindFileSystemError, Path: path, Reason: reason}
}

func ShardingNotReady() *Error {
	return &Error{Kind: KindShardingNotReady}
}

func PromiseNotFound(id string) *Error {
	return &Error{Kind: KindPromiseNotFound, Details: id}
}

func InvocationResultNotFound(workerID, idempotencyKey string) *Error {
	return &Error{Kind: KindInvocationResultNotFound, Details: workerID + " key=" + idempotencyKey}
}

func PreviousInvocationFailed(workerID string) *Error {
	return &Error{Kind: KindPreviousInvocationFailed, WorkerId: workerID}
}

func PreviousInvocationExited(workerID string) *Error {
	return &Error{Kind: KindPreviousInvocationExited, WorkerId: workerID}
}

func ComponentDownloadFailed(componentID, details string) *Error {
	return &Error{Kind: KindComponentDownloadFailed, Details: componentID + ": " + details}
}

func ComponentParseFailed(componentID, details string) *Error {
	return &Error{Kind: KindComponentParseFailed, Details: componentID + ": " + details}
}

func GetLatestVersionFailed(componentID string) *Error {
	return &Error{Kind: KindGetLatestVersionFailed, Details: componentID}
}

func ParamTypeMismatch(details string) *Error {
	return &Error{Kind: KindParamTypeMismatch, Details: details}
}

func ValueMismatch(details string) *Error {
	return &Error{Kind: KindValueMismatch, Details: details}
}

func NoValueInMessage(details string) *Error {
	return &Error{Kind: KindNoValueInMessage, Details: details}
}

func PromiseDropped(id string) *Error {
	return &Error{Kind: KindPromiseDropped, Details: id}
}

func PromiseAlreadyCompleted(id string) *Error {
	return &Error{Kind: KindPromiseAlreadyCompleted, Details: id}
}

func InitialComponentFileDownload(path, details string) *Error {
	return &Error{Kind: KindInitialComponentFileDownload, Path: path, Details: details}
}

func WorkerProxyUnreachable(details string) *Error {
	return &Error{Kind: KindWorkerProxyUnreachable, Details: details}
}

// Wrap attaches stack-carrying context the way the teacher's manager.go
// wraps storage/raft failures, without collapsing the taxonomy into an
// opaque string.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// IsRetriable reports whether, independent of the retry policy, this kind
// of error is ever eligible for a retry. InvalidRequest is excluded
// unconditionally (spec.md §9 Open Question: preserved verbatim from the
// source).
func (e *Error) IsRetriable() bool {
	switch e.Kind {
	case KindInvalidRequest, KindUnexpectedOplogEntry, KindWorkerAlreadyExists, KindWorkerNotFound:
		return false
	default:
		return true
	}
}

// SuspendForSleep is the typed signal for a voluntary "sleep until time T"
// host call, distinct from an ordinary Suspend trap. Grounded on
// original_source's durable_host::SuspendForSleep(Duration) (see
// SPEC_FULL.md §5).
type SuspendForSleep struct {
	Seconds float64
}

func (s SuspendForSleep) Error() string {
	return fmt.Sprintf("suspending for %.3fs", s.Seconds)
}
