// Package lifecycle implements C6: the worker state machine and the retry
// decision function. Grounded on types.TaskState/ContainerState's
// enum-plus-transition idiom combined with pkg/scheduler/scheduler.go's
// periodic reconciliation loop (a ticker driving a per-item decision
// function), repurposed here from container placement to per-worker
// state transition and backoff scheduling.
package lifecycle

import (
	"math"
	"sync"
	"time"

	"github.com/cuemby/durablewasm/pkg/errs"
	"github.com/cuemby/durablewasm/pkg/invocation"
	"github.com/cuemby/durablewasm/pkg/log"
	"github.com/cuemby/durablewasm/pkg/metrics"
	"github.com/cuemby/durablewasm/pkg/oplog"
	"github.com/cuemby/durablewasm/pkg/runtime"
	"github.com/cuemby/durablewasm/pkg/types"
	"github.com/rs/zerolog"
)

// StateMachine tracks one worker's externally visible status and drives
// the transitions between Loading/Running/Suspended/Retrying/Failed/
// Exited/Interrupted.
type StateMachine struct {
	owner types.OwnedWorkerId
	oplog oplog.Store

	mu          sync.Mutex
	status      types.WorkerStatus
	retryConfig types.RetryConfig
	logger      zerolog.Logger
}

func New(owner types.OwnedWorkerId, store oplog.Store, retryConfig types.RetryConfig) *StateMachine {
	return &StateMachine{
		owner:       owner,
		oplog:       store,
		status:      types.StatusLoading,
		retryConfig: retryConfig,
		logger:      log.WithWorker(owner.String()),
	}
}

func (sm *StateMachine) Status() types.WorkerStatus {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.status
}

// SetRetryConfig installs a per-worker override, observed via a
// ChangeRetryPolicy oplog entry during replay or issued live.
func (sm *StateMachine) SetRetryConfig(rc types.RetryConfig) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.retryConfig = rc
}

func (sm *StateMachine) transition(to types.WorkerStatus) {
	sm.mu.Lock()
	from := sm.status
	sm.status = to
	sm.mu.Unlock()
	metrics.LifecycleTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	sm.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("lifecycle transition")
}

// EnterRunning completes the Loading state once recovery (C7) has
// replayed the oplog with no pending terminal condition.
func (sm *StateMachine) EnterRunning() {
	sm.transition(types.StatusRunning)
}

// Suspend records a voluntary suspend (e.g. worker asked to sleep or is
// idle-evicted). Terminal for the current invocation; the worker resumes
// on the next invoke.
func (sm *StateMachine) Suspend() error {
	sm.transition(types.StatusSuspended)
	_, err := sm.oplog.AddAndCommit(sm.owner, types.OplogEntry{Kind: types.EntrySuspend})
	return err
}

// HandleFailure implements the on-failure half of spec.md §4.5's Post
// phase plus the full decision table of §4.6: it classifies trap,
// computes the retry decision, journals the matching lifecycle entry, and
// applies the resulting state transition.
func (sm *StateMachine) HandleFailure(trap invocation.Trap) (types.RetryDecision, error) {
	switch trap.Kind {
	case invocation.TrapInterrupt:
		return sm.handleInterrupt(trap.InterruptKind)
	case invocation.TrapExit:
		sm.transition(types.StatusExited)
		_, err := sm.oplog.AddAndCommit(sm.owner, types.OplogEntry{Kind: types.EntryExited})
		return types.RetryDecision{Kind: types.RetryNone}, err
	case invocation.TrapFailed:
		return sm.handleError(trap.WorkerError)
	default:
		return types.RetryDecision{Kind: types.RetryNone}, errs.Runtime("unreachable trap kind in HandleFailure", nil)
	}
}

func (sm *StateMachine) handleInterrupt(kind runtime.InterruptKind) (types.RetryDecision, error) {
	switch kind {
	case runtime.InterruptSignal:
		sm.transition(types.StatusInterrupted)
		_, err := sm.oplog.AddAndCommit(sm.owner, types.OplogEntry{Kind: types.EntryInterrupted})
		return types.RetryDecision{Kind: types.RetryNone}, err
	case runtime.SuspendSignal:
		sm.transition(types.StatusSuspended)
		_, err := sm.oplog.AddAndCommit(sm.owner, types.OplogEntry{Kind: types.EntrySuspend})
		return types.RetryDecision{Kind: types.RetryNone}, err
	case runtime.RestartSignal, runtime.JumpSignal:
		// No state change recorded beyond the entry; the worker keeps its
		// current status and re-executes immediately.
		_, err := sm.oplog.AddAndCommit(sm.owner, types.OplogEntry{Kind: types.EntryNoOp})
		return types.RetryDecision{Kind: types.RetryImmediate}, err
	default:
		return types.RetryDecision{Kind: types.RetryNone}, errs.Runtime("unknown interrupt kind", nil)
	}
}

func (sm *StateMachine) handleError(werr *types.WorkerError) (types.RetryDecision, error) {
	if werr == nil {
		werr = &types.WorkerError{Kind: types.ErrOther}
	}

	// previousTries must see the oplog as it stood before this failure is
	// journaled, or the entry about to be appended below counts as one of
	// its own predecessors and every retry budget runs one attempt short.
	tries, err := sm.previousTries()
	if err != nil {
		return types.RetryDecision{}, err
	}

	if _, err := sm.oplog.AddAndCommit(sm.owner, types.OplogEntry{Kind: types.EntryError, WorkerError: werr}); err != nil {
		return types.RetryDecision{}, err
	}

	switch werr.Kind {
	case types.ErrInvalidRequest:
		// Caller-fault: terminal, but the worker itself stays Running.
		return types.RetryDecision{Kind: types.RetryNone}, nil

	case types.ErrOutOfMemory:
		sm.transition(types.StatusRetrying)
		return types.RetryDecision{Kind: types.RetryReacquirePermits}, nil

	default:
		sm.mu.Lock()
		policy := sm.retryConfig
		sm.mu.Unlock()

		if tries >= policy.MaxAttempts {
			sm.transition(types.StatusFailed)
			return types.RetryDecision{Kind: types.RetryNone}, nil
		}
		sm.transition(types.StatusRetrying)
		delay := backoffDelay(policy, tries)
		return types.RetryDecision{Kind: types.RetryDelayed, Delay: delay}, nil
	}
}

// previousTries counts trailing Error entries at the tail of the oplog,
// skipping hint entries, until a non-error non-hint entry or the start of
// the log is reached (spec.md §4.6).
func (sm *StateMachine) previousTries() (int, error) {
	idx, err := sm.oplog.GetLastIndex(sm.owner)
	if err != nil {
		return 0, err
	}

	count := 0
	for idx != types.NONE {
		entries, err := sm.oplog.Read(sm.owner, idx, 1)
		if err != nil {
			return 0, err
		}
		entry, ok := entries[idx]
		if !ok {
			break
		}
		if entry.IsHint() {
			idx = idx.Previous()
			continue
		}
		if entry.Kind != types.EntryError {
			break
		}
		count++
		idx = idx.Previous()
	}
	return count, nil
}

// backoffDelay derives an exponentially increasing delay capped at
// policy.MaxDelay (spec.md §4.6: "Delayed(d) derived from policy
// (exponential backoff capped)").
func backoffDelay(policy types.RetryConfig, previousTries int) time.Duration {
	mult := math.Pow(policy.Multiplier, float64(previousTries))
	d := time.Duration(float64(policy.Delay) * mult)
	if d > policy.MaxDelay {
		return policy.MaxDelay
	}
	if d < policy.Delay {
		return policy.Delay
	}
	return d
}

// ResumeAfterDelay transitions a Retrying worker back to Running once its
// backoff delay has elapsed and re-invocation is about to be attempted.
func (sm *StateMachine) ResumeAfterDelay() {
	sm.transition(types.StatusRunning)
}

// GrowMemory implements spec.md §4.6's memory-grow rule: the GrowMemory
// entry is journaled first (live mode only), then acquire is attempted.
// Failure to acquire moves the worker to Retrying and returns a
// RetryReacquirePermits decision; GrowMemory itself neither unloads the
// worker nor schedules anything.
func (sm *StateMachine) GrowMemory(live bool, delta uint64, acquire func(uint64) bool) (types.RetryDecision, error) {
	if live {
		if _, err := sm.oplog.AddAndCommit(sm.owner, types.OplogEntry{Kind: types.EntryGrowMemory, MemoryDelta: delta}); err != nil {
			return types.RetryDecision{}, err
		}
	}
	if acquire(delta) {
		return types.RetryDecision{Kind: types.RetryNone}, nil
	}
	sm.transition(types.StatusRetrying)
	return types.RetryDecision{Kind: types.RetryReacquirePermits}, nil
}
