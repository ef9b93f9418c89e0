// Package status implements C8: the pure fold from oplog entries into a
// WorkerStatusRecord. Grounded directly on WarrenFSM.Apply's
// dispatch-by-tag switch (fsm.go), applied here to oplog entries instead
// of raft commands.
package status

import (
	"github.com/cuemby/durablewasm/pkg/oplog"
	"github.com/cuemby/durablewasm/pkg/types"
)

// Aggregator derives WorkerStatusRecord values from an oplog.Store. It
// holds no per-worker state of its own; every call is a pure function of
// (cached record, current oplog contents).
type Aggregator struct {
	oplog oplog.Store
}

func New(store oplog.Store) *Aggregator {
	return &Aggregator{oplog: store}
}

// batchSize bounds how many entries CalculateLastKnownStatus reads per
// oplog.Store.Read call while folding forward.
const batchSize = 256

// CalculateLastKnownStatus folds oplog entries for owner into a status
// record. If cached is non-nil and its OplogIdx already equals the current
// last index, cached is returned unchanged (cloned). Otherwise the fold
// resumes from cached.OplogIdx+1 (or from the start, if cached is nil).
//
// Folding is idempotent: an entry at a given index is only ever applied
// once, because the walk never revisits an index below record.OplogIdx.
func (a *Aggregator) CalculateLastKnownStatus(owner types.OwnedWorkerId, cached *types.WorkerStatusRecord) (*types.WorkerStatusRecord, error) {
	lastIndex, err := a.oplog.GetLastIndex(owner)
	if err != nil {
		return nil, err
	}

	record := cached
	if record == nil {
		record = types.NewWorkerStatusRecord()
	} else {
		record = record.Clone()
	}

	if record.OplogIdx == lastIndex {
		return record, nil
	}

	from := record.OplogIdx.Next()

	for from <= lastIndex {
		n := batchSize
		entries, err := a.oplog.Read(owner, from, n)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}
		for idx := from; idx <= lastIndex; idx = idx.Next() {
			entry, ok := entries[idx]
			if !ok {
				break
			}
			if err := a.applyEntry(record, entry); err != nil {
				return nil, err
			}
			record.OplogIdx = idx
			from = idx.Next()
		}
	}

	return record, nil
}

// applyEntry folds a single entry into record, per spec.md §4.8's table.
func (a *Aggregator) applyEntry(record *types.WorkerStatusRecord, entry types.OplogEntry) error {
	switch entry.Kind {
	case types.EntryPendingInvocation:
		record.PendingInvocations = append(record.PendingInvocations, entry.FunctionName)

	case types.EntryPendingUpdate:
		record.PendingUpdates = append(record.PendingUpdates, types.PendingUpdate{
			TargetVersion: entry.TargetVersion,
			Mode:          entry.UpdateMode,
			Description:   entry.UpdateDescription,
			SnapshotRef:   entry.RequestPayloadRef,
		})

	case types.EntrySuccessfulUpdate:
		record.ComponentVersion = entry.TargetVersion
		record.SuccessfulUpdates = append(record.SuccessfulUpdates, types.CompletedUpdate{
			TargetVersion: entry.TargetVersion,
			At:            entry.Timestamp,
		})
		record.PendingUpdates = dropPendingUpdate(record.PendingUpdates, entry.TargetVersion)
		if entry.NewActivePlugins != nil {
			record.ActivePlugins = append([]string(nil), entry.NewActivePlugins...)
		}
		if entry.NewComponentSize != 0 {
			record.TotalLinearMemorySize = entry.NewComponentSize
		}

	case types.EntryFailedUpdate:
		record.FailedUpdates = append(record.FailedUpdates, types.CompletedUpdate{
			TargetVersion: entry.TargetVersion,
			At:            entry.Timestamp,
			Details:       entry.FailureDetails,
		})
		record.PendingUpdates = dropPendingUpdate(record.PendingUpdates, entry.TargetVersion)

	case types.EntryGrowMemory:
		record.TotalLinearMemorySize += entry.MemoryDelta

	case types.EntryJump:
		if entry.DeletedRegion != nil {
			record.DeletedRegions = append(record.DeletedRegions, *entry.DeletedRegion)
		}

	case types.EntryChangeRetryPolicy:
		if entry.RetryConfig != nil {
			rc := *entry.RetryConfig
			record.OverriddenRetryConfig = &rc
		}

	case types.EntryExportedFunctionInvoked:
		record.Status = types.StatusRunning
		record.CurrentIdempotencyKey = &entry.IdempotencyKey
		key := entry.IdempotencyKey
		record.InvocationResults[key] = types.InvocationResult{Pending: true}

	case types.EntryExportedFunctionCompleted:
		if record.CurrentIdempotencyKey != nil {
			output, err := downloadIfPayloadStore(a.oplog, entry.ResponsePayloadRef)
			if err != nil {
				return err
			}
			record.InvocationResults[*record.CurrentIdempotencyKey] = types.InvocationResult{Pending: false, Ok: output}
		}

	case types.EntryError:
		record.Status = types.StatusFailed
		if record.CurrentIdempotencyKey != nil {
			record.InvocationResults[*record.CurrentIdempotencyKey] = types.InvocationResult{
				Pending: false,
				Err:     entry.WorkerError,
			}
		}

	case types.EntryExited:
		record.Status = types.StatusExited

	case types.EntryInterrupted:
		record.Status = types.StatusInterrupted

	case types.EntrySuspend:
		record.Status = types.StatusSuspended

	case types.EntryCreateResource:
		record.OwnedResources[entry.ResourceId] = types.OwnedResource{
			CreatedAt: entry.Timestamp,
		}

	case types.EntryDropResource:
		delete(record.OwnedResources, entry.ResourceId)

	case types.EntryDescribeResource:
		if r, ok := record.OwnedResources[entry.ResourceId]; ok {
			r.IndexedKey = entry.IndexedKey
			record.OwnedResources[entry.ResourceId] = r
		} else {
			record.OwnedResources[entry.ResourceId] = types.OwnedResource{
				CreatedAt:  entry.Timestamp,
				IndexedKey: entry.IndexedKey,
			}
		}

	case types.EntryActivatePlugin:
		record.ActivePlugins = appendUnique(record.ActivePlugins, entry.PluginInstallationId)

	case types.EntryDeactivatePlugin:
		record.ActivePlugins = removeString(record.ActivePlugins, entry.PluginInstallationId)

	case types.EntryCreate, types.EntryRestart, types.EntryNoOp,
		types.EntryBeginAtomicRegion, types.EntryEndAtomicRegion,
		types.EntryBeginRemoteWrite, types.EntryEndRemoteWrite,
		types.EntryImportedFunctionInvoked, types.EntryLog:
		// No status-record effect; these are replay/durability bookkeeping
		// entries the aggregator does not project.
	}
	return nil
}

// downloadIfPayloadStore resolves ref through the oplog store's payload
// side channel when it implements one, mirroring the invocation runner's
// replay-side lookup of a stored result.
func downloadIfPayloadStore(store oplog.Store, ref types.PayloadRef) ([]byte, error) {
	if ref == "" {
		return nil, nil
	}
	if ps, ok := store.(oplog.PayloadStore); ok {
		return ps.Download(ref)
	}
	return nil, nil
}

func dropPendingUpdate(pending []types.PendingUpdate, targetVersion int) []types.PendingUpdate {
	out := pending[:0:0]
	for _, p := range pending {
		if p.TargetVersion != targetVersion {
			out = append(out, p)
		}
	}
	return out
}

func appendUnique(ss []string, s string) []string {
	for _, existing := range ss {
		if existing == s {
			return ss
		}
	}
	return append(ss, s)
}

func removeString(ss []string, s string) []string {
	out := ss[:0:0]
	for _, existing := range ss {
		if existing != s {
			out = append(out, existing)
		}
	}
	return out
}
