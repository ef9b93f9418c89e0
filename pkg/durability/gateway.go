// Package durability implements C3: the funnel every side-effecting host
// call goes through, persisting in live mode and substituting in replay.
// Grounded on Manager.Apply's timer/metrics wrapping pattern
// (metrics.NewTimer()/ObserveDuration) and WarrenFSM.Apply's
// dispatch-by-tag switch, generalized from "apply a cluster command" to
// "fund a host call through persist-or-substitute".
package durability

import (
	"sync"

	"github.com/cuemby/durablewasm/pkg/errs"
	"github.com/cuemby/durablewasm/pkg/log"
	"github.com/cuemby/durablewasm/pkg/metrics"
	"github.com/cuemby/durablewasm/pkg/oplog"
	"github.com/cuemby/durablewasm/pkg/replay"
	"github.com/cuemby/durablewasm/pkg/types"
	"github.com/rs/zerolog"
)

// Gateway is the per-worker durability funnel. One Gateway is constructed
// per loaded worker, sharing that worker's oplog.Store handle and
// replay.State.
type Gateway struct {
	owner  types.OwnedWorkerId
	store  oplog.Store
	replay *replay.State
	logger zerolog.Logger

	mu           sync.Mutex
	level        types.PersistenceLevel
	levelStack   []types.PersistenceLevel // snapshotting-mode save/restore
	snapshotting bool
}

// New constructs a Gateway at the given default persistence level (process
// config, typically Smart).
func New(owner types.OwnedWorkerId, store oplog.Store, rs *replay.State, level types.PersistenceLevel) *Gateway {
	return &Gateway{
		owner:  owner,
		store:  store,
		replay: rs,
		logger: log.WithWorker(owner.String()),
		level:  level,
	}
}

// SetLevel changes the process-wide-equivalent persistence level for this
// gateway (spec.md §4.3: Smart / PersistNothing / PersistRemoteSideEffects).
func (g *Gateway) SetLevel(level types.PersistenceLevel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.level = level
}

func (g *Gateway) effectiveLevel() types.PersistenceLevel {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.snapshotting {
		return types.PersistNothing
	}
	return g.level
}

// BeginCallSnapshottingFunction pushes the current persistence level and
// forces PersistNothing with invocation-boundary suppression, for the
// duration of a save-snapshot/load-snapshot export call (spec.md §4.7).
func (g *Gateway) BeginCallSnapshottingFunction() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.levelStack = append(g.levelStack, g.level)
	g.snapshotting = true
}

// EndCallSnapshottingFunction restores the persistence level saved by the
// matching Begin call.
func (g *Gateway) EndCallSnapshottingFunction() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := len(g.levelStack); n > 0 {
		g.level = g.levelStack[n-1]
		g.levelStack = g.levelStack[:n-1]
	}
	if len(g.levelStack) == 0 {
		g.snapshotting = false
	}
}

// InSnapshottingMode reports whether invocation boundary entries should be
// suppressed right now.
func (g *Gateway) InSnapshottingMode() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotting
}

// Perform is the host-call funnel body. request/perform/decode operate on
// already-encoded byte payloads; the invocation runner's host-call shims
// own argument/result marshalling. nonIdempotent only matters for
// DurableFunctionKind == WriteRemote (spec.md §4.3: "WriteRemote under
// non-idempotent policy").
func (g *Gateway) Perform(fnType types.DurableFunctionType, request []byte, nonIdempotent bool, perform func() ([]byte, error)) ([]byte, error) {
	level := g.effectiveLevel()

	if level == types.PersistNothing {
		return perform()
	}
	if level == types.PersistRemoteSideEffects && isLocal(fnType.Kind) {
		return perform()
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.OplogAppendLatency)

	beginIndex, err := g.beginFunction(fnType, nonIdempotent)
	if err != nil {
		return nil, err
	}

	var result []byte
	if g.replay.IsLive() {
		result, err = perform()
		if err != nil {
			return nil, err
		}
		reqRef, uerr := g.uploadIfPayloadStore(request)
		if uerr != nil {
			return nil, errs.Wrap(uerr, "uploading host call request")
		}
		respRef, uerr := g.uploadIfPayloadStore(result)
		if uerr != nil {
			return nil, errs.Wrap(uerr, "uploading host call response")
		}
		if _, cerr := g.store.AddAndCommit(g.owner, types.OplogEntry{
			Kind:               types.EntryImportedFunctionInvoked,
			RequestPayloadRef:  reqRef,
			ResponsePayloadRef: respRef,
			FunctionType:       fnType,
		}); cerr != nil {
			return nil, cerr
		}
	} else {
		entry, ok, rerr := g.readNextImportedCall()
		if rerr != nil {
			return nil, rerr
		}
		if !ok {
			return nil, errs.UnexpectedOplogEntry("ImportedFunctionInvoked", "<none>")
		}
		result, err = g.downloadIfPayloadStore(entry.ResponsePayloadRef)
		if err != nil {
			return nil, err
		}
	}

	if err := g.endFunction(fnType, beginIndex, nonIdempotent); err != nil {
		return nil, err
	}
	return result, nil
}

func isLocal(kind types.DurableFunctionKind) bool {
	return kind == types.ReadLocal || kind == types.WriteLocal
}

func (g *Gateway) beginFunction(fnType types.DurableFunctionType, nonIdempotent bool) (types.OplogIndex, error) {
	switch fnType.Kind {
	case types.ReadLocal, types.WriteLocal, types.ReadRemote:
		return g.store.CurrentOplogIndex(g.owner), nil
	case types.WriteRemote:
		if !nonIdempotent {
			return g.store.CurrentOplogIndex(g.owner), nil
		}
		return g.store.AddAndCommit(g.owner, types.OplogEntry{Kind: types.EntryBeginRemoteWrite})
	case types.WriteRemoteBatched:
		return g.store.AddAndCommit(g.owner, types.OplogEntry{Kind: types.EntryBeginRemoteWrite})
	default:
		return g.store.CurrentOplogIndex(g.owner), nil
	}
}

func (g *Gateway) endFunction(fnType types.DurableFunctionType, beginIndex types.OplogIndex, nonIdempotent bool) error {
	switch fnType.Kind {
	case types.WriteRemote:
		if !nonIdempotent {
			return nil
		}
		if g.replay.IsLive() {
			_, err := g.store.AddAndCommit(g.owner, types.OplogEntry{Kind: types.EntryEndRemoteWrite, BeginIndex: beginIndex})
			return err
		}
		// Replaying: the matching EndRemoteWrite must already be present;
		// its absence was handled as divergence before we got here.
		return nil
	case types.WriteRemoteBatched:
		if g.replay.IsLive() {
			_, err := g.store.AddAndCommit(g.owner, types.OplogEntry{Kind: types.EntryEndRemoteWrite, BeginIndex: beginIndex})
			return err
		}
		return nil
	default:
		return nil
	}
}

// ResolveBatchedReplay implements the WriteRemoteBatched replay path of
// spec.md §4.3: scan forward from beginIndex for a matching EndRemoteWrite.
// If absent and no concurrent side effect follows, switch to Live, record
// a Jump deleted region covering (begin+1..replayTarget+1), and instruct
// the caller to re-execute. If an end exists, the caller resumes normally.
func (g *Gateway) ResolveBatchedReplay(beginIndex types.OplogIndex, window map[types.OplogIndex]types.OplogEntry, hasConcurrentSideEffect func(from, to types.OplogIndex) bool) (mustReExecute bool, err error) {
	target := g.replay.ReplayTarget()
	for idx := beginIndex.Next(); idx <= target; idx = idx.Next() {
		e, ok := window[idx]
		if !ok {
			continue
		}
		if e.Kind == types.EntryEndRemoteWrite && e.BeginIndex == beginIndex {
			return false, nil
		}
	}

	if hasConcurrentSideEffect(beginIndex, target) {
		return false, errs.UnexpectedOplogEntry("EndRemoteWrite", "<concurrent side effect, cannot safely jump>")
	}

	g.replay.SwitchToLive()
	g.replay.AddDeletedRegion(types.DeletedRegion{Start: beginIndex.Next(), End: target.Next()})
	if _, err := g.store.AddAndCommit(g.owner, types.OplogEntry{
		Kind:          types.EntryJump,
		DeletedRegion: &types.DeletedRegion{Start: beginIndex.Next(), End: target.Next()},
	}); err != nil {
		return false, err
	}
	return true, nil
}

// NonIdempotentWriteRemoteDivergence implements the non-idempotent
// WriteRemote replay check of spec.md §4.3: if the matching EndRemoteWrite
// is missing, the operation must not be replayed — switch to Live and
// surface an error.
func (g *Gateway) NonIdempotentWriteRemoteDivergence(beginIndex types.OplogIndex, window map[types.OplogIndex]types.OplogEntry) error {
	target := g.replay.ReplayTarget()
	for idx := beginIndex.Next(); idx <= target; idx = idx.Next() {
		if e, ok := window[idx]; ok && e.Kind == types.EntryEndRemoteWrite && e.BeginIndex == beginIndex {
			return nil
		}
	}
	g.replay.SwitchToLive()
	return errs.UnexpectedOplogEntry("EndRemoteWrite", "<missing, unsafe to replay non-idempotent write>")
}

func (g *Gateway) readNextImportedCall() (types.OplogEntry, bool, error) {
	idx := g.replay.GetNextEntry()
	if idx == types.NONE {
		return types.OplogEntry{}, false, nil
	}
	entries, err := g.store.Read(g.owner, idx, 1)
	if err != nil {
		return types.OplogEntry{}, false, err
	}
	e, ok := entries[idx]
	if !ok || e.Kind != types.EntryImportedFunctionInvoked {
		return types.OplogEntry{}, false, nil
	}
	return e, true, nil
}

func (g *Gateway) uploadIfPayloadStore(data []byte) (types.PayloadRef, error) {
	if ps, ok := g.store.(oplog.PayloadStore); ok {
		return ps.Upload(data)
	}
	return "", nil
}

func (g *Gateway) downloadIfPayloadStore(ref types.PayloadRef) ([]byte, error) {
	if ref == "" {
		return nil, nil
	}
	if ps, ok := g.store.(oplog.PayloadStore); ok {
		return ps.Download(ref)
	}
	return nil, nil
}

// Log implements spec.md §4.3's log-entry rule: in live mode, journal and
// emit; in replay, re-emit with a replay flag only if the triple is found
// in the seen_log index (consuming it), otherwise emit nothing.
func (g *Gateway) Log(level types.LogLevel, context, message string) (emitted, replayed bool, err error) {
	if g.replay.IsLive() {
		idx, err := g.store.AddAndCommit(g.owner, types.OplogEntry{
			Kind:       types.EntryLog,
			LogLevel:   level,
			LogContext: context,
			LogMessage: message,
		})
		if err != nil {
			return false, false, err
		}
		g.replay.IndexLog(level, context, message, idx)
		return true, false, nil
	}

	seen, _ := g.replay.SeenLog(level, context, message)
	if !seen {
		return false, false, nil
	}
	g.replay.ConsumeSeenLog(level, context, message)
	return true, true, nil
}

// GeneratePure wraps a "pure" ReadLocal host call (e.g.
// generate_idempotency_key, generate_unique_local_worker_id) so the
// non-determinism is captured once and replayed deterministically (spec.md
// §4.3 "Pure host calls").
func (g *Gateway) GeneratePure(generate func() []byte) ([]byte, error) {
	return g.Perform(types.DurableFunctionType{Kind: types.ReadLocal}, nil, false, func() ([]byte, error) {
		return generate(), nil
	})
}
