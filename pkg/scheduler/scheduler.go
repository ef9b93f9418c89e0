// Package scheduler implements the Scheduler collaborator (spec.md §6):
// schedule(at, action) for the three action kinds the core defers into
// the future (CompletePromise, ArchiveOplog, Invoke). Grounded on
// pkg/scheduler/scheduler.go's ticker-driven reconciliation loop, a
// container-placement loop here repurposed into a time-ordered action
// heap.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/cuemby/durablewasm/pkg/log"
	"github.com/cuemby/durablewasm/pkg/metrics"
	"github.com/cuemby/durablewasm/pkg/types"
	"github.com/rs/zerolog"
)

// ActionKind discriminates what a scheduled Action does when it fires.
type ActionKind string

const (
	ActionCompletePromise ActionKind = "complete_promise"
	ActionArchiveOplog    ActionKind = "archive_oplog"
	ActionInvoke          ActionKind = "invoke"
)

// Action is one deferred unit of work.
type Action struct {
	Kind ActionKind

	PromiseId    string // CompletePromise
	PromiseData  []byte // CompletePromise

	Owner types.OwnedWorkerId // ArchiveOplog / Invoke

	FunctionName    string             // Invoke
	Args            []byte             // Invoke
	IdempotencyKey  types.IdempotencyKey // Invoke
}

// Handler dispatches a fired action. The caller (the engine) supplies one
// implementation wired to promise.Store, oplog archival, and invocation.
type Handler interface {
	Handle(ctx context.Context, action Action) error
}

type scheduledItem struct {
	at     time.Time
	action Action
	index  int
}

// itemHeap is a min-heap over scheduledItem.at, the same "ticker pops the
// earliest due item" shape as the teacher's periodic reconciliation loop.
type itemHeap []*scheduledItem

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *itemHeap) Push(x interface{}) {
	item := x.(*scheduledItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Scheduler runs a ticker loop that fires due actions in timestamp order.
type Scheduler struct {
	mu       sync.Mutex
	items    itemHeap
	handler  Handler
	tickRate time.Duration
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(handler Handler, tickRate time.Duration) *Scheduler {
	if tickRate <= 0 {
		tickRate = 100 * time.Millisecond
	}
	s := &Scheduler{
		handler:  handler,
		tickRate: tickRate,
		logger:   log.WithComponent("scheduler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	heap.Init(&s.items)
	return s
}

// Schedule enqueues action to fire at (or shortly after) at.
func (s *Scheduler) Schedule(at time.Time, action Action) {
	s.mu.Lock()
	heap.Push(&s.items, &scheduledItem{at: at, action: action})
	s.mu.Unlock()
}

// Run drives the ticker loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickRate)
	defer ticker.Stop()
	defer close(s.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := time.Now()
	for {
		s.mu.Lock()
		if s.items.Len() == 0 || s.items[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		item := heap.Pop(&s.items).(*scheduledItem)
		s.mu.Unlock()

		timer := metrics.NewTimer()
		err := s.handler.Handle(ctx, item.action)
		timer.ObserveDuration(metrics.SchedulerActionDuration)
		if err != nil {
			s.logger.Error().Err(err).Str("kind", string(item.action.Kind)).Msg("scheduled action failed")
		}
	}
}

// Stop halts the ticker loop and blocks until Run has returned.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Len reports the number of pending scheduled actions, for tests and
// status introspection.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}
