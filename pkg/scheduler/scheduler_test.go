package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu      sync.Mutex
	fired   []Action
	failOn  ActionKind
}

func (h *recordingHandler) Handle(ctx context.Context, action Action) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fired = append(h.fired, action)
	if h.failOn != "" && action.Kind == h.failOn {
		return assert.AnError
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fired)
}

func TestScheduleIncrementsLen(t *testing.T) {
	s := New(&recordingHandler{}, time.Hour)
	s.Schedule(time.Now().Add(time.Hour), Action{Kind: ActionArchiveOplog})
	s.Schedule(time.Now().Add(2*time.Hour), Action{Kind: ActionArchiveOplog})
	assert.Equal(t, 2, s.Len())
}

func TestRunFiresDueActionsInTimestampOrder(t *testing.T) {
	h := &recordingHandler{}
	s := New(h, 5*time.Millisecond)

	past := time.Now().Add(-time.Minute)
	s.Schedule(past.Add(2*time.Second), Action{Kind: ActionInvoke, FunctionName: "second"})
	s.Schedule(past, Action{Kind: ActionCompletePromise, PromiseId: "first"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return h.count() == 2 }, time.Second, 5*time.Millisecond)
	s.Stop()

	require.Len(t, h.fired, 2)
	assert.Equal(t, ActionCompletePromise, h.fired[0].Kind, "the earlier-timestamped action must fire first")
	assert.Equal(t, ActionInvoke, h.fired[1].Kind)
}

func TestRunDoesNotFireFutureActions(t *testing.T) {
	h := &recordingHandler{}
	s := New(h, 5*time.Millisecond)
	s.Schedule(time.Now().Add(time.Hour), Action{Kind: ActionArchiveOplog})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	cancel()

	assert.Equal(t, 0, h.count())
	assert.Equal(t, 1, s.Len(), "a future action must remain queued")
}

func TestStopBlocksUntilRunReturns(t *testing.T) {
	s := New(&recordingHandler{}, 5*time.Millisecond)
	ctx := context.Background()
	go s.Run(ctx)

	time.Sleep(10 * time.Millisecond)
	s.Stop()
	assert.Equal(t, 0, s.Len())
}

func TestHandlerErrorDoesNotStopTheLoop(t *testing.T) {
	h := &recordingHandler{failOn: ActionInvoke}
	s := New(h, 5*time.Millisecond)
	s.Schedule(time.Now().Add(-time.Second), Action{Kind: ActionInvoke})
	s.Schedule(time.Now().Add(-time.Second), Action{Kind: ActionArchiveOplog})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return h.count() == 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
}
