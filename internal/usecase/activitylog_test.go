package usecase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Letdown2491/runkit/internal/domain"
)

func newTestActivityLog(store *memStore) *ActivityLog {
	l := NewActivityLog(store, zap.NewNop())
	l.SetClock(fixedClock())
	return l
}

func TestActivityLog_CapacityEvictsOldest(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := newTestActivityLog(store)

	for i := 0; i < domain.HistoryCapacity+3; i++ {
		require.NoError(t, l.RecordAction(ctx, "sshd", domain.ActionRestart, domain.OutcomeSuccess, fmt.Sprintf("run %d", i), nil))
	}

	got := l.Recent("sshd")
	require.Len(t, got, domain.HistoryCapacity)
	assert.Equal(t, "run 3", got[0].Message)
	assert.Equal(t, "run 12", got[len(got)-1].Message)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].Timestamp.After(got[i-1].Timestamp))
	}

	assert.Equal(t, got, store.persisted("sshd"), "every append is written through")
}

func TestActivityLog_RecentIsACopy(t *testing.T) {
	l := newTestActivityLog(newMemStore())
	require.NoError(t, l.RecordAction(context.Background(), "sshd", domain.ActionStart, domain.OutcomeSuccess, "ok", nil))

	got := l.Recent("sshd")
	got[0].Message = "mutated"
	assert.Equal(t, "ok", l.Recent("sshd")[0].Message)
	assert.Empty(t, l.Recent("unknown"))
}

func TestActivityLog_Load(t *testing.T) {
	store := newMemStore()
	var events []domain.ActivityEvent
	for i := 0; i < domain.HistoryCapacity+5; i++ {
		events = append(events, domain.ActivityEvent{Service: "sshd", Type: domain.EventUserAction, Message: fmt.Sprint(i)})
	}
	store.history["sshd"] = events

	l := newTestActivityLog(store)
	require.NoError(t, l.Load(context.Background()))

	got := l.Recent("sshd")
	require.Len(t, got, domain.HistoryCapacity)
	assert.Equal(t, "5", got[0].Message)
}

func TestActivityLog_Observe(t *testing.T) {
	ctx := context.Background()
	l := newTestActivityLog(newMemStore())

	ev, err := l.Observe(ctx, running("sshd", 10))
	require.NoError(t, err)
	assert.Nil(t, ev, "first observation only sets the baseline")

	ev, err = l.Observe(ctx, running("sshd", 10))
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = l.Observe(ctx, running("sshd", 22))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, domain.ChangeRestarted, ev.Change)

	ev, err = l.Observe(ctx, domain.ServiceStatus{Service: "sshd", State: domain.StateUnknown})
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = l.Observe(ctx, down("sshd"))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, domain.ChangeStopped, ev.Change)
	assert.Equal(t, domain.StateRunning, ev.From, "unknown never replaces the baseline")

	assert.Len(t, l.Recent("sshd"), 2)
}

func TestActivityLog_ActionBecomesBaseline(t *testing.T) {
	ctx := context.Background()
	l := newTestActivityLog(newMemStore())

	_, err := l.Observe(ctx, down("sshd"))
	require.NoError(t, err)

	require.NoError(t, l.Begin("sshd", domain.ActionStart))
	ev, err := l.Observe(ctx, running("sshd", 50))
	require.NoError(t, err)
	assert.Nil(t, ev, "observations during an action are ignored")

	after := running("sshd", 50)
	require.NoError(t, l.RecordAction(ctx, "sshd", domain.ActionStart, domain.OutcomeSuccess, "started", &after))
	l.End("sshd")

	ev, err = l.Observe(ctx, running("sshd", 50))
	require.NoError(t, err)
	assert.Nil(t, ev, "the action's own effect is not reported twice")

	hist := l.Recent("sshd")
	require.Len(t, hist, 1)
	assert.Equal(t, domain.EventUserAction, hist[0].Type)
	assert.Equal(t, domain.StateDown, hist[0].From)
	assert.Equal(t, domain.StateRunning, hist[0].To)
	assert.Equal(t, 50, hist[0].PID)
}

func TestActivityLog_BeginTwice(t *testing.T) {
	l := newTestActivityLog(newMemStore())
	require.NoError(t, l.Begin("sshd", domain.ActionStart))

	err := l.Begin("sshd", domain.ActionStop)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInternal)

	require.NoError(t, l.Begin("cupsd", domain.ActionStop), "other services are unaffected")
	l.End("sshd")
	require.NoError(t, l.Begin("sshd", domain.ActionStop))
}

func TestActivityLog_PersistFailureKeepsEvent(t *testing.T) {
	store := newMemStore()
	store.failWrite = errDiskFull
	l := newTestActivityLog(store)

	err := l.RecordAction(context.Background(), "sshd", domain.ActionStop, domain.OutcomeSuccess, "stopped", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Len(t, l.Recent("sshd"), 1)
}

func TestActivityLog_Reconcile(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.snapshot = domain.SessionSnapshot{"waypoint-scheduler": down("waypoint-scheduler")}
	store.hasSnap = true
	l := newTestActivityLog(store)

	live := map[string]domain.ServiceStatus{"waypoint-scheduler": running("waypoint-scheduler", 4821)}
	events, err := l.Reconcile(ctx, live)
	require.NoError(t, err)
	require.Len(t, events, 1)

	hist := l.Recent("waypoint-scheduler")
	require.Len(t, hist, 1)
	assert.Equal(t, domain.StateDown, hist[0].From)
	assert.Equal(t, domain.StateRunning, hist[0].To)
	assert.Equal(t, 4821, hist[0].PID)
	assert.True(t, hist[0].Synthetic)

	events, err = l.Reconcile(ctx, live)
	require.NoError(t, err)
	assert.Empty(t, events, "the snapshot is consumed by the first reconcile")
	assert.Len(t, l.Recent("waypoint-scheduler"), 1)

	ev, err := l.Observe(ctx, running("waypoint-scheduler", 4821))
	require.NoError(t, err)
	assert.Nil(t, ev, "live status seeds the baseline")
}

func TestActivityLog_WriteSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := newTestActivityLog(store)

	_, err := l.Observe(ctx, running("sshd", 10))
	require.NoError(t, err)
	require.NoError(t, l.WriteSnapshot(ctx, nil))

	snap, ok, err := store.TakeSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.SessionSnapshot{"sshd": running("sshd", 10)}, snap)

	require.NoError(t, l.WriteSnapshot(ctx, map[string]domain.ServiceStatus{}))
	snap, ok, err = store.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, snap)
}

func TestActivityLog_Subscribe(t *testing.T) {
	ctx := context.Background()
	l := newTestActivityLog(newMemStore())

	events, cancel := l.Subscribe(4)
	require.NoError(t, l.RecordAction(ctx, "sshd", domain.ActionStart, domain.OutcomeSuccess, "ok", nil))

	select {
	case ev := <-events:
		assert.Equal(t, "sshd", ev.Service)
		assert.Equal(t, domain.ActionStart, ev.Action)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)

	require.NoError(t, l.RecordAction(ctx, "sshd", domain.ActionStop, domain.OutcomeSuccess, "ok", nil))
}

func TestActivityLog_SlowSubscriberDrops(t *testing.T) {
	ctx := context.Background()
	l := newTestActivityLog(newMemStore())

	events, cancel := l.Subscribe(1)
	defer cancel()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.RecordAction(ctx, "sshd", domain.ActionCheck, domain.OutcomeSuccess, fmt.Sprint(i), nil))
	}
	assert.Len(t, events, 1)
	assert.Len(t, l.Recent("sshd"), 5)
}

func TestActivityLog_ObserveSinceDropsStaleReads(t *testing.T) {
	ctx := context.Background()
	l := newTestActivityLog(newMemStore())
	_, err := l.Observe(ctx, down("sshd"))
	require.NoError(t, err)

	before := l.Generation("sshd")
	require.NoError(t, l.Begin("sshd", domain.ActionStart))
	during := l.Generation("sshd")
	require.NoError(t, l.RecordAction(ctx, "sshd", domain.ActionStart, domain.OutcomeSuccess, "", &domain.ServiceStatus{Service: "sshd", State: domain.StateRunning, PID: 7}))
	l.End("sshd")

	for _, gen := range []uint64{before, during} {
		ev, err := l.ObserveSince(ctx, down("sshd"), gen)
		require.NoError(t, err)
		assert.Nil(t, ev)
	}
	assert.Len(t, l.Recent("sshd"), 1)
	assert.Equal(t, domain.StateRunning, l.Observed()["sshd"].State)

	ev, err := l.ObserveSince(ctx, down("sshd"), l.Generation("sshd"))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, domain.ChangeStopped, ev.Change)
}
