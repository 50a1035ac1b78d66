package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/runtimeline/pkg/viewstate"
)

type runViewFixture struct {
	srv       *fakeServer
	transport *fakeTransport
	kv        *memKV
	view      *RunView
}

func newRunViewFixture(t *testing.T, pageSize int, events ...RunTimelineEvent) *runViewFixture {
	t.Helper()
	f := &runViewFixture{
		srv:       newFakeServer(events...),
		transport: newFakeTransport(),
		kv:        newMemKV(),
	}
	view, err := NewRunView(RunViewConfig{
		BaseCtx:         context.Background(),
		API:             f.srv,
		Transport:       f.transport,
		Storage:         f.kv,
		PageSize:        pageSize,
		CatchUpFallback: true,
	})
	require.NoError(t, err)
	f.view = view
	t.Cleanup(func() { _ = view.Close(context.Background()) })
	return f
}

func TestRunViewOpenLoadsWindow(t *testing.T) {
	ctx := context.Background()
	f := newRunViewFixture(t, 3, seq("e", 5, 0)...)
	f.srv.summary = RunSummary{TotalEvents: 5, Status: "running"}

	require.NoError(t, f.view.Open(ctx, testRun, WithThread("thread-9")))
	require.Equal(t, []string{"run:" + testRun, "thread:thread-9"}, f.transport.joined())
	require.Equal(t, []string{"e02", "e03", "e04"}, ids(f.view.Store().Visible()))
	require.True(t, f.view.Pagination().CanLoadOlder())
	require.Equal(t, "e04", f.view.Follow().Selected())

	sum, ok := f.view.Summary().Summary()
	require.True(t, ok)
	require.Equal(t, 5, sum.TotalEvents)

	cur, ok, err := f.view.Cursors().Current(ctx, testRun)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "e04", cur.ID)

	loaded, err := f.view.LoadOlder(ctx)
	require.NoError(t, err)
	require.True(t, loaded)
	require.Equal(t, 5, f.view.Store().Len())
}

func TestRunViewReconcilesLivePushes(t *testing.T) {
	ctx := context.Background()
	f := newRunViewFixture(t, 50, ev("e1", 0), ev("e2", 2))
	require.NoError(t, f.view.Open(ctx, testRun))
	require.True(t, f.view.Pagination().Exhausted())

	updated := ev("e1", 0)
	updated.Status = EventStatusRunning
	f.transport.push(ev("e3", 3), MutationAppend)
	f.transport.push(updated, MutationUpdate)
	f.transport.push(ev("e3", 3), MutationAppend)

	visible := f.view.Store().Visible()
	require.Equal(t, []string{"e1", "e2", "e3"}, ids(visible))
	require.Equal(t, EventStatusRunning, visible[0].Status)
	require.Equal(t, "e3", f.view.Follow().Selected())
}

func TestRunViewLatestFilterWins(t *testing.T) {
	ctx := context.Background()
	f := newRunViewFixture(t, 50,
		evTyped("m1", 1, EventTypeInvocationMessage, EventStatusSuccess),
		evTyped("l2", 2, EventTypeLLMCall, EventStatusSuccess),
		evTyped("t3", 3, EventTypeToolExecution, EventStatusError),
	)
	require.NoError(t, f.view.Open(ctx, testRun))

	slow := f.srv.gate()
	slowDone := make(chan error, 1)
	go func() {
		slowDone <- f.view.SetFilter(ctx, NewFilter([]EventType{EventTypeLLMCall}, nil))
	}()
	require.Eventually(t, func() bool { return f.srv.queryCount() == 2 }, time.Second, 5*time.Millisecond)

	toolsOnly := NewFilter([]EventType{EventTypeToolExecution}, nil)
	fast := f.srv.gate()
	fastDone := make(chan error, 1)
	go func() {
		fastDone <- f.view.SetFilter(ctx, toolsOnly)
	}()
	require.Eventually(t, func() bool { return f.srv.queryCount() == 3 }, time.Second, 5*time.Millisecond)

	// Pushed while both refetches are in flight; the server responses predate it.
	f.transport.push(evTyped("t4", 4, EventTypeToolExecution, EventStatusSuccess), MutationAppend)
	require.Equal(t, []string{"t3", "t4"}, ids(f.view.Store().Visible()))

	close(fast)
	require.NoError(t, <-fastDone)
	require.Equal(t, []string{"t3", "t4"}, ids(f.view.Store().Visible()))

	close(slow)
	require.NoError(t, <-slowDone)

	require.True(t, f.view.Store().Filter().Equal(toolsOnly))
	require.Equal(t, []string{"t3", "t4"}, ids(f.view.Store().Visible()))
	require.Equal(t, "t4", f.view.Follow().Selected())
}

func TestRunViewCatchesUpAfterReconnect(t *testing.T) {
	ctx := context.Background()
	f := newRunViewFixture(t, 2, seq("e", 4, 0)...)
	require.NoError(t, f.view.Open(ctx, testRun))
	require.Equal(t, []string{"e02", "e03"}, ids(f.view.Store().Visible()))

	f.srv.add(ev("e04", 4), ev("e05", 5), ev("e06", 6))
	f.transport.reconnect()

	require.Eventually(t, func() bool { return f.view.Store().Len() == 5 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"e02", "e03", "e04", "e05", "e06"}, ids(f.view.Store().Visible()))
	require.NoError(t, f.view.Err())
}

func TestRunViewRefreshFailureFallsBackOnce(t *testing.T) {
	ctx := context.Background()
	f := newRunViewFixture(t, 50, seq("e", 2, 0)...)
	require.NoError(t, f.view.Open(ctx, testRun))
	before := f.srv.queryCount()

	f.srv.setListErr(errBoom)
	err := f.view.Refresh(ctx)
	require.ErrorIs(t, err, errBoom)
	require.Error(t, f.view.Err())
	// The cursor catch-up plus exactly one fallback refetch.
	require.Equal(t, before+2, f.srv.queryCount())
	require.Equal(t, 2, f.view.Store().Len())

	f.srv.setListErr(nil)
	f.srv.add(ev("e09", 9))
	require.NoError(t, f.view.Refresh(ctx))
	require.Equal(t, 3, f.view.Store().Len())
}

func TestRunViewSwitchingRunsTearsDownState(t *testing.T) {
	ctx := context.Background()
	other := ev("x1", 1)
	other.RunID = "run-2"
	f := newRunViewFixture(t, 50, append(seq("e", 3, 0), other)...)

	require.NoError(t, f.view.Open(ctx, testRun))
	first := f.view.Store()
	_, ok := f.kv.value(viewstate.CursorKey(testRun))
	require.True(t, ok)

	require.NoError(t, f.view.Open(ctx, "run-2"))
	require.Equal(t, []string{"run:run-2"}, f.transport.joined())
	require.NotSame(t, first, f.view.Store())
	require.Equal(t, []string{"x1"}, ids(f.view.Store().Visible()))
	_, ok = f.kv.value(viewstate.CursorKey(testRun))
	require.False(t, ok)

	// Late pushes for the previous run are ignored.
	f.transport.push(ev("late", 9), MutationAppend)
	require.Equal(t, 1, f.view.Store().Len())
	require.Equal(t, 3, first.Len())
}

func TestRunViewInitialLoadFailureIsState(t *testing.T) {
	ctx := context.Background()
	f := newRunViewFixture(t, 50, seq("e", 3, 0)...)
	f.srv.setListErr(errBoom)

	err := f.view.Open(ctx, testRun)
	require.ErrorIs(t, err, errBoom)
	require.ErrorIs(t, f.view.Err(), errBoom)
	require.NotNil(t, f.view.Store())
	require.Equal(t, 0, f.view.Store().Len())

	f.view.DismissError()
	require.NoError(t, f.view.Err())

	// Live events still land while the REST side is down.
	f.transport.push(ev("live", 10), MutationAppend)
	require.Equal(t, 1, f.view.Store().Len())
}

func TestRunViewStatusChangeRefreshesSummary(t *testing.T) {
	ctx := context.Background()
	f := newRunViewFixture(t, 50, seq("e", 1, 0)...)
	require.NoError(t, f.view.Open(ctx, testRun))
	summaries, _ := f.srv.counts()

	f.transport.pushStatus(testRun, "completed")
	require.Eventually(t, func() bool {
		n, _ := f.srv.counts()
		return n == summaries+1
	}, time.Second, 5*time.Millisecond)

	f.srv.mu.Lock()
	f.srv.terminateErr = errBoom
	f.srv.mu.Unlock()
	require.ErrorIs(t, f.view.Terminate(ctx), errBoom)
	n, terminates := f.srv.counts()
	require.Equal(t, summaries+2, n)
	require.Equal(t, 1, terminates)
}
