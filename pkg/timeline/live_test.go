package timeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLiveSubscriptionJoinsAndSwitchesRooms(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	ls, err := NewLiveSubscription(tr)
	require.NoError(t, err)

	require.NoError(t, ls.Subscribe(ctx, "run-a", "thread-1"))
	require.Equal(t, []string{"run:run-a", "thread:thread-1"}, tr.joined())
	require.NoError(t, ls.Subscribe(ctx, "run-a", "thread-1"))

	require.NoError(t, ls.Subscribe(ctx, "run-b", ""))
	require.Equal(t, []string{"run:run-b"}, tr.joined())
	require.Equal(t, "run-b", ls.RunID())

	require.NoError(t, ls.Close(ctx))
	require.Empty(t, tr.joined())
	require.Equal(t, 0, tr.handlerCount())
}

func TestLiveSubscriptionForwardsOnlyCurrentRun(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	ls, err := NewLiveSubscription(tr)
	require.NoError(t, err)

	var got []string
	ls.OnEvent(func(m RunEventMessage) { got = append(got, m.Event.ID) })

	tr.push(ev("before-subscribe", 0), MutationAppend)
	require.NoError(t, ls.Subscribe(ctx, testRun, ""))

	other := ev("other", 1)
	other.RunID = "run-other"
	tr.push(other, MutationAppend)
	tr.push(ev("e1", 1), MutationAppend)
	tr.push(ev("bad-mutation", 2), Mutation("delete"))
	tr.push(ev("e2", 2), MutationUpdate)

	require.Equal(t, []string{"e1", "e2"}, got)
}

func TestLiveSubscriptionFailedSubscribeCanRetry(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	ls, err := NewLiveSubscription(tr)
	require.NoError(t, err)

	tr.subscribeErr = errBoom
	require.ErrorIs(t, ls.Subscribe(ctx, testRun, ""), errBoom)

	tr.subscribeErr = nil
	require.NoError(t, ls.Subscribe(ctx, testRun, ""))
	require.Equal(t, []string{RunRoom(testRun)}, tr.joined())
}

func TestLiveSubscriptionStatusAndReconnect(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	ls, err := NewLiveSubscription(tr)
	require.NoError(t, err)

	var statuses []string
	reconnects := 0
	ls.OnStatusChanged(func(m RunStatusMessage) { statuses = append(statuses, m.Run.Status) })
	ls.OnReconnected(func() { reconnects++ })

	tr.reconnect()
	require.Equal(t, 0, reconnects)

	require.NoError(t, ls.Subscribe(ctx, testRun, ""))
	tr.pushStatus("run-other", "completed")
	tr.pushStatus(testRun, "running")
	tr.reconnect()
	require.Equal(t, []string{"running"}, statuses)
	require.Equal(t, 1, reconnects)
}
