package timeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/runtimeline/pkg/viewstate"
)

func TestFollowingTracksNewestEvent(t *testing.T) {
	ctx := context.Background()
	store := NewRunEventStore(testRun)
	fc := NewFollowModeController(ctx, testRun, store, newMemKV(), ViewportWide)
	defer fc.Close()
	require.Equal(t, FollowModeFollowing, fc.Mode())

	store.Replace([]RunTimelineEvent{ev("e1", 1), ev("e2", 2)})
	require.Equal(t, "e2", fc.Selected())

	store.Merge([]RunTimelineEvent{ev("e3", 3)}, MutationAppend)
	require.Equal(t, "e3", fc.Selected())

	// An older page never moves the selection.
	store.Prepend([]RunTimelineEvent{ev("e0", 0)})
	require.Equal(t, "e3", fc.Selected())
}

func TestExplicitSelectionSwitchesToManual(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	store := NewRunEventStore(testRun)
	store.Replace([]RunTimelineEvent{ev("e1", 1), ev("e2", 2)})
	fc := NewFollowModeController(ctx, testRun, store, kv, ViewportWide)
	defer fc.Close()

	require.NoError(t, fc.Select(ctx, "e1"))
	require.Equal(t, FollowModeManual, fc.Mode())
	v, _ := kv.value(viewstate.FollowKey(testRun))
	require.Equal(t, "false", v)

	store.Merge([]RunTimelineEvent{ev("e3", 3), ev("e4", 4)}, MutationAppend)
	require.Equal(t, "e1", fc.Selected())
	require.Equal(t, FollowModeManual, fc.Mode())

	fc.SetFollowing(ctx, true)
	require.Equal(t, "e4", fc.Selected())
	v, _ = kv.value(viewstate.FollowKey(testRun))
	require.Equal(t, "true", v)
}

func TestToggleFromFollowingKeepsSelection(t *testing.T) {
	ctx := context.Background()
	store := NewRunEventStore(testRun)
	store.Replace([]RunTimelineEvent{ev("e1", 1), ev("e2", 2)})
	fc := NewFollowModeController(ctx, testRun, store, nil, ViewportWide)
	defer fc.Close()

	fc.Toggle(ctx)
	require.Equal(t, FollowModeManual, fc.Mode())
	require.Equal(t, "e2", fc.Selected())

	store.Merge([]RunTimelineEvent{ev("e3", 3)}, MutationAppend)
	require.Equal(t, "e2", fc.Selected())

	fc.Toggle(ctx)
	require.Equal(t, "e3", fc.Selected())
}

func TestInitialModeFromViewportAndPreference(t *testing.T) {
	ctx := context.Background()
	store := NewRunEventStore(testRun)

	narrow := NewFollowModeController(ctx, testRun, store, newMemKV(), ViewportNarrow)
	require.Equal(t, FollowModeManual, narrow.Mode())
	narrow.Close()

	kv := newMemKV()
	require.NoError(t, kv.Set(ctx, viewstate.FollowKey(testRun), "true"))
	restored := NewFollowModeController(ctx, testRun, store, kv, ViewportNarrow)
	require.Equal(t, FollowModeFollowing, restored.Mode())
	restored.Close()

	require.NoError(t, kv.Set(ctx, viewstate.FollowKey(testRun), "false"))
	restored = NewFollowModeController(ctx, testRun, store, kv, ViewportWide)
	require.Equal(t, FollowModeManual, restored.Mode())
	restored.Close()
}

func TestFilterChangeReevaluatesSelection(t *testing.T) {
	ctx := context.Background()
	store := NewRunEventStore(testRun)
	store.Replace([]RunTimelineEvent{
		evTyped("m1", 1, EventTypeInvocationMessage, EventStatusSuccess),
		evTyped("l2", 2, EventTypeLLMCall, EventStatusSuccess),
		evTyped("m3", 3, EventTypeInvocationMessage, EventStatusSuccess),
	})
	fc := NewFollowModeController(ctx, testRun, store, nil, ViewportWide)
	defer fc.Close()
	require.Equal(t, "m3", fc.Selected())

	store.ApplyFilter(NewFilter([]EventType{EventTypeLLMCall}, nil))
	require.Equal(t, "l2", fc.Selected())

	store.ApplyFilter(FilterState{})
	require.NoError(t, fc.Select(ctx, "m1"))
	store.ApplyFilter(NewFilter([]EventType{EventTypeInvocationMessage}, nil))
	require.Equal(t, "m1", fc.Selected())

	store.ApplyFilter(NewFilter([]EventType{EventTypeLLMCall}, nil))
	require.Empty(t, fc.Selected())
	require.Equal(t, FollowModeManual, fc.Mode())
}

func TestKeyboardNavigation(t *testing.T) {
	ctx := context.Background()
	store := NewRunEventStore(testRun)
	store.Replace(seq("e", 3, 0))
	fc := NewFollowModeController(ctx, testRun, store, nil, ViewportWide)
	defer fc.Close()

	require.NoError(t, fc.SelectPrev(ctx))
	require.Equal(t, "e01", fc.Selected())
	require.Equal(t, FollowModeManual, fc.Mode())

	require.NoError(t, fc.SelectPrev(ctx))
	require.NoError(t, fc.SelectPrev(ctx))
	require.Equal(t, "e00", fc.Selected())

	require.NoError(t, fc.SelectNext(ctx))
	require.Equal(t, "e01", fc.Selected())
}

func TestSelectUnknownEventFails(t *testing.T) {
	store := NewRunEventStore(testRun)
	fc := NewFollowModeController(context.Background(), testRun, store, nil, ViewportWide)
	defer fc.Close()
	require.ErrorIs(t, fc.Select(context.Background(), "nope"), ErrUnknownEvent)
	require.Equal(t, FollowModeFollowing, fc.Mode())
}

func TestViewStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewRunEventStore(testRun)
	store.Replace(seq("e", 3, 0))
	fc := NewFollowModeController(ctx, testRun, store, nil, ViewportWide)
	defer fc.Close()

	require.NoError(t, fc.ApplyViewState(ctx, viewstate.ViewState{EventID: "e00"}))
	vs := fc.ViewState()
	require.Equal(t, "e00", vs.EventID)
	require.False(t, *vs.Follow)

	require.NoError(t, fc.ApplyViewState(ctx, viewstate.ViewState{EventID: "e00", Follow: viewstate.Bool(true)}))
	require.Equal(t, "e02", fc.Selected())
	require.True(t, fc.Following())
}

func TestSelectionListeners(t *testing.T) {
	ctx := context.Background()
	store := NewRunEventStore(testRun)
	fc := NewFollowModeController(ctx, testRun, store, nil, ViewportWide)
	defer fc.Close()

	var got []Selection
	fc.OnSelectionChanged(func(s Selection) { got = append(got, s) })
	store.Replace(seq("e", 2, 0))
	store.Merge([]RunTimelineEvent{ev("e00", 0)}, MutationUpdate)
	require.NoError(t, fc.Select(ctx, "e00"))

	require.Equal(t, []Selection{
		{Mode: FollowModeFollowing, EventID: "e01"},
		{Mode: FollowModeManual, EventID: "e00"},
	}, got)
}
