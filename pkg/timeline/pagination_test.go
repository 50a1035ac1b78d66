package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// seedWindow loads the live window the way RunView does and returns the controller.
func seedWindow(t *testing.T, srv *fakeServer, store *RunEventStore, pageSize int) *PaginationController {
	t.Helper()
	page, err := srv.ListEvents(context.Background(), testRun, store.Filter().Query(nil, pageSize, OrderAsc))
	require.NoError(t, err)
	store.Replace(page.Items)
	p := NewPaginationController(testRun, store, srv, pageSize)
	p.Reset(page.NextCursor)
	return p
}

func TestLoadOlderWalksBackToTheBeginning(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(seq("e", 10, 0)...)
	store := NewRunEventStore(testRun)
	p := seedWindow(t, srv, store, 3)
	require.Equal(t, []string{"e07", "e08", "e09"}, ids(store.Visible()))
	require.True(t, p.CanLoadOlder())

	loaded, err := p.LoadOlder(ctx)
	require.NoError(t, err)
	require.True(t, loaded)
	q := srv.lastQuery()
	require.Equal(t, OrderDesc, q.Order)
	require.Equal(t, "e07", q.Cursor.ID)
	require.Equal(t, []string{"e04", "e05", "e06", "e07", "e08", "e09"}, ids(store.Visible()))

	for p.CanLoadOlder() {
		_, err := p.LoadOlder(ctx)
		require.NoError(t, err)
	}
	require.True(t, p.Exhausted())
	require.Nil(t, p.NextCursor())
	requireOrdered(t, store.Visible())
	require.Equal(t, 10, store.Len())

	calls := srv.queryCount()
	loaded, err = p.LoadOlder(ctx)
	require.NoError(t, err)
	require.False(t, loaded)
	require.Equal(t, calls, srv.queryCount())
}

func TestLoadOlderWithoutCursorIsTerminal(t *testing.T) {
	srv := newFakeServer(seq("e", 2, 0)...)
	store := NewRunEventStore(testRun)
	p := seedWindow(t, srv, store, 5)

	require.True(t, p.Exhausted())
	require.False(t, p.CanLoadOlder())
	loaded, err := p.LoadOlder(context.Background())
	require.NoError(t, err)
	require.False(t, loaded)
	require.Equal(t, 1, srv.queryCount())
}

func TestLoadOlderPreservesScrollAnchor(t *testing.T) {
	srv := newFakeServer(seq("e", 10, 0)...)
	store := NewRunEventStore(testRun)
	p := seedWindow(t, srv, store, 3)
	anchor := &fakeAnchor{top: 100, height: 20}
	p.SetAnchor(anchor)

	_, err := p.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Equal(t, 160, anchor.top)
}

func TestLoadOlderIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(seq("e", 10, 0)...)
	store := NewRunEventStore(testRun)
	p := seedWindow(t, srv, store, 3)

	gate := srv.gate()
	done := make(chan error, 1)
	go func() {
		_, err := p.LoadOlder(ctx)
		done <- err
	}()
	require.Eventually(t, p.Loading, time.Second, 5*time.Millisecond)
	require.False(t, p.CanLoadOlder())

	loaded, err := p.LoadOlder(ctx)
	require.NoError(t, err)
	require.False(t, loaded)

	close(gate)
	require.NoError(t, <-done)
	require.Equal(t, 2, srv.queryCount())
	require.Equal(t, 6, store.Len())
}

func TestLoadOlderFailureKeepsWindow(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(seq("e", 10, 0)...)
	store := NewRunEventStore(testRun)
	p := seedWindow(t, srv, store, 3)
	before := store.Visible()

	srv.setListErr(errBoom)
	loaded, err := p.LoadOlder(ctx)
	require.Error(t, err)
	require.False(t, loaded)
	require.ErrorIs(t, p.Err(), errBoom)
	require.Equal(t, before, store.Visible())
	require.Equal(t, "e07", p.NextCursor().ID)

	p.DismissError()
	require.NoError(t, p.Err())

	srv.setListErr(nil)
	loaded, err = p.LoadOlder(ctx)
	require.NoError(t, err)
	require.True(t, loaded)
	require.Equal(t, 6, store.Len())
}

func TestLoadOlderUsesCurrentFilter(t *testing.T) {
	srv := newFakeServer(
		evTyped("l1", 1, EventTypeLLMCall, EventStatusSuccess),
		evTyped("m2", 2, EventTypeInvocationMessage, EventStatusSuccess),
		evTyped("l3", 3, EventTypeLLMCall, EventStatusSuccess),
		evTyped("l4", 4, EventTypeLLMCall, EventStatusSuccess),
	)
	store := NewRunEventStore(testRun)
	store.ApplyFilter(NewFilter([]EventType{EventTypeLLMCall}, nil))
	p := seedWindow(t, srv, store, 1)
	require.Equal(t, []string{"l4"}, ids(store.Visible()))

	_, err := p.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Equal(t, []EventType{EventTypeLLMCall}, srv.lastQuery().Types)
	require.Equal(t, []string{"l3", "l4"}, ids(store.Visible()))
}

func TestLoadOlderDiscardsPageFromPreviousGeneration(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(seq("e", 10, 0)...)
	store := NewRunEventStore(testRun)
	p := seedWindow(t, srv, store, 3)

	gate := srv.gate()
	done := make(chan bool, 1)
	go func() {
		loaded, _ := p.LoadOlder(ctx)
		done <- loaded
	}()
	require.Eventually(t, p.Loading, time.Second, 5*time.Millisecond)
	store.SetFilter(NewFilter(nil, []EventStatus{EventStatusSuccess}))
	close(gate)

	require.False(t, <-done)
	require.Equal(t, 3, len(store.All()))
	require.False(t, p.Loading())
}

func TestLoadOlderStopsAtSizeCap(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(seq("e", 10, 0)...)
	store := NewRunEventStore(testRun, WithMaxEvents(5))
	p := seedWindow(t, srv, store, 3)
	require.True(t, p.CanLoadOlder())

	loaded, err := p.LoadOlder(ctx)
	require.NoError(t, err)
	require.True(t, loaded)
	require.Equal(t, []string{"e05", "e06", "e07", "e08", "e09"}, ids(store.Visible()))
	require.True(t, p.Capped())
	require.False(t, p.Exhausted())
	require.False(t, p.CanLoadOlder())
	// The cursor resumes below what was kept, not below the whole page.
	require.Equal(t, "e05", p.NextCursor().ID)

	calls := srv.queryCount()
	loaded, err = p.LoadOlder(ctx)
	require.NoError(t, err)
	require.False(t, loaded)
	require.Equal(t, calls, srv.queryCount())

	store.Merge([]RunTimelineEvent{ev("e10", 10)}, MutationAppend)
	require.Equal(t, []string{"e06", "e07", "e08", "e09", "e10"}, ids(store.Visible()))
	require.Equal(t, "e06", p.NextCursor().ID)
	requireOrdered(t, store.Visible())
}

func TestLoadOlderFillingTheCapIsTerminal(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(seq("e", 10, 0)...)
	store := NewRunEventStore(testRun, WithMaxEvents(6))
	p := seedWindow(t, srv, store, 3)

	loaded, err := p.LoadOlder(ctx)
	require.NoError(t, err)
	require.True(t, loaded)
	require.Equal(t, []string{"e04", "e05", "e06", "e07", "e08", "e09"}, ids(store.Visible()))
	require.True(t, p.Capped())
	require.False(t, p.CanLoadOlder())
	require.Equal(t, "e04", p.NextCursor().ID)
}

func TestLoadOlderSkipsRequestWhenWindowFillsCap(t *testing.T) {
	srv := newFakeServer(seq("e", 10, 0)...)
	store := NewRunEventStore(testRun, WithMaxEvents(3))
	p := seedWindow(t, srv, store, 3)
	require.True(t, p.Capped())
	require.False(t, p.CanLoadOlder())

	calls := srv.queryCount()
	loaded, err := p.LoadOlder(context.Background())
	require.NoError(t, err)
	require.False(t, loaded)
	require.Equal(t, calls, srv.queryCount())
}
