package timeline

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const testRun = "run-1"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tsAt(sec int) string {
	return t0.Add(time.Duration(sec) * time.Second).Format(time.RFC3339Nano)
}

func ev(id string, sec int) RunTimelineEvent {
	return RunTimelineEvent{
		ID:     id,
		RunID:  testRun,
		Type:   EventTypeInvocationMessage,
		Status: EventStatusSuccess,
		Ts:     tsAt(sec),
		Payload: EventPayload{
			Message: &MessagePayload{Role: "user", Text: id},
		},
	}
}

func evTyped(id string, sec int, typ EventType, status EventStatus) RunTimelineEvent {
	return RunTimelineEvent{ID: id, RunID: testRun, Type: typ, Status: status, Ts: tsAt(sec)}
}

func ids(events []RunTimelineEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

// fakeServer answers events queries from an in-memory log the way the REST endpoint does.
type fakeServer struct {
	mu      sync.Mutex
	events  []RunTimelineEvent
	queries []EventsQuery
	listErr error
	// gates, when set, are consumed one per ListEvents call; the call blocks until the gate closes.
	gates []chan struct{}

	summary        RunSummary
	summaryCalls   int
	summaryErr     error
	terminateCalls int
	terminateErr   error
}

func newFakeServer(events ...RunTimelineEvent) *fakeServer {
	return &fakeServer{events: slices.Clone(events)}
}

func (f *fakeServer) add(events ...RunTimelineEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
}

func (f *fakeServer) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *fakeServer) gate() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates = append(f.gates, ch)
	return ch
}

func (f *fakeServer) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *fakeServer) lastQuery() EventsQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

func (f *fakeServer) ListEvents(ctx context.Context, runID string, q EventsQuery) (EventsPage, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	var gate chan struct{}
	if len(f.gates) > 0 {
		gate = f.gates[0]
		f.gates = f.gates[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return EventsPage{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return EventsPage{}, f.listErr
	}
	filter := NewFilter(q.Types, q.Statuses)
	var matching []RunTimelineEvent
	for _, e := range f.events {
		if e.RunID == runID && filter.Matches(e) {
			matching = append(matching, e)
		}
	}
	slices.SortFunc(matching, CompareEvents)
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	switch {
	case q.Order == OrderDesc && q.Cursor != nil:
		var older []RunTimelineEvent
		for _, e := range matching {
			if After(*q.Cursor, FromEvent(e)) {
				older = append(older, e)
			}
		}
		slices.Reverse(older)
		page := EventsPage{Items: older[:min(limit, len(older))]}
		if len(older) > limit {
			c := FromEvent(page.Items[len(page.Items)-1])
			page.NextCursor = &c
		}
		return page, nil
	case q.Cursor != nil:
		var newer []RunTimelineEvent
		for _, e := range matching {
			if After(FromEvent(e), *q.Cursor) {
				newer = append(newer, e)
			}
		}
		page := EventsPage{Items: newer[:min(limit, len(newer))]}
		if len(newer) > limit {
			c := FromEvent(page.Items[len(page.Items)-1])
			page.NextCursor = &c
		}
		return page, nil
	default:
		// The live window: the newest events, ascending, with a cursor to the older remainder.
		start := max(len(matching)-limit, 0)
		page := EventsPage{Items: slices.Clone(matching[start:])}
		if start > 0 {
			c := FromEvent(page.Items[0])
			page.NextCursor = &c
		}
		return page, nil
	}
}

func (f *fakeServer) GetSummary(_ context.Context, runID string) (RunSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaryCalls++
	if f.summaryErr != nil {
		return RunSummary{}, f.summaryErr
	}
	s := f.summary
	s.RunID = runID
	return s, nil
}

func (f *fakeServer) Terminate(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminateCalls++
	return f.terminateErr
}

func (f *fakeServer) counts() (summaries int, terminates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaryCalls, f.terminateCalls
}

// fakeTransport is an in-process Transport driven directly by tests.
type fakeTransport struct {
	mu           sync.Mutex
	rooms        map[string]bool
	subscribeErr error
	nextID       int
	onEvent      map[int]func(RunEventMessage)
	onStatus     map[int]func(RunStatusMessage)
	onReconnect  map[int]func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		rooms:       map[string]bool{},
		onEvent:     map[int]func(RunEventMessage){},
		onStatus:    map[int]func(RunStatusMessage){},
		onReconnect: map[int]func(){},
	}
}

func (f *fakeTransport) Subscribe(_ context.Context, rooms ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	for _, r := range rooms {
		f.rooms[r] = true
	}
	return nil
}

func (f *fakeTransport) Unsubscribe(_ context.Context, rooms ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rooms {
		delete(f.rooms, r)
	}
	return nil
}

func (f *fakeTransport) joined() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.rooms))
	for r := range f.rooms {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

func (f *fakeTransport) OnEvent(fn func(RunEventMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.onEvent[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.onEvent, id)
	}
}

func (f *fakeTransport) OnStatusChanged(fn func(RunStatusMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.onStatus[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.onStatus, id)
	}
}

func (f *fakeTransport) OnReconnected(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.onReconnect[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.onReconnect, id)
	}
}

func (f *fakeTransport) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.onEvent) + len(f.onStatus) + len(f.onReconnect)
}

func (f *fakeTransport) push(e RunTimelineEvent, m Mutation) {
	f.mu.Lock()
	handlers := make([]func(RunEventMessage), 0, len(f.onEvent))
	for _, h := range f.onEvent {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(RunEventMessage{RunID: e.RunID, Event: e, Mutation: m})
	}
}

func (f *fakeTransport) pushStatus(runID string, status string) {
	f.mu.Lock()
	handlers := make([]func(RunStatusMessage), 0, len(f.onStatus))
	for _, h := range f.onStatus {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(RunStatusMessage{Run: RunRef{ID: runID, Status: status}})
	}
}

func (f *fakeTransport) reconnect() {
	f.mu.Lock()
	handlers := make([]func(), 0, len(f.onReconnect))
	for _, h := range f.onReconnect {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

type memKV struct {
	mu     sync.Mutex
	values map[string]string
	err    error
}

func newMemKV() *memKV {
	return &memKV{values: map[string]string{}}
}

func (m *memKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.values[key] = value
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *memKV) value(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

type fakeAnchor struct {
	top    int
	height int
}

func (a *fakeAnchor) ScrollTop() int     { return a.top }
func (a *fakeAnchor) SetScrollTop(v int) { a.top = v }
func (a *fakeAnchor) ItemHeight() int    { return a.height }

var errBoom = errors.New("boom")

func seq(prefix string, n int, startSec int) []RunTimelineEvent {
	out := make([]RunTimelineEvent, 0, n)
	for i := range n {
		out = append(out, ev(fmt.Sprintf("%s%02d", prefix, i), startSec+i))
	}
	return out
}
