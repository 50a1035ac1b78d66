package replay

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/runtimeline/pkg/timeline"
)

// MemoryServer answers the run REST API from an in-memory, id-keyed event log with the same
// paging rules as the real endpoint.
type MemoryServer struct {
	mu       sync.Mutex
	events   map[string]timeline.RunTimelineEvent
	statuses map[string]string
}

var _ timeline.API = (*MemoryServer)(nil)

func NewMemoryServer() *MemoryServer {
	return &MemoryServer{
		events:   map[string]timeline.RunTimelineEvent{},
		statuses: map[string]string{},
	}
}

// Record stores events, replacing any earlier copy with the same id.
func (s *MemoryServer) Record(events ...timeline.RunTimelineEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		s.events[e.ID] = e.Normalize()
	}
}

func (s *MemoryServer) SetStatus(runID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[runID] = status
}

func (s *MemoryServer) sorted(runID string, filter timeline.FilterState) []timeline.RunTimelineEvent {
	var out []timeline.RunTimelineEvent
	for _, e := range s.events {
		if e.RunID == runID && filter.Matches(e) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, timeline.CompareEvents)
	return out
}

func (s *MemoryServer) ListEvents(_ context.Context, runID string, q timeline.EventsQuery) (timeline.EventsPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matching := s.sorted(runID, timeline.NewFilter(q.Types, q.Statuses))
	limit := q.Limit
	if limit <= 0 {
		limit = timeline.DefaultPageSize
	}

	if q.Cursor == nil {
		start := max(len(matching)-limit, 0)
		page := timeline.EventsPage{Items: slices.Clone(matching[start:])}
		if start > 0 {
			c := timeline.FromEvent(page.Items[0])
			page.NextCursor = &c
		}
		return page, nil
	}

	var window []timeline.RunTimelineEvent
	for _, e := range matching {
		c := timeline.FromEvent(e)
		if (q.Order == timeline.OrderDesc && timeline.After(*q.Cursor, c)) ||
			(q.Order != timeline.OrderDesc && timeline.After(c, *q.Cursor)) {
			window = append(window, e)
		}
	}
	if q.Order == timeline.OrderDesc {
		slices.Reverse(window)
	}
	page := timeline.EventsPage{Items: slices.Clone(window[:min(limit, len(window))])}
	if len(window) > limit {
		c := timeline.FromEvent(page.Items[len(page.Items)-1])
		page.NextCursor = &c
	}
	return page, nil
}

func (s *MemoryServer) GetSummary(_ context.Context, runID string) (timeline.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sorted(runID, timeline.FilterState{})
	sum := timeline.RunSummary{
		RunID:          runID,
		TotalEvents:    len(all),
		CountsByType:   map[timeline.EventType]int{},
		CountsByStatus: map[timeline.EventStatus]int{},
		Status:         s.statuses[runID],
	}
	for _, e := range all {
		sum.CountsByType[e.Type]++
		sum.CountsByStatus[e.Status]++
	}
	if len(all) > 0 {
		sum.FirstEventAt = all[0].Ts
		sum.LastEventAt = all[len(all)-1].Ts
	}
	if sum.Status == "" {
		sum.Status = "running"
	}
	return sum, nil
}

// Terminate marks a running run as terminated. Finished runs answer with an error.
func (s *MemoryServer) Terminate(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.statuses[runID] {
	case "", "running", "pending":
		s.statuses[runID] = "terminated"
		return nil
	default:
		return errors.Errorf("run %s is already %s", runID, s.statuses[runID])
	}
}
