package timeline

import (
	"slices"
)

// FilterState restricts the visible projection. An empty set places no restriction.
type FilterState struct {
	Types    map[EventType]struct{}
	Statuses map[EventStatus]struct{}
}

func NewFilter(types []EventType, statuses []EventStatus) FilterState {
	f := FilterState{}
	for _, t := range types {
		if f.Types == nil {
			f.Types = map[EventType]struct{}{}
		}
		f.Types[t] = struct{}{}
	}
	for _, s := range statuses {
		if f.Statuses == nil {
			f.Statuses = map[EventStatus]struct{}{}
		}
		f.Statuses[s] = struct{}{}
	}
	return f
}

func (f FilterState) Matches(e RunTimelineEvent) bool {
	if len(f.Types) > 0 {
		if _, ok := f.Types[e.Type]; !ok {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		if _, ok := f.Statuses[e.Status]; !ok {
			return false
		}
	}
	return true
}

func (f FilterState) IsEmpty() bool {
	return len(f.Types) == 0 && len(f.Statuses) == 0
}

// TypeList returns the selected types in canonical order.
func (f FilterState) TypeList() []EventType {
	out := make([]EventType, 0, len(f.Types))
	for _, t := range AllEventTypes {
		if _, ok := f.Types[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (f FilterState) StatusList() []EventStatus {
	out := make([]EventStatus, 0, len(f.Statuses))
	for _, s := range AllEventStatuses {
		if _, ok := f.Statuses[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (f FilterState) Clone() FilterState {
	return NewFilter(f.TypeList(), f.StatusList())
}

func (f FilterState) Equal(o FilterState) bool {
	return slices.Equal(f.TypeList(), o.TypeList()) && slices.Equal(f.StatusList(), o.StatusList())
}

// WithTypeToggled adds or removes t from the type restriction.
func (f FilterState) WithTypeToggled(t EventType) FilterState {
	out := f.Clone()
	if _, ok := out.Types[t]; ok {
		delete(out.Types, t)
		return out
	}
	if out.Types == nil {
		out.Types = map[EventType]struct{}{}
	}
	out.Types[t] = struct{}{}
	return out
}

// Query builds an events query carrying this filter.
func (f FilterState) Query(cursor *Cursor, limit int, order Order) EventsQuery {
	return EventsQuery{
		Types:    f.TypeList(),
		Statuses: f.StatusList(),
		Cursor:   cursor,
		Limit:    limit,
		Order:    order,
	}
}
