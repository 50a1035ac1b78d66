package timeline

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrStaleGeneration is returned when a refetch response settles after a newer generation
// has been issued. It is a normal race outcome, not a failure.
var ErrStaleGeneration = errors.New("timeline store: stale generation")

type ChangeKind string

const (
	ChangeReplace ChangeKind = "replace"
	ChangeMerge   ChangeKind = "merge"
	ChangePrepend ChangeKind = "prepend"
	ChangeFilter  ChangeKind = "filter"
)

// Change describes one store mutation to observers.
type Change struct {
	Kind ChangeKind
	// Applied holds the events written to the full set, in input order.
	Applied      []RunTimelineEvent
	NewestBefore string
	NewestAfter  string
	VisibleLen   int
	// Evicted counts events dropped by the size cap during this change.
	Evicted int
}

func (c Change) NewestChanged() bool {
	return c.NewestBefore != c.NewestAfter
}

type storedEvent struct {
	event RunTimelineEvent
	at    time.Time
}

func compareStored(a, b storedEvent) int {
	if c := a.at.Compare(b.at); c != 0 {
		return c
	}
	return strings.Compare(a.event.ID, b.event.ID)
}

type storeObserver struct {
	id int
	fn func(Change)
}

type StoreOption func(*RunEventStore)

// WithMaxEvents bounds the full set. Live growth evicts the oldest events first; older pages
// are only prepended into the room left under the cap. 0 means unbounded.
func WithMaxEvents(n int) StoreOption {
	return func(s *RunEventStore) {
		if n > 0 {
			s.maxEvents = n
		}
	}
}

// RunEventStore holds the event set of one run, sorted by cursor order and unique by id, plus
// the filtered projection that the presentation layer reads.
//
// Observers run synchronously after each mutation, in mutation order. They may read the store
// but must not mutate it.
type RunEventStore struct {
	runID     string
	maxEvents int

	emitMu sync.Mutex

	mu      sync.Mutex
	all     []storedEvent
	byID    map[string]storedEvent
	visible []RunTimelineEvent
	filter  FilterState

	generation uint64
	// journal records live merges while a generation-gated refetch is outstanding; genStart
	// maps each outstanding generation to the journal offset at the time it was issued.
	journal  []RunTimelineEvent
	genStart map[uint64]int
	evicted  int

	observers      []storeObserver
	nextObserverID int
}

func NewRunEventStore(runID string, opts ...StoreOption) *RunEventStore {
	s := &RunEventStore{
		runID:    runID,
		byID:     map[string]storedEvent{},
		genStart: map[uint64]int{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RunEventStore) RunID() string {
	if s == nil {
		return ""
	}
	return s.runID
}

// Observe registers fn for every subsequent change. The returned func unregisters it.
func (s *RunEventStore) Observe(fn func(Change)) func() {
	if s == nil || fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextObserverID++
	id := s.nextObserverID
	s.observers = append(s.observers, storeObserver{id: id, fn: fn})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.observers = slices.DeleteFunc(s.observers, func(o storeObserver) bool { return o.id == id })
	}
}

// Replace sets the store to exactly the given events, sorted and de-duplicated (the last copy
// of an id wins).
func (s *RunEventStore) Replace(events []RunTimelineEvent) int {
	if s == nil {
		return 0
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	before := s.newestVisibleIDLocked()
	applied := s.resetLocked(events)
	s.journal = nil
	clear(s.genStart)
	change, observers := s.finishLocked(ChangeReplace, applied, before)
	s.mu.Unlock()

	s.emit(observers, change)
	return len(applied)
}

// ReplaceIfCurrent replaces the store with a refetch response issued under generation, but only
// if no newer generation exists. Live events merged since that generation was issued are merged
// again on top of the new baseline so the refetch never hides them. Known events the current
// filter hides are kept, since a filtered response cannot say anything about them.
func (s *RunEventStore) ReplaceIfCurrent(generation uint64, events []RunTimelineEvent) error {
	if s == nil {
		return errors.New("timeline store: nil store")
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if generation != s.generation {
		delete(s.genStart, generation)
		current := s.generation
		s.mu.Unlock()
		log.Debug().Str("component", "timeline").Str("run_id", s.runID).
			Uint64("generation", generation).Uint64("current", current).
			Msg("discarding stale refetch response")
		return ErrStaleGeneration
	}
	var live []RunTimelineEvent
	if start, ok := s.genStart[generation]; ok && start <= len(s.journal) {
		live = append(live, s.journal[start:]...)
	}
	before := s.newestVisibleIDLocked()
	var hidden []RunTimelineEvent
	if !s.filter.IsEmpty() {
		for _, se := range s.all {
			if !s.filter.Matches(se.event) {
				hidden = append(hidden, se.event)
			}
		}
	}
	applied := s.resetLocked(events)
	for _, e := range hidden {
		if _, ok := s.byID[e.ID]; !ok {
			s.upsertLocked(e)
		}
	}
	for _, e := range live {
		if s.upsertLocked(e) {
			applied = append(applied, e)
		}
	}
	s.evictLocked()
	s.journal = nil
	clear(s.genStart)
	change, observers := s.finishLocked(ChangeReplace, applied, before)
	s.mu.Unlock()

	s.emit(observers, change)
	return nil
}

// Merge applies a batch of append or update deltas. Both kinds are id-keyed last-write-wins:
// the incoming record replaces the content of an existing id and its position is recomputed
// from its timestamp. Merging the same batch twice leaves the store unchanged.
// Malformed events are dropped.
func (s *RunEventStore) Merge(events []RunTimelineEvent, mutation Mutation) int {
	if s == nil || len(events) == 0 {
		return 0
	}
	if !mutation.Valid() {
		log.Warn().Str("component", "timeline").Str("run_id", s.runID).
			Str("mutation", string(mutation)).Msg("dropping batch with unknown mutation")
		return 0
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	before := s.newestVisibleIDLocked()
	applied := make([]RunTimelineEvent, 0, len(events))
	for _, e := range events {
		if s.upsertLocked(e) {
			applied = append(applied, s.byID[e.ID].event)
		}
	}
	if len(applied) == 0 {
		s.mu.Unlock()
		return 0
	}
	if len(s.genStart) > 0 {
		s.journal = append(s.journal, applied...)
	}
	s.evictLocked()
	change, observers := s.finishLocked(ChangeMerge, applied, before)
	s.mu.Unlock()

	s.emit(observers, change)
	return len(applied)
}

// Prepend inserts an older page. Events go through the same dedup rule as Merge, so overlap
// with the loaded window is harmless. With a size cap, previously unknown events are only added
// while there is room, newest first, so the set stays contiguous and nothing loaded is evicted.
// It returns how many previously unknown events became visible.
func (s *RunEventStore) Prepend(events []RunTimelineEvent) int {
	if s == nil || len(events) == 0 {
		return 0
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	before := s.newestVisibleIDLocked()
	page := slices.Clone(events)
	slices.SortFunc(page, func(a, b RunTimelineEvent) int { return CompareEvents(b, a) })
	applied := make([]RunTimelineEvent, 0, len(page))
	inserted, skipped := 0, 0
	for _, e := range page {
		_, existed := s.byID[e.ID]
		if !existed && s.maxEvents > 0 && len(s.all) >= s.maxEvents {
			skipped++
			continue
		}
		if !s.upsertLocked(e) {
			continue
		}
		stored := s.byID[e.ID].event
		applied = append(applied, stored)
		if !existed && s.filter.Matches(stored) {
			inserted++
		}
	}
	if skipped > 0 {
		log.Debug().Str("component", "timeline").Str("run_id", s.runID).
			Int("skipped", skipped).Int("max_events", s.maxEvents).Msg("older page truncated at size cap")
	}
	if len(applied) == 0 {
		s.mu.Unlock()
		return 0
	}
	slices.Reverse(applied)
	change, observers := s.finishLocked(ChangePrepend, applied, before)
	s.mu.Unlock()

	s.emit(observers, change)
	return inserted
}

// ApplyFilter recomputes the visible projection. The full set is kept so relaxing the filter
// later shows already known events without a refetch.
func (s *RunEventStore) ApplyFilter(filter FilterState) {
	if s == nil {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.filter.Equal(filter) {
		s.mu.Unlock()
		return
	}
	before := s.newestVisibleIDLocked()
	s.filter = filter.Clone()
	change, observers := s.finishLocked(ChangeFilter, nil, before)
	s.mu.Unlock()

	s.emit(observers, change)
}

// NextGeneration starts a new refetch generation and returns it. Responses tagged with an
// older generation are rejected by ReplaceIfCurrent.
func (s *RunEventStore) NextGeneration() uint64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.genStart[s.generation] = len(s.journal)
	return s.generation
}

// SetFilter applies the filter projection and starts a new generation for its refetch.
func (s *RunEventStore) SetFilter(filter FilterState) uint64 {
	gen := s.NextGeneration()
	s.ApplyFilter(filter)
	return gen
}

func (s *RunEventStore) Generation() uint64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *RunEventStore) Filter() FilterState {
	if s == nil {
		return FilterState{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.Clone()
}

// Visible returns the filtered, sorted projection.
func (s *RunEventStore) Visible() []RunTimelineEvent {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.visible)
}

// All returns the full sorted set, ignoring the filter.
func (s *RunEventStore) All() []RunTimelineEvent {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunTimelineEvent, 0, len(s.all))
	for _, se := range s.all {
		out = append(out, se.event)
	}
	return out
}

func (s *RunEventStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visible)
}

// Full reports whether the size cap is reached. An uncapped store is never full.
func (s *RunEventStore) Full() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxEvents > 0 && len(s.all) >= s.maxEvents
}

func (s *RunEventStore) Get(id string) (RunTimelineEvent, bool) {
	if s == nil {
		return RunTimelineEvent{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.byID[id]
	return se.event, ok
}

// IsVisible reports whether id is part of the filtered projection.
func (s *RunEventStore) IsVisible(id string) bool {
	return s.VisibleIndex(id) >= 0
}

// VisibleIndex returns the position of id in the visible projection, or -1.
func (s *RunEventStore) VisibleIndex(id string) int {
	if s == nil || id == "" {
		return -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.byID[id]
	if !ok || !s.filter.Matches(se.event) {
		return -1
	}
	i, found := slices.BinarySearchFunc(s.visible, se, func(e RunTimelineEvent, target storedEvent) int {
		at, _ := ParseTimestamp(e.Ts)
		return compareStored(storedEvent{event: e, at: at}, target)
	})
	if !found {
		return -1
	}
	return i
}

// Newest returns the newest visible event.
func (s *RunEventStore) Newest() (RunTimelineEvent, bool) {
	if s == nil {
		return RunTimelineEvent{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.visible) == 0 {
		return RunTimelineEvent{}, false
	}
	return s.visible[len(s.visible)-1], true
}

// Oldest returns the oldest visible event.
func (s *RunEventStore) Oldest() (RunTimelineEvent, bool) {
	if s == nil {
		return RunTimelineEvent{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.visible) == 0 {
		return RunTimelineEvent{}, false
	}
	return s.visible[0], true
}

func (s *RunEventStore) resetLocked(events []RunTimelineEvent) []RunTimelineEvent {
	s.all = make([]storedEvent, 0, len(events))
	s.byID = make(map[string]storedEvent, len(events))
	applied := make([]RunTimelineEvent, 0, len(events))
	for _, e := range events {
		if s.upsertLocked(e) {
			applied = append(applied, s.byID[e.ID].event)
		}
	}
	s.evictLocked()
	return applied
}

func (s *RunEventStore) upsertLocked(e RunTimelineEvent) bool {
	if err := e.Validate(); err != nil {
		log.Warn().Err(err).Str("component", "timeline").Str("run_id", s.runID).Msg("dropping malformed event")
		return false
	}
	if s.runID != "" && e.RunID != s.runID {
		log.Warn().Str("component", "timeline").Str("run_id", s.runID).
			Str("event_run_id", e.RunID).Str("event_id", e.ID).Msg("dropping event for another run")
		return false
	}
	e = e.Normalize()
	at, _ := ParseTimestamp(e.Ts)
	next := storedEvent{event: e, at: at}
	if prev, ok := s.byID[e.ID]; ok {
		if i, found := slices.BinarySearchFunc(s.all, prev, compareStored); found {
			s.all = slices.Delete(s.all, i, i+1)
		}
	}
	i, _ := slices.BinarySearchFunc(s.all, next, compareStored)
	s.all = slices.Insert(s.all, i, next)
	s.byID[e.ID] = next
	return true
}

func (s *RunEventStore) evictLocked() {
	if s.maxEvents <= 0 || len(s.all) <= s.maxEvents {
		return
	}
	drop := len(s.all) - s.maxEvents
	for _, se := range s.all[:drop] {
		delete(s.byID, se.event.ID)
	}
	s.all = slices.Clone(s.all[drop:])
	s.evicted += drop
}

func (s *RunEventStore) recomputeLocked() {
	visible := make([]RunTimelineEvent, 0, len(s.all))
	for _, se := range s.all {
		if s.filter.Matches(se.event) {
			visible = append(visible, se.event)
		}
	}
	s.visible = visible
}

func (s *RunEventStore) newestVisibleIDLocked() string {
	if len(s.visible) == 0 {
		return ""
	}
	return s.visible[len(s.visible)-1].ID
}

func (s *RunEventStore) finishLocked(kind ChangeKind, applied []RunTimelineEvent, newestBefore string) (Change, []storeObserver) {
	s.recomputeLocked()
	change := Change{
		Kind:         kind,
		Applied:      applied,
		NewestBefore: newestBefore,
		NewestAfter:  s.newestVisibleIDLocked(),
		VisibleLen:   len(s.visible),
		Evicted:      s.evicted,
	}
	s.evicted = 0
	return change, slices.Clone(s.observers)
}

func (s *RunEventStore) emit(observers []storeObserver, change Change) {
	for _, o := range observers {
		o.fn(change)
	}
}
