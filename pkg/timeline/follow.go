package timeline

import (
	"context"
	"slices"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/runtimeline/pkg/viewstate"
)

type FollowMode string

const (
	FollowModeFollowing FollowMode = "following"
	FollowModeManual    FollowMode = "manual"
)

// ViewportClass decides the initial follow mode when no preference was persisted.
type ViewportClass string

const (
	ViewportWide   ViewportClass = "wide"
	ViewportNarrow ViewportClass = "narrow"
)

func (v ViewportClass) DefaultMode() FollowMode {
	if v == ViewportNarrow {
		return FollowModeManual
	}
	return FollowModeFollowing
}

// ErrUnknownEvent is returned when selecting an event that is not visible.
var ErrUnknownEvent = errors.New("event is not visible")

type Selection struct {
	Mode    FollowMode
	EventID string
}

// FollowModeController decides which event is selected: the newest visible one while Following,
// or the user's pick while Manual. Only an explicit toggle returns to Following.
type FollowModeController struct {
	runID string
	store *RunEventStore
	prefs KV

	mu        sync.Mutex
	mode      FollowMode
	selected  string
	listeners []func(Selection)
	unobserve func()
}

// NewFollowModeController restores the persisted mode for runID, falling back to the viewport
// default, and starts observing the store.
func NewFollowModeController(ctx context.Context, runID string, store *RunEventStore, prefs KV, viewport ViewportClass) *FollowModeController {
	fc := &FollowModeController{
		runID: runID,
		store: store,
		prefs: prefs,
		mode:  viewport.DefaultMode(),
	}
	if prefs != nil {
		raw, ok, err := prefs.Get(ctx, viewstate.FollowKey(runID))
		switch {
		case err != nil:
			log.Warn().Err(err).Str("component", "timeline").Str("run_id", runID).Msg("reading follow preference failed")
		case ok:
			if following, perr := strconv.ParseBool(raw); perr == nil {
				fc.mode = modeFromBool(following)
			}
		}
	}
	if fc.mode == FollowModeFollowing {
		if newest, ok := store.Newest(); ok {
			fc.selected = newest.ID
		}
	}
	fc.unobserve = store.Observe(fc.handleChange)
	return fc
}

func modeFromBool(following bool) FollowMode {
	if following {
		return FollowModeFollowing
	}
	return FollowModeManual
}

func (fc *FollowModeController) Mode() FollowMode {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.mode
}

func (fc *FollowModeController) Following() bool {
	return fc.Mode() == FollowModeFollowing
}

func (fc *FollowModeController) Selected() string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.selected
}

func (fc *FollowModeController) Selection() Selection {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return Selection{Mode: fc.mode, EventID: fc.selected}
}

// OnSelectionChanged registers fn for every change of mode or selected event.
func (fc *FollowModeController) OnSelectionChanged(fn func(Selection)) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.listeners = append(fc.listeners, fn)
}

// Select is an explicit user selection. It always leaves the controller in Manual mode.
func (fc *FollowModeController) Select(ctx context.Context, eventID string) error {
	if !fc.store.IsVisible(eventID) {
		return errors.Wrap(ErrUnknownEvent, eventID)
	}
	fc.update(func() {
		fc.mode = FollowModeManual
		fc.selected = eventID
	})
	fc.persist(ctx, false)
	return nil
}

// SelectNext moves the selection one event newer. It counts as an explicit selection.
func (fc *FollowModeController) SelectNext(ctx context.Context) error {
	return fc.step(ctx, 1)
}

// SelectPrev moves the selection one event older.
func (fc *FollowModeController) SelectPrev(ctx context.Context) error {
	return fc.step(ctx, -1)
}

func (fc *FollowModeController) step(ctx context.Context, delta int) error {
	visible := fc.store.Visible()
	if len(visible) == 0 {
		return nil
	}
	current := fc.Selected()
	idx := slices.IndexFunc(visible, func(e RunTimelineEvent) bool { return e.ID == current })
	switch {
	case idx < 0 && delta < 0:
		idx = len(visible) - 1
	case idx < 0:
		idx = 0
	default:
		idx = min(max(idx+delta, 0), len(visible)-1)
	}
	return fc.Select(ctx, visible[idx].ID)
}

// Toggle switches between Following and Manual.
func (fc *FollowModeController) Toggle(ctx context.Context) {
	fc.SetFollowing(ctx, !fc.Following())
}

// SetFollowing is the explicit follow toggle. Entering Following jumps to the newest visible
// event; leaving it keeps the current selection.
func (fc *FollowModeController) SetFollowing(ctx context.Context, following bool) {
	fc.update(func() {
		fc.mode = modeFromBool(following)
		if following {
			fc.selected = fc.newestID()
		}
	})
	fc.persist(ctx, following)
}

// ViewState returns the deep-linkable selection.
func (fc *FollowModeController) ViewState() viewstate.ViewState {
	sel := fc.Selection()
	return viewstate.ViewState{EventID: sel.EventID, Follow: viewstate.Bool(sel.Mode == FollowModeFollowing)}
}

// ApplyViewState restores a deep link. A pinned event implies Manual unless the link also
// asks to follow, in which case following wins.
func (fc *FollowModeController) ApplyViewState(ctx context.Context, vs viewstate.ViewState) error {
	if vs.Follow != nil && *vs.Follow {
		fc.SetFollowing(ctx, true)
		return nil
	}
	if vs.EventID != "" {
		return fc.Select(ctx, vs.EventID)
	}
	if vs.Follow != nil {
		fc.SetFollowing(ctx, false)
	}
	return nil
}

// Close stops observing the store.
func (fc *FollowModeController) Close() {
	fc.mu.Lock()
	unobserve := fc.unobserve
	fc.unobserve = nil
	fc.mu.Unlock()
	if unobserve != nil {
		unobserve()
	}
}

func (fc *FollowModeController) handleChange(ch Change) {
	switch {
	case ch.Kind == ChangeFilter:
		fc.onFilterChanged()
	case ch.NewestChanged():
		fc.update(func() {
			if fc.mode == FollowModeFollowing {
				fc.selected = ch.NewestAfter
			}
		})
	}
}

// onFilterChanged re-evaluates the selection against the new projection: Following picks the
// newest match, Manual drops a selection the filter now hides.
func (fc *FollowModeController) onFilterChanged() {
	fc.update(func() {
		if fc.mode == FollowModeFollowing {
			fc.selected = fc.newestID()
			return
		}
		if fc.selected != "" && !fc.store.IsVisible(fc.selected) {
			fc.selected = ""
		}
	})
}

func (fc *FollowModeController) newestID() string {
	if newest, ok := fc.store.Newest(); ok {
		return newest.ID
	}
	return ""
}

func (fc *FollowModeController) update(fn func()) {
	fc.mu.Lock()
	before := Selection{Mode: fc.mode, EventID: fc.selected}
	fn()
	after := Selection{Mode: fc.mode, EventID: fc.selected}
	listeners := slices.Clone(fc.listeners)
	fc.mu.Unlock()
	if before == after {
		return
	}
	for _, l := range listeners {
		l(after)
	}
}

func (fc *FollowModeController) persist(ctx context.Context, following bool) {
	if fc.prefs == nil {
		return
	}
	if err := fc.prefs.Set(ctx, viewstate.FollowKey(fc.runID), strconv.FormatBool(following)); err != nil {
		log.Warn().Err(err).Str("component", "timeline").Str("run_id", fc.runID).Msg("persisting follow preference failed")
	}
}
