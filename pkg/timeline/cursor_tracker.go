package timeline

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/runtimeline/pkg/viewstate"
)

// CursorTracker keeps the newest known cursor per run in client storage so it survives
// reconnects. The cursor only moves forward unless explicitly reset.
type CursorTracker struct {
	kv KV

	mu    sync.Mutex
	cache map[string]Cursor
}

func NewCursorTracker(kv KV) *CursorTracker {
	return &CursorTracker{kv: kv, cache: map[string]Cursor{}}
}

// Current returns the tracked cursor for runID.
func (t *CursorTracker) Current(ctx context.Context, runID string) (Cursor, bool, error) {
	if t == nil {
		return Cursor{}, false, errors.New("cursor tracker is not initialized")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentLocked(ctx, runID)
}

// Advance moves the cursor to c if c is newer than the tracked one. Regressions are rejected
// and reported as false.
func (t *CursorTracker) Advance(ctx context.Context, runID string, c Cursor) (bool, error) {
	if t == nil {
		return false, errors.New("cursor tracker is not initialized")
	}
	if runID == "" || c.IsZero() {
		return false, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok, err := t.currentLocked(ctx, runID)
	if err != nil {
		return false, err
	}
	if ok && !After(c, cur) {
		return false, nil
	}
	return true, t.writeLocked(ctx, runID, c)
}

// Reset forcibly sets (or, with nil, clears) the cursor of runID. Used on run change.
func (t *CursorTracker) Reset(ctx context.Context, runID string, c *Cursor) error {
	if t == nil {
		return errors.New("cursor tracker is not initialized")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c == nil {
		delete(t.cache, runID)
		if t.kv == nil {
			return nil
		}
		return errors.Wrap(t.kv.Delete(ctx, viewstate.CursorKey(runID)), "cursor tracker: delete")
	}
	return t.writeLocked(ctx, runID, *c)
}

// Observer returns a store observer that advances the cursor with every applied event.
func (t *CursorTracker) Observer(ctx context.Context, runID string) func(Change) {
	return func(ch Change) {
		if len(ch.Applied) == 0 {
			return
		}
		newest := FromEvent(ch.Applied[0])
		for _, e := range ch.Applied[1:] {
			if c := FromEvent(e); After(c, newest) {
				newest = c
			}
		}
		if _, err := t.Advance(ctx, runID, newest); err != nil {
			log.Warn().Err(err).Str("component", "timeline").Str("run_id", runID).Msg("cursor advance failed")
		}
	}
}

func (t *CursorTracker) currentLocked(ctx context.Context, runID string) (Cursor, bool, error) {
	if c, ok := t.cache[runID]; ok {
		return c, true, nil
	}
	if t.kv == nil {
		return Cursor{}, false, nil
	}
	raw, ok, err := t.kv.Get(ctx, viewstate.CursorKey(runID))
	if err != nil {
		return Cursor{}, false, errors.Wrap(err, "cursor tracker: get")
	}
	if !ok {
		return Cursor{}, false, nil
	}
	c, err := ParseCursor(raw)
	if err != nil {
		log.Warn().Err(err).Str("component", "timeline").Str("run_id", runID).Msg("ignoring corrupt persisted cursor")
		return Cursor{}, false, nil
	}
	t.cache[runID] = c
	return c, true, nil
}

func (t *CursorTracker) writeLocked(ctx context.Context, runID string, c Cursor) error {
	t.cache[runID] = c
	if t.kv == nil {
		return nil
	}
	return errors.Wrap(t.kv.Set(ctx, viewstate.CursorKey(runID), c.String()), "cursor tracker: set")
}
