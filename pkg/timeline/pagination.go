package timeline

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EventsFetcher is the read side of the events REST endpoint.
type EventsFetcher interface {
	ListEvents(ctx context.Context, runID string, q EventsQuery) (EventsPage, error)
}

// ScrollAnchor is the scroll container the timeline is rendered in. LoadOlder uses it to keep
// the reader's position stable when older rows are inserted above.
type ScrollAnchor interface {
	ScrollTop() int
	SetScrollTop(int)
	ItemHeight() int
}

// PaginationController loads older events into a run's store, one page at a time.
type PaginationController struct {
	runID    string
	store    *RunEventStore
	fetcher  EventsFetcher
	pageSize int

	mu         sync.Mutex
	nextCursor *Cursor
	exhausted  bool
	// capped is set while the store is at its size cap; no older page fits.
	capped   bool
	inFlight bool
	err        error
	anchor     ScrollAnchor
}

// NewPaginationController observes store for the lifetime of both.
func NewPaginationController(runID string, store *RunEventStore, fetcher EventsFetcher, pageSize int) *PaginationController {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	p := &PaginationController{
		runID:    runID,
		store:    store,
		fetcher:  fetcher,
		pageSize: pageSize,
	}
	store.Observe(p.handleChange)
	return p
}

// handleChange re-anchors the cursor when the size cap evicted the oldest events, so the next
// cursor never points past events the store no longer holds.
func (p *PaginationController) handleChange(ch Change) {
	if ch.Evicted == 0 {
		return
	}
	var oldest *Cursor
	if all := p.store.All(); len(all) > 0 {
		c := FromEvent(all[0])
		oldest = &c
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capped = true
	if oldest != nil {
		p.nextCursor = oldest
		p.exhausted = false
	}
}

func (p *PaginationController) SetAnchor(a ScrollAnchor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.anchor = a
}

// Reset adopts the next cursor of a freshly loaded window. A nil cursor means the window already
// starts at the beginning of the timeline.
func (p *PaginationController) Reset(next *Cursor) {
	full := p.store.Full()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capped = full
	if next == nil {
		p.nextCursor = nil
		p.exhausted = true
	} else {
		c := *next
		p.nextCursor = &c
		p.exhausted = false
	}
	p.err = nil
}

// CanLoadOlder reports whether the "load older" affordance is available.
func (p *PaginationController) CanLoadOlder() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exhausted && !p.capped && p.nextCursor != nil && !p.inFlight
}

// Exhausted is true once the beginning of the timeline has been reached.
func (p *PaginationController) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

// Capped is true while the store holds as many events as its size cap allows. Loading older
// events stays unavailable until the window is reloaded with room to spare.
func (p *PaginationController) Capped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capped
}

func (p *PaginationController) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

func (p *PaginationController) NextCursor() *Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nextCursor == nil {
		return nil
	}
	c := *p.nextCursor
	return &c
}

// Err is the last load failure, kept until dismissed or a load succeeds.
func (p *PaginationController) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *PaginationController) DismissError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = nil
}

// LoadOlder fetches the page strictly older than the next cursor under the current filter and
// prepends it. It returns false without a request when a load is already in flight, history is
// exhausted, the store is at its size cap, or no cursor is known. On failure the loaded window
// is left untouched.
func (p *PaginationController) LoadOlder(ctx context.Context) (bool, error) {
	if p == nil || p.store == nil || p.fetcher == nil {
		return false, errors.New("pagination controller is not initialized")
	}
	full := p.store.Full()
	p.mu.Lock()
	if full {
		p.capped = true
	}
	if p.inFlight || p.exhausted || p.capped || p.nextCursor == nil {
		p.mu.Unlock()
		return false, nil
	}
	p.inFlight = true
	cursor := *p.nextCursor
	p.mu.Unlock()

	generation := p.store.Generation()
	q := p.store.Filter().Query(&cursor, p.pageSize, OrderDesc)
	page, err := p.fetcher.ListEvents(ctx, p.runID, q)

	if err != nil {
		err = errors.Wrap(err, "load older events")
		log.Warn().Err(err).Str("component", "timeline").Str("run_id", p.runID).Msg("load older failed")
		p.mu.Lock()
		p.inFlight = false
		p.err = err
		p.mu.Unlock()
		return false, err
	}
	if p.store.Generation() != generation {
		// The filter changed while the page was in flight; its refetch reseeds the cursor.
		log.Debug().Str("component", "timeline").Str("run_id", p.runID).Msg("discarding older page from previous generation")
		p.mu.Lock()
		p.inFlight = false
		p.mu.Unlock()
		return false, nil
	}

	items := slices.Clone(page.Items)
	slices.Reverse(items)

	p.mu.Lock()
	anchor := p.anchor
	p.mu.Unlock()
	scrollTop, itemHeight := 0, 0
	if anchor != nil {
		scrollTop = anchor.ScrollTop()
		itemHeight = anchor.ItemHeight()
	}
	// The store notifies observers synchronously, so p.mu must not be held here.
	inserted := p.store.Prepend(items)
	if anchor != nil && inserted > 0 {
		anchor.SetScrollTop(scrollTop + inserted*itemHeight)
	}
	truncated := false
	for _, e := range items {
		if e.Validate() == nil {
			_, kept := p.store.Get(e.ID)
			truncated = !kept
			break
		}
	}
	var oldest *Cursor
	if all := p.store.All(); truncated && len(all) > 0 {
		c := FromEvent(all[0])
		oldest = &c
	}
	full = p.store.Full()

	p.mu.Lock()
	p.inFlight = false
	p.err = nil
	switch {
	case oldest != nil:
		// The page was cut at the size cap; resume below what was kept.
		p.nextCursor = oldest
		p.capped = true
	case page.NextCursor == nil:
		p.nextCursor = nil
		p.exhausted = true
	default:
		c := *page.NextCursor
		p.nextCursor = &c
		p.capped = full
	}
	exhausted, capped := p.exhausted, p.capped
	p.mu.Unlock()

	log.Debug().Str("component", "timeline").Str("run_id", p.runID).
		Int("items", len(items)).Int("inserted", inserted).
		Bool("exhausted", exhausted).Bool("capped", capped).
		Msg("loaded older events")
	return true, nil
}
