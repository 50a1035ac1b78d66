package timeline

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ErrNoCursor is reported when catch-up has no tracked cursor to resume from.
var ErrNoCursor = errors.New("no tracked cursor")

type CatchUpOptions struct {
	// PageSize is the limit of each catch-up request.
	PageSize int
	// MaxPages bounds how many pages one catch-up may follow.
	MaxPages int
	// Fallback enables a single full-window refetch when the cursor catch-up fails.
	Fallback bool
}

// CatchUpTarget is what a catch-up operates on: the run's store and a full-window refetch used
// when no cursor is known or the cursor catch-up fails.
type CatchUpTarget struct {
	RunID   string
	Store   *RunEventStore
	Refetch func(ctx context.Context) error
}

// CatchUp fetches the events a client missed while disconnected, keyed by the tracked cursor.
// Concurrent requests for the same run share one in-flight operation.
type CatchUp struct {
	fetcher EventsFetcher
	cursors *CursorTracker
	opts    CatchUpOptions
	group   singleflight.Group
}

func NewCatchUp(fetcher EventsFetcher, cursors *CursorTracker, opts CatchUpOptions) *CatchUp {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxCatchUpPages
	}
	return &CatchUp{fetcher: fetcher, cursors: cursors, opts: opts}
}

// Run performs (or joins) the catch-up of target.RunID. Events after the tracked cursor are
// merged as appends, so anything learned live meanwhile is preserved. Pages are followed by
// their next cursor until the server reports none or MaxPages is reached.
func (c *CatchUp) Run(ctx context.Context, target CatchUpTarget) error {
	if c == nil || c.fetcher == nil || c.cursors == nil {
		return errors.New("catch-up is not initialized")
	}
	if target.RunID == "" || target.Store == nil {
		return errors.New("catch-up target is incomplete")
	}
	_, err, shared := c.group.Do(target.RunID, func() (any, error) {
		return nil, c.run(ctx, target)
	})
	if shared {
		log.Debug().Str("component", "timeline").Str("run_id", target.RunID).Msg("joined in-flight catch-up")
	}
	return err
}

func (c *CatchUp) run(ctx context.Context, target CatchUpTarget) error {
	cursor, ok, err := c.cursors.Current(ctx, target.RunID)
	if err != nil {
		log.Warn().Err(err).Str("component", "timeline").Str("run_id", target.RunID).Msg("reading tracked cursor failed")
		ok = false
	}
	if !ok {
		log.Info().Str("component", "timeline").Str("run_id", target.RunID).Msg("no cursor, catching up with full refetch")
		return c.refetch(ctx, target, ErrNoCursor)
	}

	merged, err := c.fromCursor(ctx, target, cursor)
	if err != nil {
		log.Warn().Err(err).Str("component", "timeline").Str("run_id", target.RunID).
			Str("cursor", cursor.String()).Msg("cursor catch-up failed")
		if !c.opts.Fallback {
			return err
		}
		return c.refetch(ctx, target, err)
	}
	log.Info().Str("component", "timeline").Str("run_id", target.RunID).
		Str("cursor", cursor.String()).Int("merged", merged).Msg("catch-up complete")
	return nil
}

func (c *CatchUp) fromCursor(ctx context.Context, target CatchUpTarget, cursor Cursor) (int, error) {
	merged := 0
	for page := 0; page < c.opts.MaxPages; page++ {
		boundary := cursor
		q := target.Store.Filter().Query(&boundary, c.opts.PageSize, OrderAsc)
		res, err := c.fetcher.ListEvents(ctx, target.RunID, q)
		if err != nil {
			return merged, errors.Wrap(err, "catch-up request")
		}
		merged += target.Store.Merge(res.Items, MutationAppend)
		if res.NextCursor == nil {
			return merged, nil
		}
		// A next cursor that does not move forward would repeat the same page.
		if !After(*res.NextCursor, cursor) {
			log.Warn().Str("component", "timeline").Str("run_id", target.RunID).
				Str("cursor", cursor.String()).Str("next_cursor", res.NextCursor.String()).
				Msg("catch-up next cursor did not advance")
			return merged, nil
		}
		cursor = *res.NextCursor
	}
	log.Warn().Str("component", "timeline").Str("run_id", target.RunID).
		Int("max_pages", c.opts.MaxPages).Msg("catch-up stopped at page limit")
	return merged, nil
}

func (c *CatchUp) refetch(ctx context.Context, target CatchUpTarget, cause error) error {
	if target.Refetch == nil {
		return errors.Wrap(cause, "catch-up has no refetch fallback")
	}
	return errors.Wrap(target.Refetch(ctx), "catch-up refetch")
}
