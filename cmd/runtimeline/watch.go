package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/runtimeline/pkg/persistence/clientstore"
	"github.com/go-go-golems/runtimeline/pkg/timeline"
	"github.com/go-go-golems/runtimeline/pkg/ui"
	"github.com/go-go-golems/runtimeline/pkg/viewstate"
)

type watchOptions struct {
	thread   string
	plain    bool
	types    []string
	statuses []string
	link     string
}

func newWatchCommand(root *rootOptions) *cobra.Command {
	o := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch <runId>",
		Short: "Show a run's timeline and follow it live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), root, o, args[0])
		},
	}
	cmd.Flags().StringVar(&o.thread, "thread", "", "Also join the thread room of the run")
	cmd.Flags().BoolVar(&o.plain, "plain", false, "Print events as plain lines instead of the terminal UI")
	cmd.Flags().StringSliceVar(&o.types, "types", nil, "Only show these event types")
	cmd.Flags().StringSliceVar(&o.statuses, "statuses", nil, "Only show these event statuses")
	cmd.Flags().StringVar(&o.link, "link", "", "Restore a view state query, e.g. 'eventId=e12&follow=false'")
	return cmd
}

func parseFilter(types, statuses []string) (timeline.FilterState, error) {
	var ts []timeline.EventType
	for _, t := range types {
		et := timeline.EventType(strings.TrimSpace(t))
		if !et.Valid() {
			return timeline.FilterState{}, errors.Errorf("unknown event type %q", t)
		}
		ts = append(ts, et)
	}
	var ss []timeline.EventStatus
	for _, s := range statuses {
		es := timeline.EventStatus(strings.TrimSpace(s))
		if !es.Valid() {
			return timeline.FilterState{}, errors.Errorf("unknown event status %q", s)
		}
		ss = append(ss, es)
	}
	return timeline.NewFilter(ts, ss), nil
}

func runWatch(ctx context.Context, root *rootOptions, o *watchOptions, runID string) error {
	cfg := root.cfg
	filter, err := parseFilter(o.types, o.statuses)
	if err != nil {
		return err
	}
	var link viewstate.ViewState
	if o.link != "" {
		q, err := url.ParseQuery(strings.TrimPrefix(o.link, "?"))
		if err != nil {
			return errors.Wrap(err, "parse --link")
		}
		if link, err = viewstate.Decode(q); err != nil {
			return err
		}
	}

	if !o.plain {
		// Component loggers copy the global logger when they are built.
		root.quietForTUI()
	}

	apiClient, err := newAPIClient(cfg)
	if err != nil {
		return err
	}
	storage, err := clientstore.Open(cfg.StorageDSN)
	if err != nil {
		return err
	}
	defer func() { _ = storage.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	feed, err := newLiveFeed(ctx, cfg)
	if err != nil {
		return err
	}
	defer feed.close()

	g, gctx := errgroup.WithContext(ctx)
	if feed.run != nil {
		g.Go(func() error {
			if err := feed.run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if err := feed.ready(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	view, err := openView(gctx, cfg, apiClient, feed.transport, storage)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	defer func() { _ = view.Close(context.WithoutCancel(ctx)) }()

	opts := []timeline.OpenOption{timeline.WithInitialFilter(filter)}
	if o.thread != "" {
		opts = append(opts, timeline.WithThread(o.thread))
	}
	if err := view.Open(gctx, runID, opts...); err != nil {
		// The view stays usable; the error is shown and the live feed keeps running.
		log.Warn().Err(err).Str("component", "cli").Str("run_id", runID).Msg("initial load failed")
	}
	if link.EventID != "" || link.Follow != nil {
		if err := view.Follow().ApplyViewState(gctx, link); err != nil {
			log.Warn().Err(err).Str("component", "cli").Msg("could not restore view state")
		}
	}

	g.Go(func() error {
		defer cancel()
		if o.plain {
			return ui.RunPlain(gctx, view, os.Stdout)
		}
		p := tea.NewProgram(ui.NewModel(gctx, view), tea.WithAltScreen(), tea.WithContext(gctx))
		_, err := p.Run()
		if errors.Is(err, tea.ErrProgramKilled) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	err = g.Wait()

	if f := view.Follow(); f != nil {
		fmt.Fprintf(os.Stderr, "view: ?%s\n", viewstate.Encode(f.ViewState()).Encode())
	}
	return err
}
