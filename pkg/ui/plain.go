package ui

import (
	"context"
	"fmt"
	"io"

	"github.com/go-go-golems/runtimeline/pkg/timeline"
)

// PlainPrinter writes the timeline as plain lines: every event once when first seen and again
// whenever its status changes. Events loaded as older history are printed as they arrive too.
type PlainPrinter struct {
	w       io.Writer
	printed map[string]timeline.EventStatus
	summary string
}

func NewPlainPrinter(w io.Writer) *PlainPrinter {
	return &PlainPrinter{w: w, printed: map[string]timeline.EventStatus{}}
}

// Print writes what changed in view since the last call.
func (p *PlainPrinter) Print(view *timeline.RunView) error {
	if store := view.Store(); store != nil {
		for _, e := range store.Visible() {
			if st, ok := p.printed[e.ID]; ok && st == e.Status {
				continue
			}
			p.printed[e.ID] = e.Status
			if _, err := fmt.Fprintln(p.w, FormatEvent(e)); err != nil {
				return err
			}
		}
	}
	if sum := view.Summary(); sum != nil {
		if s, ok := sum.Summary(); ok {
			if line := FormatSummary(s); line != p.summary {
				p.summary = line
				if _, err := fmt.Fprintln(p.w, "# "+line); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// RunPlain prints view until ctx is done.
func RunPlain(ctx context.Context, view *timeline.RunView, w io.Writer) error {
	p := NewPlainPrinter(w)
	changes := make(chan struct{}, 1)
	view.OnChange(func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	if err := p.Print(view); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			if err := p.Print(view); err != nil {
				return err
			}
		}
	}
}
