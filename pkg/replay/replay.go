package replay

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/runtimeline/pkg/persistence/clientstore"
	"github.com/go-go-golems/runtimeline/pkg/redisstream"
	"github.com/go-go-golems/runtimeline/pkg/timeline"
	"github.com/go-go-golems/runtimeline/pkg/transport/pubsub"
)

const (
	defaultSettleTimeout = 5 * time.Second
	dropDelay            = 50 * time.Millisecond
)

type Options struct {
	// SettleTimeout bounds the wait for a pushed frame to reach the view.
	SettleTimeout time.Duration
	Viewport      timeline.ViewportClass
	// AfterStep is called after every step with the view it was applied to.
	AfterStep func(i int, st Step, view *timeline.RunView)
}

// Result is the view state after the last step.
type Result struct {
	Visible   []timeline.RunTimelineEvent
	All       []timeline.RunTimelineEvent
	Summary   timeline.RunSummary
	Selection timeline.Selection
	Exhausted bool
	// StepErrors holds the non-fatal failures, keyed by 1-based step number.
	StepErrors map[int]string
}

type runner struct {
	script *Script
	opts   Options
	server *MemoryServer
	pub    *pubsub.Publisher
	view   *timeline.RunView
}

// Run plays script against a fresh RunView and returns its final state.
func Run(ctx context.Context, script *Script, opts Options) (*Result, error) {
	if script == nil {
		return nil, errors.New("replay: script is nil")
	}
	if err := script.Validate(); err != nil {
		return nil, err
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = defaultSettleTimeout
	}

	goch := gochannel.NewGoChannel(
		// Publishing returns once the view has handled the frame, which keeps pushes in order.
		gochannel.Config{OutputChannelBuffer: 64, BlockPublishUntilSubscriberAck: true},
		redisstream.NewWatermillLogger(log.With().Str("component", "replay").Logger()),
	)
	defer func() { _ = goch.Close() }()
	tr, err := pubsub.NewTransport(goch)
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	server := NewMemoryServer()
	server.Record(script.History...)
	view, err := timeline.NewRunView(timeline.RunViewConfig{
		BaseCtx:         ctx,
		API:             server,
		Transport:       tr,
		Storage:         clientstore.NewInMemoryKV(),
		PageSize:        script.PageSize,
		CatchUpFallback: true,
		Viewport:        opts.Viewport,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = view.Close(context.WithoutCancel(ctx)) }()

	r := &runner{script: script, opts: opts, server: server, pub: pubsub.NewPublisher(goch), view: view}
	if err := view.Open(ctx, script.Run); err != nil {
		return nil, errors.Wrap(err, "replay: open run")
	}

	res := &Result{StepErrors: map[int]string{}}
	for i, st := range script.Steps {
		if err := r.step(ctx, st); err != nil {
			var se stepError
			if !errors.As(err, &se) {
				return nil, errors.Wrapf(err, "replay: step %d", i+1)
			}
			res.StepErrors[i+1] = err.Error()
		}
		log.Debug().Str("component", "replay").Int("step", i+1).Int("visible", len(view.Store().Visible())).Msg("step applied")
		if opts.AfterStep != nil {
			opts.AfterStep(i, st, view)
		}
	}

	store := view.Store()
	res.Visible = store.Visible()
	res.All = store.All()
	res.Selection = view.Follow().Selection()
	res.Exhausted = view.Pagination().Exhausted()
	if s, ok := view.Summary().Summary(); ok {
		res.Summary = s
	}
	return res, nil
}

// stepError is a failed step the replay continues past, the way a viewer keeps running after
// a failed request.
type stepError struct{ error }

func (e stepError) Unwrap() error { return e.error }

func recoverable(err error) error {
	if err == nil {
		return nil
	}
	return stepError{err}
}

func (r *runner) step(ctx context.Context, st Step) error {
	switch {
	case st.Push != nil:
		return r.push(ctx, st.Push.Event, st.Push.Mutation)
	case st.Miss != nil:
		r.server.Record(r.own(*st.Miss))
		return nil
	case st.Reconnect:
		return recoverable(r.view.Refresh(ctx))
	case st.Status != "":
		return r.status(ctx, st.Status)
	case st.Filter != nil:
		return recoverable(r.view.SetFilter(ctx, st.Filter.State()))
	case st.LoadOlder:
		_, err := r.view.LoadOlder(ctx)
		return recoverable(err)
	case st.Select != "":
		return recoverable(r.view.Follow().Select(ctx, st.Select))
	case st.Follow != nil:
		r.view.Follow().SetFollowing(ctx, *st.Follow)
		return nil
	case st.Terminate:
		return recoverable(r.view.Terminate(ctx))
	}
	return errors.New("empty step")
}

func (r *runner) own(e timeline.RunTimelineEvent) timeline.RunTimelineEvent {
	if e.RunID == "" {
		e.RunID = r.script.Run
	}
	return e
}

func (r *runner) push(ctx context.Context, e timeline.RunTimelineEvent, m timeline.Mutation) error {
	e = r.own(e)
	if m == "" {
		m = timeline.MutationAppend
	}
	valid := e.Validate() == nil
	if valid {
		r.server.Record(e)
	}
	if err := r.pub.PublishEvent(timeline.RunEventMessage{RunID: e.RunID, Event: e, Mutation: m}); err != nil {
		return err
	}
	if !valid || e.RunID != r.script.Run {
		// The view drops these frames, so there is nothing to wait for.
		return pause(ctx, dropDelay)
	}
	want := e.Normalize()
	return r.settle(ctx, func() bool {
		got, ok := r.view.Store().Get(want.ID)
		return ok && got.Status == want.Status && got.Ts == want.Ts
	})
}

func (r *runner) status(ctx context.Context, status string) error {
	r.server.SetStatus(r.script.Run, status)
	msg := timeline.RunStatusMessage{Run: timeline.RunRef{ID: r.script.Run, Status: status}}
	if err := r.pub.PublishStatus(msg); err != nil {
		return err
	}
	return r.settle(ctx, func() bool {
		s, ok := r.view.Summary().Summary()
		return ok && s.Status == status
	})
}

// settle waits until cond holds.
func (r *runner) settle(ctx context.Context, cond func() bool) error {
	deadline := time.NewTimer(r.opts.SettleTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.Errorf("pushed frame did not reach the view within %s", r.opts.SettleTimeout)
		case <-tick.C:
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Publish sends the push and status steps of script to pub, pausing interval between them, so
// a separate viewer can watch the scenario. Server-side steps (history, misses) are skipped.
func Publish(ctx context.Context, script *Script, pub *pubsub.Publisher, interval time.Duration) (int, error) {
	if script == nil || pub == nil {
		return 0, errors.New("replay: script and publisher are required")
	}
	sent := 0
	for i, st := range script.Steps {
		var err error
		switch {
		case st.Push != nil:
			e := st.Push.Event
			if e.RunID == "" {
				e.RunID = script.Run
			}
			m := st.Push.Mutation
			if m == "" {
				m = timeline.MutationAppend
			}
			err = pub.PublishEvent(timeline.RunEventMessage{RunID: e.RunID, Event: e, Mutation: m})
		case st.Status != "":
			err = pub.PublishStatus(timeline.RunStatusMessage{Run: timeline.RunRef{ID: script.Run, Status: st.Status}})
		default:
			continue
		}
		if err != nil {
			return sent, errors.Wrapf(err, "replay: publish step %d", i+1)
		}
		sent++
		if err := pause(ctx, interval); err != nil {
			return sent, err
		}
	}
	return sent, nil
}
