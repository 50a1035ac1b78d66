package timeline

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// API is the REST surface a RunView reads from.
type API interface {
	EventsFetcher
	SummaryFetcher
}

type RunViewConfig struct {
	// BaseCtx bounds the background work started by push handlers (catch-up, summary refresh).
	BaseCtx   context.Context
	API       API
	Transport Transport
	// Storage persists cursors and follow preferences. nil keeps them in memory only.
	Storage KV

	PageSize        int
	MaxCatchUpPages int
	CatchUpFallback bool
	MaxEvents       int
	Viewport        ViewportClass
}

type OpenOption func(*openOptions)

type openOptions struct {
	threadID string
	filter   FilterState
}

// WithThread additionally joins the thread room of the run.
func WithThread(threadID string) OpenOption {
	return func(o *openOptions) { o.threadID = threadID }
}

// WithInitialFilter opens the run with a filter already applied.
func WithInitialFilter(f FilterState) OpenOption {
	return func(o *openOptions) { o.filter = f.Clone() }
}

// runSession is everything owned by one opened run. Nothing in it is shared across runs.
type runSession struct {
	runID      string
	threadID   string
	store      *RunEventStore
	pagination *PaginationController
	follow     *FollowModeController
	summary    *SummarySync
	unobserve  []func()
}

// RunView wires the store, pagination, live feed, catch-up, follow mode and summary of the run
// being viewed. Opening another run tears the previous one down completely.
type RunView struct {
	cfg     RunViewConfig
	baseCtx context.Context
	live    *LiveSubscription
	cursors *CursorTracker
	catchUp *CatchUp

	mu        sync.Mutex
	session   *runSession
	err       error
	listeners []func()
}

func NewRunView(cfg RunViewConfig) (*RunView, error) {
	if cfg.API == nil {
		return nil, errors.New("run view: API is nil")
	}
	if cfg.Transport == nil {
		return nil, errors.New("run view: transport is nil")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Viewport == "" {
		cfg.Viewport = ViewportWide
	}
	baseCtx := cfg.BaseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	live, err := NewLiveSubscription(cfg.Transport)
	if err != nil {
		return nil, err
	}
	cursors := NewCursorTracker(cfg.Storage)
	rv := &RunView{
		cfg:     cfg,
		baseCtx: baseCtx,
		live:    live,
		cursors: cursors,
		catchUp: NewCatchUp(cfg.API, cursors, CatchUpOptions{
			PageSize: cfg.PageSize,
			MaxPages: cfg.MaxCatchUpPages,
			Fallback: cfg.CatchUpFallback,
		}),
	}
	live.OnEvent(rv.handleEvent)
	live.OnStatusChanged(rv.handleStatus)
	live.OnReconnected(rv.handleReconnected)
	return rv, nil
}

// Open makes runID the viewed run and loads its initial window. Opening the run that is already
// open is a no-op. A failed initial load leaves an empty, usable view and is reported via Err.
func (rv *RunView) Open(ctx context.Context, runID string, opts ...OpenOption) error {
	if rv == nil {
		return errors.New("run view is not initialized")
	}
	if runID == "" {
		return errors.New("run view: runID is empty")
	}
	o := openOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	rv.mu.Lock()
	if rv.session != nil && rv.session.runID == runID && rv.session.threadID == o.threadID {
		rv.mu.Unlock()
		return nil
	}
	previous := rv.session
	rv.session = nil
	rv.err = nil
	rv.mu.Unlock()

	if previous != nil {
		rv.teardown(ctx, previous)
	}
	if err := rv.cursors.Reset(ctx, runID, nil); err != nil {
		log.Warn().Err(err).Str("component", "timeline").Str("run_id", runID).Msg("cursor reset failed")
	}

	store := NewRunEventStore(runID, WithMaxEvents(rv.cfg.MaxEvents))
	store.ApplyFilter(o.filter)
	sess := &runSession{
		runID:      runID,
		threadID:   o.threadID,
		store:      store,
		pagination: NewPaginationController(runID, store, rv.cfg.API, rv.cfg.PageSize),
		follow:     NewFollowModeController(ctx, runID, store, rv.cfg.Storage, rv.cfg.Viewport),
		summary:    NewSummarySync(runID, rv.cfg.API),
	}
	sess.unobserve = append(sess.unobserve,
		store.Observe(rv.cursors.Observer(rv.baseCtx, runID)),
		store.Observe(func(Change) { rv.notify() }),
	)
	sess.follow.OnSelectionChanged(func(Selection) { rv.notify() })
	sess.summary.OnUpdate(func(RunSummary) { rv.notify() })

	rv.mu.Lock()
	rv.session = sess
	rv.mu.Unlock()

	log.Info().Str("component", "timeline").Str("run_id", runID).Str("thread_id", o.threadID).Msg("opening run")

	// Subscribe before the initial fetch so nothing pushed during the fetch is missed.
	var firstErr error
	if err := rv.live.Subscribe(ctx, runID, o.threadID); err != nil {
		firstErr = err
		rv.setErr(err)
	}
	if err := rv.refetch(ctx, sess, store.NextGeneration()); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := sess.summary.Refresh(ctx); err != nil {
		log.Debug().Err(err).Str("component", "timeline").Str("run_id", runID).Msg("initial summary unavailable")
	}
	rv.notify()
	return firstErr
}

// SetFilter applies filter to the visible projection immediately and refetches the window under
// it. A response overtaken by a newer filter change is dropped silently.
func (rv *RunView) SetFilter(ctx context.Context, filter FilterState) error {
	sess, err := rv.current()
	if err != nil {
		return err
	}
	if sess.store.Filter().Equal(filter) {
		return nil
	}
	gen := sess.store.SetFilter(filter)
	return rv.refetch(ctx, sess, gen)
}

// ToggleType flips one event type in the current filter.
func (rv *RunView) ToggleType(ctx context.Context, t EventType) error {
	sess, err := rv.current()
	if err != nil {
		return err
	}
	return rv.SetFilter(ctx, sess.store.Filter().WithTypeToggled(t))
}

// Refresh runs the shared catch-up for the open run. Concurrent refreshes and reconnects join
// the same request.
func (rv *RunView) Refresh(ctx context.Context) error {
	sess, err := rv.current()
	if err != nil {
		return err
	}
	err = rv.catchUp.Run(ctx, CatchUpTarget{
		RunID: sess.runID,
		Store: sess.store,
		Refetch: func(ctx context.Context) error {
			return rv.refetch(ctx, sess, sess.store.NextGeneration())
		},
	})
	if err != nil {
		rv.setErr(err)
		return err
	}
	rv.mu.Lock()
	rv.err = nil
	rv.mu.Unlock()
	return nil
}

// LoadOlder prepends the next older page. Failures are also kept on the pagination controller.
func (rv *RunView) LoadOlder(ctx context.Context) (bool, error) {
	sess, err := rv.current()
	if err != nil {
		return false, err
	}
	return sess.pagination.LoadOlder(ctx)
}

func (rv *RunView) Terminate(ctx context.Context) error {
	sess, err := rv.current()
	if err != nil {
		return err
	}
	return sess.summary.Terminate(ctx)
}

// Close leaves the live rooms, clears the cursor and releases the open run.
func (rv *RunView) Close(ctx context.Context) error {
	if rv == nil {
		return nil
	}
	rv.mu.Lock()
	sess := rv.session
	rv.session = nil
	rv.mu.Unlock()
	if sess != nil {
		rv.teardown(ctx, sess)
	}
	return rv.live.Close(ctx)
}

// OnChange registers fn for any change of events, selection or summary.
func (rv *RunView) OnChange(fn func()) {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	rv.listeners = append(rv.listeners, fn)
}

// Err is the last failed refetch or subscription, kept until dismissed or a later load succeeds.
func (rv *RunView) Err() error {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	return rv.err
}

func (rv *RunView) DismissError() {
	rv.mu.Lock()
	rv.err = nil
	sess := rv.session
	rv.mu.Unlock()
	if sess != nil {
		sess.pagination.DismissError()
	}
}

func (rv *RunView) RunID() string {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	if rv.session == nil {
		return ""
	}
	return rv.session.runID
}

// Store returns the store of the open run, or nil.
func (rv *RunView) Store() *RunEventStore {
	if sess, err := rv.current(); err == nil {
		return sess.store
	}
	return nil
}

func (rv *RunView) Pagination() *PaginationController {
	if sess, err := rv.current(); err == nil {
		return sess.pagination
	}
	return nil
}

func (rv *RunView) Follow() *FollowModeController {
	if sess, err := rv.current(); err == nil {
		return sess.follow
	}
	return nil
}

func (rv *RunView) Summary() *SummarySync {
	if sess, err := rv.current(); err == nil {
		return sess.summary
	}
	return nil
}

func (rv *RunView) Cursors() *CursorTracker {
	return rv.cursors
}

func (rv *RunView) current() (*runSession, error) {
	if rv == nil {
		return nil, errors.New("run view is not initialized")
	}
	rv.mu.Lock()
	defer rv.mu.Unlock()
	if rv.session == nil {
		return nil, errors.New("run view: no run is open")
	}
	return rv.session, nil
}

func (rv *RunView) isCurrent(sess *runSession) bool {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	return rv.session == sess
}

// refetch loads the live window of sess under its current filter and installs it if gen is
// still the newest generation when the response settles.
func (rv *RunView) refetch(ctx context.Context, sess *runSession, gen uint64) error {
	q := sess.store.Filter().Query(nil, rv.cfg.PageSize, OrderAsc)
	page, err := rv.cfg.API.ListEvents(ctx, sess.runID, q)
	if err != nil {
		err = errors.Wrapf(err, "load events of run %s", sess.runID)
		log.Warn().Err(err).Str("component", "timeline").Str("run_id", sess.runID).Uint64("generation", gen).Msg("refetch failed")
		if rv.isCurrent(sess) {
			rv.setErr(err)
		}
		return err
	}
	if !rv.isCurrent(sess) {
		return nil
	}
	if err := sess.store.ReplaceIfCurrent(gen, page.Items); err != nil {
		if errors.Is(err, ErrStaleGeneration) {
			return nil
		}
		return err
	}
	sess.pagination.Reset(page.NextCursor)
	rv.mu.Lock()
	rv.err = nil
	rv.mu.Unlock()
	return nil
}

func (rv *RunView) teardown(ctx context.Context, sess *runSession) {
	for _, fn := range sess.unobserve {
		fn()
	}
	sess.follow.Close()
	if err := rv.live.Unsubscribe(ctx); err != nil {
		log.Warn().Err(err).Str("component", "timeline").Str("run_id", sess.runID).Msg("leaving run rooms failed")
	}
	if err := rv.cursors.Reset(ctx, sess.runID, nil); err != nil {
		log.Warn().Err(err).Str("component", "timeline").Str("run_id", sess.runID).Msg("clearing cursor failed")
	}
	log.Debug().Str("component", "timeline").Str("run_id", sess.runID).Msg("closed run")
}

func (rv *RunView) setErr(err error) {
	rv.mu.Lock()
	rv.err = err
	rv.mu.Unlock()
	rv.notify()
}

func (rv *RunView) notify() {
	rv.mu.Lock()
	listeners := slices.Clone(rv.listeners)
	rv.mu.Unlock()
	for _, l := range listeners {
		l()
	}
}

// handleEvent applies pushed events synchronously, in arrival order. They are never gated by
// a pending refetch.
func (rv *RunView) handleEvent(msg RunEventMessage) {
	sess, err := rv.current()
	if err != nil || sess.runID != msg.RunID {
		return
	}
	sess.store.Merge([]RunTimelineEvent{msg.Event}, msg.Mutation)
}

func (rv *RunView) handleStatus(msg RunStatusMessage) {
	sess, err := rv.current()
	if err != nil {
		return
	}
	go sess.summary.HandleStatusChanged(rv.baseCtx, msg)
}

func (rv *RunView) handleReconnected() {
	go func() {
		if err := rv.Refresh(rv.baseCtx); err != nil {
			log.Warn().Err(err).Str("component", "timeline").Str("run_id", rv.RunID()).Msg("catch-up after reconnect failed")
		}
	}()
}
