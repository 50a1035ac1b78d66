package timeline

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Transport is the push connection shared by the whole process. Rooms are joined and left
// explicitly; handlers are registered once and the returned func unregisters them.
type Transport interface {
	Subscribe(ctx context.Context, rooms ...string) error
	Unsubscribe(ctx context.Context, rooms ...string) error
	OnEvent(func(RunEventMessage)) func()
	OnStatusChanged(func(RunStatusMessage)) func()
	OnReconnected(func()) func()
}

func RunRoom(runID string) string {
	return "run:" + runID
}

func ThreadRoom(threadID string) string {
	return "thread:" + threadID
}

// LiveSubscription scopes a Transport to the run currently being viewed. It forwards pushed
// events of that run, in arrival order, and reconnect signals to its handlers.
type LiveSubscription struct {
	transport Transport

	mu          sync.Mutex
	runID       string
	rooms       []string
	onEvent     []func(RunEventMessage)
	onStatus    []func(RunStatusMessage)
	onReconnect []func()
	unregister  []func()
}

func NewLiveSubscription(transport Transport) (*LiveSubscription, error) {
	if transport == nil {
		return nil, errors.New("live subscription transport is nil")
	}
	ls := &LiveSubscription{transport: transport}
	ls.unregister = []func(){
		transport.OnEvent(ls.dispatchEvent),
		transport.OnStatusChanged(ls.dispatchStatus),
		transport.OnReconnected(ls.dispatchReconnected),
	}
	return ls, nil
}

// Subscribe joins the rooms of runID (and threadID, when set). Subscribing to the current run
// again is a no-op; switching runs leaves the previous rooms first.
func (ls *LiveSubscription) Subscribe(ctx context.Context, runID string, threadID string) error {
	if ls == nil {
		return errors.New("live subscription is not initialized")
	}
	if runID == "" {
		return errors.New("live subscription: runID is empty")
	}
	rooms := []string{RunRoom(runID)}
	if threadID != "" {
		rooms = append(rooms, ThreadRoom(threadID))
	}

	ls.mu.Lock()
	if ls.runID == runID && slices.Equal(ls.rooms, rooms) {
		ls.mu.Unlock()
		return nil
	}
	previous := ls.rooms
	ls.runID = runID
	ls.rooms = rooms
	ls.mu.Unlock()

	if len(previous) > 0 {
		if err := ls.transport.Unsubscribe(ctx, previous...); err != nil {
			log.Warn().Err(err).Str("component", "timeline").Strs("rooms", previous).Msg("leaving previous rooms failed")
		}
	}
	if err := ls.transport.Subscribe(ctx, rooms...); err != nil {
		ls.mu.Lock()
		ls.rooms = nil
		ls.mu.Unlock()
		return errors.Wrapf(err, "subscribe to run %s", runID)
	}
	log.Debug().Str("component", "timeline").Str("run_id", runID).Strs("rooms", rooms).Msg("live subscription joined")
	return nil
}

// Unsubscribe leaves the current run's rooms.
func (ls *LiveSubscription) Unsubscribe(ctx context.Context) error {
	if ls == nil {
		return nil
	}
	ls.mu.Lock()
	rooms := ls.rooms
	ls.rooms = nil
	ls.runID = ""
	ls.mu.Unlock()
	if len(rooms) == 0 {
		return nil
	}
	return errors.Wrap(ls.transport.Unsubscribe(ctx, rooms...), "unsubscribe")
}

func (ls *LiveSubscription) RunID() string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.runID
}

func (ls *LiveSubscription) OnEvent(fn func(RunEventMessage)) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.onEvent = append(ls.onEvent, fn)
}

func (ls *LiveSubscription) OnStatusChanged(fn func(RunStatusMessage)) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.onStatus = append(ls.onStatus, fn)
}

func (ls *LiveSubscription) OnReconnected(fn func()) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.onReconnect = append(ls.onReconnect, fn)
}

// Close leaves the current rooms and detaches from the transport.
func (ls *LiveSubscription) Close(ctx context.Context) error {
	if ls == nil {
		return nil
	}
	err := ls.Unsubscribe(ctx)
	ls.mu.Lock()
	unregister := ls.unregister
	ls.unregister = nil
	ls.mu.Unlock()
	for _, fn := range unregister {
		fn()
	}
	return err
}

func (ls *LiveSubscription) dispatchEvent(msg RunEventMessage) {
	ls.mu.Lock()
	runID := ls.runID
	handlers := slices.Clone(ls.onEvent)
	ls.mu.Unlock()

	if runID == "" {
		return
	}
	if msg.RunID == "" {
		msg.RunID = msg.Event.RunID
	}
	if msg.RunID != runID || msg.Event.RunID != runID {
		return
	}
	if !msg.Mutation.Valid() {
		log.Warn().Str("component", "timeline").Str("run_id", runID).Str("mutation", string(msg.Mutation)).
			Msg("ignoring pushed event with unknown mutation")
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}

func (ls *LiveSubscription) dispatchStatus(msg RunStatusMessage) {
	ls.mu.Lock()
	runID := ls.runID
	handlers := slices.Clone(ls.onStatus)
	ls.mu.Unlock()
	if runID == "" || msg.Run.ID != runID {
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}

func (ls *LiveSubscription) dispatchReconnected() {
	ls.mu.Lock()
	runID := ls.runID
	handlers := slices.Clone(ls.onReconnect)
	ls.mu.Unlock()
	if runID == "" {
		return
	}
	log.Info().Str("component", "timeline").Str("run_id", runID).Msg("transport reconnected")
	for _, h := range handlers {
		h()
	}
}
