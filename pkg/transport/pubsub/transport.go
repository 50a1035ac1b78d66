// Package pubsub carries the live run feed over watermill topics, one topic per room.
package pubsub

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/runtimeline/pkg/timeline"
	"github.com/go-go-golems/runtimeline/pkg/transport"
)

const topicPrefix = "runtimeline:"

// Topic returns the topic a room is published on.
func Topic(room string) string {
	return topicPrefix + room
}

type Option func(*Transport)

// WithResubscribeBackOff sets the policy used when a room's subscription channel closes
// unexpectedly.
func WithResubscribeBackOff(fn func() backoff.BackOff) Option {
	return func(t *Transport) {
		if fn != nil {
			t.newBackOff = fn
		}
	}
}

// WithBeforeSubscribe runs fn with a room's topic before the topic is subscribed, for example
// to prepare a consumer group. An error fails the Subscribe call.
func WithBeforeSubscribe(fn func(ctx context.Context, topic string) error) Option {
	return func(t *Transport) {
		t.beforeSubscribe = fn
	}
}

// Transport implements timeline.Transport on top of a watermill subscriber. A room whose
// subscription ends while still joined is resubscribed and counts as a reconnect.
//
// Publishers write a run's frames to both its run room and its thread room, and each room is
// consumed on its own goroutine. While the run room is joined, the thread room copies of that
// run's frames are dropped so a lagging copy cannot overwrite a newer one.
type Transport struct {
	subscriber message.Subscriber
	handlers   transport.Handlers
	newBackOff func() backoff.BackOff
	// beforeSubscribe is optional.
	beforeSubscribe func(ctx context.Context, topic string) error

	mu    sync.Mutex
	rooms map[string]context.CancelFunc
}

var _ timeline.Transport = (*Transport)(nil)

func NewTransport(subscriber message.Subscriber, opts ...Option) (*Transport, error) {
	if subscriber == nil {
		return nil, errors.New("pubsub transport: subscriber is nil")
	}
	t := &Transport{
		subscriber: subscriber,
		rooms:      map[string]context.CancelFunc{},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) OnEvent(fn func(timeline.RunEventMessage)) func() {
	return t.handlers.OnEvent(fn)
}

func (t *Transport) OnStatusChanged(fn func(timeline.RunStatusMessage)) func() {
	return t.handlers.OnStatusChanged(fn)
}

func (t *Transport) OnReconnected(fn func()) func() {
	return t.handlers.OnReconnected(fn)
}

// Subscribe starts consuming the topics of rooms. Already joined rooms are left alone.
func (t *Transport) Subscribe(ctx context.Context, rooms ...string) error {
	for _, room := range rooms {
		t.mu.Lock()
		if _, ok := t.rooms[room]; ok || room == "" {
			t.mu.Unlock()
			continue
		}
		roomCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		t.rooms[room] = cancel
		t.mu.Unlock()

		ch, err := t.subscribe(roomCtx, room)
		if err != nil {
			cancel()
			t.mu.Lock()
			delete(t.rooms, room)
			t.mu.Unlock()
			return errors.Wrapf(err, "subscribe to room %s", room)
		}
		log.Debug().Str("component", "pubsub").Str("room", room).Msg("joined room")
		go t.consume(roomCtx, room, ch)
	}
	return nil
}

func (t *Transport) subscribe(ctx context.Context, room string) (<-chan *message.Message, error) {
	if t.beforeSubscribe != nil {
		if err := t.beforeSubscribe(ctx, Topic(room)); err != nil {
			return nil, err
		}
	}
	return t.subscriber.Subscribe(ctx, Topic(room))
}

func (t *Transport) Unsubscribe(_ context.Context, rooms ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, room := range rooms {
		if cancel, ok := t.rooms[room]; ok {
			cancel()
			delete(t.rooms, room)
		}
	}
	return nil
}

// Close leaves every room. The subscriber itself is owned by the caller.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for room, cancel := range t.rooms {
		cancel()
		delete(t.rooms, room)
	}
}

func (t *Transport) joined(room string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.rooms[room]
	return ok
}

func (t *Transport) consume(ctx context.Context, room string, ch <-chan *message.Message) {
	for {
		for msg := range ch {
			if ctx.Err() != nil {
				// Delivered after the room was left.
				msg.Ack()
				continue
			}
			t.handle(room, msg)
		}
		if ctx.Err() != nil || !t.joined(room) {
			log.Debug().Str("component", "pubsub").Str("room", room).Msg("left room")
			return
		}
		log.Warn().Str("component", "pubsub").Str("room", room).Msg("room subscription ended, resubscribing")
		next, err := t.resubscribe(ctx, room)
		if err != nil {
			log.Error().Err(err).Str("component", "pubsub").Str("room", room).Msg("resubscribe gave up")
			return
		}
		ch = next
		t.handlers.Reconnected()
	}
}

func (t *Transport) resubscribe(ctx context.Context, room string) (<-chan *message.Message, error) {
	var ch <-chan *message.Message
	op := func() error {
		next, err := t.subscribe(ctx, room)
		if err != nil {
			return err
		}
		ch = next
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(t.newBackOff(), ctx)); err != nil {
		return nil, err
	}
	return ch, nil
}

func (t *Transport) handle(room string, msg *message.Message) {
	defer msg.Ack()
	frame, err := transport.Decode(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Str("component", "pubsub").Str("room", room).Str("message_uuid", msg.UUID).Msg("dropping malformed message")
		return
	}
	if t.copiedFromRunRoom(room, frame) {
		log.Trace().Str("component", "pubsub").Str("room", room).Str("message_uuid", msg.UUID).Msg("dropping thread copy of joined run")
		return
	}
	if err := t.handlers.Dispatch(frame); err != nil {
		log.Warn().Err(err).Str("component", "pubsub").Str("room", room).Str("message_uuid", msg.UUID).Msg("dropping malformed message")
	}
}

// copiedFromRunRoom reports whether frame arrived on a thread room while the run room of its run
// is joined, which delivers the same frame on its own.
func (t *Transport) copiedFromRunRoom(room string, frame transport.Frame) bool {
	if !strings.HasPrefix(room, timeline.ThreadRoom("")) {
		return false
	}
	runID := transport.RunIDOf(frame)
	return runID != "" && t.joined(timeline.RunRoom(runID))
}

// Publisher writes run frames onto the room topics a Transport consumes.
type Publisher struct {
	publisher message.Publisher
}

func NewPublisher(p message.Publisher) *Publisher {
	return &Publisher{publisher: p}
}

// PublishEvent sends msg to the run room and, when the event belongs to a thread, the thread room.
func (p *Publisher) PublishEvent(msg timeline.RunEventMessage) error {
	if msg.RunID == "" {
		msg.RunID = msg.Event.RunID
	}
	f, err := transport.RunEventFrame(msg)
	if err != nil {
		return err
	}
	rooms := []string{timeline.RunRoom(msg.RunID)}
	if msg.Event.ThreadID != "" {
		rooms = append(rooms, timeline.ThreadRoom(msg.Event.ThreadID))
	}
	return p.publish(f, rooms...)
}

func (p *Publisher) PublishStatus(msg timeline.RunStatusMessage) error {
	f, err := transport.RunStatusFrame(msg)
	if err != nil {
		return err
	}
	rooms := []string{timeline.RunRoom(msg.Run.ID)}
	if msg.Run.ThreadID != "" {
		rooms = append(rooms, timeline.ThreadRoom(msg.Run.ThreadID))
	}
	return p.publish(f, rooms...)
}

func (p *Publisher) publish(f transport.Frame, rooms ...string) error {
	if p == nil || p.publisher == nil {
		return errors.New("pubsub publisher is not initialized")
	}
	data, err := transport.Encode(f)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if err := p.publisher.Publish(Topic(room), message.NewMessage(uuid.NewString(), data)); err != nil {
			return errors.Wrapf(err, "publish %s to %s", f.Type, room)
		}
	}
	return nil
}
