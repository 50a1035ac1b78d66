// Package transport holds the frame codec and handler registry shared by the live transports.
package transport

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/runtimeline/pkg/timeline"
)

const (
	FrameSubscribe        = "subscribe"
	FrameUnsubscribe      = "unsubscribe"
	FrameRunEvent         = "run_event"
	FrameRunStatusChanged = "run_status_changed"
	FramePing             = "ping"
	FramePong             = "pong"
)

// Frame is the envelope of every message on the socket and on pubsub topics.
type Frame struct {
	Type    string          `json:"type"`
	Rooms   []string        `json:"rooms,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Encode(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s frame", f.Type)
	}
	return b, nil
}

func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.Wrap(err, "decode frame")
	}
	f.Type = strings.TrimSpace(f.Type)
	if f.Type == "" {
		return Frame{}, errors.New("decode frame: missing type")
	}
	return f, nil
}

func RoomsFrame(kind string, rooms ...string) Frame {
	return Frame{Type: kind, Rooms: slices.Clone(rooms)}
}

func RunEventFrame(msg timeline.RunEventMessage) (Frame, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Frame{}, errors.Wrap(err, "encode run_event payload")
	}
	return Frame{Type: FrameRunEvent, Payload: payload}, nil
}

func RunStatusFrame(msg timeline.RunStatusMessage) (Frame, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Frame{}, errors.Wrap(err, "encode run_status_changed payload")
	}
	return Frame{Type: FrameRunStatusChanged, Payload: payload}, nil
}

type handler[T any] struct {
	id int
	fn func(T)
}

type handlerList[T any] struct {
	items []handler[T]
}

func (l *handlerList[T]) add(id int, fn func(T)) {
	l.items = append(l.items, handler[T]{id: id, fn: fn})
}

func (l *handlerList[T]) remove(id int) {
	l.items = slices.DeleteFunc(l.items, func(h handler[T]) bool { return h.id == id })
}

func (l *handlerList[T]) snapshot() []func(T) {
	out := make([]func(T), 0, len(l.items))
	for _, h := range l.items {
		out = append(out, h.fn)
	}
	return out
}

// Handlers is the callback registry behind timeline.Transport. Handlers run in registration
// order on the goroutine that delivers the frame.
type Handlers struct {
	mu         sync.Mutex
	nextID     int
	events     handlerList[timeline.RunEventMessage]
	statuses   handlerList[timeline.RunStatusMessage]
	reconnects handlerList[struct{}]
}

func (h *Handlers) OnEvent(fn func(timeline.RunEventMessage)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.events.add(id, fn)
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events.remove(id)
	}
}

func (h *Handlers) OnStatusChanged(fn func(timeline.RunStatusMessage)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.statuses.add(id, fn)
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.statuses.remove(id)
	}
}

func (h *Handlers) OnReconnected(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.reconnects.add(id, func(struct{}) { fn() })
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.reconnects.remove(id)
	}
}

// RunIDOf returns the run a run_event or run_status_changed frame belongs to, or "" for other
// frames and payloads without one.
func RunIDOf(f Frame) string {
	switch f.Type {
	case FrameRunEvent:
		var msg struct {
			RunID string `json:"runId"`
			Event struct {
				RunID string `json:"runId"`
			} `json:"event"`
		}
		if json.Unmarshal(f.Payload, &msg) != nil {
			return ""
		}
		if msg.RunID == "" {
			return msg.Event.RunID
		}
		return msg.RunID
	case FrameRunStatusChanged:
		var msg struct {
			Run struct {
				ID string `json:"id"`
			} `json:"run"`
		}
		if json.Unmarshal(f.Payload, &msg) != nil {
			return ""
		}
		return msg.Run.ID
	}
	return ""
}

// Dispatch delivers a run_event or run_status_changed frame. Other frame types are ignored;
// a payload that does not decode is an error and nothing is delivered.
func (h *Handlers) Dispatch(f Frame) error {
	switch f.Type {
	case FrameRunEvent:
		var msg timeline.RunEventMessage
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			return errors.Wrap(err, "decode run_event payload")
		}
		if msg.RunID == "" {
			msg.RunID = msg.Event.RunID
		}
		if msg.Mutation == "" {
			msg.Mutation = timeline.MutationAppend
		}
		h.mu.Lock()
		fns := h.events.snapshot()
		h.mu.Unlock()
		for _, fn := range fns {
			fn(msg)
		}
	case FrameRunStatusChanged:
		var msg timeline.RunStatusMessage
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			return errors.Wrap(err, "decode run_status_changed payload")
		}
		if msg.Run.ID == "" {
			return errors.New("run_status_changed without run id")
		}
		h.mu.Lock()
		fns := h.statuses.snapshot()
		h.mu.Unlock()
		for _, fn := range fns {
			fn(msg)
		}
	}
	return nil
}

// Reconnected fires the reconnect handlers.
func (h *Handlers) Reconnected() {
	h.mu.Lock()
	fns := h.reconnects.snapshot()
	h.mu.Unlock()
	for _, fn := range fns {
		fn(struct{}{})
	}
}
