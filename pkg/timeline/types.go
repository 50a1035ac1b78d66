package timeline

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type EventType string

const (
	EventTypeInvocationMessage EventType = "invocation_message"
	EventTypeInjection         EventType = "injection"
	EventTypeLLMCall           EventType = "llm_call"
	EventTypeToolExecution     EventType = "tool_execution"
	EventTypeSummarization     EventType = "summarization"
)

// AllEventTypes lists the closed set of event types in display order.
var AllEventTypes = []EventType{
	EventTypeInvocationMessage,
	EventTypeInjection,
	EventTypeLLMCall,
	EventTypeToolExecution,
	EventTypeSummarization,
}

func (t EventType) Valid() bool {
	switch t {
	case EventTypeInvocationMessage, EventTypeInjection, EventTypeLLMCall, EventTypeToolExecution, EventTypeSummarization:
		return true
	}
	return false
}

type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusRunning   EventStatus = "running"
	EventStatusSuccess   EventStatus = "success"
	EventStatusError     EventStatus = "error"
	EventStatusCancelled EventStatus = "cancelled"
)

var AllEventStatuses = []EventStatus{
	EventStatusPending,
	EventStatusRunning,
	EventStatusSuccess,
	EventStatusError,
	EventStatusCancelled,
}

func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusPending, EventStatusRunning, EventStatusSuccess, EventStatusError, EventStatusCancelled:
		return true
	}
	return false
}

// Mutation tells the store how a pushed event relates to what it already holds. Both kinds
// converge on the same id-keyed last-write-wins merge.
type Mutation string

const (
	MutationAppend Mutation = "append"
	MutationUpdate Mutation = "update"
)

func (m Mutation) Valid() bool {
	return m == MutationAppend || m == MutationUpdate
}

type MessagePayload struct {
	Role   string `json:"role,omitempty" yaml:"role,omitempty"`
	Text   string `json:"text" yaml:"text"`
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

type LLMCallPayload struct {
	Provider         string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model            string   `json:"model,omitempty" yaml:"model,omitempty"`
	PromptTokens     int      `json:"promptTokens,omitempty" yaml:"promptTokens,omitempty"`
	CompletionTokens int      `json:"completionTokens,omitempty" yaml:"completionTokens,omitempty"`
	ResponseText     string   `json:"responseText,omitempty" yaml:"responseText,omitempty"`
	ToolCallIDs      []string `json:"toolCallIds,omitempty" yaml:"toolCallIds,omitempty"`
}

type ToolExecutionPayload struct {
	ToolName   string          `json:"toolName" yaml:"toolName"`
	ToolCallID string          `json:"toolCallId,omitempty" yaml:"toolCallId,omitempty"`
	Input      json.RawMessage `json:"input,omitempty" yaml:"-"`
	Output     json.RawMessage `json:"output,omitempty" yaml:"-"`
}

type SummarizationPayload struct {
	SummaryText      string `json:"summaryText" yaml:"summaryText"`
	NewContextCount  int    `json:"newContextCount,omitempty" yaml:"newContextCount,omitempty"`
	OldContextTokens int    `json:"oldContextTokens,omitempty" yaml:"oldContextTokens,omitempty"`
}

type InjectionPayload struct {
	MessageIDs []string `json:"messageIds,omitempty" yaml:"messageIds,omitempty"`
	Reason     string   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// EventPayload is a tagged union keyed by the event type. At most one variant is set.
type EventPayload struct {
	Message       *MessagePayload       `json:"message,omitempty" yaml:"message,omitempty"`
	LLMCall       *LLMCallPayload       `json:"llmCall,omitempty" yaml:"llmCall,omitempty"`
	ToolExecution *ToolExecutionPayload `json:"toolExecution,omitempty" yaml:"toolExecution,omitempty"`
	Summarization *SummarizationPayload `json:"summarization,omitempty" yaml:"summarization,omitempty"`
	Injection     *InjectionPayload     `json:"injection,omitempty" yaml:"injection,omitempty"`
}

// variant returns how many variants are populated and the event type of the last one seen.
func (p EventPayload) variant() (int, EventType) {
	n := 0
	var kind EventType
	if p.Message != nil {
		n++
		kind = EventTypeInvocationMessage
	}
	if p.LLMCall != nil {
		n++
		kind = EventTypeLLMCall
	}
	if p.ToolExecution != nil {
		n++
		kind = EventTypeToolExecution
	}
	if p.Summarization != nil {
		n++
		kind = EventTypeSummarization
	}
	if p.Injection != nil {
		n++
		kind = EventTypeInjection
	}
	return n, kind
}

// RunTimelineEvent is one immutable occurrence within a run.
type RunTimelineEvent struct {
	ID           string       `json:"id" yaml:"id"`
	RunID        string       `json:"runId" yaml:"runId"`
	ThreadID     string       `json:"threadId,omitempty" yaml:"threadId,omitempty"`
	Type         EventType    `json:"type" yaml:"type"`
	Status       EventStatus  `json:"status" yaml:"status"`
	Ts           string       `json:"ts" yaml:"ts"`
	StartedAt    string       `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	EndedAt      string       `json:"endedAt,omitempty" yaml:"endedAt,omitempty"`
	DurationMs   *int64       `json:"durationMs,omitempty" yaml:"durationMs,omitempty"`
	Payload      EventPayload `json:"payload" yaml:"payload"`
	ErrorCode    string       `json:"errorCode,omitempty" yaml:"errorCode,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty" yaml:"errorMessage,omitempty"`
}

// Validate reports why an event cannot be placed on the timeline.
func (e RunTimelineEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("event id is empty")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return errors.Errorf("event %s: run id is empty", e.ID)
	}
	if !e.Type.Valid() {
		return errors.Errorf("event %s: unknown type %q", e.ID, e.Type)
	}
	if !e.Status.Valid() {
		return errors.Errorf("event %s: unknown status %q", e.ID, e.Status)
	}
	if _, err := ParseTimestamp(e.Ts); err != nil {
		return errors.Wrapf(err, "event %s", e.ID)
	}
	n, kind := e.Payload.variant()
	if n > 1 {
		return errors.Errorf("event %s: %d payload variants populated", e.ID, n)
	}
	if n == 1 && kind != e.Type {
		return errors.Errorf("event %s: payload %s does not match type %s", e.ID, kind, e.Type)
	}
	return nil
}

// Normalize drops error details from events that did not fail.
func (e RunTimelineEvent) Normalize() RunTimelineEvent {
	if e.Status != EventStatusError {
		e.ErrorCode = ""
		e.ErrorMessage = ""
	}
	return e
}

// ParseTimestamp parses an ISO-8601 event timestamp.
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02T15:04:05.999999999", ts)
	if err != nil {
		return time.Time{}, errors.Errorf("invalid timestamp %q", ts)
	}
	return t, nil
}

// EventsPage is one REST page of events.
type EventsPage struct {
	Items      []RunTimelineEvent `json:"items" yaml:"items"`
	NextCursor *Cursor            `json:"nextCursor" yaml:"nextCursor"`
}

type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// EventsQuery selects a page of events. Cursor is an exclusive boundary: with OrderDesc the page
// holds events strictly older than it, with OrderAsc strictly newer.
type EventsQuery struct {
	Types    []EventType
	Statuses []EventStatus
	Cursor   *Cursor
	Limit    int
	Order    Order
}

// RunSummary holds the server-side aggregate counters of a run.
type RunSummary struct {
	RunID          string              `json:"runId,omitempty" yaml:"runId,omitempty"`
	TotalEvents    int                 `json:"totalEvents" yaml:"totalEvents"`
	CountsByType   map[EventType]int   `json:"countsByType,omitempty" yaml:"countsByType,omitempty"`
	CountsByStatus map[EventStatus]int `json:"countsByStatus,omitempty" yaml:"countsByStatus,omitempty"`
	FirstEventAt   string              `json:"firstEventAt,omitempty" yaml:"firstEventAt,omitempty"`
	LastEventAt    string              `json:"lastEventAt,omitempty" yaml:"lastEventAt,omitempty"`
	Status         string              `json:"status,omitempty" yaml:"status,omitempty"`
}

// RunEventMessage is the payload of a pushed run_event frame.
type RunEventMessage struct {
	RunID    string           `json:"runId"`
	Event    RunTimelineEvent `json:"event"`
	Mutation Mutation         `json:"mutation"`
}

type RunRef struct {
	ID       string `json:"id"`
	Status   string `json:"status,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
}

// RunStatusMessage is the payload of a pushed run_status_changed frame.
type RunStatusMessage struct {
	Run RunRef `json:"run"`
}
