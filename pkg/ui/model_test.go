package ui

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/runtimeline/pkg/replay"
	"github.com/go-go-golems/runtimeline/pkg/timeline"
	"github.com/go-go-golems/runtimeline/pkg/transport/pubsub"
)

func event(id string, sec int, typ timeline.EventType, status timeline.EventStatus) timeline.RunTimelineEvent {
	return timeline.RunTimelineEvent{
		ID: id, RunID: "r1", Type: typ, Status: status,
		Ts: fmt.Sprintf("2026-03-01T12:00:%02dZ", sec),
	}
}

func openView(t *testing.T, pageSize int, events ...timeline.RunTimelineEvent) (*timeline.RunView, *replay.MemoryServer) {
	t.Helper()
	goch := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = goch.Close() })
	tr, err := pubsub.NewTransport(goch)
	require.NoError(t, err)
	t.Cleanup(tr.Close)

	srv := replay.NewMemoryServer()
	srv.Record(events...)
	view, err := timeline.NewRunView(timeline.RunViewConfig{API: srv, Transport: tr, PageSize: pageSize})
	require.NoError(t, err)
	t.Cleanup(func() { _ = view.Close(context.Background()) })
	require.NoError(t, view.Open(context.Background(), "r1"))
	return view, srv
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestModelSelectionAndFollowKeys(t *testing.T) {
	view, _ := openView(t, 50,
		event("e1", 0, timeline.EventTypeLLMCall, timeline.EventStatusSuccess),
		event("e2", 1, timeline.EventTypeToolExecution, timeline.EventStatusRunning),
		event("e3", 2, timeline.EventTypeLLMCall, timeline.EventStatusSuccess),
	)
	m := NewModel(context.Background(), view)
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 20})
	require.Equal(t, timeline.FollowModeFollowing, view.Follow().Mode())
	require.Equal(t, 2, m.selected)

	m.Update(key("k"))
	require.Equal(t, timeline.FollowModeManual, view.Follow().Mode())
	require.Equal(t, "e2", view.Follow().Selected())
	require.Equal(t, 1, m.selected)
	require.Contains(t, m.View(), "MANUAL")

	m.Update(key("f"))
	require.Equal(t, timeline.FollowModeFollowing, view.Follow().Mode())
	require.Equal(t, "e3", view.Follow().Selected())
	require.Contains(t, m.View(), "FOLLOWING")
}

func TestModelTypeFilterKey(t *testing.T) {
	view, _ := openView(t, 50,
		event("e1", 0, timeline.EventTypeLLMCall, timeline.EventStatusSuccess),
		event("e2", 1, timeline.EventTypeInjection, timeline.EventStatusSuccess),
	)
	m := NewModel(context.Background(), view)

	// 2 is the second type in display order.
	_, cmd := m.Update(key("2"))
	require.NotNil(t, cmd)
	msg := cmd()
	done, ok := msg.(actionDoneMsg)
	require.True(t, ok)
	require.NoError(t, done.err)
	m.Update(msg)

	require.Len(t, m.lines, 1)
	require.Contains(t, m.lines[0], "e2")
	require.Contains(t, m.View(), "filter=injection")
}

func TestModelLoadOlderKeepsAnchor(t *testing.T) {
	var events []timeline.RunTimelineEvent
	for i := range 10 {
		events = append(events, event(fmt.Sprintf("e%d", i), i, timeline.EventTypeLLMCall, timeline.EventStatusSuccess))
	}
	view, _ := openView(t, 4, events...)
	m := NewModel(context.Background(), view)
	m.Update(tea.WindowSizeMsg{Width: 120, Height: headerLines + footerLines + 2})
	m.Update(key("k"))
	m.Update(key("k"))
	m.Update(key("k"))
	require.Equal(t, "e6", view.Follow().Selected())
	top := m.vp.YOffset

	_, cmd := m.Update(key("o"))
	m.Update(cmd())
	require.Len(t, m.lines, 8)
	require.Equal(t, top+4, m.vp.YOffset)
}

func TestPlainPrinterPrintsChanges(t *testing.T) {
	view, srv := openView(t, 50,
		event("e1", 0, timeline.EventTypeToolExecution, timeline.EventStatusRunning),
	)
	var buf bytes.Buffer
	p := NewPlainPrinter(&buf)
	require.NoError(t, p.Print(view))
	require.NoError(t, p.Print(view))
	require.Equal(t, 1, strings.Count(buf.String(), "e1"))

	view.Store().Merge([]timeline.RunTimelineEvent{
		event("e1", 0, timeline.EventTypeToolExecution, timeline.EventStatusSuccess),
	}, timeline.MutationUpdate)
	srv.SetStatus("r1", "completed")
	require.NoError(t, view.Summary().Refresh(context.Background()))
	require.NoError(t, p.Print(view))

	out := buf.String()
	require.Equal(t, 2, strings.Count(out, "e1"))
	require.Contains(t, out, "success")
	require.Contains(t, out, "# status=completed events=1")
}

func TestDetailTruncates(t *testing.T) {
	e := event("e1", 0, timeline.EventTypeSummarization, timeline.EventStatusSuccess)
	e.Payload.Summarization = &timeline.SummarizationPayload{SummaryText: strings.Repeat("ä", 200)}
	require.Len(t, []rune(Detail(e)), maxDetailLen)
}
