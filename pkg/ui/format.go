package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/runtimeline/pkg/timeline"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Reverse(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	modeStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	typeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))

	statusStyles = map[timeline.EventStatus]lipgloss.Style{
		timeline.EventStatusPending:   lipgloss.NewStyle().Foreground(lipgloss.Color("246")),
		timeline.EventStatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		timeline.EventStatusSuccess:   lipgloss.NewStyle().Foreground(lipgloss.Color("118")),
		timeline.EventStatusError:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		timeline.EventStatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
)

const maxDetailLen = 80

// FormatEvent renders one event as a single plain line.
func FormatEvent(e timeline.RunTimelineEvent) string {
	ts := e.Ts
	if t, err := timeline.ParseTimestamp(e.Ts); err == nil {
		ts = t.UTC().Format("15:04:05.000")
	}
	line := fmt.Sprintf("%s  %-18s %-9s %s", ts, e.Type, e.Status, e.ID)
	if d := Detail(e); d != "" {
		line += "  " + d
	}
	return line
}

// Detail is a short human description of the payload.
func Detail(e timeline.RunTimelineEvent) string {
	var d string
	p := e.Payload
	switch {
	case e.Status == timeline.EventStatusError && e.ErrorMessage != "":
		d = "error: " + e.ErrorMessage
	case p.Message != nil:
		d = p.Message.Role + ": " + p.Message.Text
	case p.LLMCall != nil:
		d = strings.TrimSpace(p.LLMCall.Provider + "/" + p.LLMCall.Model)
		if p.LLMCall.PromptTokens+p.LLMCall.CompletionTokens > 0 {
			d += fmt.Sprintf(" %d+%d tok", p.LLMCall.PromptTokens, p.LLMCall.CompletionTokens)
		}
	case p.ToolExecution != nil:
		d = p.ToolExecution.ToolName
	case p.Summarization != nil:
		d = p.Summarization.SummaryText
	case p.Injection != nil:
		d = p.Injection.Reason
	}
	d = strings.Join(strings.Fields(d), " ")
	if r := []rune(d); len(r) > maxDetailLen {
		d = string(r[:maxDetailLen-1]) + "…"
	}
	return strings.Trim(d, "/ ")
}

func renderEvent(e timeline.RunTimelineEvent, selected bool) string {
	if selected {
		return selectedStyle.Render("> " + FormatEvent(e))
	}
	st, ok := statusStyles[e.Status]
	if !ok {
		st = dimStyle
	}
	ts := e.Ts
	if t, err := timeline.ParseTimestamp(e.Ts); err == nil {
		ts = t.UTC().Format("15:04:05.000")
	}
	line := "  " + dimStyle.Render(ts) + "  " +
		typeStyle.Render(fmt.Sprintf("%-18s", e.Type)) + " " +
		st.Render(fmt.Sprintf("%-9s", e.Status)) + " " + e.ID
	if d := Detail(e); d != "" {
		line += "  " + dimStyle.Render(d)
	}
	return line
}

// FormatSummary renders the run summary on one line.
func FormatSummary(s timeline.RunSummary) string {
	parts := []string{fmt.Sprintf("status=%s", s.Status), fmt.Sprintf("events=%d", s.TotalEvents)}
	keys := make([]string, 0, len(s.CountsByType))
	for t := range s.CountsByType {
		keys = append(keys, string(t))
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, s.CountsByType[timeline.EventType(k)]))
	}
	return strings.Join(parts, " ")
}

func formatFilter(f timeline.FilterState) string {
	if f.IsEmpty() {
		return "all"
	}
	var parts []string
	for _, t := range f.TypeList() {
		parts = append(parts, string(t))
	}
	for _, s := range f.StatusList() {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, ",")
}
