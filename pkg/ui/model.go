// Package ui is the terminal viewer of a run timeline. It only reads the RunView and forwards
// key presses to it.
package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/runtimeline/pkg/timeline"
)

// changedMsg is sent whenever the RunView reports a change.
type changedMsg struct{}

type actionDoneMsg struct {
	action string
	err    error
}

// Model is the bubbletea model of the timeline viewer.
type Model struct {
	ctx     context.Context
	view    *timeline.RunView
	vp      viewport.Model
	anchor  *viewportAnchor
	changes chan struct{}

	width    int
	height   int
	lines    []string
	selected int
	notice   string
}

var _ tea.Model = (*Model)(nil)

// NewModel builds the viewer for an already opened view.
func NewModel(ctx context.Context, view *timeline.RunView) *Model {
	m := &Model{
		ctx:      ctx,
		view:     view,
		vp:       viewport.New(80, 20),
		anchor:   &viewportAnchor{},
		changes:  make(chan struct{}, 1),
		selected: -1,
	}
	view.OnChange(func() {
		select {
		case m.changes <- struct{}{}:
		default:
		}
	})
	if p := view.Pagination(); p != nil {
		p.SetAnchor(m.anchor)
	}
	m.refresh()
	return m
}

func (m *Model) waitForChange() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.changes:
			return changedMsg{}
		case <-m.ctx.Done():
			return tea.Quit()
		}
	}
}

func (m *Model) Init() tea.Cmd {
	return m.waitForChange()
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.vp.Width = msg.Width
		m.vp.Height = max(msg.Height-headerLines-footerLines, 1)
		m.refresh()
		return m, nil
	case changedMsg:
		m.refresh()
		return m, m.waitForChange()
	case actionDoneMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("%s failed: %v", msg.action, msg.err)
		} else {
			m.notice = msg.action + " done"
		}
		m.refresh()
		return m, nil
	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			m.refresh()
			return m, cmd
		}
	}
	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	m.anchor.sync(m.vp.YOffset)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	follow := m.view.Follow()
	switch key := msg.String(); key {
	case "q", "ctrl+c":
		return tea.Quit, true
	case "j", "down":
		if follow != nil {
			m.noteErr("select", follow.SelectNext(m.ctx))
		}
		return nil, true
	case "k", "up":
		if follow != nil {
			m.noteErr("select", follow.SelectPrev(m.ctx))
		}
		return nil, true
	case "f":
		if follow != nil {
			follow.Toggle(m.ctx)
		}
		return nil, true
	case "x":
		m.view.DismissError()
		m.notice = ""
		return nil, true
	case "o":
		m.anchor.sync(m.vp.YOffset)
		return m.action("load older", func(ctx context.Context) error {
			_, err := m.view.LoadOlder(ctx)
			return err
		}), true
	case "r":
		return m.action("refresh", m.view.Refresh), true
	case "t":
		return m.action("terminate", m.view.Terminate), true
	case "1", "2", "3", "4", "5":
		t := timeline.AllEventTypes[int(key[0]-'1')]
		return m.action("filter "+string(t), func(ctx context.Context) error {
			return m.view.ToggleType(ctx, t)
		}), true
	}
	return nil, false
}

func (m *Model) action(name string, fn func(context.Context) error) tea.Cmd {
	m.notice = name + "…"
	return func() tea.Msg {
		err := fn(m.ctx)
		if err != nil {
			log.Debug().Err(err).Str("component", "ui").Str("action", name).Msg("action failed")
		}
		return actionDoneMsg{action: name, err: err}
	}
}

func (m *Model) noteErr(action string, err error) {
	if err != nil {
		m.notice = fmt.Sprintf("%s: %v", action, err)
	}
}

// refresh rebuilds the rendered lines from the view and positions the viewport.
func (m *Model) refresh() {
	store := m.view.Store()
	follow := m.view.Follow()
	if store == nil || follow == nil {
		m.lines = nil
		m.vp.SetContent("")
		return
	}
	visible := store.Visible()
	sel := follow.Selection()
	m.lines = m.lines[:0]
	m.selected = -1
	for i, e := range visible {
		isSel := e.ID == sel.EventID
		if isSel {
			m.selected = i
		}
		m.lines = append(m.lines, renderEvent(e, isSel))
	}
	m.vp.SetContent(strings.Join(m.lines, "\n"))

	if top, ok := m.anchor.take(); ok {
		m.vp.SetYOffset(top)
	}
	switch {
	case sel.Mode == timeline.FollowModeFollowing:
		m.vp.GotoBottom()
	case m.selected >= 0 && m.selected < m.vp.YOffset:
		m.vp.SetYOffset(m.selected)
	case m.selected >= m.vp.YOffset+m.vp.Height:
		m.vp.SetYOffset(m.selected - m.vp.Height + 1)
	}
	m.anchor.sync(m.vp.YOffset)
}

const (
	headerLines = 3
	footerLines = 2
)

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("run " + m.view.RunID()))
	if store := m.view.Store(); store != nil {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %d shown / %d loaded  filter=%s",
			len(m.lines), store.Len(), formatFilter(store.Filter()))))
	}
	b.WriteString("\n")
	if sum := m.view.Summary(); sum != nil {
		if s, ok := sum.Summary(); ok {
			b.WriteString(dimStyle.Render(FormatSummary(s)))
		}
	}
	b.WriteString("\n")
	if follow := m.view.Follow(); follow != nil {
		b.WriteString(modeStyle.Render(strings.ToUpper(string(follow.Mode()))))
	}
	if p := m.view.Pagination(); p != nil {
		switch {
		case p.Exhausted():
			b.WriteString(dimStyle.Render("  start of timeline"))
		case p.Capped():
			b.WriteString(dimStyle.Render("  window full"))
		}
	}
	b.WriteString("\n")
	b.WriteString(m.vp.View())
	b.WriteString("\n")
	switch {
	case m.view.Err() != nil:
		b.WriteString(errorStyle.Render("error: " + m.view.Err().Error() + " (x to dismiss)"))
	case m.notice != "":
		b.WriteString(dimStyle.Render(m.notice))
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("j/k select  f follow  o older  r refresh  1-5 types  t terminate  q quit"))
	return b.String()
}
