package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// View state
type viewState int

const (
	viewList viewState = iota
	viewDetail
)

// KeyMap defines the keybindings
type KeyMap struct {
	Up      key.Binding
	Down    key.Binding
	Enter   key.Binding
	Escape  key.Binding
	Refresh key.Binding
	Quit    key.Binding
}

// DefaultKeyMap returns the default keybindings
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		Enter: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "revisions"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "back"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp returns keybindings for short help
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Enter, k.Refresh, k.Quit}
}

// FullHelp returns keybindings for extended help
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Enter, k.Escape},
		{k.Refresh, k.Quit},
	}
}

// Model is the bubbletea model of the deploy group browser.
type Model struct {
	ctx    context.Context
	client *Client
	groups []Group
	cursor int
	view   viewState
	keys   KeyMap
	help   help.Model
	width  int
	height int
	status string
	err    error
}

// NewModel creates a new CLI model
func NewModel(ctx context.Context, client *Client) Model {
	return Model{
		ctx:    ctx,
		client: client,
		groups: []Group{},
		view:   viewList,
		keys:   DefaultKeyMap(),
		help:   help.New(),
		status: "Loading...",
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return m.loadGroups
}

type groupsLoadedMsg struct {
	groups []Group
}

type errMsg struct {
	err error
}

func (m Model) loadGroups() tea.Msg {
	groups, err := m.client.ListGroups(m.ctx)
	if err != nil {
		return errMsg{err: err}
	}
	return groupsLoadedMsg{groups: groups}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case groupsLoadedMsg:
		m.SetGroups(msg.groups)
		return m, nil

	case errMsg:
		m.err = msg.err
		m.status = fmt.Sprintf("Error: %v", msg.err)
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Escape):
		m.view = viewList
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		m.status = "Refreshing..."
		return m, m.loadGroups
	}

	if m.view == viewDetail {
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.groups)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Enter):
		if len(m.groups) > 0 {
			m.view = viewDetail
		}
	}
	return m, nil
}

// View renders the UI
func (m Model) View() string {
	if m.view == viewDetail {
		return m.viewDetailPage()
	}
	return m.viewListPage()
}

func (m Model) viewListPage() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Flipover Deploy Groups"))
	b.WriteString("\n\n")

	if len(m.groups) == 0 {
		b.WriteString(itemStyle.Render("No deploy groups found"))
		b.WriteString("\n")
	}
	for i, g := range m.groups {
		cursor := "  "
		style := itemStyle
		if i == m.cursor {
			cursor = "> "
			style = selectedItemStyle
		}
		b.WriteString(style.Render(cursor + g.Title()))
		b.WriteString("\n")
		b.WriteString(itemStyle.Render("   " + g.Description()))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(statusBarStyle.Render(m.status))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(m.help.View(m.keys)))

	return b.String()
}

func (m Model) viewDetailPage() string {
	if len(m.groups) == 0 || m.cursor >= len(m.groups) {
		return "No group selected"
	}
	g := m.groups[m.cursor]

	var b strings.Builder
	b.WriteString(modalTitleStyle.Render("Deploy Group " + g.Name))
	b.WriteString("\n")

	for _, r := range g.Revisions {
		b.WriteString("\n")
		state := backupStyle.Render("backup")
		if r.Active() {
			state = activeStyle.Render("active via " + strings.Join(r.Services, ", "))
		}
		fields := []struct {
			label string
			value string
		}{
			{"Revision", r.Name + "  " + state},
			{"ID", r.ID},
			{"Created", r.Created.Format(time.RFC3339)},
			{"Available", fmt.Sprintf("%d/%d", r.Available, r.Desired)},
			{"Strategy", r.Strategy},
			{"Commit", r.Commit},
			{"UUID", r.UUID},
		}
		for _, f := range fields {
			if f.value == "" {
				continue
			}
			b.WriteString(lipgloss.JoinHorizontal(
				lipgloss.Left,
				labelStyle.Render(f.label+":"),
				valueStyle.Render(f.value),
			))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("Press ESC to go back"))

	return modalStyle.Render(b.String())
}

// SetGroups replaces the displayed groups, keeping the cursor in range.
func (m *Model) SetGroups(groups []Group) {
	m.groups = groups
	m.err = nil
	if m.cursor >= len(groups) {
		m.cursor = max(len(groups)-1, 0)
	}
	m.status = fmt.Sprintf("%d deploy group(s)", len(groups))
}
