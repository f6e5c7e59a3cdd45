// Package tui implements an interactive session browser, adapted from
// kir-gadjello-llm's chat-history list-model into a registry session
// picker: selecting a row returns the session id so the caller can
// attach to it.
package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"kmux/registry"
)

type sessionItem struct {
	info registry.SessionInfo
}

func (s sessionItem) Title() string {
	if s.info.Initializing {
		return fmt.Sprintf("session %d (initialising)", s.info.ID)
	}
	label := s.info.Label
	if label == "" {
		label = fmt.Sprintf("session %d", s.info.ID)
	}
	return label
}

func (s sessionItem) Description() string {
	if s.info.HasRunning {
		return "running: " + s.info.RunningCommand
	}
	if s.info.Description != "" {
		return s.info.Description
	}
	return "idle"
}

func (s sessionItem) FilterValue() string {
	return s.info.Label + " " + s.info.Description
}

// BrowseModel is the bubbletea model for `kmux browse`.
type BrowseModel struct {
	list     list.Model
	Selected *registry.SessionInfo
	quitting bool
}

// NewBrowseModel builds a browser over the given session listing.
func NewBrowseModel(sessions []registry.SessionInfo) BrowseModel {
	items := make([]list.Item, len(sessions))
	for i, s := range sessions {
		items[i] = sessionItem{info: s}
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "kmux sessions"
	l.Styles.Title = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFF")).
		Background(lipgloss.Color("#7D56F4")).
		Padding(0, 1)

	return BrowseModel{list: l}
}

func (m BrowseModel) Init() tea.Cmd {
	return nil
}

func (m BrowseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			if i, ok := m.list.SelectedItem().(sessionItem); ok {
				m.Selected = &i.info
				return m, tea.Quit
			}
		}
	case tea.WindowSizeMsg:
		h, v := lipgloss.NewStyle().Margin(1, 2).GetFrameSize()
		m.list.SetSize(msg.Width-h, msg.Height-v)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m BrowseModel) View() string {
	if m.quitting {
		return ""
	}
	return lipgloss.NewStyle().Margin(1, 2).Render(m.list.View())
}
