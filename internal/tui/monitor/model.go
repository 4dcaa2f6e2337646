// Package monitor is the live dashboard for a running broker: connection
// state, session summary, and the event stream.
package monitor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/iblai/iblai-web-mentor/internal/eventbus"
	"github.com/iblai/iblai-web-mentor/internal/tui"
)

const maxLogLines = 1000

// Status is the broker snapshot rendered in the header.
type Status struct {
	Tenant        string
	Mentor        string
	UserID        int64
	AccessValid   bool
	SharingActive bool
}

// EventMsg wraps one bus event.
type EventMsg struct {
	Type string
	Data []byte
}

// StatusMsg carries a fresh status snapshot.
type StatusMsg struct {
	Status Status
}

// Model is the root monitor TUI model.
type Model struct {
	status Status

	hostConnected   bool
	mentorConnected bool

	viewport   viewport.Model
	lines      []string
	autoScroll bool

	width    int
	height   int
	showHelp bool
	quitting bool
}

// NewModel creates a monitor model.
func NewModel(status Status) Model {
	vp := viewport.New(80, 10)
	return Model{
		status:     status,
		viewport:   vp,
		autoScroll: true,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = max(msg.Height-7, 3)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "q"))):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("?"))):
			m.showHelp = !m.showHelp
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("G"))):
			m.autoScroll = true
			m.viewport.GotoBottom()
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("g"))):
			m.autoScroll = false
			m.viewport.GotoTop()
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("j", "down", "k", "up"))):
			m.autoScroll = false
		}

	case StatusMsg:
		m.status = msg.Status
		return m, nil

	case EventMsg:
		m.applyEvent(msg)
		m.addLine(m.formatEvent(msg))
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// applyEvent tracks connection state from lifecycle events.
func (m *Model) applyEvent(msg EventMsg) {
	switch msg.Type {
	case eventbus.HostConnected:
		m.hostConnected = true
	case eventbus.HostDisconnected:
		m.hostConnected = false
	case eventbus.MentorConnected:
		m.mentorConnected = true
	case eventbus.MentorDisconnected:
		m.mentorConnected = false
	}
}

func (m *Model) addLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if m.autoScroll {
		m.viewport.GotoBottom()
	}
}

func (m Model) formatEvent(msg EventMsg) string {
	ts := time.Now().Format("15:04:05")

	if msg.Type == eventbus.LogEntry {
		var entry map[string]any
		if err := json.Unmarshal(msg.Data, &entry); err == nil {
			level, _ := entry["level"].(string)
			message, _ := entry["msg"].(string)

			var attrs []string
			for k, v := range entry {
				if k == "level" || k == "msg" || k == "time" {
					continue
				}
				attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
			}

			levelStyle := tui.LogLevelStyle(level)
			formatted := fmt.Sprintf("  %s %s  %s", ts, levelStyle.Render(fmt.Sprintf("%-5s", level)), message)
			if len(attrs) > 0 {
				formatted += "  " + tui.Dimmed.Render(strings.Join(attrs, " "))
			}
			return formatted
		}
	}

	line := fmt.Sprintf("  %s %s", ts, tui.Dimmed.Render(msg.Type))
	if len(msg.Data) > 0 && string(msg.Data) != "null" {
		line += "  " + string(msg.Data)
	}
	return line
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.showHelp {
		return m.helpView()
	}

	header := m.headerView()
	logs := tui.Border.Width(max(m.width-2, 20)).Render(m.viewport.View())
	help := tui.Help.Render("  q quit · g/G scroll · ? help")

	return lipgloss.JoinVertical(lipgloss.Left, header, logs, help)
}

func (m Model) headerView() string {
	session := tui.Dimmed.Render("no session")
	if m.status.UserID != 0 {
		valid := tui.ErrorStyle.Render("stale")
		if m.status.AccessValid {
			valid = tui.Success.Render("fresh")
		}
		session = fmt.Sprintf("user %d · token %s", m.status.UserID, valid)
	}

	sharing := ""
	if m.status.SharingActive {
		sharing = "  " + tui.WarningStyle.Render("sharing")
	}

	return tui.Title.Render(fmt.Sprintf(" mentor-embed  %s/%s", m.status.Tenant, m.status.Mentor)) + "\n" +
		fmt.Sprintf("  %s host   %s mentor   %s%s",
			tui.StatusDot(m.hostConnected),
			tui.StatusDot(m.mentorConnected),
			session, sharing)
}

func (m Model) helpView() string {
	return tui.Title.Render(" keys") + "\n" +
		"  q, ctrl+c   quit\n" +
		"  g / G       scroll top / follow\n" +
		"  j / k       scroll\n" +
		"  ?           close help\n"
}
