// Package console is the terminal front end: a status line, a level meter and key bindings
// that drive the controller.
package console

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/loqalabs/loqa-dictate/internal/domain"
)

type Controller interface {
	Toggle()
	SetTone(domain.Tone)
	Tone() domain.Tone
	Status() domain.StatusEvent
	Subscribe(buffer int) (<-chan domain.StatusEvent, func())
	SubscribeLevels() (<-chan float64, func())
}

type statusMsg domain.StatusEvent

type levelMsg float64

type closedMsg struct{}

const meterWidth = 24

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)
	labelStyles = map[domain.State]lipgloss.Style{
		domain.StateIdle:       lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
		domain.StateRecording:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")).Bold(true),
		domain.StateProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD75F")),
		domain.StateError:      lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true),
	}
	toneStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFFF"))
	activeTone    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("#5FAFFF")).Padding(0, 1)
	inactiveTone  = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Padding(0, 1)
	meterStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#25A065"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	lastTextStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Italic(true)
)

type model struct {
	ctrl     Controller
	statuses <-chan domain.StatusEvent
	levels   <-chan float64

	status   domain.StatusEvent
	level    float64
	lastText string
}

func newModel(ctrl Controller, statuses <-chan domain.StatusEvent, levels <-chan float64) model {
	return model{
		ctrl:     ctrl,
		statuses: statuses,
		levels:   levels,
		status:   ctrl.Status(),
	}
}

func waitForStatus(statuses <-chan domain.StatusEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-statuses
		if !ok {
			return closedMsg{}
		}
		return statusMsg(ev)
	}
}

func waitForLevel(levels <-chan float64) tea.Cmd {
	return func() tea.Msg {
		level, ok := <-levels
		if !ok {
			return nil
		}
		return levelMsg(level)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForStatus(m.statuses), waitForLevel(m.levels))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case msg.Type == tea.KeySpace || msg.Type == tea.KeyF8:
			m.ctrl.Toggle()
		case msg.Type == tea.KeyTab:
			m.ctrl.SetTone(m.ctrl.Tone().Next())
		case msg.Type == tea.KeyCtrlC || msg.String() == "q" || msg.Type == tea.KeyEsc:
			return m, tea.Quit
		default:
			if tone, ok := toneForKey(msg.String()); ok {
				m.ctrl.SetTone(tone)
			}
		}
		return m, nil

	case statusMsg:
		m.status = domain.StatusEvent(msg)
		if m.status.Text != "" {
			m.lastText = m.status.Text
		}
		if m.status.Status.State != domain.StateRecording {
			m.level = 0
		}
		return m, waitForStatus(m.statuses)

	case levelMsg:
		if m.status.Status.State == domain.StateRecording {
			m.level = float64(msg)
		}
		return m, waitForLevel(m.levels)

	case closedMsg:
		return m, tea.Quit
	}
	return m, nil
}

func toneForKey(key string) (domain.Tone, bool) {
	if len(key) != 1 || key[0] < '1' || key[0] > '9' {
		return "", false
	}
	idx := int(key[0] - '1')
	if idx >= len(domain.Tones) {
		return "", false
	}
	return domain.Tones[idx], true
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Loqa Dictate"))
	b.WriteString("\n\n")

	state := m.status.Status.State
	style, ok := labelStyles[state]
	if !ok {
		style = labelStyles[domain.StateIdle]
	}
	b.WriteString(style.Render(m.status.Status.Label()))
	if state == domain.StateError && m.status.Status.Reason != "" {
		b.WriteString(dimStyle.Render("  " + m.status.Status.Reason))
	}
	b.WriteString("\n")
	b.WriteString(meter(m.level))
	b.WriteString("\n\n")

	current := m.ctrl.Tone()
	tones := make([]string, 0, len(domain.Tones))
	for i, tone := range domain.Tones {
		label := fmt.Sprintf("%d %s", i+1, tone)
		if tone == current {
			tones = append(tones, activeTone.Render(label))
		} else {
			tones = append(tones, inactiveTone.Render(label))
		}
	}
	b.WriteString(toneStyle.Render("tone "))
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Center, tones...))
	b.WriteString("\n")

	if m.lastText != "" {
		b.WriteString("\n")
		b.WriteString(lastTextStyle.Render(m.lastText))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("space/f8 toggle · tab next tone · 1-5 pick tone · q quit"))
	b.WriteString("\n")
	return b.String()
}

func meter(level float64) string {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	filled := int(level*meterWidth + 0.5)
	return meterStyle.Render(strings.Repeat("█", filled)) + dimStyle.Render(strings.Repeat("░", meterWidth-filled))
}

// Run shows the console until the user quits or ctx is cancelled.
func Run(ctx context.Context, ctrl Controller) error {
	statuses, unsubscribe := ctrl.Subscribe(16)
	defer unsubscribe()
	levels, stopLevels := ctrl.SubscribeLevels()
	defer stopLevels()

	p := tea.NewProgram(newModel(ctrl, statuses, levels), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}
