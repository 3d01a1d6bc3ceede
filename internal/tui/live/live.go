// Package live is the dashboard shown while a session runs.
package live

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"chaosq/internal/orchestrator"
	"chaosq/internal/session"
	"chaosq/internal/tui/components"
	"chaosq/internal/tui/styles"
)

type phaseState struct {
	kind   session.Kind
	status session.Status
	reason string
	active bool
}

type Model struct {
	Progress progress.Model

	RateLine components.Sparkline
	PoolLine components.Sparkline

	phases  []phaseState
	current session.Kind
	last    orchestrator.Event
	started time.Time

	Width  int
	Height int
}

func NewModel() Model {
	m := Model{
		Progress: progress.New(progress.WithDefaultGradient()),
		RateLine: components.NewSparkline(40, "Rate (/s)", styles.Active),
		PoolLine: components.NewSparkline(40, "Pool", styles.Warn),
		started:  time.Now(),
	}
	for _, k := range session.Order {
		m.phases = append(m.phases, phaseState{kind: k})
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case orchestrator.Event:
		return m.apply(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Progress.Width = msg.Width - 4

		half := max(msg.Width/2-6, 10)
		m.RateLine.Width = half
		m.PoolLine.Width = half
		return m, nil

	case progress.FrameMsg:
		prog, cmd := m.Progress.Update(msg)
		m.Progress = prog.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m Model) apply(e orchestrator.Event) (Model, tea.Cmd) {
	switch e.Kind {
	case orchestrator.EventPhaseStarted:
		m.current = e.Phase
		m.last = e
		m.setPhase(e.Phase, func(p *phaseState) { p.active = true })
		m.RateLine.Reset(fmt.Sprintf("Rate (/s) %s", e.Phase))
		m.PoolLine.Reset("Pool")
		m.PoolLine.Add(float64(e.PoolSize))
		return m, m.Progress.SetPercent(0)

	case orchestrator.EventProgress:
		m.last = e
		m.PoolLine.Add(float64(e.PoolSize))
		if e.Target > 0 {
			return m, m.Progress.SetPercent(min(float64(e.Attempted)/float64(e.Target), 1))
		}

	case orchestrator.EventCheckpoint:
		m.RateLine.Add(e.Rate)

	case orchestrator.EventPhaseFinished:
		m.setPhase(e.Phase, func(p *phaseState) {
			p.active = false
			p.status = e.Status
			p.reason = e.Reason
		})
		if e.Phase == m.current && e.Status != session.StatusSkipped {
			m.last.PoolSize = e.PoolSize
			return m, m.Progress.SetPercent(1)
		}
	}
	return m, nil
}

func (m *Model) setPhase(k session.Kind, fn func(*phaseState)) {
	for i := range m.phases {
		if m.phases[i].kind == k {
			fn(&m.phases[i])
			return
		}
	}
}

// Current is the phase most recently started.
func (m Model) Current() session.Kind {
	return m.current
}

func (m Model) View() string {
	var s strings.Builder

	s.WriteString(m.phaseList())
	s.WriteString("\n\n")

	e := m.last
	target := "-"
	if e.Target > 0 {
		target = fmt.Sprint(e.Target)
	}
	errStyle := styles.Active
	if e.Failed > 0 {
		errStyle = styles.Warn
	}

	col1 := fmt.Sprintf("DONE: %d/%s\nPOOL: %d", e.Attempted, target, e.PoolSize)
	col2 := errStyle.Render(fmt.Sprintf("OK:   %d\nFAIL: %d", e.Succeeded, e.Failed))
	col3 := fmt.Sprintf("RATE: %.1f/s\nTIME: %s", e.Rate, time.Since(m.started).Round(time.Second))

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(col1),
		styles.Box.Render(col2),
		styles.Box.Render(col3),
	))
	s.WriteString("\n\n")

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(m.RateLine.View()),
		styles.Box.Render(m.PoolLine.View()),
	))
	s.WriteString("\n\n")

	s.WriteString(m.Progress.View())
	return s.String()
}

func (m Model) phaseList() string {
	parts := make([]string, 0, len(m.phases))
	for _, p := range m.phases {
		var label string
		switch {
		case p.active:
			label = styles.Active.Render("▶ " + string(p.kind))
		case p.status == "":
			label = styles.Subtle.Render("· " + string(p.kind))
		case p.status == session.StatusSkipped:
			label = styles.Subtle.Render("⏭ " + string(p.kind))
		default:
			label = styles.ForStatus(p.status).Render("✔ " + string(p.kind) + " " + string(p.status))
		}
		parts = append(parts, label)
	}
	return strings.Join(parts, "  ")
}
