// Package result renders a finished session.
package result

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"chaosq/internal/report"
	"chaosq/internal/session"
	"chaosq/internal/tui/styles"
)

type Model struct {
	Session *session.Session
	Table   table.Model
	// Reports lists the files written for the session, if any.
	Reports []string
	Err     error

	Width  int
	Height int
}

func NewModel(s *session.Session, reports []string, err error) Model {
	columns := []table.Column{
		{Title: "Phase", Width: 16},
		{Title: "Status", Width: 10},
		{Title: "Reason", Width: 18},
		{Title: "Target", Width: 8},
		{Title: "Achieved", Width: 9},
		{Title: "Rate/s", Width: 9},
		{Title: "Peak/s", Width: 9},
		{Title: "Duration", Width: 9},
	}

	var rows []table.Row
	if s != nil {
		for _, r := range s.Results {
			row := report.Row(r)
			rows = append(rows, table.Row{
				string(row.Test), string(row.Status), row.Reason, row.Target,
				row.Achieved, row.Rate, row.PeakRate, row.Duration.Round(10 * time.Millisecond).String(),
			})
		}
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithFocused(true),
		table.WithHeight(len(session.Order)+1),
	)

	st := table.DefaultStyles()
	st.Header = st.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.ColorBorder).
		BorderBottom(true).
		Bold(true).
		Foreground(styles.ColorPrimary)
	st.Selected = st.Selected.
		Foreground(styles.ColorBg).
		Background(styles.ColorPrimary).
		Bold(true)
	t.SetStyles(st)

	return Model{Session: s, Table: t, Reports: reports, Err: err}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		return m, nil
	}
	var cmd tea.Cmd
	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	var s strings.Builder

	s.WriteString(styles.Title.Render("📊 Session Complete"))
	s.WriteString("\n\n")

	if m.Err != nil {
		s.WriteString(styles.Error.Render("Error: " + m.Err.Error()))
		s.WriteString("\n\n")
	}
	if m.Session == nil {
		s.WriteString(styles.Subtle.Render("Press q to quit"))
		return s.String()
	}

	sess := m.Session
	s.WriteString(styles.Subtle.Render(fmt.Sprintf("%s  (%s)", sess.ID, sess.FinishedAt.Sub(sess.StartedAt).Round(time.Second))))
	s.WriteString("\n\n")
	s.WriteString(m.Table.View())
	s.WriteString("\n\n")

	if row, ok := m.selected(); ok && row.Notes != "" {
		s.WriteString(styles.Box.Render(row.Notes))
		s.WriteString("\n\n")
	}

	sum := sess.Summary
	overview := fmt.Sprintf(
		"Max connections: %d\nTotal messages:  %d\nPeak msg rate:   %.1f/s",
		sum.MaxConnections, sum.TotalMessages, sum.PeakMessageRate,
	)
	if sum.Recovered {
		overview += fmt.Sprintf("\nRecovery:        %s", sum.RecoveryTime.Round(time.Millisecond))
	}
	blocks := []string{styles.Box.Render(overview)}
	if res := sum.Resources; res.Count > 0 {
		blocks = append(blocks, styles.Box.Render(fmt.Sprintf(
			"CPU avg/max:     %.1f%% / %.1f%%\nTarget mem max:  %.1f MB\nOpen files peak: %d",
			res.SystemCPU.Avg, res.SystemCPU.Max, res.TargetMemoryMB.Max, res.PeakOpenFiles,
		)))
	}
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, blocks...))
	s.WriteString("\n\n")

	if len(m.Reports) > 0 {
		s.WriteString(styles.Active.Render("Reports"))
		s.WriteString("\n")
		for _, p := range m.Reports {
			s.WriteString(styles.Subtle.Render("  " + p))
			s.WriteString("\n")
		}
		s.WriteString("\n")
	}

	s.WriteString(styles.RenderKey("↑/↓", "select") + "  " + styles.RenderKey("q", "quit"))
	return s.String()
}

func (m Model) selected() (report.SummaryRow, bool) {
	if m.Session == nil {
		return report.SummaryRow{}, false
	}
	i := m.Table.Cursor()
	if i < 0 || i >= len(m.Session.Results) {
		return report.SummaryRow{}, false
	}
	return report.Row(m.Session.Results[i]), true
}
