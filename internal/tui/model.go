// Package tui runs a session under a bubbletea dashboard and shows the
// results when it finishes.
package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"chaosq/internal/config"
	"chaosq/internal/orchestrator"
	"chaosq/internal/report"
	"chaosq/internal/session"
	"chaosq/internal/tui/live"
	"chaosq/internal/tui/result"
	"chaosq/internal/tui/styles"
)

// Runner is what the TUI drives. *orchestrator.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context) (*session.Session, error)
}

type doneMsg struct {
	sess    *session.Session
	reports []string
	err     error
}

type Model struct {
	cfg    config.Config
	events <-chan orchestrator.Event
	done   <-chan doneMsg
	cancel context.CancelFunc

	Live   live.Model
	Result result.Model

	finished bool
	outcome  doneMsg
	Width    int
	Height   int
}

func NewModel(cfg config.Config, events <-chan orchestrator.Event, done <-chan doneMsg, cancel context.CancelFunc) Model {
	return Model{
		cfg:    cfg,
		events: events,
		done:   done,
		cancel: cancel,
		Live:   live.NewModel(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), waitForDone(m.done))
}

func waitForEvent(sub <-chan orchestrator.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-sub
		if !ok {
			return nil
		}
		return e
	}
}

func waitForDone(done <-chan doneMsg) tea.Cmd {
	return func() tea.Msg {
		return <-done
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.finished {
				return m, tea.Quit
			}
			// First press interrupts the session; the result view follows.
			m.cancel()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.Width, m.Height = msg.Width, msg.Height
		var cmd tea.Cmd
		m.Live, _ = m.Live.Update(msg)
		m.Result, cmd = m.Result.Update(msg)
		return m, cmd

	case orchestrator.Event:
		var cmd tea.Cmd
		m.Live, cmd = m.Live.Update(msg)
		return m, tea.Batch(cmd, waitForEvent(m.events))

	case doneMsg:
		m.finished = true
		m.outcome = msg
		m.Result = result.NewModel(msg.sess, msg.reports, msg.err)
		return m, nil
	}

	if m.finished {
		var cmd tea.Cmd
		m.Result, cmd = m.Result.Update(msg)
		return m, cmd
	}
	var cmd tea.Cmd
	m.Live, cmd = m.Live.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.finished {
		return m.Result.View() + "\n"
	}
	header := styles.Title.Render(fmt.Sprintf("🌪  chaosq · %s", m.cfg.TestName))
	sub := styles.Subtle.Render(fmt.Sprintf("%s (%s)", m.cfg.Target.WSURL, m.cfg.Target.Variant))
	return header + "\n" + sub + "\n\n" + m.Live.View() + "\n\n" + styles.RenderKey("q", "interrupt") + "\n"
}

// Run starts r under the dashboard and writes reports when it returns. It
// blocks until the user quits the result view.
func Run(ctx context.Context, cfg config.Config, r Runner, events <-chan orchestrator.Event, opts ...tea.ProgramOption) (*session.Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan doneMsg, 1)
	go func() {
		sess, err := r.Run(ctx)
		out := doneMsg{sess: sess, err: err}
		if sess != nil && len(cfg.Reporting.Formats) > 0 {
			paths, rerr := report.Write(cfg.Reporting.OutputDir, cfg.Reporting.Formats, sess)
			out.reports = paths
			if rerr != nil && out.err == nil {
				out.err = rerr
			}
		}
		done <- out
	}()

	p := tea.NewProgram(NewModel(cfg, events, done, cancel), opts...)
	final, err := p.Run()
	if err != nil {
		cancel()
		out := <-done
		return out.sess, fmt.Errorf("tui: %w", err)
	}
	m := final.(Model)
	return m.outcome.sess, m.outcome.err
}
