package tui

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chaosq/internal/config"
	"chaosq/internal/orchestrator"
	"chaosq/internal/session"
)

func TestQuitInterruptsThenExits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan orchestrator.Event, 1)
	m := NewModel(config.Default(), events, make(chan doneMsg), cancel)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.Nil(t, cmd)
	assert.Error(t, ctx.Err(), "first q cancels the session")
	assert.Contains(t, next.View(), "chaosq")

	sess := session.New(config.Default(), time.Now())
	next, _ = next.Update(doneMsg{sess: sess})
	assert.Contains(t, next.View(), "Session Complete")

	_, cmd = next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestEventsReachLiveView(t *testing.T) {
	events := make(chan orchestrator.Event, 1)
	m := NewModel(config.Default(), events, make(chan doneMsg), func() {})

	next, cmd := m.Update(orchestrator.Event{Kind: orchestrator.EventPhaseStarted, Phase: session.KindConnection, PoolSize: 0})
	require.NotNil(t, cmd, "keeps listening for events")
	assert.Equal(t, session.KindConnection, next.(Model).Live.Current())
}
