package result

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chaosq/internal/config"
	"chaosq/internal/session"
)

func TestViewListsResults(t *testing.T) {
	now := time.Now()
	s := session.New(config.Default(), now)
	s.Add(&session.ConnectionResult{
		Header:     session.Header{Test: session.KindConnection, Status: session.StatusCompleted, Duration: time.Second},
		Target:     10,
		Successful: 10,
	})
	s.Add(session.Skipped(session.KindMessage, session.ReasonDisabled, now))
	s.Finish(nil, now.Add(2*time.Second))

	m := NewModel(s, []string{"/tmp/out/report.md"}, nil)
	view := m.View()

	assert.Len(t, m.Table.Rows(), 2)
	assert.Contains(t, view, "connection_test")
	assert.Contains(t, view, "disabled")
	assert.Contains(t, view, "Max connections: 10")
	assert.Contains(t, view, "/tmp/out/report.md")
	assert.Contains(t, view, "batches=0")
}

func TestViewWithoutSession(t *testing.T) {
	m := NewModel(nil, nil, errors.New("target not ready"))
	view := m.View()
	assert.Contains(t, view, "target not ready")
	assert.Empty(t, m.Table.Rows())
}
