package components

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
)

func TestSparklineScrollsAndScales(t *testing.T) {
	s := NewSparkline(4, "rate", lipgloss.NewStyle())
	for _, v := range []float64{100, 0, 25, 50, 100} {
		s.Add(v)
	}

	assert.Equal(t, []float64{0, 25, 50, 100}, s.Data)
	assert.Equal(t, 100.0, s.Max)
	assert.Equal(t, " ▂▄█", s.Graph())
}

func TestSparklinePadsAndResets(t *testing.T) {
	s := NewSparkline(3, "rate", lipgloss.NewStyle())
	s.Add(1)
	assert.Equal(t, "█  ", s.Graph())

	s.Reset("pool")
	assert.Equal(t, "pool", s.Label)
	assert.Equal(t, "   ", s.Graph())
	assert.Zero(t, s.Max)
}
