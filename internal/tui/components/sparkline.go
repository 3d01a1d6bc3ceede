package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var levels = []string{" ", "▁", "▂", "▃", "▄", "▅", "▆", "▇", "█"}

// Sparkline is a one-row scrolling chart of the last Width values.
type Sparkline struct {
	Data  []float64
	Width int
	Max   float64
	Style lipgloss.Style
	Label string
}

func NewSparkline(width int, label string, style lipgloss.Style) Sparkline {
	return Sparkline{
		Width: width,
		Label: label,
		Style: style,
		Data:  make([]float64, 0, width),
	}
}

func (s *Sparkline) Add(v float64) {
	s.Data = append(s.Data, v)
	if len(s.Data) > s.Width {
		s.Data = s.Data[len(s.Data)-s.Width:]
	}

	// Scale to the visible window.
	s.Max = 0
	for _, d := range s.Data {
		s.Max = max(s.Max, d)
	}
}

// Reset clears the series, e.g. when a new phase starts.
func (s *Sparkline) Reset(label string) {
	s.Label = label
	s.Data = s.Data[:0]
	s.Max = 0
}

// Graph renders just the bars, padded to Width.
func (s Sparkline) Graph() string {
	var g strings.Builder
	for _, v := range s.Data {
		if s.Max <= 0 || v <= 0 {
			g.WriteString(levels[0])
			continue
		}
		idx := int(v / s.Max * float64(len(levels)-1))
		idx = min(max(idx, 1), len(levels)-1)
		g.WriteString(levels[idx])
	}
	if pad := s.Width - len(s.Data); pad > 0 {
		g.WriteString(strings.Repeat(" ", pad))
	}
	return g.String()
}

func (s Sparkline) View() string {
	if s.Width <= 0 {
		return ""
	}
	return s.Style.Render(s.Label) + "\n" + s.Style.Render(s.Graph())
}
