// Package throughput computes checkpoint-windowed rates alongside the overall
// average. The windowed series shows ramp-up and ramp-down that the overall
// average hides, so both are reported.
package throughput

import "time"

// Sample is one checkpoint: Count events observed over Window, ending at
// Timestamp.
type Sample struct {
	Timestamp time.Time     `json:"timestamp"`
	Count     int64         `json:"count"`
	Window    time.Duration `json:"window"`
	Rate      float64       `json:"rate"`
}

// Meter is not safe for concurrent use; the orchestrator feeds it from its
// own goroutine after each batch.
type Meter struct {
	interval  time.Duration
	start     time.Time
	last      time.Time
	total     int64
	sinceLast int64
	samples   []Sample
}

func New(interval time.Duration, start time.Time) *Meter {
	return &Meter{
		interval: interval,
		start:    start,
		last:     start,
	}
}

// Tick adds n successful operations.
func (m *Meter) Tick(n int) {
	if n <= 0 {
		return
	}
	m.total += int64(n)
	m.sinceLast += int64(n)
}

// MaybeCheckpoint emits a sample once at least one interval has passed since
// the previous checkpoint, then resets the window counter.
func (m *Meter) MaybeCheckpoint(now time.Time) (Sample, bool) {
	if now.Sub(m.last) < m.interval {
		return Sample{}, false
	}
	return m.checkpoint(now), true
}

// Flush emits the trailing partial window, if it holds anything.
func (m *Meter) Flush(now time.Time) (Sample, bool) {
	if m.sinceLast == 0 || !now.After(m.last) {
		return Sample{}, false
	}
	return m.checkpoint(now), true
}

func (m *Meter) checkpoint(now time.Time) Sample {
	window := now.Sub(m.last)
	s := Sample{
		Timestamp: now,
		Count:     m.sinceLast,
		Window:    window,
	}
	if window > 0 {
		s.Rate = float64(m.sinceLast) / window.Seconds()
	}
	m.samples = append(m.samples, s)
	m.sinceLast = 0
	m.last = now
	return s
}

func (m *Meter) Total() int64 {
	return m.total
}

// OverallRate is total / elapsed since start.
func (m *Meter) OverallRate(now time.Time) float64 {
	elapsed := now.Sub(m.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.total) / elapsed
}

// Samples returns a copy of the checkpoint series.
func (m *Meter) Samples() []Sample {
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

// PeakRate is the highest windowed rate seen so far.
func (m *Meter) PeakRate() float64 {
	peak := 0.0
	for _, s := range m.samples {
		if s.Rate > peak {
			peak = s.Rate
		}
	}
	return peak
}
