package monitor

import (
	"sync"
	"time"
)

// Snapshot is one resource sample. Phase is filled in after the run from the
// session's phase marks.
type Snapshot struct {
	Timestamp           time.Time `json:"timestamp"`
	SystemCPUPercent    float64   `json:"system_cpu_percent"`
	SystemMemoryUsedMB  float64   `json:"system_memory_used_mb"`
	SystemMemoryPercent float64   `json:"system_memory_percent"`
	TargetFound         bool      `json:"target_found"`
	TargetCPUPercent    float64   `json:"target_cpu_percent"`
	TargetMemoryMB      float64   `json:"target_memory_mb"`
	OpenFiles           int       `json:"open_files"`
	PortConnections     int       `json:"port_connections"`
	Phase               string    `json:"phase,omitempty"`
}

// Buffer is the trailing window of snapshots shared between the sampling
// goroutine and its readers.
type Buffer struct {
	mu     sync.RWMutex
	window time.Duration
	snaps  []Snapshot
}

func NewBuffer(window time.Duration) *Buffer {
	return &Buffer{window: window}
}

// Add appends s and evicts everything at or before s.Timestamp - window.
// Snapshots are expected in time order.
func (b *Buffer) Add(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.snaps = append(b.snaps, s)
	cutoff := s.Timestamp.Add(-b.window)
	i := 0
	for i < len(b.snaps) && !b.snaps[i].Timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		b.snaps = append(b.snaps[:0:0], b.snaps[i:]...)
	}
}

func (b *Buffer) Latest() (Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.snaps) == 0 {
		return Snapshot{}, false
	}
	return b.snaps[len(b.snaps)-1], true
}

func (b *Buffer) Snapshots() []Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Snapshot, len(b.snaps))
	copy(out, b.snaps)
	return out
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.snaps)
}

// Range is a min/max/avg triple.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

func newRange(vals []float64) Range {
	if len(vals) == 0 {
		return Range{}
	}
	r := Range{Min: vals[0], Max: vals[0]}
	var sum float64
	for _, v := range vals {
		if v < r.Min {
			r.Min = v
		}
		if v > r.Max {
			r.Max = v
		}
		sum += v
	}
	r.Avg = sum / float64(len(vals))
	return r
}

// Summary condenses a snapshot series for reports.
type Summary struct {
	Count               int           `json:"count"`
	Span                time.Duration `json:"span"`
	SystemCPU           Range         `json:"system_cpu_percent"`
	SystemMemoryMB      Range         `json:"system_memory_mb"`
	TargetCPU           Range         `json:"target_cpu_percent"`
	TargetMemoryMB      Range         `json:"target_memory_mb"`
	PeakOpenFiles       int           `json:"peak_open_files"`
	PeakPortConnections int           `json:"peak_port_connections"`
}

// Summarize computes a Summary. Target ranges only use samples where the
// target process was found.
func Summarize(snaps []Snapshot) Summary {
	s := Summary{Count: len(snaps)}
	if len(snaps) == 0 {
		return s
	}
	s.Span = snaps[len(snaps)-1].Timestamp.Sub(snaps[0].Timestamp)

	var sysCPU, sysMem, tgtCPU, tgtMem []float64
	for _, sn := range snaps {
		sysCPU = append(sysCPU, sn.SystemCPUPercent)
		sysMem = append(sysMem, sn.SystemMemoryUsedMB)
		if sn.TargetFound {
			tgtCPU = append(tgtCPU, sn.TargetCPUPercent)
			tgtMem = append(tgtMem, sn.TargetMemoryMB)
		}
		if sn.OpenFiles > s.PeakOpenFiles {
			s.PeakOpenFiles = sn.OpenFiles
		}
		if sn.PortConnections > s.PeakPortConnections {
			s.PeakPortConnections = sn.PortConnections
		}
	}
	s.SystemCPU = newRange(sysCPU)
	s.SystemMemoryMB = newRange(sysMem)
	s.TargetCPU = newRange(tgtCPU)
	s.TargetMemoryMB = newRange(tgtMem)
	return s
}
