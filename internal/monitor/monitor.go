// Package monitor samples host and target-process resources on its own
// goroutine, independent of the load loop.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"chaosq/internal/config"
)

var (
	ErrTargetNotFound = errors.New("monitor: target process not found")
	// ErrPartialRead wraps the failures of a target read that located the
	// process but could not read every figure.
	ErrPartialRead = errors.New("monitor: partial target read")
)

// TargetStats are the per-process readings for the target.
type TargetStats struct {
	CPUPercent      float64
	MemoryMB        float64
	OpenFiles       int
	PortConnections int
}

// Source reads OS resource figures. Implementations may return partial
// results with an error; the monitor keeps whatever it got.
type Source interface {
	SystemCPU(ctx context.Context) (float64, error)
	SystemMemory(ctx context.Context) (usedMB, percent float64, err error)
	Target(ctx context.Context) (TargetStats, error)
}

type Monitor struct {
	src      Source
	buf      *Buffer
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	// sampleMu serialises readings; process CPU percentages are relative
	// to the previous reading.
	sampleMu sync.Mutex

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func New(src Source, cfg config.MonitorConfig, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		src:      src,
		buf:      NewBuffer(cfg.Window),
		interval: cfg.Interval,
		log:      log,
		now:      time.Now,
	}
}

// Start launches the sampler. It takes a first sample immediately.
// Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.buf.Add(m.Sample(ctx))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.buf.Add(m.Sample(ctx))
			}
		}
	}()
	m.log.Info("resource monitor started", zap.Duration("interval", m.interval))
}

// Stop halts sampling and waits for the goroutine to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	m.stopOnce.Do(func() {
		cancel()
		<-done
		m.log.Info("resource monitor stopped", zap.Int("snapshots", m.buf.Len()))
	})
}

// Sample takes one reading. Failed reads are logged and leave their fields
// zero. It is safe to call while the sampler runs.
func (m *Monitor) Sample(ctx context.Context) Snapshot {
	m.sampleMu.Lock()
	defer m.sampleMu.Unlock()

	s := Snapshot{Timestamp: m.now()}

	if cpu, err := m.src.SystemCPU(ctx); err != nil {
		m.log.Debug("system cpu read failed", zap.Error(err))
	} else {
		s.SystemCPUPercent = cpu
	}

	if used, pct, err := m.src.SystemMemory(ctx); err != nil {
		m.log.Debug("system memory read failed", zap.Error(err))
	} else {
		s.SystemMemoryUsedMB = used
		s.SystemMemoryPercent = pct
	}

	t, err := m.src.Target(ctx)
	switch {
	case errors.Is(err, ErrTargetNotFound):
	case errors.Is(err, ErrPartialRead):
		m.log.Debug("target process read incomplete", zap.Error(err))
		s.TargetFound = true
	case err != nil:
		m.log.Debug("target process read failed", zap.Error(err))
	default:
		s.TargetFound = true
	}
	if s.TargetFound {
		s.TargetCPUPercent = t.CPUPercent
		s.TargetMemoryMB = t.MemoryMB
		s.OpenFiles = t.OpenFiles
		s.PortConnections = t.PortConnections
	}
	return s
}

func (m *Monitor) Latest() (Snapshot, bool) {
	return m.buf.Latest()
}

func (m *Monitor) Snapshots() []Snapshot {
	return m.buf.Snapshots()
}

func (m *Monitor) Summary() Summary {
	return Summarize(m.buf.Snapshots())
}
