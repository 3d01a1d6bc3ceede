package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const bytesPerMB = 1024 * 1024

// OSSource reads figures from the local host with gopsutil. The target
// process is located by name or command-line substring and re-resolved
// whenever it disappears (e.g. after a kill and restart).
type OSSource struct {
	pattern string
	port    uint32
	log     *zap.Logger

	mu   sync.Mutex
	proc *process.Process
	pid  int32
}

func NewOSSource(pattern string, port uint32, log *zap.Logger) *OSSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &OSSource{pattern: pattern, port: port, log: log}
}

// Track pins the source to a known PID, e.g. one the supervisor started.
func (s *OSSource) Track(pid int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := process.NewProcess(pid)
	if err != nil {
		s.log.Debug("track pid", zap.Int32("pid", pid), zap.Error(err))
		return
	}
	s.proc, s.pid = p, pid
}

func (s *OSSource) SystemCPU(ctx context.Context) (float64, error) {
	// Zero interval compares against the previous call.
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, errors.New("no cpu reading")
	}
	return pcts[0], nil
}

func (s *OSSource) SystemMemory(ctx context.Context) (float64, float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return float64(vm.Used) / bytesPerMB, vm.UsedPercent, nil
}

func (s *OSSource) Target(ctx context.Context) (TargetStats, error) {
	p, err := s.resolve(ctx)
	if err != nil {
		return TargetStats{}, err
	}

	var (
		out  TargetStats
		errs []error
	)
	if pct, err := p.PercentWithContext(ctx, 0); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else {
		out.CPUPercent = pct
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		out.MemoryMB = float64(mi.RSS) / bytesPerMB
	}
	if files, err := p.OpenFilesWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("open files: %w", err))
	} else {
		out.OpenFiles = len(files)
	}
	if s.port != 0 {
		if conns, err := p.ConnectionsWithContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("connections: %w", err))
		} else {
			for _, c := range conns {
				if c.Laddr.Port == s.port {
					out.PortConnections++
				}
			}
		}
	}

	if running, _ := p.IsRunningWithContext(ctx); !running {
		s.forget()
		return TargetStats{}, ErrTargetNotFound
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("%w: %w", ErrPartialRead, errors.Join(errs...))
	}
	return out, nil
}

func (s *OSSource) forget() {
	s.mu.Lock()
	s.proc, s.pid = nil, 0
	s.mu.Unlock()
}

func (s *OSSource) resolve(ctx context.Context) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil {
		if ok, _ := s.proc.IsRunningWithContext(ctx); ok {
			return s.proc, nil
		}
		s.log.Debug("target process gone, re-resolving", zap.Int32("pid", s.pid))
		s.proc, s.pid = nil, 0
	}
	if s.pattern == "" {
		return nil, ErrTargetNotFound
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	self := int32(os.Getpid())
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		if s.matches(ctx, p) {
			s.proc, s.pid = p, p.Pid
			s.log.Debug("target process resolved", zap.Int32("pid", p.Pid))
			return p, nil
		}
	}
	return nil, ErrTargetNotFound
}

func (s *OSSource) matches(ctx context.Context, p *process.Process) bool {
	if name, err := p.NameWithContext(ctx); err == nil && name == s.pattern {
		return true
	}
	cmd, err := p.CmdlineWithContext(ctx)
	return err == nil && strings.Contains(cmd, s.pattern)
}
