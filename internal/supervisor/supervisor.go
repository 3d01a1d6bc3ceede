// Package supervisor starts and kills the target process for sessions that
// manage the target themselves.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"chaosq/internal/config"
)

var ErrNotStarted = errors.New("supervisor: process not started")

// Handle tracks one launched process.
type Handle struct {
	PID       int
	StartedAt time.Time

	cmd  *exec.Cmd
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// Err is the wait error once the process has exited.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Exited is closed when the process is reaped.
func (h *Handle) Exited() <-chan struct{} {
	return h.done
}

type Supervisor struct {
	command []string
	dir     string
	env     []string
	log     *zap.Logger
}

func New(cfg config.ProcessConfig, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{command: cfg.Command, dir: cfg.Dir, env: cfg.Env, log: log}
}

// Start launches the configured command in its own process group. The
// process is not tied to ctx; only Terminate stops it.
func (s *Supervisor) Start(ctx context.Context) (*Handle, error) {
	if len(s.command) == 0 {
		return nil, errors.New("supervisor: no command configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(s.command[0], s.command[1:]...)
	cmd.Dir = s.dir
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}
	setProcessGroup(cmd)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.command[0], err)
	}

	h := &Handle{
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	}()

	s.log.Info("target started", zap.Strings("command", s.command), zap.Int("pid", h.PID))
	return h, nil
}

// Terminate sends SIGKILL to the target's process group and waits for the
// leader to be reaped.
func (s *Supervisor) Terminate(h *Handle) error {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return ErrNotStarted
	}
	if !s.IsRunning(h) {
		// The leader has exited; its children may not have.
		_ = killGroup(h.cmd.Process)
		return nil
	}
	if err := killGroup(h.cmd.Process); err != nil {
		return fmt.Errorf("kill pid %d: %w", h.PID, err)
	}
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("pid %d did not exit after kill", h.PID)
	}
	s.log.Info("target terminated", zap.Int("pid", h.PID))
	return nil
}

func (s *Supervisor) IsRunning(h *Handle) bool {
	if h == nil || h.done == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
