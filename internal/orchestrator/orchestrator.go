// Package orchestrator drives a chaosq session through its phases in a fixed
// order and finalises it exactly once, whatever the exit path.
//
// The orchestrator goroutine is the only one that changes pool membership:
// batch tasks dial and send concurrently, and their outputs are adopted or
// removed here once the batch has finished.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chaosq/internal/chaos"
	"chaosq/internal/config"
	"chaosq/internal/metrics"
	"chaosq/internal/monitor"
	"chaosq/internal/payload"
	"chaosq/internal/pool"
	"chaosq/internal/session"
	"chaosq/internal/supervisor"
)

var ErrTargetNotReady = errors.New("orchestrator: target not ready")

// Monitor is the resource sampler as seen by the orchestrator.
type Monitor interface {
	Start(ctx context.Context)
	Stop()
	Latest() (monitor.Snapshot, bool)
	Sample(ctx context.Context) monitor.Snapshot
	Snapshots() []monitor.Snapshot
}

// Dialer opens connections for the connection phase.
type Dialer interface {
	Dial(ctx context.Context, id string) (*pool.Conn, error)
}

type Deps struct {
	Pool *pool.Pool
	// Dialer defaults to Pool.
	Dialer     Dialer
	Monitor    Monitor
	Supervisor chaos.Supervisor
	Health     chaos.HealthChecker
	Metrics    *metrics.Metrics
	Log        *zap.Logger
	Events     chan<- Event
	// OnTargetStart sees every process the session launches, restarts
	// included.
	OnTargetStart func(*supervisor.Handle)
}

type Orchestrator struct {
	cfg  config.Config
	deps Deps
	log  *zap.Logger

	messages  *payload.Builder
	endurance *payload.Builder

	sess   *session.Session
	handle *supervisor.Handle

	finalizeOnce sync.Once
}

func New(cfg config.Config, deps Deps) (*Orchestrator, error) {
	if deps.Pool == nil {
		return nil, errors.New("orchestrator: pool is required")
	}
	if cfg.Supervised() && deps.Supervisor == nil {
		return nil, errors.New("orchestrator: process.command set but no supervisor given")
	}
	if cfg.Supervised() && cfg.Tests.ChaosKill.Enabled && deps.Health == nil {
		return nil, errors.New("orchestrator: chaos_kill needs a health checker")
	}
	if deps.Dialer == nil {
		deps.Dialer = deps.Pool
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}

	engine := payload.NewEngine()
	msgs, err := payload.NewBuilder(engine, "message_test", cfg.Tests.Message.Template, cfg.Tests.Message.MessageSizeMultiplier)
	if err != nil {
		return nil, err
	}
	end, err := payload.NewBuilder(engine, "endurance_test", cfg.Tests.Endurance.Template, 1)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		log:       deps.Log,
		messages:  msgs,
		endurance: end,
	}, nil
}

// Session is the session being built. It is nil before Run.
func (o *Orchestrator) Session() *session.Session {
	return o.sess
}

// Run executes every phase and returns the finalised session. The only
// error is ErrTargetNotReady; the session is returned with it.
func (o *Orchestrator) Run(ctx context.Context) (*session.Session, error) {
	o.sess = session.New(o.cfg, time.Now())
	o.sess.System = monitor.SystemInfo(ctx)
	defer o.Finalize()

	o.log.Info("session started",
		zap.String("id", o.sess.ID),
		zap.String("target", o.cfg.Target.WSURL),
		zap.String("variant", o.deps.Pool.Variant()))

	if o.deps.Monitor != nil && o.cfg.Monitor.Enabled {
		o.deps.Monitor.Start(ctx)
	}

	if o.cfg.Supervised() {
		if err := o.startTarget(ctx); err != nil {
			o.sess.Error = err.Error()
			now := time.Now()
			for _, k := range session.Order {
				o.record(session.Skipped(k, session.ReasonTargetNotReady, now))
			}
			o.log.Error("target not ready", zap.Error(err))
			return o.sess, err
		}
	}

	o.runPhases(ctx)
	return o.sess, nil
}

type phase struct {
	kind      session.Kind
	enabled   bool
	needsPool bool
	run       func(ctx context.Context) session.Result
}

func (o *Orchestrator) runPhases(ctx context.Context) {
	t := o.cfg.Tests
	phases := []phase{
		{session.KindConnection, t.Connection.Enabled, false, o.runConnection},
		{session.KindMessage, t.Message.Enabled, true, o.runMessage},
		{session.KindEndurance, t.Endurance.Enabled, true, o.runEndurance},
		{session.KindChaosFlood, t.ChaosFlood.Enabled, false, o.runFlood},
		{session.KindChaosKill, t.ChaosKill.Enabled, false, o.runKill},
	}

	ran := false
	for _, ph := range phases {
		now := time.Now()
		switch {
		case ctx.Err() != nil:
			o.record(session.Skipped(ph.kind, session.ReasonInterrupted, now))
			continue
		case !ph.enabled:
			o.record(session.Skipped(ph.kind, session.ReasonDisabled, now))
			continue
		case ph.kind == session.KindChaosKill && !o.cfg.Supervised():
			o.record(session.Skipped(ph.kind, session.ReasonNotSupervised, now))
			continue
		case ph.needsPool && o.deps.Pool.Count() == 0:
			o.record(session.Skipped(ph.kind, session.ReasonNoConnections, now))
			continue
		}

		if ran && o.cfg.SettleDelay > 0 {
			o.log.Debug("settling", zap.Duration("delay", o.cfg.SettleDelay))
			if err := sleepCtx(ctx, o.cfg.SettleDelay); err != nil {
				o.record(session.Skipped(ph.kind, session.ReasonInterrupted, time.Now()))
				continue
			}
		}

		o.log.Info("phase started", zap.String("phase", string(ph.kind)), zap.Int("pool", o.deps.Pool.Count()))
		o.emit(Event{Kind: EventPhaseStarted, Phase: ph.kind, PoolSize: o.deps.Pool.Count()})

		start := time.Now()
		r := ph.run(ctx)
		o.sess.Mark(string(ph.kind), start, time.Now())
		o.record(r)
		ran = true
	}
}

func (o *Orchestrator) record(r session.Result) {
	h := r.Head()
	o.sess.Add(r)
	o.deps.Metrics.PhaseFinished(string(h.Test), string(h.Status))
	o.emit(Event{Kind: EventPhaseFinished, Phase: h.Test, Status: h.Status, Reason: h.Reason, Result: r, PoolSize: o.deps.Pool.Count()})

	fields := []zap.Field{zap.String("phase", string(h.Test)), zap.String("status", string(h.Status))}
	if h.Reason != "" {
		fields = append(fields, zap.String("reason", h.Reason))
	}
	if h.Status == session.StatusSkipped {
		o.log.Debug("phase skipped", fields...)
		return
	}
	o.log.Info("phase finished", append(fields, zap.Duration("duration", h.Duration))...)
}

// Finalize stops the monitor, closes the pool, stops a supervised target and
// computes the session summary. Only the first call does anything.
func (o *Orchestrator) Finalize() {
	o.finalizeOnce.Do(func() {
		if o.deps.Monitor != nil {
			o.deps.Monitor.Stop()
		}
		o.deps.Pool.CloseAll()
		o.deps.Metrics.SetPoolSize(0)

		if o.handle != nil && o.deps.Supervisor != nil {
			if err := o.deps.Supervisor.Terminate(o.handle); err != nil {
				o.log.Warn("stop target", zap.Error(err))
			}
		}

		if o.sess == nil {
			return
		}
		var snaps []monitor.Snapshot
		if o.deps.Monitor != nil {
			snaps = o.deps.Monitor.Snapshots()
		}
		o.sess.Finish(snaps, time.Now())
		o.emit(Event{Kind: EventSessionDone})
		o.log.Info("session finished",
			zap.String("id", o.sess.ID),
			zap.Duration("elapsed", o.sess.FinishedAt.Sub(o.sess.StartedAt)),
			zap.Int("max_connections", o.sess.Summary.MaxConnections),
			zap.Int("total_messages", o.sess.Summary.TotalMessages))
	})
}

func (o *Orchestrator) setHandle(h *supervisor.Handle) {
	if h == nil || h == o.handle {
		return
	}
	o.handle = h
	if o.deps.OnTargetStart != nil {
		o.deps.OnTargetStart(h)
	}
}

// startTarget launches the target and waits for its health check.
func (o *Orchestrator) startTarget(ctx context.Context) error {
	start := time.Now()
	h, err := o.deps.Supervisor.Start(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTargetNotReady, err)
	}
	o.setHandle(h)

	wctx, cancel := context.WithTimeout(ctx, o.cfg.Process.StartupTimeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if o.targetUp(wctx, h) {
			o.sess.Startup = time.Since(start)
			o.log.Info("target ready", zap.Int("pid", h.PID), zap.Duration("startup", o.sess.Startup))
			return nil
		}
		select {
		case <-wctx.Done():
			return fmt.Errorf("%w: not healthy within %s", ErrTargetNotReady, o.cfg.Process.StartupTimeout)
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) targetUp(ctx context.Context, h *supervisor.Handle) bool {
	if !o.deps.Supervisor.IsRunning(h) {
		return false
	}
	if o.deps.Health == nil {
		return true
	}
	hctx, cancel := context.WithTimeout(ctx, o.cfg.Target.HealthTimeout)
	defer cancel()
	return o.deps.Health.Check(hctx) == nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
