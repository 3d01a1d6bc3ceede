package chaos

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chaosq/internal/config"
	"chaosq/internal/session"
	"chaosq/internal/supervisor"
)

// Kill terminates the target and measures how long it takes to answer its
// health check again, and how many pooled connections survive.
type Kill struct {
	cfg    config.ChaosKillConfig
	pool   Pool
	sup    Supervisor
	health HealthChecker
	probe  Prober
	log    *zap.Logger
}

func NewKill(cfg config.ChaosKillConfig, p Pool, sup Supervisor, health HealthChecker, log *zap.Logger) *Kill {
	return &Kill{
		cfg:    cfg,
		pool:   p,
		sup:    sup,
		health: health,
		probe:  Prober{Timeout: cfg.ProbeTimeout},
		log:    nopIfNil(log),
	}
}

// Run executes the scenario against the process behind h. It returns the
// result and the handle of the process that is running afterwards, which is
// a new one when the scenario restarted the target.
func (k *Kill) Run(ctx context.Context, h *supervisor.Handle) (*session.ChaosKillResult, *supervisor.Handle) {
	started := time.Now()
	res := &session.ChaosKillResult{
		Header: session.Header{Test: session.KindChaosKill, StartedAt: started},
	}
	transition := func(state string) {
		res.States = append(res.States, state)
		k.log.Info("chaos kill", zap.String("state", state))
	}

	transition(StateBaseline)
	alive, dead := k.probe.Probe(ctx, k.pool.Conns())
	res.BaselineConnections = len(alive)

	// The kill itself must not be interrupted half way.
	killedAt := time.Now()
	if err := k.sup.Terminate(h); err != nil {
		res.KillError = err.Error()
		k.log.Warn("terminate target", zap.Error(err))
	}
	transition(StateKilled)

	restarted := make(chan *supervisor.Handle, 1)
	if k.cfg.Restart {
		go k.restart(context.WithoutCancel(ctx), restarted)
	} else {
		restarted <- nil
	}

	transition(StatePolling)
	attempts := int(k.cfg.MaxDowntime / k.cfg.PollInterval)
	interrupted := false
	for i := 0; i < attempts; i++ {
		if err := sleepCtx(ctx, k.cfg.PollInterval); err != nil {
			interrupted = true
			break
		}
		res.PollAttempts++
		if err := k.health.Check(ctx); err == nil {
			res.Recovered = true
			res.RecoveryTime = time.Since(killedAt)
			break
		}
	}

	switch {
	case res.Recovered:
		transition(StateRecovered)
		res.Status = session.StatusCompleted
	case interrupted:
		transition(StateTimedOut)
		res.Status = session.StatusStopped
		res.Reason = session.ReasonInterrupted
		res.RecoveryTime = time.Since(killedAt)
	default:
		transition(StateTimedOut)
		res.Status = session.StatusTimedOut
		res.Reason = session.ReasonRecoveryTimeout
		res.RecoveryTime = k.cfg.MaxDowntime
	}

	survivors, lost := k.probe.Probe(context.WithoutCancel(ctx), alive)
	res.SurvivingConnections = len(survivors)
	res.ConnectionsLost = res.BaselineConnections - res.SurvivingConnections
	k.pool.Remove(append(dead, lost...)...)

	next := h
	if nh := <-restarted; nh != nil {
		next = nh
		res.Restarted = true
	}

	res.Duration = time.Since(started)
	k.log.Info("chaos kill finished",
		zap.Bool("recovered", res.Recovered),
		zap.Duration("recovery_time", res.RecoveryTime),
		zap.Int("connections_lost", res.ConnectionsLost))
	return res, next
}

// restart models an external process manager bringing the target back.
func (k *Kill) restart(ctx context.Context, out chan<- *supervisor.Handle) {
	if k.cfg.RestartDelay > 0 {
		time.Sleep(k.cfg.RestartDelay)
	}
	h, err := k.sup.Start(ctx)
	if err != nil {
		k.log.Warn("restart target", zap.Error(err))
		out <- nil
		return
	}
	out <- h
}
