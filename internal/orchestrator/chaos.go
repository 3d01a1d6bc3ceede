package orchestrator

import (
	"context"

	"chaosq/internal/chaos"
	"chaosq/internal/session"
)

func (o *Orchestrator) runFlood(ctx context.Context) session.Result {
	var snap chaos.Snapshotter
	if o.deps.Monitor != nil && o.cfg.Monitor.Enabled {
		snap = o.deps.Monitor
	}
	res := chaos.NewFlood(o.cfg.Tests.ChaosFlood, o.deps.Pool, snap, o.log).Run(ctx)
	o.deps.Metrics.SetPoolSize(o.deps.Pool.Count())
	return res
}

func (o *Orchestrator) runKill(ctx context.Context) session.Result {
	res, next := chaos.NewKill(o.cfg.Tests.ChaosKill, o.deps.Pool, o.deps.Supervisor, o.deps.Health, o.log).Run(ctx, o.handle)
	o.setHandle(next)
	o.deps.Metrics.SetPoolSize(o.deps.Pool.Count())
	return res
}
