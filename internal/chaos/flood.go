package chaos

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chaosq/internal/batch"
	"chaosq/internal/config"
	"chaosq/internal/pool"
	"chaosq/internal/session"
	"chaosq/internal/stats"
)

// Flood opens a burst of extra connections on top of the pool, samples
// resources under that load, drops the burst and checks what the original
// connections made of it.
type Flood struct {
	cfg   config.ChaosFloodConfig
	pool  Pool
	snap  Snapshotter
	probe Prober
	log   *zap.Logger
}

func NewFlood(cfg config.ChaosFloodConfig, p Pool, snap Snapshotter, log *zap.Logger) *Flood {
	return &Flood{
		cfg:   cfg,
		pool:  p,
		snap:  snap,
		probe: Prober{Timeout: cfg.ProbeTimeout},
		log:   nopIfNil(log),
	}
}

func (f *Flood) Run(ctx context.Context) *session.ChaosFloodResult {
	started := time.Now()
	res := &session.ChaosFloodResult{
		Header:         session.Header{Test: session.KindChaosFlood, StartedAt: started},
		FloodRequested: f.cfg.Connections,
	}
	transition := func(state string) {
		res.States = append(res.States, state)
		f.log.Info("chaos flood", zap.String("state", state))
	}

	transition(StateBaseline)
	alive, dead := f.probe.Probe(ctx, f.pool.Conns())
	res.BaselineConnections = len(alive)

	transition(StateFlooding)
	hist := stats.NewSafeHistogram()
	tasks := make([]batch.Task[*pool.Conn], f.cfg.Connections)
	for i := range tasks {
		id := fmt.Sprintf("flood_%d", i)
		tasks[i] = func(ctx context.Context) (*pool.Conn, error) {
			dctx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
			defer cancel()
			return f.pool.Dial(dctx, id)
		}
	}
	out := batch.Run(ctx, tasks, f.cfg.BatchTimeout, batch.Options[*pool.Conn]{
		Latency: hist,
		Discard: func(c *pool.Conn) { _ = c.Close() },
	})
	res.FloodSucceeded = out.Succeeded
	res.FloodFailed = out.Failed
	res.Latency = stats.Summarize(hist)

	// The flood connections are still open here.
	if f.snap != nil {
		s := f.snap.Sample(context.WithoutCancel(ctx))
		res.UnderLoad = &s
	}

	for _, c := range out.Items {
		_ = c.Close()
	}

	survivors, lost := f.probe.Probe(context.WithoutCancel(ctx), alive)
	res.SurvivingConnections = len(survivors)
	res.ConnectionsLost = res.BaselineConnections - res.SurvivingConnections
	f.pool.Remove(append(dead, lost...)...)
	transition(StateSettled)

	res.Status = session.StatusCompleted
	if ctx.Err() != nil {
		res.Status = session.StatusStopped
		res.Reason = session.ReasonInterrupted
	}
	res.Duration = time.Since(started)
	f.log.Info("chaos flood finished",
		zap.Int("flood_succeeded", res.FloodSucceeded),
		zap.Int("connections_lost", res.ConnectionsLost))
	return res
}
