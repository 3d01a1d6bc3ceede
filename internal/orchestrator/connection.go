package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chaosq/internal/batch"
	"chaosq/internal/pool"
	"chaosq/internal/session"
	"chaosq/internal/stats"
	"chaosq/internal/throughput"
)

// runConnection ramps the pool up in batches until the target number of
// connects has been attempted or the failure rate crosses the threshold.
func (o *Orchestrator) runConnection(ctx context.Context) session.Result {
	c := o.cfg.Tests.Connection
	start := time.Now()
	res := &session.ConnectionResult{
		Header: session.Header{Test: session.KindConnection, StartedAt: start, Status: session.StatusCompleted},
		Target: c.TargetConnections,
	}

	meter := throughput.New(c.CheckpointInterval, start)
	hist := stats.NewSafeHistogram()
	policy := batch.StopPolicy{FailureThreshold: c.FailureThreshold, WarmUp: c.WarmUp}
	pacer := batch.NewPacer(c.InterBatchDelay)
	progress := newProgressLog(o.log, session.KindConnection, o.cfg.Reporting.ProgressInterval)

	var tot batch.Totals
	for tot.Attempted() < c.TargetConnections {
		if err := pacer.Wait(ctx); err != nil {
			res.Status, res.Reason = session.StatusStopped, session.ReasonInterrupted
			break
		}

		n := min(c.BatchSize, c.TargetConnections-tot.Attempted())
		first := tot.Attempted()
		tasks := make([]batch.Task[*pool.Conn], n)
		for i := range tasks {
			id := fmt.Sprintf("%s_%d", c.IDPrefix, first+i)
			tasks[i] = func(ctx context.Context) (*pool.Conn, error) {
				dctx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
				defer cancel()
				return o.deps.Dialer.Dial(dctx, id)
			}
		}

		out := batch.Run(ctx, tasks, c.BatchTimeout, batch.Options[*pool.Conn]{
			Latency: hist,
			Discard: func(conn *pool.Conn) { _ = conn.Close() },
		})
		pacer.Done()
		o.deps.Pool.Adopt(out.Items...)
		tot = batch.Add(tot, out)
		meter.Tick(out.Succeeded)

		now := time.Now()
		o.afterBatch(session.KindConnection, out.Succeeded, out.Failed, out.Elapsed, tot, c.TargetConnections, meter, now)
		progress.observe(tot, c.TargetConnections)

		if ctx.Err() != nil {
			res.Status, res.Reason = session.StatusStopped, session.ReasonInterrupted
			break
		}
		if policy.ShouldStop(tot) {
			res.Status, res.Reason = session.StatusStopped, session.ReasonFailureThreshold
			o.log.Warn("failure threshold exceeded",
				zap.Float64("failure_rate", tot.FailureRate()),
				zap.Float64("threshold", c.FailureThreshold),
				zap.Int("attempted", tot.Attempted()))
			break
		}
	}

	end := time.Now()
	if s, ok := meter.Flush(end); ok {
		o.checkpoint(session.KindConnection, s)
	}

	res.Attempted = tot.Attempted()
	res.Successful = tot.Succeeded
	res.Failed = tot.Failed
	res.TimedOut = tot.TimedOut
	res.Batches = tot.Batches
	res.SuccessRate = tot.SuccessRate(c.TargetConnections)
	res.OverallRate = meter.OverallRate(end)
	res.PeakRate = meter.PeakRate()
	res.Checkpoints = meter.Samples()
	res.Latency = stats.Summarize(hist)
	res.TopErrors = batch.TopErrors(tot.Errors, 5)
	res.Duration = end.Sub(start)
	o.sess.AddCheckpoints(session.KindConnection, res.Checkpoints)
	return res
}

// afterBatch publishes metrics and events common to every batched phase.
func (o *Orchestrator) afterBatch(k session.Kind, succeeded, failed int, elapsed time.Duration, tot batch.Totals, target int, meter *throughput.Meter, now time.Time) {
	o.deps.Metrics.RecordBatch(string(k), succeeded, failed, elapsed)
	o.deps.Metrics.SetPoolSize(o.deps.Pool.Count())

	o.emit(Event{
		Kind:      EventProgress,
		Phase:     k,
		At:        now,
		Attempted: tot.Attempted(),
		Target:    target,
		Succeeded: tot.Succeeded,
		Failed:    tot.Failed,
		PoolSize:  o.deps.Pool.Count(),
		Rate:      meter.OverallRate(now),
	})

	if s, ok := meter.MaybeCheckpoint(now); ok {
		o.checkpoint(k, s)
	}
}

func (o *Orchestrator) checkpoint(k session.Kind, s throughput.Sample) {
	o.deps.Metrics.SetCheckpointRate(string(k), s.Rate)
	o.emit(Event{Kind: EventCheckpoint, Phase: k, At: s.Timestamp, Rate: s.Rate, PoolSize: o.deps.Pool.Count()})
	o.log.Debug("checkpoint",
		zap.String("phase", string(k)),
		zap.Int64("count", s.Count),
		zap.Float64("rate", s.Rate))
}

// progressLog writes an info line each time another `every` operations have
// been attempted.
type progressLog struct {
	log   *zap.Logger
	kind  session.Kind
	every int
	next  int
}

func newProgressLog(log *zap.Logger, k session.Kind, every int) *progressLog {
	if every < 1 {
		every = 1
	}
	return &progressLog{log: log, kind: k, every: every, next: every}
}

func (p *progressLog) observe(tot batch.Totals, target int) {
	if tot.Attempted() < p.next {
		return
	}
	for p.next <= tot.Attempted() {
		p.next += p.every
	}
	fields := []zap.Field{
		zap.String("phase", string(p.kind)),
		zap.Int("attempted", tot.Attempted()),
		zap.Int("succeeded", tot.Succeeded),
		zap.Int("failed", tot.Failed),
	}
	if target > 0 {
		fields = append(fields, zap.Int("target", target))
	}
	p.log.Info("progress", fields...)
}
