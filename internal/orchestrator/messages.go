package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chaosq/internal/batch"
	"chaosq/internal/payload"
	"chaosq/internal/pool"
	"chaosq/internal/session"
	"chaosq/internal/stats"
	"chaosq/internal/throughput"
)

const messageType = "benchmark_test"

// sendPlan parameterises the batched send loop shared by the message and
// endurance phases.
type sendPlan struct {
	kind       session.Kind
	builder    *payload.Builder
	batchSize  int
	timeout    time.Duration
	pause      time.Duration
	budget     batch.ErrorBudget
	checkpoint time.Duration
	// limit caps total attempts; zero means unlimited.
	limit int
	// duration bounds the loop in time; zero means no bound.
	duration time.Duration
}

type sendOutcome struct {
	totals   batch.Totals
	meter    *throughput.Meter
	hist     *stats.SafeHistogram
	removed  int
	received int64
	status   session.Status
	reason   string
	start    time.Time
	end      time.Time
}

func (o *Orchestrator) runMessage(ctx context.Context) session.Result {
	m := o.cfg.Tests.Message
	conns := o.deps.Pool.Count()
	target := conns * m.TargetMultiplier

	out := o.sendLoop(ctx, sendPlan{
		kind:       session.KindMessage,
		builder:    o.messages,
		batchSize:  m.BatchSize,
		timeout:    m.BatchTimeout,
		pause:      m.InterBatchDelay,
		budget:     batch.ErrorBudget{Max: m.ErrorThreshold},
		checkpoint: m.CheckpointInterval,
		limit:      target,
	})

	res := &session.MessageResult{
		Header:             out.header(session.KindMessage),
		Connections:        conns,
		Target:             target,
		Sent:               out.totals.Succeeded,
		Failed:             out.totals.Failed,
		TimedOut:           out.totals.TimedOut,
		Received:           out.received,
		Batches:            out.totals.Batches,
		SuccessRate:        out.totals.SuccessRate(target),
		OverallRate:        out.meter.OverallRate(out.end),
		PeakRate:           out.meter.PeakRate(),
		ConnectionsRemoved: out.removed,
		Checkpoints:        out.meter.Samples(),
		Latency:            stats.Summarize(out.hist),
		TopErrors:          batch.TopErrors(out.totals.Errors, 5),
	}
	o.sess.AddCheckpoints(session.KindMessage, res.Checkpoints)
	return res
}

func (o *Orchestrator) runEndurance(ctx context.Context) session.Result {
	e := o.cfg.Tests.Endurance

	out := o.sendLoop(ctx, sendPlan{
		kind:       session.KindEndurance,
		builder:    o.endurance,
		batchSize:  e.MessagesPerBatch,
		timeout:    e.BatchTimeout,
		pause:      e.InterBatchDelay,
		budget:     batch.ErrorBudget{Max: e.ErrorThreshold},
		checkpoint: e.CheckpointInterval,
		duration:   e.Duration,
	})

	res := &session.EnduranceResult{
		Header:               out.header(session.KindEndurance),
		Planned:              e.Duration,
		Sent:                 out.totals.Succeeded,
		Failed:               out.totals.Failed,
		TimedOut:             out.totals.TimedOut,
		Received:             out.received,
		Batches:              out.totals.Batches,
		OverallRate:          out.meter.OverallRate(out.end),
		PeakRate:             out.meter.PeakRate(),
		ConnectionsRemoved:   out.removed,
		ConnectionsRemaining: o.deps.Pool.Count(),
		Checkpoints:          out.meter.Samples(),
		Latency:              stats.Summarize(out.hist),
		TopErrors:            batch.TopErrors(out.totals.Errors, 5),
	}
	for i, s := range res.Checkpoints {
		if i == 0 || s.Rate < res.MinRate {
			res.MinRate = s.Rate
		}
	}
	o.sess.AddCheckpoints(session.KindEndurance, res.Checkpoints)
	return res
}

func (out sendOutcome) header(k session.Kind) session.Header {
	return session.Header{
		Test:      k,
		Status:    out.status,
		Reason:    out.reason,
		StartedAt: out.start,
		Duration:  out.end.Sub(out.start),
	}
}

// sendLoop sends batches of messages round-robin over the pool. A connection
// whose send fails is removed from the pool after its batch.
func (o *Orchestrator) sendLoop(ctx context.Context, plan sendPlan) sendOutcome {
	start := time.Now()
	out := sendOutcome{
		meter:  throughput.New(plan.checkpoint, start),
		hist:   stats.NewSafeHistogram(),
		status: session.StatusCompleted,
		start:  start,
	}
	pacer := batch.NewPacer(plan.pause)
	progress := newProgressLog(o.log, plan.kind, o.cfg.Reporting.ProgressInterval)
	receivedBefore := o.deps.Pool.Received()
	var until time.Time
	if plan.duration > 0 {
		until = start.Add(plan.duration)
	}

	var (
		seq int64
		mu  sync.Mutex
		bad []string
	)

	for {
		if plan.limit > 0 && out.totals.Attempted() >= plan.limit {
			break
		}
		if !until.IsZero() && !time.Now().Before(until) {
			break
		}
		if o.deps.Pool.Count() == 0 {
			out.status, out.reason = session.StatusStopped, session.ReasonPoolExhausted
			break
		}
		if err := pacer.Wait(ctx); err != nil {
			out.status, out.reason = session.StatusStopped, session.ReasonInterrupted
			break
		}

		n := plan.batchSize
		if plan.limit > 0 {
			n = min(n, plan.limit-out.totals.Attempted())
		}

		tasks := make([]batch.Task[struct{}], 0, n)
		var buildErr error
		for i := 0; i < n; i++ {
			conn, err := o.deps.Pool.Get(int(seq))
			if err != nil {
				break
			}
			content, err := plan.builder.Build(payload.Data{Seq: seq, ConnID: conn.ID, Phase: string(plan.kind)})
			if err != nil {
				buildErr = err
				break
			}
			msg := pool.Message{Type: messageType, Content: content, Sequence: seq}
			seq++

			tasks = append(tasks, func(ctx context.Context) (struct{}, error) {
				if err := conn.Send(ctx, msg); err != nil {
					mu.Lock()
					bad = append(bad, conn.ID)
					mu.Unlock()
					return struct{}{}, err
				}
				return struct{}{}, nil
			})
		}
		if buildErr != nil {
			out.status, out.reason = session.StatusFailed, buildErr.Error()
			o.log.Error("build message", zap.String("phase", string(plan.kind)), zap.Error(buildErr))
			break
		}

		res := batch.Run(ctx, tasks, plan.timeout, batch.Options[struct{}]{Latency: out.hist})
		pacer.Done()
		out.totals = batch.Add(out.totals, res)
		out.meter.Tick(res.Succeeded)

		mu.Lock()
		failed := bad
		bad = nil
		mu.Unlock()
		if len(failed) > 0 {
			removed := o.deps.Pool.Remove(failed...)
			out.removed += removed
			o.log.Debug("removed failed connections", zap.String("phase", string(plan.kind)), zap.Int("count", removed))
		}

		o.afterBatch(plan.kind, res.Succeeded, res.Failed, res.Elapsed, out.totals, plan.limit, out.meter, time.Now())
		progress.observe(out.totals, plan.limit)

		if ctx.Err() != nil {
			out.status, out.reason = session.StatusStopped, session.ReasonInterrupted
			break
		}
		if plan.budget.Exceeded(out.totals) {
			out.status, out.reason = session.StatusStopped, session.ReasonErrorThreshold
			o.log.Warn("error threshold exceeded",
				zap.String("phase", string(plan.kind)),
				zap.Int("errors", out.totals.Failed),
				zap.Int("threshold", plan.budget.Max))
			break
		}
	}

	out.end = time.Now()
	if s, ok := out.meter.Flush(out.end); ok {
		o.checkpoint(plan.kind, s)
	}
	// Removed connections take their counts with them, so this is a floor.
	out.received = max(0, o.deps.Pool.Received()-receivedBefore)
	return out
}
