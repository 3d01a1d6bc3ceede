package batch

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Totals accumulates batch outcomes for one phase. It is a plain value owned
// by the orchestrator; nothing about it is global.
type Totals struct {
	Succeeded int
	Failed    int
	TimedOut  int
	Batches   int
	Errors    map[string]int
}

// Add folds one batch into the running totals.
func Add[T any](t Totals, r Result[T]) Totals {
	t.Succeeded += r.Succeeded
	t.Failed += r.Failed
	t.TimedOut += r.TimedOut
	t.Batches++
	if len(r.Errors) > 0 {
		merged := make(map[string]int, len(t.Errors)+len(r.Errors))
		for k, v := range t.Errors {
			merged[k] = v
		}
		for k, v := range r.Errors {
			merged[k] += v
		}
		t.Errors = merged
	}
	return t
}

func (t Totals) Attempted() int {
	return t.Succeeded + t.Failed
}

// FailureRate is failed / (failed + succeeded), 0 when nothing ran.
func (t Totals) FailureRate() float64 {
	n := t.Attempted()
	if n == 0 {
		return 0
	}
	return float64(t.Failed) / float64(n)
}

// SuccessRate is the percentage of target that succeeded. A phase stopped
// early is measured against what it set out to do, not what it attempted.
func (t Totals) SuccessRate(target int) float64 {
	if target <= 0 {
		return 0
	}
	return float64(t.Succeeded) / float64(target) * 100
}

// StopPolicy is the adaptive failure-threshold check applied between
// connect batches.
type StopPolicy struct {
	FailureThreshold float64
	// WarmUp suppresses the check until more than WarmUp operations have
	// been attempted. Zero checks from the first batch.
	WarmUp int
}

// ShouldStop reports whether the failure rate is strictly above the
// threshold. A rate exactly at the threshold continues.
func (p StopPolicy) ShouldStop(t Totals) bool {
	if p.WarmUp > 0 && t.Attempted() <= p.WarmUp {
		return false
	}
	return t.FailureRate() > p.FailureThreshold
}

// ErrorBudget stops message phases once the absolute error count exceeds Max.
type ErrorBudget struct {
	Max int
}

func (b ErrorBudget) Exceeded(t Totals) bool {
	return t.Failed > b.Max
}

// Pacer enforces the minimum pause between batches so the local network
// stack is not saturated before the target is.
type Pacer struct {
	every   rate.Limit
	limiter *rate.Limiter
}

// NewPacer allows one batch per delay. The first Wait returns immediately.
func NewPacer(delay time.Duration) *Pacer {
	if delay <= 0 {
		return &Pacer{every: rate.Inf, limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	every := rate.Every(delay)
	return &Pacer{every: every, limiter: rate.NewLimiter(every, 1)}
}

// Wait blocks until the next batch may start or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// Done marks the end of a batch. The next Wait then blocks for a full delay
// from now, however long the batch ran.
func (p *Pacer) Done() {
	if p.every == rate.Inf {
		return
	}
	p.limiter = rate.NewLimiter(p.every, 1)
	p.limiter.Allow()
}
