// Package batch runs bounded sets of homogeneous operations (connects, sends,
// probes) concurrently under one shared timeout.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"chaosq/internal/stats"
)

var (
	// ErrTimedOut is reported for operations still outstanding at the deadline.
	ErrTimedOut = errors.New("batch: operation timed out")
	// ErrInterrupted is reported for operations cut short by the caller's
	// context rather than the batch deadline.
	ErrInterrupted = errors.New("batch: operation interrupted")
)

// Task is one operation. It must honour ctx cancellation.
type Task[T any] func(ctx context.Context) (T, error)

// Result is the immutable outcome of one batch.
type Result[T any] struct {
	Succeeded int
	Failed    int
	// TimedOut counts the failures that were still outstanding when the batch
	// deadline hit. It is a subset of Failed.
	TimedOut int
	Elapsed  time.Duration
	Items    []T
	Errors   map[string]int
}

func (r Result[T]) Attempted() int {
	return r.Succeeded + r.Failed
}

// Options tunes a batch run. Zero values are fine.
type Options[T any] struct {
	// Latency, when set, records the duration of every finished operation.
	Latency *stats.SafeHistogram
	// Discard receives successful values that arrive after the deadline so
	// the caller can release them (e.g. close a late connection).
	Discard func(T)
}

type outcome[T any] struct {
	idx   int
	value T
	err   error
}

// Run starts every task at once and waits up to timeout for all of them.
// Tasks still running at the deadline are cancelled and counted as failed.
// A failing or panicking task never affects its siblings.
// Succeeded+Failed always equals len(tasks).
func Run[T any](ctx context.Context, tasks []Task[T], timeout time.Duration, opts Options[T]) Result[T] {
	start := time.Now()
	res := Result[T]{Errors: make(map[string]int)}
	if len(tasks) == 0 {
		return res
	}

	bctx, cancel := context.WithTimeout(ctx, timeout)

	// Buffered so late finishers never block after Run has returned.
	done := make(chan outcome[T], len(tasks))
	for i, task := range tasks {
		go func(i int, task Task[T]) {
			opStart := time.Now()
			v, err := safeCall(bctx, task)
			if opts.Latency != nil {
				opts.Latency.Observe(time.Since(opStart))
			}
			done <- outcome[T]{idx: i, value: v, err: err}
		}(i, task)
	}

	finished := make([]bool, len(tasks))
	remaining := len(tasks)

collect:
	for remaining > 0 {
		select {
		case o := <-done:
			finished[o.idx] = true
			remaining--
			if o.err != nil {
				res.Failed++
				if isTimeout(o.err) {
					res.TimedOut++
				}
				res.Errors[errorKey(o.err)]++
				continue
			}
			res.Succeeded++
			res.Items = append(res.Items, o.value)
		case <-bctx.Done():
			break collect
		}
	}
	deadline := errors.Is(bctx.Err(), context.DeadlineExceeded)
	cancel()

	if remaining > 0 {
		res.Failed += remaining
		if deadline {
			res.TimedOut += remaining
			res.Errors[ErrTimedOut.Error()] += remaining
		} else {
			res.Errors[ErrInterrupted.Error()] += remaining
		}
		go drainLate(done, remaining, opts.Discard)
	}

	res.Elapsed = time.Since(start)
	return res
}

// drainLate releases values produced by operations that finished after the
// deadline. They are already counted as failed.
func drainLate[T any](done <-chan outcome[T], n int, discard func(T)) {
	for i := 0; i < n; i++ {
		o := <-done
		if o.err == nil && discard != nil {
			discard(o.value)
		}
	}
}

func safeCall[T any](ctx context.Context, task Task[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch: task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// errorKey collapses context errors into one bucket each so the error
// summary stays readable.
func errorKey(err error) string {
	switch {
	case isTimeout(err):
		return ErrTimedOut.Error()
	case errors.Is(err, context.Canceled):
		return ErrInterrupted.Error()
	}
	return err.Error()
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// TopErrors returns up to n error messages ordered by count.
func TopErrors(errs map[string]int, n int) []ErrorCount {
	out := make([]ErrorCount, 0, len(errs))
	for msg, c := range errs {
		out = append(out, ErrorCount{Message: msg, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Message < out[j].Message
		}
		return out[i].Count > out[j].Count
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

type ErrorCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}
