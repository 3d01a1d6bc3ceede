package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chaosq/internal/stats"
)

func okTask(v int) Task[int] {
	return func(ctx context.Context) (int, error) { return v, nil }
}

func failTask(msg string) Task[int] {
	return func(ctx context.Context) (int, error) { return 0, errors.New(msg) }
}

func slowTask(d time.Duration, v int) Task[int] {
	return func(ctx context.Context) (int, error) {
		select {
		case <-time.After(d):
			return v, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func TestRunCountsEveryTask(t *testing.T) {
	tasks := []Task[int]{okTask(1), okTask(2), failTask("refused"), failTask("refused"), okTask(3)}

	res := Run(context.Background(), tasks, time.Second, Options[int]{})

	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 0, res.TimedOut)
	assert.Equal(t, len(tasks), res.Attempted())
	assert.ElementsMatch(t, []int{1, 2, 3}, res.Items)
	assert.Equal(t, 2, res.Errors["refused"])
}

func TestRunEmpty(t *testing.T) {
	res := Run[int](context.Background(), nil, time.Second, Options[int]{})
	assert.Equal(t, 0, res.Attempted())
	assert.Empty(t, res.Items)
}

func TestRunTimeoutCountsOutstandingAsFailed(t *testing.T) {
	tasks := []Task[int]{
		okTask(1),
		slowTask(5*time.Second, 2),
		slowTask(5*time.Second, 3),
	}

	start := time.Now()
	res := Run(context.Background(), tasks, 100*time.Millisecond, Options[int]{})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 2, res.TimedOut)
	assert.Equal(t, 3, res.Attempted())
	assert.Equal(t, 2, res.Errors[ErrTimedOut.Error()])
}

func TestRunDiscardsLateSuccesses(t *testing.T) {
	var discarded atomic.Int32
	release := make(chan struct{})

	late := func(ctx context.Context) (int, error) {
		<-release
		return 7, nil
	}

	res := Run(context.Background(), []Task[int]{late}, 50*time.Millisecond, Options[int]{
		Discard: func(v int) { discarded.Add(int32(v)) },
	})
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 1, res.TimedOut)

	close(release)
	assert.Eventually(t, func() bool { return discarded.Load() == 7 }, time.Second, 10*time.Millisecond)
}

func TestRunRecoversPanics(t *testing.T) {
	boom := func(ctx context.Context) (int, error) { panic("boom") }

	res := Run(context.Background(), []Task[int]{boom, okTask(1)}, time.Second, Options[int]{})

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
}

func TestRunRecordsLatency(t *testing.T) {
	h := stats.NewSafeHistogram()
	tasks := []Task[int]{okTask(1), okTask(2), failTask("x")}

	Run(context.Background(), tasks, time.Second, Options[int]{Latency: h})

	assert.Equal(t, int64(3), h.TotalCount())
}

func TestRunHonoursParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Run(ctx, []Task[int]{slowTask(time.Second, 1)}, 5*time.Second, Options[int]{})

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 0, res.TimedOut)
}

func TestRunInterruptIsNotATimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	tasks := []Task[int]{okTask(1), slowTask(5*time.Second, 2), slowTask(5*time.Second, 3)}
	res := Run(ctx, tasks, 5*time.Second, Options[int]{})

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 0, res.TimedOut)
	assert.Equal(t, 2, res.Errors[ErrInterrupted.Error()])
	assert.Zero(t, res.Errors[ErrTimedOut.Error()])
}

func TestTopErrors(t *testing.T) {
	errs := map[string]int{"a": 1, "b": 5, "c": 3}
	top := TopErrors(errs, 2)
	assert.Equal(t, []ErrorCount{{Message: "b", Count: 5}, {Message: "c", Count: 3}}, top)
}
