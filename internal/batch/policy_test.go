package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAccumulates(t *testing.T) {
	var tot Totals
	tot = Add(tot, Result[int]{Succeeded: 8, Failed: 2, Errors: map[string]int{"refused": 2}})
	tot = Add(tot, Result[int]{Succeeded: 5, Failed: 5, TimedOut: 3, Errors: map[string]int{"refused": 2, ErrTimedOut.Error(): 3}})

	assert.Equal(t, 13, tot.Succeeded)
	assert.Equal(t, 7, tot.Failed)
	assert.Equal(t, 3, tot.TimedOut)
	assert.Equal(t, 2, tot.Batches)
	assert.Equal(t, 20, tot.Attempted())
	assert.Equal(t, 4, tot.Errors["refused"])
	assert.InDelta(t, 0.35, tot.FailureRate(), 1e-9)
	assert.InDelta(t, 65.0, tot.SuccessRate(20), 1e-9)
	assert.InDelta(t, 13.0, tot.SuccessRate(100), 1e-9)
}

func TestFailureRateEmpty(t *testing.T) {
	assert.Equal(t, 0.0, Totals{}.FailureRate())
	assert.Equal(t, 0.0, Totals{}.SuccessRate(0))
	assert.Equal(t, 0.0, Totals{Succeeded: 5}.SuccessRate(0))
}

func TestStopPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy StopPolicy
		totals Totals
		stop   bool
	}{
		{"exactly at threshold continues", StopPolicy{FailureThreshold: 0.5}, Totals{Succeeded: 10, Failed: 10}, false},
		{"above threshold stops", StopPolicy{FailureThreshold: 0.5}, Totals{Succeeded: 8, Failed: 12}, true},
		{"below threshold continues", StopPolicy{FailureThreshold: 0.3}, Totals{Succeeded: 9, Failed: 1}, false},
		{"nothing attempted", StopPolicy{FailureThreshold: 0}, Totals{}, false},
		{"warm-up suppresses", StopPolicy{FailureThreshold: 0.1, WarmUp: 20}, Totals{Succeeded: 0, Failed: 20}, false},
		{"past warm-up stops", StopPolicy{FailureThreshold: 0.1, WarmUp: 20}, Totals{Succeeded: 0, Failed: 21}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.stop, tt.policy.ShouldStop(tt.totals))
		})
	}
}

func TestErrorBudget(t *testing.T) {
	b := ErrorBudget{Max: 100}
	assert.False(t, b.Exceeded(Totals{Failed: 100}))
	assert.True(t, b.Exceeded(Totals{Failed: 101}))
	assert.True(t, ErrorBudget{Max: 0}.Exceeded(Totals{Failed: 1}))
}

func TestPacerSpacesBatches(t *testing.T) {
	p := NewPacer(40 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Wait(ctx))

	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestPacerPausesAfterSlowBatch(t *testing.T) {
	p := NewPacer(50 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, p.Wait(ctx))
	time.Sleep(80 * time.Millisecond)
	p.Done()

	start := time.Now()
	require.NoError(t, p.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestPacerDoneWithoutDelay(t *testing.T) {
	p := NewPacer(0)
	require.NoError(t, p.Wait(context.Background()))
	p.Done()

	start := time.Now()
	require.NoError(t, p.Wait(context.Background()))
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestPacerCancelled(t *testing.T) {
	p := NewPacer(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Wait(ctx))
	cancel()
	assert.Error(t, p.Wait(ctx))
}

func TestPacerZeroDelay(t *testing.T) {
	p := NewPacer(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Wait(context.Background()))
	}
}
