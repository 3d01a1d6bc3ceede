package chaos

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chaosq/internal/config"
	"chaosq/internal/dummy"
	"chaosq/internal/monitor"
	"chaosq/internal/pool"
	"chaosq/internal/session"
	"chaosq/internal/supervisor"
)

// fakeSupervisor models a target whose health follows its running flag.
type fakeSupervisor struct {
	running   atomic.Bool
	starts    atomic.Int32
	onKill    func()
	failStart bool
}

func (f *fakeSupervisor) Start(ctx context.Context) (*supervisor.Handle, error) {
	if f.failStart {
		return nil, errors.New("exec failed")
	}
	n := f.starts.Add(1)
	f.running.Store(true)
	return &supervisor.Handle{PID: 1000 + int(n)}, nil
}

func (f *fakeSupervisor) Terminate(h *supervisor.Handle) error {
	f.running.Store(false)
	if f.onKill != nil {
		f.onKill()
	}
	return nil
}

func (f *fakeSupervisor) IsRunning(h *supervisor.Handle) bool {
	return f.running.Load()
}

type fakeHealth struct{ sup *fakeSupervisor }

func (h fakeHealth) Check(ctx context.Context) error {
	if h.sup.running.Load() {
		return nil
	}
	return errors.New("connection refused")
}

type fixedSnapshot struct{ s monitor.Snapshot }

func (f fixedSnapshot) Sample(ctx context.Context) monitor.Snapshot { return f.s }

// countingPool counts flood dials so a reading can be placed in time.
type countingPool struct {
	Pool
	dials atomic.Int32
}

func (p *countingPool) Dial(ctx context.Context, id string) (*pool.Conn, error) {
	c, err := p.Pool.Dial(ctx, id)
	if err == nil {
		p.dials.Add(1)
	}
	return c, err
}

// dialSnapshot records how many flood connections were open when sampled.
type dialSnapshot struct {
	pool  *countingPool
	dials int32
	calls int
}

func (d *dialSnapshot) Sample(ctx context.Context) monitor.Snapshot {
	d.calls++
	d.dials = d.pool.dials.Load()
	return monitor.Snapshot{Timestamp: time.Now(), PortConnections: int(d.dials)}
}

func startPool(t *testing.T, n int) (*pool.Pool, *dummy.Server) {
	t.Helper()
	srv := dummy.New(dummy.ServerConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	ts := httptest.NewServer(srv.Handler())

	s, err := pool.NewStrategy(config.TargetConfig{
		WSURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		Variant: config.VariantRaw,
	})
	require.NoError(t, err)
	p := pool.New(s, nil)
	t.Cleanup(func() {
		p.CloseAll()
		ts.Close()
		cancel()
	})

	for i := 0; i < n; i++ {
		dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := p.Open(dctx, fmt.Sprintf("user_%d", i))
		dcancel()
		require.NoError(t, err)
	}
	return p, srv
}

func killConfig() config.ChaosKillConfig {
	return config.ChaosKillConfig{
		Enabled:      true,
		PollInterval: 10 * time.Millisecond,
		MaxDowntime:  50 * time.Millisecond,
		ProbeTimeout: time.Second,
	}
}

func TestKillRecovers(t *testing.T) {
	p, _ := startPool(t, 3)
	sup := &fakeSupervisor{}
	h, err := sup.Start(context.Background())
	require.NoError(t, err)

	cfg := killConfig()
	cfg.MaxDowntime = 2 * time.Second
	cfg.Restart = true
	cfg.RestartDelay = 50 * time.Millisecond

	res, next := NewKill(cfg, p, sup, fakeHealth{sup}, nil).Run(context.Background(), h)

	assert.Equal(t, session.StatusCompleted, res.Status)
	assert.True(t, res.Recovered)
	assert.True(t, res.Restarted)
	assert.GreaterOrEqual(t, res.RecoveryTime, 50*time.Millisecond)
	assert.Less(t, res.RecoveryTime, cfg.MaxDowntime)
	assert.Equal(t, []string{StateBaseline, StateKilled, StatePolling, StateRecovered}, res.States)
	assert.NotSame(t, h, next)
	assert.Equal(t, 3, res.BaselineConnections)
	assert.Equal(t, 3, res.SurvivingConnections)
	assert.Equal(t, 0, res.ConnectionsLost)
}

func TestKillRecoveryWithinOnePoll(t *testing.T) {
	p, _ := startPool(t, 1)
	sup := &fakeSupervisor{}
	h, err := sup.Start(context.Background())
	require.NoError(t, err)

	cfg := killConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.MaxDowntime = 2 * time.Second
	cfg.Restart = true

	res, _ := NewKill(cfg, p, sup, fakeHealth{sup}, nil).Run(context.Background(), h)

	require.True(t, res.Recovered)
	assert.Equal(t, 1, res.PollAttempts)
	assert.GreaterOrEqual(t, res.RecoveryTime, cfg.PollInterval)
	assert.Less(t, res.RecoveryTime, cfg.MaxDowntime/4)
}

func TestKillTimesOut(t *testing.T) {
	p, _ := startPool(t, 2)
	sup := &fakeSupervisor{}
	h, err := sup.Start(context.Background())
	require.NoError(t, err)

	cfg := killConfig()
	res, next := NewKill(cfg, p, sup, fakeHealth{sup}, nil).Run(context.Background(), h)

	assert.Equal(t, session.StatusTimedOut, res.Status)
	assert.Equal(t, session.ReasonRecoveryTimeout, res.Reason)
	assert.False(t, res.Recovered)
	assert.Equal(t, cfg.MaxDowntime, res.RecoveryTime)
	assert.Equal(t, 5, res.PollAttempts)
	assert.Equal(t, []string{StateBaseline, StateKilled, StatePolling, StateTimedOut}, res.States)
	assert.Same(t, h, next)
	assert.False(t, res.Restarted)
}

func TestKillCountsLostConnections(t *testing.T) {
	p, _ := startPool(t, 5)
	conns := p.Conns()

	var once sync.Once
	sup := &fakeSupervisor{onKill: func() {
		once.Do(func() {
			_ = conns[1].Close()
			_ = conns[3].Close()
		})
	}}
	h, err := sup.Start(context.Background())
	require.NoError(t, err)

	res, _ := NewKill(killConfig(), p, sup, fakeHealth{sup}, nil).Run(context.Background(), h)

	assert.Equal(t, 5, res.BaselineConnections)
	assert.Equal(t, 3, res.SurvivingConnections)
	assert.Equal(t, 2, res.ConnectionsLost)
	assert.Equal(t, 3, p.Count())
}

func TestKillRestartFailureKeepsOldHandle(t *testing.T) {
	p, _ := startPool(t, 1)
	sup := &fakeSupervisor{}
	h, err := sup.Start(context.Background())
	require.NoError(t, err)
	sup.failStart = true

	cfg := killConfig()
	cfg.Restart = true
	res, next := NewKill(cfg, p, sup, fakeHealth{sup}, nil).Run(context.Background(), h)

	assert.False(t, res.Recovered)
	assert.False(t, res.Restarted)
	assert.Same(t, h, next)
}

func TestKillInterrupted(t *testing.T) {
	p, _ := startPool(t, 1)
	sup := &fakeSupervisor{}
	h, err := sup.Start(context.Background())
	require.NoError(t, err)

	cfg := killConfig()
	cfg.MaxDowntime = 10 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, _ := NewKill(cfg, p, sup, fakeHealth{sup}, nil).Run(ctx, h)

	assert.Equal(t, session.StatusStopped, res.Status)
	assert.Equal(t, session.ReasonInterrupted, res.Reason)
	assert.False(t, sup.running.Load(), "kill must complete even when interrupted")
}

func TestFlood(t *testing.T) {
	p, srv := startPool(t, 3)
	snap := fixedSnapshot{monitor.Snapshot{SystemCPUPercent: 42}}

	cfg := config.ChaosFloodConfig{
		Enabled:        true,
		Connections:    10,
		ConnectTimeout: 2 * time.Second,
		BatchTimeout:   5 * time.Second,
		ProbeTimeout:   time.Second,
	}
	res := NewFlood(cfg, p, snap, nil).Run(context.Background())

	assert.Equal(t, session.StatusCompleted, res.Status)
	assert.Equal(t, 10, res.FloodRequested)
	assert.Equal(t, 10, res.FloodSucceeded)
	assert.Equal(t, 0, res.FloodFailed)
	assert.Equal(t, 3, res.BaselineConnections)
	assert.Equal(t, 3, res.SurvivingConnections)
	assert.Equal(t, 0, res.ConnectionsLost)
	require.NotNil(t, res.UnderLoad)
	assert.Equal(t, 42.0, res.UnderLoad.SystemCPUPercent)
	assert.Equal(t, []string{StateBaseline, StateFlooding, StateSettled}, res.States)
	assert.Equal(t, 3, p.Count())
	assert.Eventually(t, func() bool { return srv.Connections() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestFloodSamplesAfterBatch(t *testing.T) {
	p, _ := startPool(t, 2)
	cp := &countingPool{Pool: p}
	snap := &dialSnapshot{pool: cp}

	cfg := config.ChaosFloodConfig{
		Enabled:        true,
		Connections:    8,
		ConnectTimeout: 2 * time.Second,
		BatchTimeout:   5 * time.Second,
		ProbeTimeout:   time.Second,
	}
	res := NewFlood(cfg, cp, snap, nil).Run(context.Background())

	assert.Equal(t, 1, snap.calls)
	assert.Equal(t, int32(8), snap.dials)
	require.NotNil(t, res.UnderLoad)
	assert.Equal(t, 8, res.UnderLoad.PortConnections)
}

func TestProbeEmpty(t *testing.T) {
	alive, dead := Prober{Timeout: time.Second}.Probe(context.Background(), nil)
	assert.Empty(t, alive)
	assert.Empty(t, dead)
}
