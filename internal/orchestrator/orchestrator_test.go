package orchestrator

import (
	"context"
	"errors"
	"net/http/httptest"
	"strconv"
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

func startDummy(t *testing.T) (*dummy.Server, string) {
	t.Helper()
	srv := dummy.New(dummy.ServerConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func testConfig(wsURL string) config.Config {
	cfg := config.Default()
	cfg.Target.WSURL = wsURL
	cfg.SettleDelay = 0
	cfg.Monitor.Enabled = false

	c := &cfg.Tests.Connection
	c.TargetConnections = 100
	c.BatchSize = 20
	c.FailureThreshold = 0.5
	c.InterBatchDelay = time.Millisecond
	c.CheckpointInterval = time.Hour

	cfg.Tests.Message.Enabled = false
	cfg.Tests.Endurance.Enabled = false
	return cfg
}

func newPool(t *testing.T, cfg config.Config) *pool.Pool {
	t.Helper()
	s, err := pool.NewStrategy(cfg.Target)
	require.NoError(t, err)
	p := pool.New(s, nil)
	t.Cleanup(p.CloseAll)
	return p
}

// failingDialer refuses a connect whenever fail returns true for its sequence
// number.
type failingDialer struct {
	p    *pool.Pool
	fail func(n int) bool
}

func (d failingDialer) Dial(ctx context.Context, id string) (*pool.Conn, error) {
	n, err := strconv.Atoi(id[strings.LastIndex(id, "_")+1:])
	if err != nil {
		return nil, err
	}
	if d.fail(n) {
		return nil, errors.New("connection refused")
	}
	return d.p.Dial(ctx, id)
}

type countingMonitor struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (m *countingMonitor) Start(ctx context.Context) { m.starts.Add(1) }
func (m *countingMonitor) Stop() { m.stops.Add(1) }
func (m *countingMonitor) Latest() (monitor.Snapshot, bool) { return monitor.Snapshot{}, false }
func (m *countingMonitor) Snapshots() []monitor.Snapshot { return nil }
func (m *countingMonitor) Sample(ctx context.Context) monitor.Snapshot {
	return monitor.Snapshot{Timestamp: time.Now()}
}

type fakeSupervisor struct {
	running   atomic.Bool
	starts    atomic.Int32
	neverUp   bool
	terminate atomic.Int32
}

func (f *fakeSupervisor) Start(ctx context.Context) (*supervisor.Handle, error) {
	n := f.starts.Add(1)
	f.running.Store(!f.neverUp)
	return &supervisor.Handle{PID: 4000 + int(n), StartedAt: time.Now()}, nil
}

func (f *fakeSupervisor) Terminate(h *supervisor.Handle) error {
	f.terminate.Add(1)
	f.running.Store(false)
	return nil
}

func (f *fakeSupervisor) IsRunning(h *supervisor.Handle) bool { return f.running.Load() }

type fakeHealth struct{ sup *fakeSupervisor }

func (h fakeHealth) Check(ctx context.Context) error {
	if h.sup.running.Load() {
		return nil
	}
	return errors.New("connection refused")
}

func run(t *testing.T, cfg config.Config, deps Deps) *session.Session {
	t.Helper()
	o, err := New(cfg, deps)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sess, err := o.Run(ctx)
	require.NoError(t, err)
	return sess
}

func connectionResult(t *testing.T, s *session.Session) *session.ConnectionResult {
	t.Helper()
	r, ok := s.Find(session.KindConnection)
	require.True(t, ok)
	cr, ok := r.(*session.ConnectionResult)
	require.True(t, ok, "got %T", r)
	return cr
}

func TestConnectionAllSucceed(t *testing.T) {
	_, url := startDummy(t)
	cfg := testConfig(url)
	p := newPool(t, cfg)

	sess := run(t, cfg, Deps{Pool: p})

	res := connectionResult(t, sess)
	assert.Equal(t, session.StatusCompleted, res.Status)
	assert.Equal(t, 100, res.Attempted)
	assert.Equal(t, 100, res.Successful)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 5, res.Batches)
	assert.Equal(t, 100.0, res.SuccessRate)
	assert.NotEmpty(t, res.Checkpoints, "final partial window is flushed")
	assert.Equal(t, 100, sess.Summary.MaxConnections)
	assert.Equal(t, 0, p.Count(), "finalize closes the pool")
}

func TestConnectionStopsOnFailureThreshold(t *testing.T) {
	_, url := startDummy(t)
	cfg := testConfig(url)
	p := newPool(t, cfg)

	// 12 of every 20 refused: 60% > 50%.
	dialer := failingDialer{p: p, fail: func(n int) bool { return n%20 < 12 }}
	sess := run(t, cfg, Deps{Pool: p, Dialer: dialer})

	res := connectionResult(t, sess)
	assert.Equal(t, session.StatusStopped, res.Status)
	assert.Equal(t, session.ReasonFailureThreshold, res.Reason)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, 20, res.Attempted)
	assert.Equal(t, 8, res.Successful)
	assert.Equal(t, 12, res.Failed)
	assert.InDelta(t, 8.0, res.SuccessRate, 1e-9)
	require.NotEmpty(t, res.TopErrors)
	assert.Equal(t, "connection refused", res.TopErrors[0].Message)
}

func TestConnectionAtThresholdContinues(t *testing.T) {
	_, url := startDummy(t)
	cfg := testConfig(url)
	p := newPool(t, cfg)

	dialer := failingDialer{p: p, fail: func(n int) bool { return n%2 == 0 }}
	sess := run(t, cfg, Deps{Pool: p, Dialer: dialer})

	res := connectionResult(t, sess)
	assert.Equal(t, session.StatusCompleted, res.Status)
	assert.Equal(t, 5, res.Batches)
	assert.Equal(t, 50, res.Successful)
	assert.Equal(t, 50, res.Failed)
	assert.InDelta(t, 50.0, res.SuccessRate, 1e-9)
}

func TestMessagePhase(t *testing.T) {
	srv, url := startDummy(t)
	cfg := testConfig(url)
	cfg.Tests.Connection.TargetConnections = 5
	cfg.Tests.Connection.BatchSize = 5
	cfg.Tests.Message.Enabled = true
	cfg.Tests.Message.TargetMultiplier = 4
	cfg.Tests.Message.BatchSize = 8
	cfg.Tests.Message.CheckpointInterval = time.Hour
	p := newPool(t, cfg)

	sess := run(t, cfg, Deps{Pool: p})

	r, ok := sess.Find(session.KindMessage)
	require.True(t, ok)
	res := r.(*session.MessageResult)
	assert.Equal(t, session.StatusCompleted, res.Status)
	assert.Equal(t, 5, res.Connections)
	assert.Equal(t, 20, res.Target)
	assert.Equal(t, 20, res.Sent)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 3, res.Batches)
	assert.InDelta(t, 100.0, res.SuccessRate, 1e-9)
	assert.Equal(t, 0, res.ConnectionsRemoved)
	assert.Greater(t, res.OverallRate, 0.0)
	assert.Equal(t, 20, sess.Summary.TotalMessages)
	assert.Eventually(t, func() bool { return srv.Messages() == 20 }, 2*time.Second, 10*time.Millisecond)
}

func TestMessagePhaseSkippedWithoutConnections(t *testing.T) {
	_, url := startDummy(t)
	cfg := testConfig(url)
	cfg.Tests.Connection.Enabled = false
	cfg.Tests.Message.Enabled = true
	cfg.Tests.Endurance.Enabled = true
	p := newPool(t, cfg)

	sess := run(t, cfg, Deps{Pool: p})

	require.Len(t, sess.Results, len(session.Order))
	want := map[session.Kind]string{
		session.KindConnection: session.ReasonDisabled,
		session.KindMessage:    session.ReasonNoConnections,
		session.KindEndurance:  session.ReasonNoConnections,
		session.KindChaosFlood: session.ReasonDisabled,
		session.KindChaosKill:  session.ReasonDisabled,
	}
	for i, r := range sess.Results {
		h := r.Head()
		assert.Equal(t, session.Order[i], h.Test)
		assert.Equal(t, session.StatusSkipped, h.Status)
		assert.Equal(t, want[h.Test], h.Reason, h.Test)
	}
}

func TestEndurancePhase(t *testing.T) {
	_, url := startDummy(t)
	cfg := testConfig(url)
	cfg.Tests.Connection.TargetConnections = 4
	cfg.Tests.Connection.BatchSize = 4
	e := &cfg.Tests.Endurance
	e.Enabled = true
	e.Duration = 300 * time.Millisecond
	e.MessagesPerBatch = 5
	e.InterBatchDelay = 10 * time.Millisecond
	e.CheckpointInterval = 100 * time.Millisecond
	p := newPool(t, cfg)

	start := time.Now()
	sess := run(t, cfg, Deps{Pool: p})

	r, ok := sess.Find(session.KindEndurance)
	require.True(t, ok)
	res := r.(*session.EnduranceResult)
	assert.Equal(t, session.StatusCompleted, res.Status)
	assert.Greater(t, res.Sent, 0)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 4, res.ConnectionsRemaining)
	assert.NotEmpty(t, res.Checkpoints)
	assert.LessOrEqual(t, res.MinRate, res.PeakRate)
	assert.GreaterOrEqual(t, res.Duration, e.Duration)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestInterruptedBeforeStart(t *testing.T) {
	_, url := startDummy(t)
	cfg := testConfig(url)
	p := newPool(t, cfg)
	mon := &countingMonitor{}
	cfg.Monitor.Enabled = true

	o, err := New(cfg, Deps{Pool: p, Monitor: mon})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sess, err := o.Run(ctx)
	require.NoError(t, err)
	for _, r := range sess.Results {
		assert.Equal(t, session.StatusSkipped, r.Head().Status)
		assert.Equal(t, session.ReasonInterrupted, r.Head().Reason)
	}
	assert.False(t, sess.FinishedAt.IsZero())

	o.Finalize()
	assert.Equal(t, int32(1), mon.starts.Load())
	assert.Equal(t, int32(1), mon.stops.Load())
}

func TestSupervisedTargetNotReady(t *testing.T) {
	_, url := startDummy(t)
	cfg := testConfig(url)
	cfg.Process.Command = []string{"./chat-server"}
	cfg.Process.StartupTimeout = 200 * time.Millisecond
	p := newPool(t, cfg)
	sup := &fakeSupervisor{neverUp: true}

	o, err := New(cfg, Deps{Pool: p, Supervisor: sup, Health: fakeHealth{sup}})
	require.NoError(t, err)
	sess, err := o.Run(context.Background())

	require.ErrorIs(t, err, ErrTargetNotReady)
	require.NotNil(t, sess)
	assert.NotEmpty(t, sess.Error)
	for _, r := range sess.Results {
		assert.Equal(t, session.ReasonTargetNotReady, r.Head().Reason)
	}
	assert.Equal(t, int32(1), sup.terminate.Load(), "launched process is stopped on exit")
}

func TestSupervisedKill(t *testing.T) {
	_, url := startDummy(t)
	cfg := testConfig(url)
	cfg.Process.Command = []string{"./chat-server"}
	cfg.Process.StartupTimeout = time.Second
	cfg.Tests.Connection.TargetConnections = 5
	cfg.Tests.Connection.BatchSize = 5
	k := &cfg.Tests.ChaosKill
	k.Enabled = true
	k.PollInterval = 10 * time.Millisecond
	k.MaxDowntime = 2 * time.Second
	k.Restart = true
	k.RestartDelay = 30 * time.Millisecond
	p := newPool(t, cfg)
	sup := &fakeSupervisor{}

	var (
		mu   sync.Mutex
		pids []int
	)
	events := make(chan Event, 1024)
	sess := run(t, cfg, Deps{
		Pool:       p,
		Supervisor: sup,
		Health:     fakeHealth{sup},
		Events:     events,
		OnTargetStart: func(h *supervisor.Handle) {
			mu.Lock()
			pids = append(pids, h.PID)
			mu.Unlock()
		},
	})

	r, ok := sess.Find(session.KindChaosKill)
	require.True(t, ok)
	res := r.(*session.ChaosKillResult)
	assert.Equal(t, session.StatusCompleted, res.Status)
	assert.True(t, res.Recovered)
	assert.True(t, res.Restarted)
	assert.GreaterOrEqual(t, res.RecoveryTime, 30*time.Millisecond)
	assert.True(t, sess.Summary.Recovered)
	assert.Greater(t, sess.Startup, time.Duration(0))

	mu.Lock()
	assert.Equal(t, []int{4001, 4002}, pids)
	mu.Unlock()
	// Kill plus the final stop of the restarted process.
	assert.Equal(t, int32(2), sup.terminate.Load())

	close(events)
	var kinds []EventKind
	for e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, EventPhaseStarted)
	assert.Contains(t, kinds, EventProgress)
	assert.Contains(t, kinds, EventPhaseFinished)
	assert.Equal(t, EventSessionDone, kinds[len(kinds)-1])
}

func TestKillSkippedWhenUnsupervised(t *testing.T) {
	_, url := startDummy(t)
	cfg := testConfig(url)
	cfg.Tests.Connection.Enabled = false
	cfg.Tests.ChaosKill.Enabled = true
	p := newPool(t, cfg)

	sess := run(t, cfg, Deps{Pool: p})

	r, ok := sess.Find(session.KindChaosKill)
	require.True(t, ok)
	assert.Equal(t, session.StatusSkipped, r.Head().Status)
	assert.Equal(t, session.ReasonNotSupervised, r.Head().Reason)
}

func TestFloodPhase(t *testing.T) {
	_, url := startDummy(t)
	cfg := testConfig(url)
	cfg.Tests.Connection.TargetConnections = 3
	cfg.Tests.Connection.BatchSize = 3
	cfg.Tests.ChaosFlood.Enabled = true
	cfg.Tests.ChaosFlood.Connections = 10
	p := newPool(t, cfg)

	sess := run(t, cfg, Deps{Pool: p})

	r, ok := sess.Find(session.KindChaosFlood)
	require.True(t, ok)
	res := r.(*session.ChaosFloodResult)
	assert.Equal(t, session.StatusCompleted, res.Status)
	assert.Equal(t, 10, res.FloodSucceeded)
	assert.Equal(t, 3, res.SurvivingConnections)
	assert.Nil(t, res.UnderLoad)
}

func TestNewRequiresSupervisorWhenCommandSet(t *testing.T) {
	cfg := config.Default()
	cfg.Process.Command = []string{"./srv"}
	s, err := pool.NewStrategy(cfg.Target)
	require.NoError(t, err)

	_, err = New(cfg, Deps{Pool: pool.New(s, nil)})
	assert.Error(t, err)
}
