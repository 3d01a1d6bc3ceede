// Package chaos injects faults into a running session: killing the target
// process and flooding it with extra connections, then measuring what
// survived.
package chaos

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chaosq/internal/batch"
	"chaosq/internal/monitor"
	"chaosq/internal/pool"
	"chaosq/internal/supervisor"
)

const (
	StateBaseline  = "baseline"
	StateKilled    = "killed"
	StatePolling   = "polling"
	StateRecovered = "recovered"
	StateTimedOut  = "timed_out"
	StateFlooding  = "flooding"
	StateSettled   = "settled"
)

type Supervisor interface {
	Start(ctx context.Context) (*supervisor.Handle, error)
	Terminate(h *supervisor.Handle) error
	IsRunning(h *supervisor.Handle) bool
}

type HealthChecker interface {
	Check(ctx context.Context) error
}

// Snapshotter takes a resource reading on demand.
type Snapshotter interface {
	Sample(ctx context.Context) monitor.Snapshot
}

// Pool is the part of the connection pool the controllers touch.
type Pool interface {
	Dial(ctx context.Context, id string) (*pool.Conn, error)
	Conns() []*pool.Conn
	Remove(ids ...string) int
}

// Prober checks pool-wide liveness with one ping per connection.
type Prober struct {
	Timeout time.Duration
}

// Probe pings every connection concurrently and splits them into alive and
// dead. Connections that did not answer within Timeout count as dead.
func (p Prober) Probe(ctx context.Context, conns []*pool.Conn) (alive []*pool.Conn, dead []string) {
	if len(conns) == 0 {
		return nil, nil
	}
	tasks := make([]batch.Task[*pool.Conn], len(conns))
	for i, c := range conns {
		tasks[i] = func(ctx context.Context) (*pool.Conn, error) {
			if err := c.Ping(ctx); err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	res := batch.Run(ctx, tasks, p.Timeout, batch.Options[*pool.Conn]{})

	ok := make(map[*pool.Conn]struct{}, len(res.Items))
	for _, c := range res.Items {
		ok[c] = struct{}{}
	}
	for _, c := range conns {
		if _, found := ok[c]; found {
			alive = append(alive, c)
		} else {
			dead = append(dead, c.ID)
		}
	}
	return alive, dead
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func nopIfNil(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
