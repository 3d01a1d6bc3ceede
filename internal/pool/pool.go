// Package pool owns the live WebSocket connections driven at the target.
//
// Dial is safe to call from concurrent batch tasks. Every method that changes
// membership (Open, Adopt, Remove, CloseAll) is meant for the single
// orchestrating goroutine, though the pool guards itself with a mutex so
// readers such as the TUI or probes can observe it at any time.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Pool struct {
	strategy Strategy
	dialer   *websocket.Dialer
	log      *zap.Logger

	mu    sync.RWMutex
	conns []*Conn
}

// New builds an empty pool. The strategy is fixed for the pool's lifetime.
func New(s Strategy, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		strategy: s,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   2048,
			WriteBufferSize:  2048,
		},
		log: log,
	}
}

func (p *Pool) Variant() string {
	return p.strategy.Name()
}

// Dial opens one connection without adding it to the pool.
func (p *Pool) Dial(ctx context.Context, id string) (*Conn, error) {
	ws, err := p.strategy.Dial(ctx, p.dialer, id)
	if err != nil {
		return nil, err
	}
	return newConn(id, ws, p.strategy), nil
}

// Open dials and appends in one step.
func (p *Pool) Open(ctx context.Context, id string) (*Conn, error) {
	c, err := p.Dial(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Adopt(c)
	return c, nil
}

// Adopt appends connections produced by a batch.
func (p *Pool) Adopt(conns ...*Conn) {
	if len(conns) == 0 {
		return
	}
	p.mu.Lock()
	p.conns = append(p.conns, conns...)
	p.mu.Unlock()
}

// Get returns the connection at i modulo Count, for round-robin sends.
func (p *Pool) Get(i int) (*Conn, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.conns) == 0 {
		return nil, ErrEmptyPool
	}
	if i < 0 {
		i = -i
	}
	return p.conns[i%len(p.conns)], nil
}

func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Conns returns a copy of the current membership.
func (p *Pool) Conns() []*Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Conn, len(p.conns))
	copy(out, p.conns)
	return out
}

// Received sums inbound frames over all pooled connections.
func (p *Pool) Received() int64 {
	var n int64
	for _, c := range p.Conns() {
		n += c.Received()
	}
	return n
}

// Remove closes and drops the named connections. Unknown IDs are ignored.
func (p *Pool) Remove(ids ...string) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	p.mu.Lock()
	kept := p.conns[:0]
	var removed []*Conn
	for _, c := range p.conns {
		if _, ok := drop[c.ID]; ok {
			removed = append(removed, c)
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(p.conns); i++ {
		p.conns[i] = nil
	}
	p.conns = kept
	p.mu.Unlock()

	for _, c := range removed {
		_ = c.Close()
	}
	return len(removed)
}

// CloseAll closes every connection and empties the pool. Close errors are
// logged, never returned.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			if err := c.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				p.log.Debug("close connection", zap.String("id", c.ID), zap.Error(err))
			}
		}(c)
	}
	wg.Wait()
	if len(conns) > 0 {
		p.log.Info("pool closed", zap.Int("connections", len(conns)))
	}
}
