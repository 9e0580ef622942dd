// Package pool manages pooled RawClient connections per host, the way the
// teacher repo's internal/pool.Manager centralizes connection lifecycle
// behind a small interface instead of dialing fresh per call.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/puddle/v2"
	"golang.org/x/time/rate"

	"github.com/relaykit/segstream/internal/wire"
)

// Dialer creates a new RawClient connected to host. Supplied by the
// controller/connection-factory layer so pool stays transport-agnostic.
type Dialer func(ctx context.Context, host string) (wire.RawClient, error)

// Manager hands out pooled connections per host, capping both the number
// of live connections per host and the rate of new dials so a host that
// goes flaky doesn't get hammered with reconnect attempts.
type Manager struct {
	mu       sync.RWMutex
	pools    map[string]*puddle.Pool[wire.RawClient]
	dial     Dialer
	maxConns int32
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewManager builds a Manager. maxConnsPerHost bounds each host's pool
// (spec ch.6 max_connections_in_pool); dialsPerSecond bounds how quickly
// new connections may be established across all hosts combined.
func NewManager(dial Dialer, maxConnsPerHost int, dialsPerSecond float64, logger *slog.Logger) *Manager {
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = 10
	}
	if dialsPerSecond <= 0 {
		dialsPerSecond = 50
	}
	return &Manager{
		pools:    make(map[string]*puddle.Pool[wire.RawClient]),
		dial:     dial,
		maxConns: int32(maxConnsPerHost),
		limiter:  rate.NewLimiter(rate.Limit(dialsPerSecond), int(dialsPerSecond)),
		logger:   logger,
	}
}

func (m *Manager) poolFor(host string) (*puddle.Pool[wire.RawClient], error) {
	m.mu.RLock()
	p, ok := m.pools[host]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[host]; ok {
		return p, nil
	}

	constructor := func(ctx context.Context) (wire.RawClient, error) {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("dial rate limit wait for %s: %w", host, err)
		}
		m.logger.DebugContext(ctx, "dialing connection", "host", host)
		return m.dial(ctx, host)
	}
	destructor := func(c wire.RawClient) { _ = c.Close() }

	p, err := puddle.NewPool(&puddle.Config[wire.RawClient]{
		Constructor: constructor,
		Destructor:  destructor,
		MaxSize:     m.maxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("create pool for %s: %w", host, err)
	}
	m.pools[host] = p
	return p, nil
}

// Acquire returns a pooled connection to host. The caller must Release it.
func (m *Manager) Acquire(ctx context.Context, host string) (*puddle.Resource[wire.RawClient], error) {
	p, err := m.poolFor(host)
	if err != nil {
		return nil, err
	}
	res, err := p.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection to %s: %w", host, err)
	}
	return res, nil
}

// Invalidate drops a resource instead of returning it healthy to the pool,
// used after a WrongHost reply or any error that makes the connection
// itself suspect rather than just the request.
func (m *Manager) Invalidate(res *puddle.Resource[wire.RawClient]) {
	res.Destroy()
}

// CloseHost shuts down and forgets the pool for host (e.g. after a segment
// migrates away permanently).
func (m *Manager) CloseHost(host string) {
	m.mu.Lock()
	p, ok := m.pools[host]
	if ok {
		delete(m.pools, host)
	}
	m.mu.Unlock()
	if ok {
		p.Close()
	}
}

// CloseAll shuts down every pool the manager owns.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*puddle.Pool[wire.RawClient])
	m.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
}
