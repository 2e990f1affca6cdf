package memproxy

import (
	"github.com/pior/memproxy/internal/netpoll"
)

// idlePool is a LIFO stack of idle backend connections. Its capacity grows
// by step up to max.
type idlePool struct {
	conns []*backendConn
	step  int
	max   int
}

func newIdlePool(step, maxIdle int) idlePool {
	return idlePool{step: step, max: maxIdle}
}

// tryPop returns the most recently pushed connection.
func (p *idlePool) tryPop() (*backendConn, bool) {
	n := len(p.conns)
	if n == 0 {
		return nil, false
	}
	b := p.conns[n-1]
	p.conns[n-1] = nil
	p.conns = p.conns[:n-1]
	return b, true
}

// tryPush stores b, reporting false when the pool is at its maximum.
func (p *idlePool) tryPush(b *backendConn) bool {
	if len(p.conns) == cap(p.conns) {
		if cap(p.conns) >= p.max {
			return false
		}
		grown := make([]*backendConn, len(p.conns), min(cap(p.conns)+p.step, p.max))
		copy(grown, p.conns)
		p.conns = grown
	}
	p.conns = append(p.conns, b)
	return true
}

func (p *idlePool) len() int { return len(p.conns) }

// drain removes and returns every idle connection.
func (p *idlePool) drain() []*backendConn {
	conns := p.conns
	p.conns = nil
	return conns
}

// Shard is one backend server and its idle connection pool.
type Shard struct {
	index   int
	addr    netpoll.Addr
	idle    idlePool
	breaker *CircuitBreaker
	stats   shardStatsCollector
}

func newShard(index int, addr netpoll.Addr, cfg Config) *Shard {
	s := &Shard{
		index: index,
		addr:  addr,
		idle:  newIdlePool(cfg.IdleStep, cfg.MaxIdle),
	}
	if cfg.NewCircuitBreaker != nil {
		s.breaker = cfg.NewCircuitBreaker(addr.String())
	}
	return s
}

func (s *Shard) Address() string {
	return s.addr.String()
}

func (s *Shard) Stats() ShardStats {
	stats := s.stats.snapshot(s.addr.String())
	if s.breaker != nil {
		stats.CircuitBreakerState = s.breaker.State()
		stats.CircuitBreakerCounts = s.breaker.Counts()
	}
	return stats
}

// allow asks the circuit breaker for a round trip. done is nil when the shard
// has no breaker.
func (s *Shard) allow() (done func(error), err error) {
	if s.breaker == nil {
		return nil, nil
	}
	return s.breaker.Allow()
}

// acquire returns an idle connection, or a new one in Init state. Idle
// connections that received bytes while pooled are closed.
func (s *Shard) acquire(p *Proxy) *backendConn {
	for {
		b, ok := s.idle.tryPop()
		if !ok {
			break
		}
		s.stats.recordPop()
		if b.reusable() {
			s.stats.recordReuse()
			return b
		}
		b.destroy()
	}
	return newBackendConn(p, s)
}

// release pools b when it is connected and nothing of the last exchange is
// left on it; any other connection is closed.
func (s *Shard) release(b *backendConn) {
	if b.reusable() {
		b.park()
		if s.idle.tryPush(b) {
			s.stats.recordPush()
			return
		}
	}
	b.destroy()
}

// closeIdle closes every idle connection.
func (s *Shard) closeIdle() {
	for _, b := range s.idle.drain() {
		s.stats.recordPop()
		b.destroy()
	}
}
