package memproxy

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jackc/puddle/v2"
)

// clientPool recycles client connection objects. It holds at most size idle
// objects; objects retired beyond that are left to the garbage collector.
type clientPool struct {
	pool *puddle.Pool[*clientConn]
	size int32

	createdObjects   atomic.Uint64
	discardedObjects atomic.Uint64
}

// newClientPool creates the pool and pre-warms it with size objects.
func newClientPool(p *Proxy, size int) (*clientPool, error) {
	cp := &clientPool{size: int32(size)}

	pool, err := puddle.NewPool(&puddle.Config[*clientConn]{
		Constructor: func(context.Context) (*clientConn, error) {
			cp.createdObjects.Add(1)
			return newClientConn(p), nil
		},
		Destructor: func(c *clientConn) {
			c.in.Reset()
			c.out.Reset()
		},
		MaxSize: int32(p.cfg.MaxConns),
	})
	if err != nil {
		return nil, err
	}
	cp.pool = pool

	for range size {
		if err := pool.CreateResource(context.Background()); err != nil {
			pool.Close()
			return nil, fmt.Errorf("memproxy: pre-warm client pool: %w", err)
		}
	}
	return cp, nil
}

// acquire returns an object reset for a new connection. It does not block
// as long as fewer than MaxConns objects are in use.
func (cp *clientPool) acquire(ctx context.Context) (*clientConn, error) {
	res, err := cp.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	c := res.Value()
	c.res = res
	return c, nil
}

// release takes back a closed connection object.
func (cp *clientPool) release(c *clientConn) {
	res := c.res
	if res == nil {
		return
	}
	c.res = nil

	if cp.pool.Stat().IdleResources() >= cp.size {
		res.Hijack()
		cp.discardedObjects.Add(1)
		return
	}
	res.Release()
}

func (cp *clientPool) idle() int32 {
	return cp.pool.Stat().IdleResources()
}

// close destroys the idle objects. Every acquired object must have been
// released.
func (cp *clientPool) close() {
	cp.pool.Close()
}
