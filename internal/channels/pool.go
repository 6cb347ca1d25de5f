package channels

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

// Pool is the bounded connection pool. It does not manage individual
// TCP connections itself — go-redis already multiplexes a configurable
// number of connections internally and does so correctly — instead it
// bounds the number of callers that may be concurrently borrowing the
// shared RedisLayer, and health-checks with a PING on every borrow.
type Pool struct {
	layer *RedisLayer
	sem   *semaphore.Weighted
}

// NewPool builds a Pool of the given size over layer.
func NewPool(layer *RedisLayer, size int64) *Pool {
	if size <= 0 {
		size = 15
	}
	return &Pool{layer: layer, sem: semaphore.NewWeighted(size)}
}

// Borrowed is a borrowed handle on the pool. Callers must call Release
// exactly once (typically via defer) to return the slot.
type Borrowed struct {
	Layer *RedisLayer
	pool  *Pool
}

// Release returns the borrowed slot to the pool.
func (b *Borrowed) Release() {
	b.pool.sem.Release(1)
}

// Borrow acquires a slot (blocking until one is free or ctx is done)
// and health-checks the shared connection with PING before handing back
// a usable layer.
func (p *Pool) Borrow(ctx context.Context) (*Borrowed, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, wrap(Transport, "acquiring pool slot", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.layer.client.Ping(pingCtx).Err(); err != nil {
		p.sem.Release(1)
		return nil, wrap(Transport, "pool health check (PING)", err)
	}

	return &Borrowed{Layer: p.layer, pool: p}, nil
}

// Dial builds a *redis.Client from the given connection parameters,
// mirroring the backing-store connection info in the config surface.
func Dial(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}
