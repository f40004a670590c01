// Package wspool maintains pools of pre-established provider connections.
//
// Dialing a speech provider's WebSocket endpoint costs a TLS handshake plus
// an application-level hello, often several hundred milliseconds. A [Pool]
// keeps a small set of warm connections per target so that call setup and
// the first agent utterance skip the dial entirely. Connections are generic;
// the pool only needs a dial function and a close function.
package wspool

import (
	"context"
	"sync"
	"time"
)

// Option configures a Pool during construction.
type Option[T any] func(*Pool[T])

// WithMaxIdle caps how many released connections the pool retains.
func WithMaxIdle[T any](n int) Option[T] {
	return func(p *Pool[T]) { p.maxIdle = n }
}

// WithIdleTTL sets how long an idle connection stays usable. Expired
// connections are closed by [Pool.EvictIdle] or lazily on Acquire.
func WithIdleTTL[T any](ttl time.Duration) Option[T] {
	return func(p *Pool[T]) { p.idleTTL = ttl }
}

// WithProbe sets a health check run against idle connections on Acquire.
// A failing connection is closed and the next idle one is tried.
func WithProbe[T any](probe func(context.Context, T) error) Option[T] {
	return func(p *Pool[T]) { p.probe = probe }
}

type entry[T any] struct {
	conn     T
	idleFrom time.Time
}

// Pool holds warm connections for one dial target.
// All methods are safe for concurrent use.
type Pool[T any] struct {
	dial    func(context.Context) (T, error)
	closeFn func(T)
	probe   func(context.Context, T) error
	maxIdle int
	idleTTL time.Duration

	mu   sync.Mutex
	idle []entry[T]

	now func() time.Time
}

// New creates a pool. dial establishes a fresh connection, closeFn releases
// one. Defaults: 2 idle connections kept, 30 second idle TTL, no probe.
func New[T any](dial func(context.Context) (T, error), closeFn func(T), opts ...Option[T]) *Pool[T] {
	p := &Pool[T]{
		dial:    dial,
		closeFn: closeFn,
		maxIdle: 2,
		idleTTL: 30 * time.Second,
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Acquire returns a warm connection when one is available and healthy,
// dialing a new one otherwise.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	for {
		p.mu.Lock()
		if len(p.idle) == 0 {
			p.mu.Unlock()
			break
		}
		e := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		if p.idleTTL > 0 && p.now().Sub(e.idleFrom) > p.idleTTL {
			p.closeFn(e.conn)
			continue
		}
		if p.probe != nil {
			if err := p.probe(ctx, e.conn); err != nil {
				p.closeFn(e.conn)
				continue
			}
		}
		return e.conn, nil
	}
	return p.dial(ctx)
}

// Release returns a connection to the pool, closing it when the idle set is
// already full.
func (p *Pool[T]) Release(conn T) {
	p.mu.Lock()
	if len(p.idle) < p.maxIdle {
		p.idle = append(p.idle, entry[T]{conn: conn, idleFrom: p.now()})
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.closeFn(conn)
}

// Discard closes a connection that must not be reused, such as one whose
// stream ended abnormally.
func (p *Pool[T]) Discard(conn T) { p.closeFn(conn) }

// Prewarm dials until n idle connections are available. It stops at the
// first dial error, returning it; already-established connections stay in
// the pool.
func (p *Pool[T]) Prewarm(ctx context.Context, n int) error {
	if n > p.maxIdle {
		n = p.maxIdle
	}
	for {
		p.mu.Lock()
		have := len(p.idle)
		p.mu.Unlock()
		if have >= n {
			return nil
		}
		conn, err := p.dial(ctx)
		if err != nil {
			return err
		}
		p.Release(conn)
	}
}

// IdleCount returns the number of currently pooled connections.
func (p *Pool[T]) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// EvictIdle closes idle connections past the TTL and returns how many were
// evicted.
func (p *Pool[T]) EvictIdle() int {
	if p.idleTTL <= 0 {
		return 0
	}
	cutoff := p.now().Add(-p.idleTTL)

	p.mu.Lock()
	var kept []entry[T]
	var evicted []T
	for _, e := range p.idle {
		if e.idleFrom.Before(cutoff) {
			evicted = append(evicted, e.conn)
		} else {
			kept = append(kept, e)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, c := range evicted {
		p.closeFn(c)
	}
	return len(evicted)
}

// StartJanitor runs EvictIdle every interval until ctx is done.
func (p *Pool[T]) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				p.EvictIdle()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close evicts and closes every idle connection. The pool remains usable;
// subsequent Acquires dial fresh.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, e := range idle {
		p.closeFn(e.conn)
	}
}
