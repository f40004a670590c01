package wspool

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeConn struct {
	id     int
	closed bool
}

func newFixture(opts ...Option[*fakeConn]) (*Pool[*fakeConn], *int) {
	dials := 0
	dial := func(context.Context) (*fakeConn, error) {
		dials++
		return &fakeConn{id: dials}, nil
	}
	closeFn := func(c *fakeConn) { c.closed = true }
	return New(dial, closeFn, opts...), &dials
}

func TestAcquireDialsWhenEmpty(t *testing.T) {
	p, dials := newFixture()
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || *dials != 1 {
		t.Errorf("conn=%v dials=%d", c, *dials)
	}
}

func TestReleaseThenAcquireReuses(t *testing.T) {
	p, dials := newFixture()
	c1, _ := p.Acquire(context.Background())
	p.Release(c1)

	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c2 != c1 {
		t.Error("expected pooled connection to be reused")
	}
	if *dials != 1 {
		t.Errorf("dials = %d; want 1", *dials)
	}
}

func TestReleaseBeyondMaxIdleCloses(t *testing.T) {
	p, _ := newFixture(WithMaxIdle[*fakeConn](1))
	c1, _ := p.Acquire(context.Background())
	c2, _ := p.Acquire(context.Background())
	p.Release(c1)
	p.Release(c2)

	if !c2.closed {
		t.Error("overflow release must close the connection")
	}
	if p.IdleCount() != 1 {
		t.Errorf("idle = %d; want 1", p.IdleCount())
	}
}

func TestAcquireSkipsExpired(t *testing.T) {
	p, dials := newFixture(WithIdleTTL[*fakeConn](time.Minute))
	base := time.Unix(1000, 0)
	p.now = func() time.Time { return base }

	c1, _ := p.Acquire(context.Background())
	p.Release(c1)

	p.now = func() time.Time { return base.Add(2 * time.Minute) }
	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c2 == c1 {
		t.Error("expired connection must not be reused")
	}
	if !c1.closed {
		t.Error("expired connection must be closed")
	}
	if *dials != 2 {
		t.Errorf("dials = %d; want 2", *dials)
	}
}

func TestAcquireProbesIdleConnections(t *testing.T) {
	bad := errors.New("stale")
	p, dials := newFixture(WithProbe(func(_ context.Context, c *fakeConn) error {
		if c.id == 1 {
			return bad
		}
		return nil
	}))

	c1, _ := p.Acquire(context.Background())
	p.Release(c1)

	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c2 == c1 {
		t.Error("probe-failing connection must not be handed out")
	}
	if !c1.closed {
		t.Error("probe-failing connection must be closed")
	}
	if *dials != 2 {
		t.Errorf("dials = %d; want 2", *dials)
	}
}

func TestPrewarmFillsIdle(t *testing.T) {
	p, dials := newFixture(WithMaxIdle[*fakeConn](2))
	if err := p.Prewarm(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if p.IdleCount() != 2 || *dials != 2 {
		t.Errorf("idle=%d dials=%d; want 2/2", p.IdleCount(), *dials)
	}

	// Prewarm is idempotent once filled.
	if err := p.Prewarm(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if *dials != 2 {
		t.Errorf("dials after second prewarm = %d; want 2", *dials)
	}
}

func TestEvictIdle(t *testing.T) {
	p, _ := newFixture(WithIdleTTL[*fakeConn](time.Minute), WithMaxIdle[*fakeConn](4))
	base := time.Unix(1000, 0)
	p.now = func() time.Time { return base }

	c1, _ := p.Acquire(context.Background())
	c2, _ := p.Acquire(context.Background())
	p.Release(c1)

	p.now = func() time.Time { return base.Add(30 * time.Second) }
	p.Release(c2)

	p.now = func() time.Time { return base.Add(70 * time.Second) }
	if n := p.EvictIdle(); n != 1 {
		t.Errorf("evicted = %d; want 1", n)
	}
	if !c1.closed || c2.closed {
		t.Errorf("wrong connection evicted: c1.closed=%v c2.closed=%v", c1.closed, c2.closed)
	}
}

func TestCloseDrainsPool(t *testing.T) {
	p, _ := newFixture(WithMaxIdle[*fakeConn](4))
	c1, _ := p.Acquire(context.Background())
	c2, _ := p.Acquire(context.Background())
	p.Release(c1)
	p.Release(c2)

	p.Close()
	if p.IdleCount() != 0 {
		t.Errorf("idle after Close = %d", p.IdleCount())
	}
	if !c1.closed || !c2.closed {
		t.Error("Close must close all idle connections")
	}
}
