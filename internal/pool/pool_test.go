package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
	"github.com/jbweber/grove/internal/metrics"
)

func newTestPool(t *testing.T, cfg Config) (*Pool, *mockDialer) {
	t.Helper()
	d := &mockDialer{}
	p := New(cfg, testHosts(), d.dial, Options{Metrics: metrics.New()})
	t.Cleanup(func() {
		_ = p.Shutdown(context.Background())
	})
	return p, d
}

func TestAcquireRelease_ReusesIdleSession(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, Config{MaxPerHost: 2})

	s1, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	assert.Equal(t, "mac-1", s1.Host().Name)
	assert.NotEmpty(t, s1.ID)

	p.Release(s1, true)
	assert.Equal(t, HostStats{Idle: 1, InUse: 0}, p.Stats()["mac-1"])

	s2, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID, "idle session should be reused")
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, 1, d.conn(0).pings(), "reuse must run a liveness check")

	p.Release(s2, true)
	assert.Equal(t, HostStats{Idle: 1, InUse: 0}, p.Stats()["mac-1"])
}

func TestSession_Run(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, Config{})

	s, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	defer p.Release(s, true)

	res, err := s.Run(ctx, "tart list")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
	c := d.conn(0)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, []string{"tart list"}, c.runCalls)
}

func TestAcquire_UnknownHost(t *testing.T) {
	p, d := newTestPool(t, Config{})

	_, err := p.Acquire(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrHostNotFound)
	assert.Equal(t, int32(0), d.dials.Load())
}

func TestAcquire_CapUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, Config{MaxPerHost: 2})

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Acquire(ctx, "mac-1")
			if !assert.NoError(t, err) {
				return
			}
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			p.Release(s, true)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.LessOrEqual(t, d.dials.Load(), int32(2), "never more than MaxPerHost live sessions")
	assert.Equal(t, 0, p.Stats()["mac-1"].InUse)
}

func TestAcquire_HostsAreIndependent(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, Config{MaxPerHost: 1})

	s1, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	defer p.Release(s1, true)

	tctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s2, err := p.Acquire(tctx, "mac-2")
	require.NoError(t, err, "a full host must not block another host")
	p.Release(s2, true)
}

func TestAcquire_BlocksUntilDeadline(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, Config{MaxPerHost: 1})

	s, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	defer p.Release(s, true)

	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(tctx, "mac-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrTimeout)
}

func TestAcquire_UnblocksOnRelease(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, Config{MaxPerHost: 1})

	s, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)

	got := make(chan *Session, 1)
	go func() {
		s2, err := p.Acquire(ctx, "mac-1")
		if assert.NoError(t, err) {
			got <- s2
		}
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(s, true)

	select {
	case s2 := <-got:
		assert.Equal(t, s.ID, s2.ID)
		p.Release(s2, true)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}
	assert.Equal(t, int32(1), d.dials.Load())
}

func TestRelease_UnhealthyClosesSession(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, Config{})

	s, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	p.Release(s, false)

	assert.Equal(t, 1, d.conn(0).closed())
	assert.Equal(t, HostStats{}, p.Stats()["mac-1"])

	s2, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, s2.ID)
	assert.Equal(t, int32(2), d.dials.Load())
	p.Release(s2, true)
}

func TestRelease_Twice(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, Config{MaxPerHost: 1})

	s, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	p.Release(s, true)
	p.Release(s, true)
	p.Release(nil, true)

	assert.Equal(t, HostStats{Idle: 1}, p.Stats()["mac-1"])

	// The stale handle must not release the next holder's slot.
	s2, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	p.Release(s, true)
	assert.Equal(t, HostStats{InUse: 1}, p.Stats()["mac-1"])
	p.Release(s2, true)
}

func TestAcquire_PingFailureDialsNew(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, Config{})

	s, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	p.Release(s, true)

	d.conn(0).setPing(func(ctx context.Context) error {
		return faults.New(faults.ErrConnectionReset, "ping", nil)
	})

	s2, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, s2.ID)
	assert.Equal(t, 1, d.conn(0).closed())
	assert.Equal(t, int32(2), d.dials.Load())
	p.Release(s2, true)
}

func TestAcquire_DialErrorFreesSlot(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, Config{MaxPerHost: 1})

	d.dialErr = faults.New(faults.ErrHostUnreachable, "dial", errors.New("connection refused"))
	_, err := p.Acquire(ctx, "mac-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrHostUnreachable)

	d.mu.Lock()
	d.dialErr = nil
	d.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s, err := p.Acquire(tctx, "mac-1")
	require.NoError(t, err)
	p.Release(s, true)
}

func TestReap_ClosesExpiredIdleSessions(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, Config{IdleTimeout: 5 * time.Minute})

	now := time.Now()
	p.now = func() time.Time { return now }

	s, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	p.Release(s, true)

	assert.Equal(t, 0, p.Reap())

	now = now.Add(6 * time.Minute)
	assert.Equal(t, 1, p.Reap())
	assert.Equal(t, 1, d.conn(0).closed())
	assert.Equal(t, HostStats{}, p.Stats()["mac-1"])
}

func TestAcquire_SkipsExpiredIdleSession(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, Config{IdleTimeout: time.Minute})

	now := time.Now()
	p.now = func() time.Time { return now }

	s, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	p.Release(s, true)

	now = now.Add(2 * time.Minute)
	s2, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, s2.ID)
	assert.Equal(t, 0, d.conn(0).pings(), "expired sessions are closed without a ping")
	p.Release(s2, true)
}

func TestReaper_Background(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, Config{IdleTimeout: time.Millisecond, ReapInterval: 5 * time.Millisecond})

	s, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	p.Release(s, true)

	require.Eventually(t, func() bool {
		return d.conn(0).closed() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEvict(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, Config{})

	s, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	p.Release(s, true)

	p.Evict("mac-1")
	p.Evict("unknown")
	assert.Equal(t, 1, d.conn(0).closed())
	assert.Equal(t, HostStats{}, p.Stats()["mac-1"])
}

func TestEvict_InUseSessionClosedOnRelease(t *testing.T) {
	ctx := context.Background()
	hosts := testHosts()
	d := &mockDialer{}
	p := New(Config{}, hosts, d.dial, Options{Metrics: metrics.New()})
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	s, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)

	p.Evict("mac-1")
	hosts["mac-1"] = v1alpha1.Host{Name: "mac-1", Address: "10.9.9.9"}
	p.Release(s, true)

	assert.Equal(t, 1, d.conn(0).closed(), "a session of an evicted host is not kept")
	assert.Equal(t, HostStats{}, p.Stats()["mac-1"])

	s, err = p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	assert.Equal(t, "10.9.9.9", s.Host().Address)
	assert.Equal(t, int32(2), d.dials.Load())
	p.Release(s, true)
}

func TestAcquire_DropsIdleSessionForChangedHost(t *testing.T) {
	ctx := context.Background()
	hosts := testHosts()
	d := &mockDialer{}
	p := New(Config{}, hosts, d.dial, Options{Metrics: metrics.New()})
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	s, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	p.Release(s, true)

	hosts["mac-1"] = v1alpha1.Host{Name: "mac-1", Address: "10.9.9.9"}

	s, err = p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	assert.Equal(t, "10.9.9.9", s.Host().Address)
	assert.Equal(t, int32(2), d.dials.Load())
	assert.Equal(t, 1, d.conn(0).closed())
	p.Release(s, true)
}

func TestShutdown_ClosesIdleAndRefusesAcquire(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, Config{})

	s, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)
	p.Release(s, true)

	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, 1, d.conn(0).closed())

	_, err = p.Acquire(ctx, "mac-1")
	assert.ErrorIs(t, err, faults.ErrPoolClosed)

	assert.NoError(t, p.Shutdown(ctx), "second shutdown is a no-op")
}

func TestShutdown_WaitsForInFlight(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, Config{ShutdownGrace: 5 * time.Second})

	s, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Shutdown(ctx) }()

	select {
	case <-done:
		t.Fatal("shutdown returned while a session was in use")
	case <-time.After(30 * time.Millisecond):
	}

	p.Release(s, true)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return after release")
	}
	assert.Equal(t, 1, d.conn(0).closed(), "released session is closed, not pooled")
}

func TestShutdown_ForceClosesAfterGrace(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, Config{ShutdownGrace: 20 * time.Millisecond})

	s, err := p.Acquire(ctx, "mac-1")
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, 1, d.conn(0).closed())

	// The late release must not close again or panic.
	p.Release(s, true)
	assert.Equal(t, 1, d.conn(0).closed())
}

func TestDefaultConfig(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 4, cfg.MaxPerHost)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, time.Duration(0), cfg.ReapInterval)
	assert.Equal(t, DefaultConfig().PingTimeout, cfg.PingTimeout)
}
