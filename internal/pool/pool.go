// Package pool keeps reusable SSH sessions per host.
//
// The pool is the only shared mutable structure in grove. A map-level mutex
// guards creation of per-host entries; every change to a host's idle and
// in-use sets happens under that host's own mutex, and a weighted semaphore
// per host caps how many sessions may be checked out at once.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
	"github.com/jbweber/grove/internal/metrics"
	grovessh "github.com/jbweber/grove/internal/ssh"
)

// Conn is one live connection to a host. *ssh.Client satisfies it.
type Conn interface {
	Run(ctx context.Context, cmd string) (grovessh.Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// DialFunc opens a new connection to host.
type DialFunc func(ctx context.Context, host v1alpha1.Host) (Conn, error)

// HostLookup resolves a host name. *registry.Registry satisfies it.
type HostLookup interface {
	Get(name string) (v1alpha1.Host, error)
}

// Config sets pool limits. Zero fields take DefaultConfig values, except
// ReapInterval where zero disables the background reaper.
type Config struct {
	MaxPerHost    int           `yaml:"max_per_host" validate:"gte=0"`
	IdleTimeout   time.Duration `yaml:"idle_timeout" validate:"gte=0"`
	ReapInterval  time.Duration `yaml:"reap_interval" validate:"gte=0"`
	PingTimeout   time.Duration `yaml:"ping_timeout" validate:"gte=0"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"gte=0"`
}

// DefaultConfig returns the default pool limits.
func DefaultConfig() Config {
	return Config{
		MaxPerHost:    4,
		IdleTimeout:   5 * time.Minute,
		ReapInterval:  time.Minute,
		PingTimeout:   5 * time.Second,
		ShutdownGrace: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPerHost <= 0 {
		c.MaxPerHost = d.MaxPerHost
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	return c
}

// Options carries the pool's collaborators.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// HostStats is a snapshot of one host's sessions.
type HostStats struct {
	Idle  int `json:"idle" yaml:"idle"`
	InUse int `json:"inUse" yaml:"inUse"`
}

// Session is a connection checked out of the pool.
//
// A Session belongs to exactly one caller between Acquire and Release and
// must not be shared.
type Session struct {
	ID string

	host     v1alpha1.Host
	conn     Conn
	created  time.Time
	lastUsed time.Time
	released atomic.Bool
	closed   atomic.Bool
	evicted  atomic.Bool
}

// Host returns the host the session is connected to.
func (s *Session) Host() v1alpha1.Host {
	return s.host
}

// Run executes cmd on the session's connection.
func (s *Session) Run(ctx context.Context, cmd string) (grovessh.Result, error) {
	return s.conn.Run(ctx, cmd)
}

// hostPool is the per-host slice of the pool.
type hostPool struct {
	mu    sync.Mutex
	sem   *semaphore.Weighted
	idle  []*Session
	inUse map[string]*Session
}

// Pool hands out sessions per host.
type Pool struct {
	cfg    Config
	hosts  HostLookup
	dial   DialFunc
	logger *zap.Logger
	m      *metrics.Metrics
	now    func() time.Time

	mu      sync.Mutex
	byHost  map[string]*hostPool
	closed  bool
	active  int
	drained chan struct{}

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// New creates a pool. When cfg.ReapInterval is positive a background reaper
// closes idle sessions until Shutdown.
func New(cfg Config, hosts HostLookup, dial DialFunc, opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:    cfg.withDefaults(),
		hosts:  hosts,
		dial:   dial,
		logger: logger.Named("pool"),
		m:      opts.Metrics,
		now:    time.Now,
		byHost: make(map[string]*hostPool),
	}
	if cfg.ReapInterval > 0 {
		p.stopReaper = make(chan struct{})
		p.reaperDone = make(chan struct{})
		go p.reapLoop(cfg.ReapInterval)
	}
	return p
}

// hostPool returns the entry for name, creating it on first use.
func (p *Pool) hostPool(name string) *hostPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	hp, ok := p.byHost[name]
	if !ok {
		hp = &hostPool{
			sem:   semaphore.NewWeighted(int64(p.cfg.MaxPerHost)),
			inUse: make(map[string]*Session),
		}
		p.byHost[name] = hp
	}
	return hp
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Acquire returns a session for hostName, reusing a healthy idle session when
// one exists. It blocks while the host is at MaxPerHost checked out sessions
// until one is released or ctx ends.
func (p *Pool) Acquire(ctx context.Context, hostName string) (*Session, error) {
	if p.isClosed() {
		return nil, faults.New(faults.ErrPoolClosed, "acquire", nil).WithTarget(hostName, "")
	}

	host, err := p.hosts.Get(hostName)
	if err != nil {
		return nil, err
	}

	hp := p.hostPool(hostName)
	if err := hp.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, faults.New(faults.ErrTimeout, "acquire", fmt.Errorf("waiting for a free session: %w", err)).WithTarget(hostName, "")
		}
		return nil, fmt.Errorf("acquire session for %s: %w", hostName, err)
	}

	s, err := p.checkout(ctx, hp, host)
	if err != nil {
		hp.sem.Release(1)
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.discard(hp, s, metrics.ReasonShutdown)
		hp.sem.Release(1)
		return nil, faults.New(faults.ErrPoolClosed, "acquire", nil).WithTarget(hostName, "")
	}
	p.active++
	p.mu.Unlock()

	p.m.SetSessionsInUse(hostName, p.inUseCount(hp))
	return s, nil
}

// checkout pops a live idle session or dials a new one. The caller holds a
// semaphore slot.
func (p *Pool) checkout(ctx context.Context, hp *hostPool, host v1alpha1.Host) (*Session, error) {
	for {
		hp.mu.Lock()
		n := len(hp.idle)
		if n == 0 {
			hp.mu.Unlock()
			break
		}
		s := hp.idle[n-1]
		hp.idle = hp.idle[:n-1]
		hp.mu.Unlock()

		if p.now().Sub(s.lastUsed) > p.cfg.IdleTimeout {
			_ = p.closeConn(s, metrics.ReasonIdle)
			continue
		}
		if s.host != host {
			p.logger.Debug("host record changed, dropping idle session", zap.String("host", host.Name), zap.String("session", s.ID))
			_ = p.closeConn(s, metrics.ReasonEvicted)
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
		err := s.conn.Ping(pingCtx)
		cancel()
		if err != nil {
			p.logger.Debug("idle session failed liveness check", zap.String("host", host.Name), zap.String("session", s.ID), zap.Error(err))
			_ = p.closeConn(s, metrics.ReasonPing)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("acquire session for %s: %w", host.Name, ctx.Err())
			}
			continue
		}

		// A fresh handle per checkout keeps a stale double release from
		// touching the next holder.
		reused := &Session{ID: s.ID, host: s.host, conn: s.conn, created: s.created, lastUsed: s.lastUsed}
		hp.mu.Lock()
		hp.inUse[reused.ID] = reused
		hp.mu.Unlock()
		p.m.SessionReused(host.Name)
		p.logger.Debug("reusing session", zap.String("host", host.Name), zap.String("session", s.ID))
		return reused, nil
	}

	conn, err := p.dial(ctx, host)
	if err != nil {
		return nil, err
	}
	now := p.now()
	s := &Session{
		ID:       uuid.NewString(),
		host:     host,
		conn:     conn,
		created:  now,
		lastUsed: now,
	}
	hp.mu.Lock()
	hp.inUse[s.ID] = s
	hp.mu.Unlock()
	p.m.SessionDialed(host.Name)
	p.logger.Debug("dialed session", zap.String("host", host.Name), zap.String("session", s.ID))
	return s, nil
}

// Release returns s to the pool. A healthy session goes back to the idle set;
// an unhealthy one, or one whose host was evicted while it was checked out,
// is closed. Releasing the same session twice is a no-op.
func (p *Pool) Release(s *Session, healthy bool) {
	if s == nil {
		return
	}
	if !s.released.CompareAndSwap(false, true) {
		p.logger.Warn("session released twice", zap.String("host", s.host.Name), zap.String("session", s.ID))
		return
	}

	hp := p.hostPool(s.host.Name)

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	hp.mu.Lock()
	_, tracked := hp.inUse[s.ID]
	delete(hp.inUse, s.ID)
	evicted := s.evicted.Load()
	keep := healthy && !closed && tracked && !evicted
	if keep {
		s.lastUsed = p.now()
		hp.idle = append(hp.idle, s)
	}
	inUse := len(hp.inUse)
	hp.mu.Unlock()

	if !keep {
		reason := metrics.ReasonUnhealthy
		switch {
		case closed || !tracked:
			reason = metrics.ReasonShutdown
		case evicted:
			reason = metrics.ReasonEvicted
		}
		_ = p.closeConn(s, reason)
	}
	hp.sem.Release(1)
	p.m.SetSessionsInUse(s.host.Name, inUse)

	p.mu.Lock()
	p.active--
	if p.closed && p.active == 0 && p.drained != nil {
		close(p.drained)
		p.drained = nil
	}
	p.mu.Unlock()
}

// Reap closes idle sessions older than IdleTimeout and returns how many it
// closed.
func (p *Pool) Reap() int {
	now := p.now()
	var expired []*Session

	p.mu.Lock()
	pools := make([]*hostPool, 0, len(p.byHost))
	for _, hp := range p.byHost {
		pools = append(pools, hp)
	}
	p.mu.Unlock()

	for _, hp := range pools {
		hp.mu.Lock()
		kept := hp.idle[:0]
		for _, s := range hp.idle {
			if now.Sub(s.lastUsed) > p.cfg.IdleTimeout {
				expired = append(expired, s)
			} else {
				kept = append(kept, s)
			}
		}
		hp.idle = kept
		hp.mu.Unlock()
	}

	for _, s := range expired {
		_ = p.closeConn(s, metrics.ReasonIdle)
	}
	if len(expired) > 0 {
		p.logger.Debug("reaped idle sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Evict closes every idle session of hostName. Sessions in use are marked
// and closed when they are released.
func (p *Pool) Evict(hostName string) {
	p.mu.Lock()
	hp, ok := p.byHost[hostName]
	p.mu.Unlock()
	if !ok {
		return
	}

	hp.mu.Lock()
	idle := hp.idle
	hp.idle = nil
	for _, s := range hp.inUse {
		s.evicted.Store(true)
	}
	hp.mu.Unlock()

	for _, s := range idle {
		_ = p.closeConn(s, metrics.ReasonEvicted)
	}
}

// Stats returns per-host idle and in-use counts.
func (p *Pool) Stats() map[string]HostStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[string]HostStats, len(p.byHost))
	for name, hp := range p.byHost {
		hp.mu.Lock()
		stats[name] = HostStats{Idle: len(hp.idle), InUse: len(hp.inUse)}
		hp.mu.Unlock()
	}
	return stats
}

// Shutdown stops new acquisitions, closes idle sessions, and waits for
// checked out sessions to be released. Sessions still in use after
// ShutdownGrace, or when ctx ends, are closed forcibly.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	drained := make(chan struct{})
	if p.active == 0 {
		close(drained)
	} else {
		p.drained = drained
	}
	pools := make(map[string]*hostPool, len(p.byHost))
	for name, hp := range p.byHost {
		pools[name] = hp
	}
	p.mu.Unlock()

	if p.stopReaper != nil {
		close(p.stopReaper)
		<-p.reaperDone
	}

	var result *multierror.Error

	for _, hp := range pools {
		hp.mu.Lock()
		idle := hp.idle
		hp.idle = nil
		hp.mu.Unlock()
		for _, s := range idle {
			if err := p.closeConn(s, metrics.ReasonShutdown); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	timer := time.NewTimer(p.cfg.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-drained:
		return result.ErrorOrNil()
	case <-timer.C:
	case <-ctx.Done():
	}

	for name, hp := range pools {
		hp.mu.Lock()
		stragglers := make([]*Session, 0, len(hp.inUse))
		for _, s := range hp.inUse {
			stragglers = append(stragglers, s)
		}
		hp.mu.Unlock()
		if len(stragglers) > 0 {
			p.logger.Warn("force closing sessions still in use", zap.String("host", name), zap.Int("count", len(stragglers)))
		}
		for _, s := range stragglers {
			if err := p.closeConn(s, metrics.ReasonShutdown); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	return result.ErrorOrNil()
}

func (p *Pool) reapLoop(interval time.Duration) {
	defer close(p.reaperDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
			p.Reap()
		}
	}
}

// discard drops a session that was checked out but never handed to a caller.
func (p *Pool) discard(hp *hostPool, s *Session, reason string) {
	hp.mu.Lock()
	delete(hp.inUse, s.ID)
	hp.mu.Unlock()
	_ = p.closeConn(s, reason)
}

func (p *Pool) inUseCount(hp *hostPool) int {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return len(hp.inUse)
}

// closeConn closes the session's connection once; later calls are no-ops.
func (p *Pool) closeConn(s *Session, reason string) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.m.SessionClosed(s.host.Name, reason)
	if err := s.conn.Close(); err != nil {
		p.logger.Debug("failed to close session", zap.String("host", s.host.Name), zap.String("session", s.ID), zap.Error(err))
		return fmt.Errorf("close session %s on %s: %w", s.ID, s.host.Name, err)
	}
	return nil
}
