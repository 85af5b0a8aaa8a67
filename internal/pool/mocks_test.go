package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
	grovessh "github.com/jbweber/grove/internal/ssh"
)

// mockConn is a mock implementation of Conn for testing.
type mockConn struct {
	mu sync.Mutex

	// Configurable behavior
	runFunc  func(ctx context.Context, cmd string) (grovessh.Result, error)
	pingFunc func(ctx context.Context) error

	// Call tracking
	runCalls   []string
	pingCalls  int
	closeCalls int
}

func newMockConn() *mockConn {
	return &mockConn{
		runFunc: func(ctx context.Context, cmd string) (grovessh.Result, error) {
			return grovessh.Result{Stdout: "ok"}, nil
		},
		pingFunc: func(ctx context.Context) error {
			return nil
		},
	}
}

func (m *mockConn) Run(ctx context.Context, cmd string) (grovessh.Result, error) {
	m.mu.Lock()
	m.runCalls = append(m.runCalls, cmd)
	fn := m.runFunc
	m.mu.Unlock()
	return fn(ctx, cmd)
}

func (m *mockConn) Ping(ctx context.Context) error {
	m.mu.Lock()
	m.pingCalls++
	fn := m.pingFunc
	m.mu.Unlock()
	return fn(ctx)
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	return nil
}

func (m *mockConn) setPing(fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingFunc = fn
}

func (m *mockConn) closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

func (m *mockConn) pings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingCalls
}

// mockDialer hands out mockConns and records every dial.
type mockDialer struct {
	mu sync.Mutex

	dialErr error
	conns   []*mockConn
	dials   atomic.Int32
}

func (d *mockDialer) dial(ctx context.Context, host v1alpha1.Host) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := newMockConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *mockDialer) conn(i int) *mockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// mockHosts is a fixed host table.
type mockHosts map[string]v1alpha1.Host

func (m mockHosts) Get(name string) (v1alpha1.Host, error) {
	h, ok := m[name]
	if !ok {
		return v1alpha1.Host{}, faults.New(faults.ErrHostNotFound, "lookup", fmt.Errorf("no host named %q", name))
	}
	return h, nil
}

func testHosts() mockHosts {
	return mockHosts{
		"mac-1": {Name: "mac-1", Address: "10.0.0.1"},
		"mac-2": {Name: "mac-2", Address: "10.0.0.2"},
	}
}
