package vm

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
	"github.com/jbweber/grove/internal/inventory"
	"github.com/jbweber/grove/internal/pool"
	"github.com/jbweber/grove/internal/retry"
	grovessh "github.com/jbweber/grove/internal/ssh"
)

// mockRemote stands in for every host reachable over SSH.
type mockRemote struct {
	mu sync.Mutex

	// Configurable behavior
	runFunc func(ctx context.Context, host, cmd string) (grovessh.Result, error)
	dialErr error

	// Call tracking
	runCalls []string
	dials    int
	closes   int
}

func newMockRemote(run func(ctx context.Context, host, cmd string) (grovessh.Result, error)) *mockRemote {
	return &mockRemote{runFunc: run}
}

func (r *mockRemote) dial(_ context.Context, host v1alpha1.Host) (pool.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dials++
	if r.dialErr != nil {
		return nil, r.dialErr
	}
	return &mockConn{remote: r, host: host.Name}, nil
}

func (r *mockRemote) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runCalls...)
}

func (r *mockRemote) dialCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials
}

type mockConn struct {
	remote *mockRemote
	host   string
}

func (c *mockConn) Run(ctx context.Context, cmd string) (grovessh.Result, error) {
	c.remote.mu.Lock()
	c.remote.runCalls = append(c.remote.runCalls, cmd)
	run := c.remote.runFunc
	c.remote.mu.Unlock()
	return run(ctx, c.host, cmd)
}

func (c *mockConn) Ping(context.Context) error { return nil }

func (c *mockConn) Close() error {
	c.remote.mu.Lock()
	defer c.remote.mu.Unlock()
	c.remote.closes++
	return nil
}

type mockHosts map[string]v1alpha1.Host

func (h mockHosts) Get(name string) (v1alpha1.Host, error) {
	host, ok := h[name]
	if !ok {
		return v1alpha1.Host{}, faults.New(faults.ErrHostNotFound, "lookup", nil).WithTarget(name, "")
	}
	return host, nil
}

var testHosts = mockHosts{
	"mac-1": {Name: "mac-1", Address: "10.0.0.1"},
	"mac-2": {Name: "mac-2", Address: "10.0.0.2"},
}

func testPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          2 * time.Millisecond,
	}
}

// newTestManager wires a Manager to a real pool and executor over remote.
func newTestManager(t *testing.T, remote *mockRemote, opts Options) *Manager {
	t.Helper()
	p := pool.New(pool.Config{MaxPerHost: 2}, testHosts, remote.dial, pool.Options{})
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	e, err := retry.New(testPolicy(), retry.Options{})
	require.NoError(t, err)

	if opts.DryRunOut == nil {
		opts.DryRunOut = &bytes.Buffer{}
	}
	return NewManager(p, e, opts)
}

func succeed(stdout string) grovessh.Result {
	return grovessh.Result{Stdout: stdout}
}

func fail(code int, stderr string) grovessh.Result {
	return grovessh.Result{ExitCode: code, Stderr: stderr}
}

// fakeTart simulates the tart CLI on one host closely enough to drive the
// adapter end to end.
type fakeTart struct {
	mu  sync.Mutex
	vms map[string]*v1alpha1.VM

	// imageDiskGB is the disk size of VMs cloned from an image. set cannot
	// shrink below it.
	imageDiskGB int
}

func newFakeTart(vms ...v1alpha1.VM) *fakeTart {
	f := &fakeTart{vms: make(map[string]*v1alpha1.VM)}
	for i := range vms {
		vm := vms[i]
		f.vms[vm.Name] = &vm
	}
	return f
}

func (f *fakeTart) run(_ context.Context, host, cmd string) (grovessh.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fields := strings.Fields(cmd)
	if len(fields) > 0 && fields[0] == "nohup" {
		fields = fields[1:]
	}
	if len(fields) < 2 || fields[0] != "tart" {
		return fail(127, "sh: "+cmd+": command not found"), nil
	}

	switch fields[1] {
	case "list":
		var vms []v1alpha1.VM
		for _, vm := range f.vms {
			vm.Host = host
			vms = append(vms, *vm)
		}
		v1alpha1.SortVMs(vms)
		return succeed(strings.TrimSpace(inventory.Format(vms))), nil

	case "clone":
		src, dst := fields[2], fields[3]
		if _, exists := f.vms[dst]; exists {
			return fail(1, fmt.Sprintf("VM %q already exists", dst)), nil
		}
		vm := &v1alpha1.VM{Name: dst, Status: v1alpha1.VMStatusStopped, Source: src}
		if base, ok := f.vms[src]; ok {
			vm.CPU, vm.MemoryMB, vm.DiskGB = base.CPU, base.MemoryMB, base.DiskGB
			vm.Source = base.Source
		} else if !strings.Contains(src, ":") && !strings.Contains(src, "/") {
			return fail(1, fmt.Sprintf("the specified VM %q does not exist", src)), nil
		} else {
			vm.DiskGB = f.imageDiskGB
		}
		f.vms[dst] = vm
		return succeed(""), nil

	case "set":
		vm, found := f.vms[fields[2]]
		if !found {
			return fail(1, "VM does not exist"), nil
		}
		var cpu, mem, disk int
		_, _ = fmt.Sscanf(strings.Join(fields[3:], " "), "--cpu %d --memory %d --disk-size %d", &cpu, &mem, &disk)
		if disk < vm.DiskGB {
			return fail(1, "Error: the new disk size must be larger than the current one"), nil
		}
		vm.CPU, vm.MemoryMB, vm.DiskGB = cpu, mem, disk
		return succeed(""), nil

	case "run":
		vm, found := f.vms[fields[3]]
		if !found {
			return fail(1, "VM does not exist"), nil
		}
		vm.Status = v1alpha1.VMStatusRunning
		vm.IPAddress = "192.168.64.10"
		return succeed(""), nil

	case "stop":
		vm, found := f.vms[fields[2]]
		if !found {
			return fail(1, "VM does not exist"), nil
		}
		if vm.Status != v1alpha1.VMStatusRunning {
			return fail(1, "VM is not running"), nil
		}
		vm.Status = v1alpha1.VMStatusStopped
		vm.IPAddress = ""
		return succeed(""), nil

	case "ip":
		vm, found := f.vms[fields[2]]
		if !found {
			return fail(1, "VM does not exist"), nil
		}
		if vm.Status != v1alpha1.VMStatusRunning {
			return fail(1, "VM is not running"), nil
		}
		return succeed(vm.IPAddress), nil

	case "delete":
		vm, found := f.vms[fields[2]]
		if !found {
			return fail(1, "VM does not exist"), nil
		}
		if vm.Status == v1alpha1.VMStatusRunning {
			return fail(1, "VM is running, stop it first"), nil
		}
		delete(f.vms, fields[2])
		return succeed(""), nil
	}
	return fail(1, "unknown subcommand "+fields[1]), nil
}

func (f *fakeTart) get(name string) (v1alpha1.VM, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[name]
	if !ok {
		return v1alpha1.VM{}, false
	}
	return *vm, true
}
