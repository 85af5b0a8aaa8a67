package fleet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/config"
	"github.com/jbweber/grove/internal/faults"
	"github.com/jbweber/grove/internal/inventory"
	"github.com/jbweber/grove/internal/pool"
	grovessh "github.com/jbweber/grove/internal/ssh"
)

// fakeHosts simulates a set of hosts running the VM tool.
type fakeHosts struct {
	mu          sync.Mutex
	vms         map[string]map[string]*v1alpha1.VM
	unreachable map[string]bool

	// Call tracking
	dials  int
	closes int
	cmds   []string
}

func newFakeHosts() *fakeHosts {
	return &fakeHosts{
		vms:         make(map[string]map[string]*v1alpha1.VM),
		unreachable: make(map[string]bool),
	}
}

func (f *fakeHosts) add(host, name string, st v1alpha1.VMStatus) {
	if f.vms[host] == nil {
		f.vms[host] = make(map[string]*v1alpha1.VM)
	}
	f.vms[host][name] = &v1alpha1.VM{Name: name, Host: host, Status: st, CPU: 4, MemoryMB: 8192, DiskGB: 50}
}

func (f *fakeHosts) status(host, name string) v1alpha1.VMStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vm, ok := f.vms[host][name]; ok {
		return vm.Status
	}
	return ""
}

func (f *fakeHosts) counts() (dials, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials, f.closes
}

func (f *fakeHosts) dial(_ context.Context, h v1alpha1.Host) (pool.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[h.Name] {
		return nil, faults.New(faults.ErrHostUnreachable, "dial", fmt.Errorf("connection refused")).WithTarget(h.Name, "")
	}
	f.dials++
	return &fakeConn{hosts: f, host: h.Name}, nil
}

type fakeConn struct {
	hosts *fakeHosts
	host  string
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close() error {
	c.hosts.mu.Lock()
	defer c.hosts.mu.Unlock()
	c.hosts.closes++
	return nil
}

func (c *fakeConn) Run(_ context.Context, cmd string) (grovessh.Result, error) {
	f := c.hosts
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, c.host+": "+cmd)

	fields := strings.Fields(cmd)
	if len(fields) > 0 && fields[0] == "nohup" {
		fields = fields[1:]
	}
	if len(fields) < 3 || fields[0] != "tart" {
		return grovessh.Result{ExitCode: 127, Stderr: "command not found"}, nil
	}
	vms := f.vms[c.host]

	switch fields[1] {
	case "list":
		var out []v1alpha1.VM
		for _, vm := range vms {
			out = append(out, *vm)
		}
		v1alpha1.SortVMs(out)
		return grovessh.Result{Stdout: inventory.Format(out)}, nil
	case "run":
		vm, ok := vms[fields[3]]
		if !ok {
			return grovessh.Result{ExitCode: 1, Stderr: "VM does not exist"}, nil
		}
		vm.Status = v1alpha1.VMStatusRunning
		return grovessh.Result{}, nil
	case "stop":
		vm, ok := vms[fields[2]]
		if !ok {
			return grovessh.Result{ExitCode: 1, Stderr: "VM does not exist"}, nil
		}
		if vm.Status != v1alpha1.VMStatusRunning {
			return grovessh.Result{ExitCode: 1, Stderr: "VM is not running"}, nil
		}
		vm.Status = v1alpha1.VMStatusStopped
		return grovessh.Result{}, nil
	case "ip":
		return grovessh.Result{Stdout: "192.168.64.5\n"}, nil
	}
	return grovessh.Result{ExitCode: 1, Stderr: "unsupported"}, nil
}

func testConfig(hosts ...string) *config.Config {
	cfg := config.Default()
	for i, h := range hosts {
		cfg.Hosts = append(cfg.Hosts, v1alpha1.Host{Name: h, Address: fmt.Sprintf("10.0.0.%d", i+1)})
	}
	cfg.Pool.ReapInterval = 0
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	return cfg
}
