package vm

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
	"github.com/jbweber/grove/internal/metrics"
	grovessh "github.com/jbweber/grove/internal/ssh"
	"github.com/jbweber/grove/internal/status"
)

// DefaultCommandTimeout bounds a single remote command.
const DefaultCommandTimeout = 5 * time.Minute

// Resources sizes a VM.
type Resources struct {
	CPU      int `yaml:"cpu" json:"cpu" validate:"gte=0"`
	MemoryMB int `yaml:"memory_mb" json:"memoryMB" validate:"gte=0"`
	DiskGB   int `yaml:"disk_gb" json:"diskGB" validate:"gte=0"`
}

// DefaultResources returns the sizing used when a request leaves a value at
// zero.
func DefaultResources() Resources {
	return Resources{CPU: 4, MemoryMB: 8192, DiskGB: 50}
}

// Limits bounds what Create accepts.
type Limits struct {
	MinCPU      int `yaml:"min_cpu" json:"minCPU" validate:"gte=1"`
	MaxCPU      int `yaml:"max_cpu" json:"maxCPU" validate:"gtefield=MinCPU"`
	MinMemoryMB int `yaml:"min_memory_mb" json:"minMemoryMB" validate:"gte=1"`
	MaxMemoryMB int `yaml:"max_memory_mb" json:"maxMemoryMB" validate:"gtefield=MinMemoryMB"`
	MinDiskGB   int `yaml:"min_disk_gb" json:"minDiskGB" validate:"gte=1"`
	MaxDiskGB   int `yaml:"max_disk_gb" json:"maxDiskGB" validate:"gtefield=MinDiskGB"`
}

// DefaultLimits returns the bounds the tool is known to handle.
func DefaultLimits() Limits {
	return Limits{
		MinCPU:      1,
		MaxCPU:      64,
		MinMemoryMB: 512,
		MaxMemoryMB: 131072,
		MinDiskGB:   10,
		MaxDiskGB:   2048,
	}
}

// Check reports the first value of r outside l as faults.ErrInvalidRequest.
func (l Limits) Check(r Resources) error {
	for _, c := range []struct {
		what     string
		v        int
		min, max int
		unit     string
	}{
		{"cpu", r.CPU, l.MinCPU, l.MaxCPU, " cores"},
		{"memory", r.MemoryMB, l.MinMemoryMB, l.MaxMemoryMB, " MB"},
		{"disk", r.DiskGB, l.MinDiskGB, l.MaxDiskGB, " GB"},
	} {
		if c.v < c.min || c.v > c.max {
			return faults.Newf(faults.ErrInvalidRequest, "validate", "%s must be between %d and %d%s, got %d", c.what, c.min, c.max, c.unit, c.v)
		}
	}
	return nil
}

// Options configures a Manager. Zero values take defaults.
type Options struct {
	// Tool is the virtualization CLI on the hosts.
	Tool string
	// CommandTimeout bounds each remote command.
	CommandTimeout time.Duration
	// Defaults fill zero resources in create requests.
	Defaults Resources
	// Limits bound create requests.
	Limits Limits
	// DryRun prints mutating commands to DryRunOut instead of running them.
	DryRun    bool
	DryRunOut io.Writer

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Manager runs VM verbs on remote hosts.
type Manager struct {
	pool   sessionPool
	exec   executor
	cmds   commands
	opts   Options
	logger *zap.Logger
	m      *metrics.Metrics
}

// NewManager creates a Manager that takes sessions from p and runs every
// remote call through e.
func NewManager(p sessionPool, e executor, opts Options) *Manager {
	if opts.Tool == "" {
		opts.Tool = DefaultTool
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.Defaults == (Resources{}) {
		opts.Defaults = DefaultResources()
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.DryRunOut == nil {
		opts.DryRunOut = os.Stdout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		pool:   p,
		exec:   e,
		cmds:   commands{tool: opts.Tool},
		opts:   opts,
		logger: logger.Named("vm"),
		m:      opts.Metrics,
	}
}

// run sends cmd to host under the retry executor and returns the tool's
// output. A non-zero exit status comes back as a classified faults error.
//
// For verbs that are not idempotent, a transport failure after the command
// was sent is marked final so the executor does not repeat it.
func (m *Manager) run(ctx context.Context, verb v1alpha1.Verb, host, name, cmd string) (grovessh.Result, error) {
	idempotent := status.Idempotent(verb)

	var out grovessh.Result
	err := m.exec.Execute(ctx, string(verb), func(ctx context.Context) error {
		res, err := m.runOnce(ctx, verb, host, cmd)
		if err != nil {
			err = faults.Bind(err, host, name)
			if !idempotent && faults.WasSent(err) {
				m.logger.Warn("command may have reached the host, not retrying",
					zap.String("verb", string(verb)), zap.String("host", host), zap.String("vm", name), zap.Error(err))
				return faults.NoRetry(err)
			}
			return err
		}
		if err := remoteError(verb, host, name, res); err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// runOnce is a single attempt: acquire, run under the command timeout,
// release. The session is discarded when the transport failed.
func (m *Manager) runOnce(ctx context.Context, verb v1alpha1.Verb, host, cmd string) (grovessh.Result, error) {
	s, err := m.pool.Acquire(ctx, host)
	if err != nil {
		return grovessh.Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.Run(runCtx, cmd)
	m.m.ObserveCommand(string(verb), time.Since(start))

	healthy := !faults.IsTransport(err)
	m.pool.Release(s, healthy)
	if err != nil {
		m.logger.Debug("command failed",
			zap.String("verb", string(verb)), zap.String("host", host), zap.String("session", s.ID),
			zap.Bool("healthy", healthy), zap.Error(err))
	}
	return res, err
}

// dryRun prints cmd and reports true when verb must not be executed.
func (m *Manager) dryRun(verb v1alpha1.Verb, host, cmd string) bool {
	if !m.opts.DryRun || !status.Mutates(verb) {
		return false
	}
	_, _ = fmt.Fprintf(m.opts.DryRunOut, "[dry-run] %s: %s\n", host, cmd)
	return true
}

// remoteError translates a non-zero exit status into a faults kind using the
// tool's error text.
func remoteError(verb v1alpha1.Verb, host, name string, res grovessh.Result) error {
	if res.Success() {
		return nil
	}
	msg := res.Stderr
	if msg == "" {
		msg = res.Stdout
	}
	cause := fmt.Errorf("exit status %d", res.ExitCode)
	if msg != "" {
		cause = fmt.Errorf("exit status %d: %s", res.ExitCode, msg)
	}
	return &faults.Error{
		Kind: classifyRemote(res.ExitCode, strings.ToLower(res.Stderr+"\n"+res.Stdout)),
		Op:   string(verb),
		Host: host,
		VM:   name,
		Sent: true,
		Err:  cause,
	}
}

func classifyRemote(code int, text string) error {
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(text, s) {
				return true
			}
		}
		return false
	}

	switch {
	case code == 127 || has("command not found"):
		return faults.ErrCommandNotFound
	case has("already exists"):
		return faults.ErrAlreadyExists
	case has("not running", "already stopped", "is stopped"):
		return faults.ErrAlreadyStopped
	case has("already running", "is running"):
		return faults.ErrAlreadyRunning
	case has("does not exist", "not found", "no such"):
		return faults.ErrVMNotFound
	default:
		return faults.ErrCommandFailed
	}
}
