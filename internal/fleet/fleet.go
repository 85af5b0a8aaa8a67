// Package fleet assembles grove's components from a configuration and
// exposes the operations the command line needs.
//
// A Fleet owns one session pool for its lifetime. Close it to release every
// SSH connection.
package fleet

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/batch"
	"github.com/jbweber/grove/internal/config"
	"github.com/jbweber/grove/internal/metrics"
	"github.com/jbweber/grove/internal/pool"
	"github.com/jbweber/grove/internal/registry"
	"github.com/jbweber/grove/internal/retry"
	grovessh "github.com/jbweber/grove/internal/ssh"
	"github.com/jbweber/grove/internal/vm"
)

// Options carries the collaborators that do not come from the config file.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// DryRun prints mutating commands to DryRunOut instead of running them.
	DryRun    bool
	DryRunOut io.Writer

	// Dial replaces the SSH dialer. Nil dials with the config's ssh section.
	Dial pool.DialFunc
}

// Fleet is the set of configured hosts and the machinery to act on them.
type Fleet struct {
	hosts    *registry.Registry
	pool     *pool.Pool
	vms      *vm.Manager
	batch    *batch.Dispatcher
	dial     pool.DialFunc
	pingWait time.Duration
	logger   *zap.Logger
}

// New validates cfg and builds a Fleet from it.
func New(cfg *config.Config, opts Options) (*Fleet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	hosts, err := registry.New(cfg.Hosts...)
	if err != nil {
		return nil, err
	}

	dial := opts.Dial
	if dial == nil {
		sshOpts := cfg.SSHOptions()
		sshOpts.Logger = logger.Named("ssh")
		dial = func(ctx context.Context, h v1alpha1.Host) (pool.Conn, error) {
			c, err := grovessh.Dial(ctx, h, sshOpts)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}

	exec, err := retry.New(cfg.Retry, retry.Options{Logger: logger, Metrics: opts.Metrics})
	if err != nil {
		return nil, err
	}

	sessions := pool.New(cfg.Pool, hosts, dial, pool.Options{Logger: logger, Metrics: opts.Metrics})

	vms := vm.NewManager(sessions, exec, vm.Options{
		Tool:           cfg.Tool.Binary,
		CommandTimeout: cfg.SSH.CommandTimeout,
		Defaults:       cfg.Defaults,
		Limits:         cfg.Limits,
		DryRun:         opts.DryRun,
		DryRunOut:      opts.DryRunOut,
		Logger:         logger,
		Metrics:        opts.Metrics,
	})

	dispatcher := batch.New(hosts, vms, batch.Options{
		Concurrency: cfg.Batch.Concurrency,
		Logger:      logger,
		Metrics:     opts.Metrics,
	})

	pingWait := cfg.Pool.PingTimeout
	if pingWait <= 0 {
		pingWait = pool.DefaultConfig().PingTimeout
	}

	return &Fleet{
		hosts:    hosts,
		pool:     sessions,
		vms:      vms,
		batch:    dispatcher,
		dial:     dial,
		pingWait: pingWait,
		logger:   logger.Named("fleet"),
	}, nil
}

// Hosts returns the registered hosts in configuration order.
func (f *Fleet) Hosts() []v1alpha1.Host {
	return f.hosts.List()
}

// AddHost registers h for the lifetime of the Fleet.
func (f *Fleet) AddHost(h v1alpha1.Host) error {
	return f.hosts.Add(h)
}

// RemoveHost unregisters a host and closes its idle sessions.
func (f *Fleet) RemoveHost(name string) error {
	if err := f.hosts.Remove(name); err != nil {
		return err
	}
	f.pool.Evict(name)
	return nil
}

// ListVMs lists VMs whose names match pattern on hostFilter, or on every host
// when hostFilter is empty. Hosts that cannot be listed are reported in
// Selection.Failures.
func (f *Fleet) ListVMs(ctx context.Context, hostFilter, pattern string) (batch.Selection, error) {
	return f.batch.Targets(ctx, pattern, hostFilter)
}

// VMOperation runs one verb against one VM.
func (f *Fleet) VMOperation(ctx context.Context, verb v1alpha1.Verb, host, name string, args vm.Args) v1alpha1.OperationResult {
	return f.vms.Operate(ctx, verb, host, name, args)
}

// Status returns one VM's listing, with its address when running.
func (f *Fleet) Status(ctx context.Context, host, name string) (v1alpha1.VM, error) {
	return f.vms.Status(ctx, host, name)
}

// Create creates a VM and returns it as it will be listed.
func (f *Fleet) Create(ctx context.Context, host string, req vm.CreateRequest) (v1alpha1.VM, error) {
	return f.vms.Create(ctx, host, req)
}

// BatchRun runs verb on every VM matching pattern.
func (f *Fleet) BatchRun(ctx context.Context, verb v1alpha1.Verb, pattern, hostFilter string, force bool) ([]v1alpha1.OperationResult, error) {
	return f.Dispatch(ctx, batch.Request{Verb: verb, Pattern: pattern, Host: hostFilter, Force: force})
}

// Dispatch runs a fully specified batch request.
func (f *Fleet) Dispatch(ctx context.Context, req batch.Request) ([]v1alpha1.OperationResult, error) {
	results, err := f.batch.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	v1alpha1.SortResults(results)
	return results, nil
}

// TestHost opens a fresh connection to the host called name and runs the
// liveness probe on it. The pool is bypassed so a cached session cannot
// hide a broken host.
func (f *Fleet) TestHost(ctx context.Context, name string) (v1alpha1.HostCheck, error) {
	h, err := f.hosts.Get(name)
	if err != nil {
		return v1alpha1.HostCheck{}, err
	}
	check := v1alpha1.HostCheck{Host: h.Name, Address: h.Address}

	start := time.Now()
	conn, err := f.dial(ctx, h)
	if err != nil {
		check.Error = err.Error()
		return check, nil
	}
	defer func() { _ = conn.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, f.pingWait)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		check.Error = err.Error()
		return check, nil
	}

	check.Reachable = true
	check.Latency = time.Since(start)
	f.logger.Debug("host reachable", zap.String("host", h.Name), zap.Duration("latency", check.Latency))
	return check, nil
}

// TestHosts tests every registered host in parallel. Results follow
// registration order.
func (f *Fleet) TestHosts(ctx context.Context) []v1alpha1.HostCheck {
	names := f.hosts.Names()
	checks := make([]v1alpha1.HostCheck, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			check, err := f.TestHost(ctx, name)
			if err != nil {
				check = v1alpha1.HostCheck{Host: name, Error: err.Error()}
			}
			checks[i] = check
			return nil
		})
	}
	_ = g.Wait()
	return checks
}

// Stats returns the pool's per-host session counts.
func (f *Fleet) Stats() map[string]pool.HostStats {
	return f.pool.Stats()
}

// Close shuts the session pool down.
func (f *Fleet) Close(ctx context.Context) error {
	return f.pool.Shutdown(ctx)
}
