// Package batch fans a VM verb out over every VM whose name matches a glob
// pattern, across one host or the whole registry.
//
// A batch has no all-or-nothing semantics: every target gets its own
// OperationResult and one target's failure never stops another.
package batch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
	"github.com/jbweber/grove/internal/metrics"
	"github.com/jbweber/grove/internal/naming"
	"github.com/jbweber/grove/internal/retry"
	"github.com/jbweber/grove/internal/status"
	"github.com/jbweber/grove/internal/vm"
)

// DefaultConcurrency caps how many targets run at once when neither the
// dispatcher nor the request sets a limit.
const DefaultConcurrency = 8

// Verbs lists the verbs a batch can run.
var Verbs = []v1alpha1.Verb{
	v1alpha1.VerbStart,
	v1alpha1.VerbStop,
	v1alpha1.VerbDelete,
	v1alpha1.VerbStatus,
	v1alpha1.VerbIP,
}

// hostSource defines the registry operations the dispatcher needs.
//
// In production, this is satisfied by *registry.Registry.
type hostSource interface {
	Names() []string
	Get(name string) (v1alpha1.Host, error)
}

// operator defines the adapter operations the dispatcher needs.
//
// In production, this is satisfied by *vm.Manager.
type operator interface {
	List(ctx context.Context, host string) ([]v1alpha1.VM, error)
	Operate(ctx context.Context, verb v1alpha1.Verb, host, name string, args vm.Args) v1alpha1.OperationResult
}

// Options configures a Dispatcher.
type Options struct {
	Concurrency int
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Dispatcher runs batch operations.
type Dispatcher struct {
	hosts  hostSource
	op     operator
	limit  int
	logger *zap.Logger
	m      *metrics.Metrics
}

// New creates a Dispatcher over the hosts in hosts, acting through op.
func New(hosts hostSource, op operator, opts Options) *Dispatcher {
	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		hosts:  hosts,
		op:     op,
		limit:  limit,
		logger: logger.Named("batch"),
		m:      opts.Metrics,
	}
}

// Request describes one batch.
type Request struct {
	Verb v1alpha1.Verb
	// Pattern selects VMs by name. Empty selects every VM.
	Pattern string
	// Host restricts the batch to one host. Empty means every host.
	Host string
	// Concurrency overrides the dispatcher's limit when positive.
	Concurrency int
	// Force sends stop even to VMs listed as stopped.
	Force bool
	// Args are passed through to every target.
	Args vm.Args
}

// Selection is the result of target enumeration.
type Selection struct {
	// VMs matched the pattern, ordered by host and name.
	VMs []v1alpha1.VM
	// Failures has one result per host that could not be listed.
	Failures []v1alpha1.OperationResult
}

// Targets lists the VMs matching pattern on host, or on every host when host
// is empty. Hosts are listed in parallel; a host that cannot be listed is
// reported in Selection.Failures and the others are still returned.
//
// Only an invalid pattern or an unknown host filter fail the call itself.
func (d *Dispatcher) Targets(ctx context.Context, pattern, host string) (Selection, error) {
	if pattern == "" {
		pattern = "*"
	}
	if err := naming.ValidatePattern(pattern); err != nil {
		return Selection{}, err
	}

	hosts := d.hosts.Names()
	if host != "" {
		if _, err := d.hosts.Get(host); err != nil {
			return Selection{}, err
		}
		hosts = []string{host}
	}

	var (
		mu  sync.Mutex
		sel Selection
		g   errgroup.Group
	)
	g.SetLimit(d.limit)
	for _, h := range hosts {
		g.Go(func() error {
			tctx, trace := retry.WithTrace(ctx)
			vms, err := d.op.List(tctx, h)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.logger.Warn("failed to list host", zap.String("host", h), zap.Error(err))
				sel.Failures = append(sel.Failures, v1alpha1.Failed(v1alpha1.Target{Host: h}, v1alpha1.VerbList, trace.Attempts(), err))
				return nil
			}
			for _, v := range vms {
				if naming.Match(pattern, v.Name) {
					sel.VMs = append(sel.VMs, v)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	v1alpha1.SortVMs(sel.VMs)
	v1alpha1.SortResults(sel.Failures)
	return sel, nil
}

// Run executes req and returns one result per matched target plus one
// failure per host that could not be listed. Result order is unspecified.
//
// The workflow:
//  1. Validate the verb and pattern
//  2. Enumerate targets (see Targets)
//  3. Run each target as its own unit, at most Concurrency at a time
//
// A stop of a VM listed as stopped is skipped without contacting the host
// unless req.Force is set. A start of a running VM is skipped the same way.
//
// When ctx is cancelled, units that have not started are reported as skipped
// and units already running finish on a context detached from ctx.
func (d *Dispatcher) Run(ctx context.Context, req Request) ([]v1alpha1.OperationResult, error) {
	if !isBatchVerb(req.Verb) {
		return nil, faults.Newf(faults.ErrInvalidRequest, "batch", "verb %q cannot be run as a batch", req.Verb)
	}

	runID := uuid.NewString()
	logger := d.logger.With(zap.String("run", runID), zap.String("verb", string(req.Verb)))

	sel, err := d.Targets(ctx, req.Pattern, req.Host)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results = make([]v1alpha1.OperationResult, 0, len(sel.VMs)+len(sel.Failures))
	)
	for _, f := range sel.Failures {
		f.Verb = req.Verb
		results = append(results, f)
		d.m.OperationFinished(string(req.Verb), string(f.Outcome))
	}
	record := func(r v1alpha1.OperationResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}

	limit := d.limit
	if req.Concurrency > 0 {
		limit = req.Concurrency
	}
	logger.Info("dispatching batch",
		zap.String("pattern", req.Pattern), zap.String("host", req.Host),
		zap.Int("targets", len(sel.VMs)), zap.Int("concurrency", limit))

	args := req.Args
	args.Force = req.Force

	var g errgroup.Group
	g.SetLimit(limit)
	for _, target := range sel.VMs {
		if ctx.Err() != nil {
			record(d.skip(target, req.Verb, "cancelled before start"))
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				record(d.skip(target, req.Verb, "cancelled before start"))
				return nil
			}
			record(d.unit(context.WithoutCancel(ctx), target, req.Verb, req.Force, args))
			return nil
		})
	}
	_ = g.Wait()

	summary := v1alpha1.Summary(results)
	logger.Info("batch finished",
		zap.Int("success", summary[v1alpha1.OutcomeSuccess]),
		zap.Int("skipped", summary[v1alpha1.OutcomeSkipped]),
		zap.Int("failure", summary[v1alpha1.OutcomeFailure]))
	return results, nil
}

// unit runs verb on one target.
func (d *Dispatcher) unit(ctx context.Context, target v1alpha1.VM, verb v1alpha1.Verb, force bool, args vm.Args) v1alpha1.OperationResult {
	if skip, reason := status.ShouldSkip(verb, target.Status, force); skip {
		return d.skip(target, verb, reason)
	}
	res := d.op.Operate(ctx, verb, target.Host, target.Name, args)
	if res.Outcome == v1alpha1.OutcomeFailure {
		d.logger.Warn("target failed", zap.String("host", target.Host), zap.String("vm", target.Name), zap.Error(res.Err))
	}
	return res
}

func (d *Dispatcher) skip(target v1alpha1.VM, verb v1alpha1.Verb, reason string) v1alpha1.OperationResult {
	d.m.OperationFinished(string(verb), string(v1alpha1.OutcomeSkipped))
	return v1alpha1.Skipped(target.Target(), verb, 0, reason)
}

func isBatchVerb(verb v1alpha1.Verb) bool {
	for _, v := range Verbs {
		if v == verb {
			return true
		}
	}
	return false
}
