package vm

import (
	"context"
	"fmt"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
	"github.com/jbweber/grove/internal/retry"
	"github.com/jbweber/grove/internal/status"
)

// Args carries the verb-specific parameters of Operate.
type Args struct {
	// Force makes stop skip the graceful shutdown.
	Force bool
	// Image is the source image for create.
	Image string
	// Resources size a create. Zero values take defaults.
	Resources Resources
	// Clone is the destination name for clone.
	Clone string
}

// Operate runs verb against one VM and reports the outcome as an
// OperationResult. It never returns an error: failures become a result with
// OutcomeFailure, and an "already stopped" stop or "already running" start
// becomes OutcomeSkipped.
func (m *Manager) Operate(ctx context.Context, verb v1alpha1.Verb, host, name string, args Args) v1alpha1.OperationResult {
	ctx, trace := retry.WithTrace(ctx)
	target := v1alpha1.Target{Host: host, VM: name}

	msg, err := m.operate(ctx, verb, host, name, args)

	var res v1alpha1.OperationResult
	switch {
	case err == nil:
		res = v1alpha1.Succeeded(target, verb, trace.Attempts(), msg)
	case status.Settled(verb, err):
		res = v1alpha1.Skipped(target, verb, trace.Attempts(), faults.KindOf(err).Error())
	default:
		res = v1alpha1.Failed(target, verb, trace.Attempts(), err)
	}
	m.m.OperationFinished(string(verb), string(res.Outcome))
	return res
}

func (m *Manager) operate(ctx context.Context, verb v1alpha1.Verb, host, name string, args Args) (string, error) {
	done := func(what string) string {
		if m.opts.DryRun && status.Mutates(verb) {
			return "dry run"
		}
		return what
	}

	switch verb {
	case v1alpha1.VerbCreate:
		vm, err := m.Create(ctx, host, CreateRequest{Name: name, Image: args.Image, Resources: args.Resources})
		if err != nil {
			return "", err
		}
		return done(fmt.Sprintf("created from %s (%d CPU, %s, %d GB)", vm.Source, vm.CPU, v1alpha1.FormatMemory(vm.MemoryMB), vm.DiskGB)), nil
	case v1alpha1.VerbStart:
		return done("started"), m.Start(ctx, host, name)
	case v1alpha1.VerbStop:
		return done("stopped"), m.Stop(ctx, host, name, args.Force)
	case v1alpha1.VerbStatus:
		vm, err := m.Status(ctx, host, name)
		if err != nil {
			return "", err
		}
		if vm.IPAddress != "" {
			return fmt.Sprintf("%s (%s)", vm.Status, vm.IPAddress), nil
		}
		return string(vm.Status), nil
	case v1alpha1.VerbIP:
		ip, err := m.IP(ctx, host, name)
		if err != nil {
			return "", err
		}
		if ip == "" {
			return "no address", nil
		}
		return ip, nil
	case v1alpha1.VerbClone:
		return done("cloned to " + args.Clone), m.Clone(ctx, host, name, args.Clone)
	case v1alpha1.VerbDelete:
		return done("deleted"), m.Delete(ctx, host, name)
	}
	return "", faults.Newf(faults.ErrInvalidRequest, string(verb), "%q is not a per-VM verb", verb).WithTarget(host, name)
}
