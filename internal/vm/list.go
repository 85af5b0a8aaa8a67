package vm

import (
	"context"

	"go.uber.org/zap"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
	"github.com/jbweber/grove/internal/inventory"
	"github.com/jbweber/grove/internal/naming"
)

// List returns every VM on host.
func (m *Manager) List(ctx context.Context, host string) ([]v1alpha1.VM, error) {
	res, err := m.run(ctx, v1alpha1.VerbList, host, "", m.cmds.list())
	if err != nil {
		return nil, err
	}
	vms, err := inventory.Parse(host, res.Stdout)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("listed VMs", zap.String("host", host), zap.Int("count", len(vms)))
	return vms, nil
}

// Status returns the VM called name on host. The IP address is looked up
// when the VM is running and the listing did not carry one.
func (m *Manager) Status(ctx context.Context, host, name string) (v1alpha1.VM, error) {
	if err := naming.ValidateVMName(name); err != nil {
		return v1alpha1.VM{}, err
	}

	vm, err := m.find(ctx, v1alpha1.VerbStatus, host, name)
	if err != nil {
		return v1alpha1.VM{}, err
	}

	if vm.IsRunning() && vm.IPAddress == "" {
		ip, err := m.IP(ctx, host, name)
		if err != nil {
			m.logger.Debug("no address for running VM", zap.String("host", host), zap.String("vm", name), zap.Error(err))
		} else {
			vm.IPAddress = ip
		}
	}
	return vm, nil
}

// IP returns the address of a running VM, or "" when the tool has none yet.
func (m *Manager) IP(ctx context.Context, host, name string) (string, error) {
	if err := naming.ValidateVMName(name); err != nil {
		return "", err
	}
	res, err := m.run(ctx, v1alpha1.VerbIP, host, name, m.cmds.ip(name))
	if err != nil {
		return "", err
	}
	return inventory.ParseAddress(host, name, res.Stdout)
}

// find lists host and picks out name.
func (m *Manager) find(ctx context.Context, verb v1alpha1.Verb, host, name string) (v1alpha1.VM, error) {
	vms, err := m.List(ctx, host)
	if err != nil {
		return v1alpha1.VM{}, err
	}
	for _, vm := range vms {
		if vm.Name == name {
			return vm, nil
		}
	}
	return v1alpha1.VM{}, faults.Newf(faults.ErrVMNotFound, string(verb), "no VM named %q", name).WithTarget(host, name)
}
