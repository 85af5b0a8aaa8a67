package vm

import (
	"context"

	"go.uber.org/zap"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
	"github.com/jbweber/grove/internal/naming"
	"github.com/jbweber/grove/internal/status"
)

// Start boots a stopped VM.
//
// The VM is looked up first, so a missing VM fails with VMNotFound and a
// running one with AlreadyRunning before anything is launched.
func (m *Manager) Start(ctx context.Context, host, name string) error {
	if err := naming.ValidateVMName(name); err != nil {
		return err
	}

	vm, err := m.find(ctx, v1alpha1.VerbStart, host, name)
	if err != nil {
		return err
	}
	if err := status.Precondition(v1alpha1.VerbStart, vm.Status); err != nil {
		return faults.Bind(err, host, name)
	}

	cmd := m.cmds.start(name)
	if m.dryRun(v1alpha1.VerbStart, host, cmd) {
		return nil
	}
	if _, err := m.run(ctx, v1alpha1.VerbStart, host, name, cmd); err != nil {
		return err
	}
	m.logger.Info("started VM", zap.String("host", host), zap.String("vm", name))
	return nil
}

// Stop shuts a VM down. With force the tool does not wait for a graceful
// shutdown.
func (m *Manager) Stop(ctx context.Context, host, name string, force bool) error {
	if err := naming.ValidateVMName(name); err != nil {
		return err
	}

	cmd := m.cmds.stop(name, force)
	if m.dryRun(v1alpha1.VerbStop, host, cmd) {
		return nil
	}
	if _, err := m.run(ctx, v1alpha1.VerbStop, host, name, cmd); err != nil {
		return err
	}
	m.logger.Info("stopped VM", zap.String("host", host), zap.String("vm", name), zap.Bool("force", force))
	return nil
}
