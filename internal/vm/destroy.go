package vm

import (
	"context"

	"go.uber.org/zap"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/naming"
)

// Delete removes a VM and its disk from host.
//
// The tool refuses to delete a running VM; that surfaces as AlreadyRunning
// and the caller is expected to stop it first.
func (m *Manager) Delete(ctx context.Context, host, name string) error {
	if err := naming.ValidateVMName(name); err != nil {
		return err
	}

	cmd := m.cmds.delete(name)
	if m.dryRun(v1alpha1.VerbDelete, host, cmd) {
		return nil
	}
	if _, err := m.run(ctx, v1alpha1.VerbDelete, host, name, cmd); err != nil {
		return err
	}
	m.logger.Info("deleted VM", zap.String("host", host), zap.String("vm", name))
	return nil
}
