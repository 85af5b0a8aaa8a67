package vm

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
	"github.com/jbweber/grove/internal/naming"
)

// CreateRequest describes a new VM. Zero resources take the manager's
// defaults.
type CreateRequest struct {
	Name  string
	Image string
	Resources
}

// Create clones Image into a new VM and applies its resources.
//
// Cloning and sizing are separate remote commands. When sizing fails the
// clone is deleted again, so a failed Create leaves nothing behind.
//
// The request is validated before any host is contacted:
//  1. Name must be a valid VM name
//  2. Image must be set
//  3. Resources, after defaults, must be inside the manager's limits
//
// Returns the VM as it should now exist, stopped.
func (m *Manager) Create(ctx context.Context, host string, req CreateRequest) (v1alpha1.VM, error) {
	req, err := m.resolve(req)
	if err != nil {
		return v1alpha1.VM{}, faults.Bind(err, host, req.Name)
	}

	vm := v1alpha1.VM{
		Name:     req.Name,
		Host:     host,
		Status:   v1alpha1.VMStatusStopped,
		CPU:      req.CPU,
		MemoryMB: req.MemoryMB,
		DiskGB:   req.DiskGB,
		Source:   req.Image,
	}

	cloneCmd := m.cmds.clone(req.Image, req.Name)
	setCmd := m.cmds.set(req.Name, req.CPU, req.MemoryMB, req.DiskGB)
	if m.dryRun(v1alpha1.VerbCreate, host, cloneCmd) {
		m.dryRun(v1alpha1.VerbCreate, host, setCmd)
		return vm, nil
	}
	if _, err := m.run(ctx, v1alpha1.VerbCreate, host, req.Name, cloneCmd); err != nil {
		return v1alpha1.VM{}, err
	}
	if _, err := m.run(ctx, v1alpha1.VerbCreate, host, req.Name, setCmd); err != nil {
		m.cleanup(ctx, host, req.Name)
		return v1alpha1.VM{}, err
	}

	m.logger.Info("created VM",
		zap.String("host", host), zap.String("vm", req.Name), zap.String("image", req.Image),
		zap.Int("cpu", req.CPU), zap.Int("memory_mb", req.MemoryMB), zap.Int("disk_gb", req.DiskGB))
	return vm, nil
}

// cleanup deletes a half-created VM. It is best-effort: failures are logged
// and the VM may have to be deleted by hand.
func (m *Manager) cleanup(ctx context.Context, host, name string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := m.run(ctx, v1alpha1.VerbDelete, host, name, m.cmds.delete(name)); err != nil {
		m.logger.Warn("failed to delete VM after failed create",
			zap.String("host", host), zap.String("vm", name), zap.Error(err))
		return
	}
	m.logger.Info("deleted VM after failed create", zap.String("host", host), zap.String("vm", name))
}

// resolve applies defaults to req and validates it.
func (m *Manager) resolve(req CreateRequest) (CreateRequest, error) {
	if err := naming.ValidateVMName(req.Name); err != nil {
		return req, err
	}
	req.Image = strings.TrimSpace(req.Image)
	if req.Image == "" {
		return req, faults.Newf(faults.ErrInvalidRequest, "validate", "image is required")
	}

	if req.CPU == 0 {
		req.CPU = m.opts.Defaults.CPU
	}
	if req.MemoryMB == 0 {
		req.MemoryMB = m.opts.Defaults.MemoryMB
	}
	if req.DiskGB == 0 {
		req.DiskGB = m.opts.Defaults.DiskGB
	}
	if err := m.opts.Limits.Check(req.Resources); err != nil {
		return req, err
	}
	return req, nil
}

// Clone copies the VM src into a new VM dst on the same host.
func (m *Manager) Clone(ctx context.Context, host, src, dst string) error {
	for _, n := range []string{src, dst} {
		if err := naming.ValidateVMName(n); err != nil {
			return faults.Bind(err, host, n)
		}
	}
	if src == dst {
		return faults.Newf(faults.ErrInvalidRequest, "clone", "source and destination are both %q", src).WithTarget(host, src)
	}

	cmd := m.cmds.clone(src, dst)
	if m.dryRun(v1alpha1.VerbClone, host, cmd) {
		return nil
	}
	if _, err := m.run(ctx, v1alpha1.VerbClone, host, src, cmd); err != nil {
		return err
	}
	m.logger.Info("cloned VM", zap.String("host", host), zap.String("vm", src), zap.String("clone", dst))
	return nil
}
