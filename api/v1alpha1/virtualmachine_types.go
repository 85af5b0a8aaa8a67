package v1alpha1

import "strings"

// VMStatus is the observed power state of a VM as reported by the remote tool.
type VMStatus string

const (
	// VMStatusRunning means the VM is powered on.
	VMStatusRunning VMStatus = "running"
	// VMStatusStopped means the VM is powered off.
	VMStatusStopped VMStatus = "stopped"
	// VMStatusStarting means the VM is booting.
	VMStatusStarting VMStatus = "starting"
	// VMStatusStopping means the VM is shutting down.
	VMStatusStopping VMStatus = "stopping"
	// VMStatusUnknown is used for any state the tool reports that we don't recognize.
	VMStatusUnknown VMStatus = "unknown"
)

// ParseVMStatus maps a status word from tool output to a VMStatus.
// Matching is case-insensitive. Unrecognized words map to VMStatusUnknown.
func ParseVMStatus(s string) VMStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return VMStatusRunning
	case "stopped":
		return VMStatusStopped
	case "starting":
		return VMStatusStarting
	case "stopping":
		return VMStatusStopping
	default:
		return VMStatusUnknown
	}
}

// VM is a point-in-time snapshot of a virtual machine on a host.
//
// VMs are not persisted; every value comes from parsing tool output.
type VM struct {
	// Name is unique per host.
	Name string `json:"name" yaml:"name"`

	// Host is the registry name of the host the VM lives on.
	Host string `json:"host" yaml:"host"`

	// Status is the observed power state.
	Status VMStatus `json:"status" yaml:"status"`

	// CPU is the number of virtual CPUs. Zero when the tool did not report it.
	CPU int `json:"cpu" yaml:"cpu"`

	// MemoryMB is the configured memory in megabytes.
	MemoryMB int `json:"memoryMB" yaml:"memoryMB"`

	// DiskGB is the configured disk size in gigabytes.
	DiskGB int `json:"diskGB" yaml:"diskGB"`

	// IPAddress is only set while the VM is running.
	// +optional
	IPAddress string `json:"ipAddress,omitempty" yaml:"ipAddress,omitempty"`

	// Source is the image the VM was cloned from, when the tool reports it.
	// +optional
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// IsRunning reports whether the VM is powered on.
func (v *VM) IsRunning() bool {
	return v.Status == VMStatusRunning
}

// Target returns the host/VM pair identifying this VM.
func (v *VM) Target() Target {
	return Target{Host: v.Host, VM: v.Name}
}
