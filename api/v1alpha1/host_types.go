package v1alpha1

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultSSHPort is used when a host does not set a port.
const DefaultSSHPort = 22

// Host is a remote machine that runs the virtualization tool and is reached
// over SSH.
//
// Hosts are immutable once registered. To change a host, remove it and add it
// again.
type Host struct {
	// Name is the unique registry key for the host.
	Name string `json:"name" yaml:"name" validate:"required,hostname_rfc1123"`

	// Address is a hostname or IP address.
	Address string `json:"address" yaml:"address" validate:"required,hostname_rfc1123|ip"`

	// Username defaults to the local user when empty.
	// +optional
	Username string `json:"username,omitempty" yaml:"username,omitempty"`

	// Port defaults to 22 when zero.
	// +optional
	Port int `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// CredentialRef is a path to a private key file. A leading ~ is expanded.
	// +optional
	CredentialRef string `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// SSHPort returns the configured port or DefaultSSHPort.
func (h *Host) SSHPort() int {
	if h.Port == 0 {
		return DefaultSSHPort
	}
	return h.Port
}

// Addr returns the host:port dial address.
func (h *Host) Addr() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.SSHPort()))
}

// String returns "name (address)".
func (h Host) String() string {
	return fmt.Sprintf("%s (%s)", h.Name, h.Address)
}

// HostCheck is the outcome of a connectivity test against one host.
type HostCheck struct {
	Host      string        `json:"host" yaml:"host"`
	Address   string        `json:"address" yaml:"address"`
	Reachable bool          `json:"reachable" yaml:"reachable"`
	Latency   time.Duration `json:"latency" yaml:"latency"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
}
