// Package config defines grove's configuration file and its validation.
//
// A Config is plain data. Components never read it directly: the fleet
// facade copies the relevant sections into each component's constructor.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/batch"
	"github.com/jbweber/grove/internal/faults"
	"github.com/jbweber/grove/internal/pool"
	"github.com/jbweber/grove/internal/retry"
	grovessh "github.com/jbweber/grove/internal/ssh"
	"github.com/jbweber/grove/internal/validate"
	"github.com/jbweber/grove/internal/vm"
)

// Config is the whole configuration file.
type Config struct {
	Hosts    []v1alpha1.Host `yaml:"hosts" validate:"dive"`
	Defaults vm.Resources    `yaml:"defaults"`
	Limits   vm.Limits       `yaml:"limits"`
	Tool     ToolConfig      `yaml:"tool"`
	SSH      SSHConfig       `yaml:"ssh"`
	Pool     pool.Config     `yaml:"pool"`
	Retry    retry.Policy    `yaml:"retry"`
	Batch    BatchConfig     `yaml:"batch"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// ToolConfig names the virtualization CLI on the hosts.
type ToolConfig struct {
	Binary string `yaml:"binary" validate:"required"`
}

// SSHConfig controls connection setup.
type SSHConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=0"`
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gte=0"`
	KnownHosts     string        `yaml:"known_hosts,omitempty"`
	StrictHostKeys bool          `yaml:"strict_host_keys"`
	UseAgent       bool          `yaml:"use_agent"`
}

// BatchConfig controls the batch dispatcher.
type BatchConfig struct {
	Concurrency int `yaml:"concurrency" validate:"gte=1,lte=256"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	File  string `yaml:"file,omitempty"`
}

// Default returns a configuration with no hosts and every other section set
// to its default.
func Default() *Config {
	return &Config{
		Hosts:    []v1alpha1.Host{},
		Defaults: vm.DefaultResources(),
		Limits:   vm.DefaultLimits(),
		Tool:     ToolConfig{Binary: vm.DefaultTool},
		SSH: SSHConfig{
			ConnectTimeout: grovessh.DefaultConnectTimeout,
			CommandTimeout: vm.DefaultCommandTimeout,
			KnownHosts:     "~/.ssh/known_hosts",
			UseAgent:       true,
		},
		Pool:    pool.DefaultConfig(),
		Retry:   retry.DefaultPolicy(),
		Batch:   BatchConfig{Concurrency: batch.DefaultConcurrency},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate checks field ranges, then the rules that span fields: host names
// are unique, the default sizing is inside the limits and the retry policy
// is well formed.
func (c *Config) Validate() error {
	if err := validate.Struct("validate config", c); err != nil {
		return err
	}

	if strings.ContainsAny(c.Tool.Binary, " \t\n;&|$`<>()'\"\\") {
		return faults.Newf(faults.ErrInvalidRequest, "validate config", "tool.binary must be a plain command or path, got %q", c.Tool.Binary)
	}

	seen := make(map[string]bool, len(c.Hosts))
	for i, h := range c.Hosts {
		if seen[h.Name] {
			return faults.Newf(faults.ErrInvalidRequest, "validate config", "hosts[%d]: duplicate host name %q", i, h.Name)
		}
		seen[h.Name] = true
	}

	if err := c.Limits.Check(c.Defaults); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// CheckCredentials verifies that every key file referenced by a host can be
// parsed. All failures are reported together.
func (c *Config) CheckCredentials() error {
	var result *multierror.Error
	for _, h := range c.Hosts {
		if h.CredentialRef == "" {
			continue
		}
		if err := grovessh.CheckKeyFile(h.CredentialRef); err != nil {
			result = multierror.Append(result, fmt.Errorf("host %s: %w", h.Name, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return faults.New(faults.ErrInvalidRequest, "check credentials", err)
	}
	return nil
}

// Host returns the configured host called name.
func (c *Config) Host(name string) (v1alpha1.Host, bool) {
	for _, h := range c.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return v1alpha1.Host{}, false
}

// AddHost appends h after validating it against the existing hosts.
func (c *Config) AddHost(h v1alpha1.Host) error {
	if _, exists := c.Host(h.Name); exists {
		return faults.Newf(faults.ErrInvalidRequest, "add host", "host %q is already configured", h.Name).WithTarget(h.Name, "")
	}
	if err := validate.Struct("add host", h); err != nil {
		return faults.Bind(err, h.Name, "")
	}
	c.Hosts = append(c.Hosts, h)
	return nil
}

// RemoveHost drops the host called name.
func (c *Config) RemoveHost(name string) error {
	for i, h := range c.Hosts {
		if h.Name == name {
			c.Hosts = append(c.Hosts[:i], c.Hosts[i+1:]...)
			return nil
		}
	}
	return faults.Newf(faults.ErrHostNotFound, "remove host", "no host named %q", name).WithTarget(name, "")
}

// SSHOptions converts the ssh section for grovessh.Dial.
func (c *Config) SSHOptions() grovessh.Options {
	return grovessh.Options{
		ConnectTimeout: c.SSH.ConnectTimeout,
		KnownHostsPath: c.SSH.KnownHosts,
		StrictHostKeys: c.SSH.StrictHostKeys,
		UseAgent:       c.SSH.UseAgent,
	}
}
