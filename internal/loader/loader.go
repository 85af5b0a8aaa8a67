// Package loader reads and writes grove configuration files and applies
// environment overrides.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/config"
	grovessh "github.com/jbweber/grove/internal/ssh"
)

// DefaultPath is where the configuration lives unless overridden.
const DefaultPath = "~/.grove/config.yaml"

// Env holds the environment overrides. Empty or zero fields leave the file
// value alone.
type Env struct {
	ConfigPath  string `envconfig:"GROVE_CONFIG"`
	LogLevel    string `envconfig:"GROVE_LOG_LEVEL"`
	Concurrency int    `envconfig:"GROVE_CONCURRENCY"`
	Tool        string `envconfig:"GROVE_TOOL"`
}

// ReadEnv reads the GROVE_* variables.
func ReadEnv() (Env, error) {
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return Env{}, fmt.Errorf("failed to read environment: %w", err)
	}
	return env, nil
}

// ResolvePath picks the configuration path: an explicit path wins, then
// GROVE_CONFIG, then DefaultPath. The result has ~ expanded.
func ResolvePath(explicit string, env Env) string {
	switch {
	case explicit != "":
		return grovessh.ExpandPath(explicit)
	case env.ConfigPath != "":
		return grovessh.ExpandPath(env.ConfigPath)
	default:
		return grovessh.ExpandPath(DefaultPath)
	}
}

// Load resolves the path, reads the file and applies env on top.
func Load(explicit string, env Env) (*config.Config, string, error) {
	path := ResolvePath(explicit, env)
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, path, err
	}
	if err := ApplyEnv(cfg, env); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// LoadFromFile loads a configuration from a YAML file. A missing file yields
// the default configuration.
func LoadFromFile(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	cfg, err := LoadFromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromYAML parses and validates a configuration. Sections the document
// leaves out keep their defaults; unknown keys are rejected.
func LoadFromYAML(data []byte) (*config.Config, error) {
	cfg := config.Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	if cfg.Hosts == nil {
		cfg.Hosts = []v1alpha1.Host{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the non-empty fields of env and revalidates.
func ApplyEnv(cfg *config.Config, env Env) error {
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	if env.Concurrency != 0 {
		cfg.Batch.Concurrency = env.Concurrency
	}
	if env.Tool != "" {
		cfg.Tool.Binary = env.Tool
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("environment override: %w", err)
	}
	return nil
}

// SaveToFile writes cfg to path, creating the parent directory. The file is
// readable only by its owner since it names credentials.
func SaveToFile(cfg *config.Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}
	return nil
}

// WriteExample writes an annotated example configuration to path. An
// existing file is only replaced when overwrite is set.
func WriteExample(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(Example), 0o600); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}
	return nil
}

// Example is the configuration written by WriteExample.
const Example = `# grove configuration

# Hosts running the VM tool, reached over SSH.
hosts:
  - name: mac-builder-1
    address: 192.168.1.100
    username: admin
    # port: 22
    # credential: ~/.ssh/id_ed25519

# Sizing used by "vm create" when a flag is omitted.
defaults:
  cpu: 4
  memory_mb: 8192
  disk_gb: 50

# Bounds enforced before any host is contacted.
limits:
  min_cpu: 1
  max_cpu: 64
  min_memory_mb: 512
  max_memory_mb: 131072
  min_disk_gb: 10
  max_disk_gb: 2048

# Command run on each host. Its "list" subcommand must print one VM per
# line in whitespace-separated columns NAME STATUS CPU MEMORY DISK, plus
# optional IP and SOURCE, with "-" for a missing address. Stock "tart list"
# prints multi-word columns that grove rejects as malformed, so point this at
# a wrapper script that reformats the listing and passes every other
# subcommand through to tart.
tool:
  binary: tart

ssh:
  connect_timeout: 10s
  command_timeout: 5m
  known_hosts: ~/.ssh/known_hosts
  strict_host_keys: false
  use_agent: true

pool:
  max_per_host: 4
  idle_timeout: 5m
  reap_interval: 1m
  ping_timeout: 5s
  shutdown_grace: 10s

retry:
  max_attempts: 3
  initial_delay: 1s
  backoff_multiplier: 2
  max_delay: 30s
  jitter_fraction: 0.25

batch:
  concurrency: 8

logging:
  level: info
  # file: ~/.grove/grove.log
`
