// Package output provides formatters for displaying grove resources
// in various formats (table, YAML, JSON).
package output

import (
	"fmt"

	"github.com/jbweber/grove/api/v1alpha1"
)

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable table format.
	FormatTable Format = "table"
	// FormatYAML is a YAML format.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
)

// Formatter formats grove resources for output.
type Formatter interface {
	// FormatVMs formats a list of VMs.
	FormatVMs(vms []v1alpha1.VM) (string, error)

	// FormatVM formats a single VM.
	FormatVM(vm v1alpha1.VM) (string, error)

	// FormatHosts formats the registered hosts.
	FormatHosts(hosts []v1alpha1.Host) (string, error)

	// FormatHostChecks formats connectivity test outcomes.
	FormatHostChecks(checks []v1alpha1.HostCheck) (string, error)

	// FormatResults formats operation results.
	FormatResults(results []v1alpha1.OperationResult) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format.
	Format Format
	// NoHeaders omits headers in table format.
	NoHeaders bool
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	f := Format(format)
	switch f {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: table, yaml, json)", format)
	}
}

// list is the envelope used for structured list output.
type list[T any] struct {
	APIVersion string `json:"apiVersion" yaml:"apiVersion"`
	Kind       string `json:"kind" yaml:"kind"`
	Items      []T    `json:"items" yaml:"items"`
}

func newList[T any](kind string, items []T) list[T] {
	if items == nil {
		items = []T{}
	}
	return list[T]{APIVersion: v1alpha1.APIVersion(), Kind: kind, Items: items}
}
