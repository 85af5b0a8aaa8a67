// Package naming holds the naming rules shared by the CLI, the adapter and the
// batch dispatcher: which VM names the remote tool accepts, how a "host/vm"
// target is written, and how glob patterns select VMs.
package naming

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
)

// MaxVMNameLength is the longest VM name accepted.
const MaxVMNameLength = 63

var vmNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateVMName checks that name is safe to pass to the remote tool.
//
// Names start with a letter or digit and contain only letters, digits, dots,
// dashes and underscores.
//
// Example: "macos-sonoma_01" is valid, "-x" and "a b" are not.
func ValidateVMName(name string) error {
	switch {
	case name == "":
		return faults.Newf(faults.ErrInvalidRequest, "validate", "VM name is required")
	case len(name) > MaxVMNameLength:
		return faults.Newf(faults.ErrInvalidRequest, "validate", "VM name %q is longer than %d characters", name, MaxVMNameLength)
	case !vmNameRe.MatchString(name):
		return faults.Newf(faults.ErrInvalidRequest, "validate", "VM name %q must start with a letter or digit and contain only letters, digits, '.', '-' or '_'", name)
	}
	return nil
}

// ParseTarget splits "host/vm" into a Target.
//
// Example: "mac-1/web" → Target{Host: "mac-1", VM: "web"}
func ParseTarget(s string) (v1alpha1.Target, error) {
	host, vm, ok := strings.Cut(s, "/")
	if !ok || host == "" || vm == "" {
		return v1alpha1.Target{}, faults.Newf(faults.ErrInvalidRequest, "parse target", "expected host/vm, got %q", s)
	}
	if err := ValidateVMName(vm); err != nil {
		return v1alpha1.Target{}, err
	}
	return v1alpha1.Target{Host: host, VM: vm}, nil
}

// ValidatePattern checks that pattern is a well-formed glob.
//
// The grammar is path.Match's: '*' matches any run of characters, '?' one
// character, and '[...]' a character class. A '/' is never matched by a
// wildcard, which suits VM names since they cannot contain one.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return faults.Newf(faults.ErrInvalidRequest, "validate", "pattern is required")
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return faults.New(faults.ErrInvalidRequest, "validate", fmt.Errorf("bad pattern %q: %w", pattern, err))
	}
	return nil
}

// Match reports whether name matches pattern in full, case-sensitively. A
// malformed pattern matches nothing; call ValidatePattern first to report it.
func Match(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
