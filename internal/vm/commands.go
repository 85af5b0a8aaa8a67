package vm

import (
	"strconv"
	"strings"

	"github.com/jbweber/grove/internal/inventory"
)

// DefaultTool is the virtualization CLI invoked on each host. Its list
// output must follow the inventory grammar; hosts running stock tart need a
// wrapper configured as the tool.
const DefaultTool = "tart"

// commands builds the command line for each verb. Every argument is shell
// quoted, so names and image references reach the tool verbatim.
type commands struct {
	tool string
}

func (c commands) list() string {
	return join(c.tool, "list") + " && echo " + inventory.EndMarker
}

// set sizes an existing VM. The tool only grows disks.
func (c commands) set(name string, cpu, memoryMB, diskGB int) string {
	return join(c.tool, "set", name,
		"--cpu", strconv.Itoa(cpu),
		"--memory", strconv.Itoa(memoryMB),
		"--disk-size", strconv.Itoa(diskGB))
}

// start detaches the VM process from the SSH session so the command returns
// once the VM is launched.
func (c commands) start(name string) string {
	return "nohup " + join(c.tool, "run", "--no-graphics", name) + " >/dev/null 2>&1 </dev/null &"
}

func (c commands) stop(name string, force bool) string {
	if force {
		return join(c.tool, "stop", name, "--timeout", "0")
	}
	return join(c.tool, "stop", name)
}

func (c commands) ip(name string) string {
	return join(c.tool, "ip", name)
}

func (c commands) clone(src, dst string) string {
	return join(c.tool, "clone", src, dst)
}

func (c commands) delete(name string) string {
	return join(c.tool, "delete", name)
}

func join(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// shellQuote quotes s for a POSIX shell. Words made only of safe characters
// are left bare.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !isSafe(r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("-_./:=@+,%", r)
}
