// Package inventory parses the tabular VM listing printed by the remote tool.
//
// Grammar:
//
//	NAME      STATUS   CPU  MEMORY  DISK  IP             SOURCE
//	web-1     running  4    8192    50    192.168.64.5   ghcr.io/cirruslabs/macos
//	build-2   stopped  2    4096    40    -              -
//	__GROVE_END__
//
// The first line is a header of whitespace separated column names, matched
// case-insensitively and in any order. The name, status, cpu, memory and disk
// columns are required. Each following line is one VM with exactly as many
// fields as the header. A dash is the absent value and is only accepted in
// the ip and source columns. The listing ends with EndMarker; output without
// it is treated as truncated.
package inventory

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
)

// EndMarker terminates a complete listing.
const EndMarker = "__GROVE_END__"

// Absent is the placeholder for a missing value.
const Absent = "-"

type column int

const (
	colName column = iota
	colStatus
	colCPU
	colMemory
	colDisk
	colIP
	colSource
)

// required lists the columns every header must carry.
var required = []struct {
	col  column
	name string
}{
	{colName, "name"},
	{colStatus, "status"},
	{colCPU, "cpu"},
	{colMemory, "memory"},
	{colDisk, "disk"},
}

// optional columns may hold Absent.
var optional = map[column]bool{
	colIP:     true,
	colSource: true,
}

// aliases maps lowercase header words to columns.
var aliases = map[string]column{
	"name":       colName,
	"status":     colStatus,
	"state":      colStatus,
	"cpu":        colCPU,
	"cpus":       colCPU,
	"memory":     colMemory,
	"mem":        colMemory,
	"memory_mb":  colMemory,
	"disk":       colDisk,
	"disk_gb":    colDisk,
	"ip":         colIP,
	"ip_address": colIP,
	"address":    colIP,
	"source":     colSource,
}

// Parse turns a listing from host into VMs.
//
// Every grammar violation is reported as faults.ErrMalformedOutput naming the
// offending line. Unknown columns are ignored; unknown status words become
// unknown; an IP reported for a VM that is not running is dropped.
func Parse(host, output string) ([]v1alpha1.VM, error) {
	malformed := func(line int, format string, args ...any) error {
		msg := fmt.Sprintf(format, args...)
		if line > 0 {
			msg = fmt.Sprintf("line %d: %s", line, msg)
		}
		return faults.New(faults.ErrMalformedOutput, "parse inventory", fmt.Errorf("%s", msg)).WithTarget(host, "")
	}

	var (
		header  map[column]int
		width   int
		vms     []v1alpha1.VM
		seen    = make(map[string]int)
		lineNo  int
		sawEnd  bool
		scanner = bufio.NewScanner(strings.NewReader(output))
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == EndMarker {
			sawEnd = true
			break
		}

		fields := strings.Fields(line)
		if header == nil {
			h, err := parseHeader(fields)
			if err != nil {
				return nil, malformed(lineNo, "%v", err)
			}
			header, width = h, len(fields)
			continue
		}

		if len(fields) != width {
			return nil, malformed(lineNo, "expected %d fields, got %d", width, len(fields))
		}

		vm, err := parseRow(host, header, fields)
		if err != nil {
			return nil, malformed(lineNo, "%v", err)
		}
		if prev, dup := seen[vm.Name]; dup {
			return nil, malformed(lineNo, "duplicate VM %q (first on line %d)", vm.Name, prev)
		}
		seen[vm.Name] = lineNo
		vms = append(vms, vm)
	}
	if err := scanner.Err(); err != nil {
		return nil, malformed(0, "reading output: %v", err)
	}
	if !sawEnd {
		return nil, malformed(0, "listing truncated: missing end marker")
	}
	if vms == nil {
		vms = []v1alpha1.VM{}
	}
	return vms, nil
}

func parseHeader(fields []string) (map[column]int, error) {
	header := make(map[column]int, len(fields))
	for i, f := range fields {
		col, ok := aliases[strings.ToLower(f)]
		if !ok {
			continue
		}
		if _, dup := header[col]; dup {
			return nil, fmt.Errorf("column %q appears more than once", f)
		}
		header[col] = i
	}
	for _, r := range required {
		if _, ok := header[r.col]; !ok {
			return nil, fmt.Errorf("header has no %s column", r.name)
		}
	}
	return header, nil
}

func parseRow(host string, header map[column]int, fields []string) (v1alpha1.VM, error) {
	for _, r := range required {
		if fields[header[r.col]] == Absent {
			if r.col == colName {
				return v1alpha1.VM{}, fmt.Errorf("VM name is missing")
			}
			return v1alpha1.VM{}, fmt.Errorf("%s for %q is missing", r.name, fields[header[colName]])
		}
	}
	get := func(c column) (string, bool) {
		i, ok := header[c]
		if !ok || (optional[c] && fields[i] == Absent) {
			return "", false
		}
		return fields[i], true
	}

	name, _ := get(colName)
	status, _ := get(colStatus)

	vm := v1alpha1.VM{
		Name:   name,
		Host:   host,
		Status: v1alpha1.ParseVMStatus(status),
	}

	for _, n := range []struct {
		col  column
		dst  *int
		what string
	}{
		{colCPU, &vm.CPU, "cpu"},
		{colMemory, &vm.MemoryMB, "memory"},
		{colDisk, &vm.DiskGB, "disk"},
	} {
		raw, _ := get(n.col)
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return v1alpha1.VM{}, fmt.Errorf("%s for %q is not a non-negative integer: %q", n.what, name, raw)
		}
		*n.dst = v
	}

	if raw, ok := get(colIP); ok {
		if net.ParseIP(raw) == nil {
			return v1alpha1.VM{}, fmt.Errorf("ip for %q is not an address: %q", name, raw)
		}
		if vm.Status == v1alpha1.VMStatusRunning {
			vm.IPAddress = raw
		}
	}

	if raw, ok := get(colSource); ok {
		vm.Source = raw
	}
	return vm, nil
}

// ParseAddress parses the output of the ip verb. An empty answer or the
// absent marker yields "". Anything else must be an IP address.
func ParseAddress(host, vm, output string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == Absent {
			return "", nil
		}
		if net.ParseIP(line) == nil {
			return "", faults.Newf(faults.ErrMalformedOutput, "parse address", "expected an IP address, got %q", line).WithTarget(host, vm)
		}
		return line, nil
	}
	return "", nil
}

// Format renders vms in the listing grammar, including the end marker.
// Parse(host, Format(vms)) returns the same VMs.
func Format(vms []v1alpha1.VM) string {
	var b strings.Builder
	b.WriteString("NAME\tSTATUS\tCPU\tMEMORY\tDISK\tIP\tSOURCE\n")
	orAbsent := func(s string) string {
		if s == "" {
			return Absent
		}
		return s
	}
	for _, vm := range vms {
		fmt.Fprintf(&b, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			vm.Name, vm.Status, vm.CPU, vm.MemoryMB, vm.DiskGB, orAbsent(vm.IPAddress), orAbsent(vm.Source))
	}
	b.WriteString(EndMarker)
	b.WriteByte('\n')
	return b.String()
}
