package output

import (
	"bytes"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jbweber/grove/api/v1alpha1"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatVM formats a single VM as a table row.
func (f *TableFormatter) FormatVM(vm v1alpha1.VM) (string, error) {
	return f.FormatVMs([]v1alpha1.VM{vm})
}

// FormatVMs formats a list of VMs as a table.
func (f *TableFormatter) FormatVMs(vms []v1alpha1.VM) (string, error) {
	if len(vms) == 0 {
		return "No VMs found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "HOST\tNAME\tSTATUS\tCPU\tMEMORY\tDISK\tIP")
	}

	for _, vm := range vms {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			vm.Host,
			vm.Name,
			dash(string(vm.Status)),
			count(vm.CPU),
			v1alpha1.FormatMemory(vm.MemoryMB),
			disk(vm.DiskGB),
			dash(vm.IPAddress))
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatHosts formats registered hosts as a table.
func (f *TableFormatter) FormatHosts(hosts []v1alpha1.Host) (string, error) {
	if len(hosts) == 0 {
		return "No hosts configured\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tADDRESS\tPORT\tUSER\tCREDENTIAL")
	}
	for _, h := range hosts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			h.Name, h.Address, h.SSHPort(), dash(h.Username), dash(h.CredentialRef))
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatHostChecks formats connectivity tests as a table.
func (f *TableFormatter) FormatHostChecks(checks []v1alpha1.HostCheck) (string, error) {
	if len(checks) == 0 {
		return "No hosts configured\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "HOST\tADDRESS\tSTATUS\tLATENCY\tERROR")
	}
	for _, c := range checks {
		state, latency := "ok", c.Latency.Round(time.Millisecond).String()
		if !c.Reachable {
			state, latency = "failed", "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.Host, c.Address, state, latency, dash(c.Error))
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatResults formats operation results as a table followed by a summary
// line.
func (f *TableFormatter) FormatResults(results []v1alpha1.OperationResult) (string, error) {
	if len(results) == 0 {
		return "No matching VMs\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "TARGET\tVERB\tOUTCOME\tATTEMPTS\tDETAIL")
	}
	for _, r := range results {
		detail := r.Message
		if r.Outcome == v1alpha1.OutcomeFailure {
			detail = r.Error
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			r.Target, r.Verb, r.Outcome, r.Attempts, dash(detail))
	}
	_ = w.Flush()

	if !f.NoHeaders {
		s := v1alpha1.Summary(results)
		_, _ = fmt.Fprintf(&buf, "\n%d targets: %d succeeded, %d skipped, %d failed\n",
			len(results), s[v1alpha1.OutcomeSuccess], s[v1alpha1.OutcomeSkipped], s[v1alpha1.OutcomeFailure])
	}
	return buf.String(), nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func count(n int) string {
	if n <= 0 {
		return "-"
	}
	return strconv.Itoa(n)
}

func disk(gb int) string {
	if gb <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d GB", gb)
}
