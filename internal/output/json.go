package output

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jbweber/grove/api/v1alpha1"
)

// JSONFormatter formats resources as JSON.
//
// Lists are wrapped in an object with apiVersion, kind and items:
//
//	{
//	  "apiVersion": "grove.jbweber.dev/v1alpha1",
//	  "kind": "VMList",
//	  "items": [...]
//	}
type JSONFormatter struct{}

// FormatVM formats a single VM as a JSON object.
func (f *JSONFormatter) FormatVM(vm v1alpha1.VM) (string, error) {
	return encodeJSON(vm, "VM")
}

// FormatVMs formats VMs as a VMList.
func (f *JSONFormatter) FormatVMs(vms []v1alpha1.VM) (string, error) {
	return encodeJSON(newList(v1alpha1.VMListKind, vms), "VM list")
}

// FormatHosts formats hosts as a HostList.
func (f *JSONFormatter) FormatHosts(hosts []v1alpha1.Host) (string, error) {
	return encodeJSON(newList(v1alpha1.HostListKind, hosts), "host list")
}

// FormatHostChecks formats connectivity tests as a HostCheckList.
func (f *JSONFormatter) FormatHostChecks(checks []v1alpha1.HostCheck) (string, error) {
	return encodeJSON(newList(v1alpha1.HostCheckListKind, checks), "host checks")
}

// FormatResults formats results as an OperationResultList.
func (f *JSONFormatter) FormatResults(results []v1alpha1.OperationResult) (string, error) {
	return encodeJSON(newList(v1alpha1.ResultListKind, results), "results")
}

func encodeJSON(v any, what string) (string, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(v); err != nil {
		return "", fmt.Errorf("failed to marshal %s to JSON: %w", what, err)
	}
	return buf.String(), nil
}
