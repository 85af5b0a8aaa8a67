package output

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/grove/api/v1alpha1"
)

// YAMLFormatter formats resources as YAML, using the same list envelope as
// JSONFormatter.
type YAMLFormatter struct{}

// FormatVM formats a single VM as YAML.
func (f *YAMLFormatter) FormatVM(vm v1alpha1.VM) (string, error) {
	return encodeYAML(vm, "VM")
}

// FormatVMs formats VMs as a VMList.
func (f *YAMLFormatter) FormatVMs(vms []v1alpha1.VM) (string, error) {
	return encodeYAML(newList(v1alpha1.VMListKind, vms), "VM list")
}

// FormatHosts formats hosts as a HostList.
func (f *YAMLFormatter) FormatHosts(hosts []v1alpha1.Host) (string, error) {
	return encodeYAML(newList(v1alpha1.HostListKind, hosts), "host list")
}

// FormatHostChecks formats connectivity tests as a HostCheckList.
func (f *YAMLFormatter) FormatHostChecks(checks []v1alpha1.HostCheck) (string, error) {
	return encodeYAML(newList(v1alpha1.HostCheckListKind, checks), "host checks")
}

// FormatResults formats results as an OperationResultList.
func (f *YAMLFormatter) FormatResults(results []v1alpha1.OperationResult) (string, error) {
	return encodeYAML(newList(v1alpha1.ResultListKind, results), "results")
}

func encodeYAML(v any, what string) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to YAML: %w", what, err)
	}
	return string(data), nil
}
