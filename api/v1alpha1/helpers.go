package v1alpha1

import (
	"fmt"
	"sort"
)

const (
	// GroupName is the API group used when rendering list documents.
	GroupName = "grove.jbweber.dev"

	// Version is the API version.
	Version = "v1alpha1"

	// VMListKind is the kind string for rendered VM lists.
	VMListKind = "VMList"

	// ResultListKind is the kind string for rendered operation results.
	ResultListKind = "OperationResultList"

	// HostListKind is the kind string for rendered host lists.
	HostListKind = "HostList"

	// HostCheckListKind is the kind string for rendered connectivity checks.
	HostCheckListKind = "HostCheckList"
)

// APIVersion returns GroupName/Version.
func APIVersion() string {
	return GroupName + "/" + Version
}

// FormatMemory renders a size in megabytes the way users read it:
// whole gigabytes as "8 GB", everything else as "768 MB".
func FormatMemory(mb int) string {
	if mb <= 0 {
		return "-"
	}
	if mb%1024 == 0 {
		return fmt.Sprintf("%d GB", mb/1024)
	}
	return fmt.Sprintf("%d MB", mb)
}

// SortVMs orders VMs by host, then by name.
func SortVMs(vms []VM) {
	sort.SliceStable(vms, func(i, j int) bool {
		if vms[i].Host != vms[j].Host {
			return vms[i].Host < vms[j].Host
		}
		return vms[i].Name < vms[j].Name
	})
}

// SortResults orders results by target.
func SortResults(results []OperationResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i].Target, results[j].Target
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		return a.VM < b.VM
	})
}
