// Package status decides what a lifecycle verb means for a VM in a given
// state: whether it is already satisfied, what state it leads to, and which
// remote errors count as "nothing to do".
package status

import (
	"errors"
	"fmt"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
)

// Precondition checks whether verb can act on a VM currently in current.
//
// It returns faults.ErrAlreadyRunning for start on a running VM and
// faults.ErrAlreadyStopped for stop on a stopped VM. Every other
// combination, including unknown and transitional states, is allowed and
// left for the remote tool to judge.
func Precondition(verb v1alpha1.Verb, current v1alpha1.VMStatus) error {
	switch {
	case verb == v1alpha1.VerbStart && current == v1alpha1.VMStatusRunning:
		return faults.Newf(faults.ErrAlreadyRunning, string(verb), "VM is %s", current)
	case verb == v1alpha1.VerbStop && current == v1alpha1.VMStatusStopped:
		return faults.Newf(faults.ErrAlreadyStopped, string(verb), "VM is %s", current)
	}
	return nil
}

// ShouldSkip reports whether a batch should skip verb for a VM in current
// without contacting the host, and why.
//
// A forced stop is never skipped up front: it is sent and an "already
// stopped" answer is folded by Settled.
func ShouldSkip(verb v1alpha1.Verb, current v1alpha1.VMStatus, force bool) (bool, string) {
	if verb == v1alpha1.VerbStop && force {
		return false, ""
	}
	if err := Precondition(verb, current); err != nil {
		return true, fmt.Sprintf("already %s", current)
	}
	return false, ""
}

// Settled reports whether err from verb means the VM is already in the state
// verb was asked to reach. Such errors are reported as skipped, not failed.
func Settled(verb v1alpha1.Verb, err error) bool {
	switch verb {
	case v1alpha1.VerbStop:
		return errors.Is(err, faults.ErrAlreadyStopped)
	case v1alpha1.VerbStart:
		return errors.Is(err, faults.ErrAlreadyRunning)
	}
	return false
}

// After returns the state a VM is expected to reach once verb succeeds, and
// false when verb does not change the power state.
func After(verb v1alpha1.Verb) (v1alpha1.VMStatus, bool) {
	switch verb {
	case v1alpha1.VerbStart:
		return v1alpha1.VMStatusRunning, true
	case v1alpha1.VerbStop, v1alpha1.VerbCreate, v1alpha1.VerbClone:
		return v1alpha1.VMStatusStopped, true
	}
	return "", false
}

// IsTransitioning returns true if the VM is between power states.
func IsTransitioning(s v1alpha1.VMStatus) bool {
	return s == v1alpha1.VMStatusStarting || s == v1alpha1.VMStatusStopping
}

// Mutates reports whether verb changes remote state. Mutating verbs are not
// executed in dry-run mode.
func Mutates(verb v1alpha1.Verb) bool {
	switch verb {
	case v1alpha1.VerbCreate, v1alpha1.VerbStart, v1alpha1.VerbStop, v1alpha1.VerbClone, v1alpha1.VerbDelete:
		return true
	}
	return false
}

// Idempotent reports whether repeating verb after an unconfirmed attempt is
// harmless. Non-idempotent verbs are retried only when the failure happened
// before the command reached the host.
func Idempotent(verb v1alpha1.Verb) bool {
	switch verb {
	case v1alpha1.VerbList, v1alpha1.VerbStatus, v1alpha1.VerbIP, v1alpha1.VerbStop:
		return true
	}
	return false
}
