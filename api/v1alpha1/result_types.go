package v1alpha1

import "fmt"

// Verb names a VM lifecycle operation.
type Verb string

const (
	VerbList   Verb = "list"
	VerbCreate Verb = "create"
	VerbStart  Verb = "start"
	VerbStop   Verb = "stop"
	VerbStatus Verb = "status"
	VerbIP     Verb = "ip"
	VerbClone  Verb = "clone"
	VerbDelete Verb = "delete"
)

// Verbs lists every verb in a stable order.
var Verbs = []Verb{VerbList, VerbCreate, VerbStart, VerbStop, VerbStatus, VerbIP, VerbClone, VerbDelete}

// ParseVerb returns the Verb named by s.
func ParseVerb(s string) (Verb, error) {
	for _, v := range Verbs {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown verb %q", s)
}

// Target identifies a VM on a host. VM is empty for host-level failures.
type Target struct {
	Host string `json:"host" yaml:"host"`
	VM   string `json:"vm,omitempty" yaml:"vm,omitempty"`
}

// String returns "host/vm", or just "host" when VM is empty.
func (t Target) String() string {
	if t.VM == "" {
		return t.Host
	}
	return t.Host + "/" + t.VM
}

// Outcome is the result classification of one target in an operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// OperationResult reports what happened to one target.
//
// Err is non-nil if and only if Outcome is OutcomeFailure. Attempts counts the
// initial try, so a target that never reached the remote side has zero.
type OperationResult struct {
	Target   Target  `json:"target" yaml:"target"`
	Verb     Verb    `json:"verb" yaml:"verb"`
	Outcome  Outcome `json:"outcome" yaml:"outcome"`
	Err      error   `json:"-" yaml:"-"`
	Error    string  `json:"error,omitempty" yaml:"error,omitempty"`
	Attempts int     `json:"attempts" yaml:"attempts"`
	Message  string  `json:"message,omitempty" yaml:"message,omitempty"`
}

// Succeeded builds a success result.
func Succeeded(t Target, verb Verb, attempts int, msg string) OperationResult {
	return OperationResult{Target: t, Verb: verb, Outcome: OutcomeSuccess, Attempts: attempts, Message: msg}
}

// Skipped builds a skipped result.
func Skipped(t Target, verb Verb, attempts int, reason string) OperationResult {
	return OperationResult{Target: t, Verb: verb, Outcome: OutcomeSkipped, Attempts: attempts, Message: reason}
}

// Failed builds a failure result. err must be non-nil.
func Failed(t Target, verb Verb, attempts int, err error) OperationResult {
	return OperationResult{
		Target:   t,
		Verb:     verb,
		Outcome:  OutcomeFailure,
		Err:      err,
		Error:    err.Error(),
		Attempts: attempts,
	}
}

// AnyFailed reports whether at least one result is a failure.
func AnyFailed(results []OperationResult) bool {
	for i := range results {
		if results[i].Outcome == OutcomeFailure {
			return true
		}
	}
	return false
}

// Summary counts results by outcome.
func Summary(results []OperationResult) map[Outcome]int {
	counts := map[Outcome]int{OutcomeSuccess: 0, OutcomeFailure: 0, OutcomeSkipped: 0}
	for i := range results {
		counts[results[i].Outcome]++
	}
	return counts
}
