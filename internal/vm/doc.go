// Package vm is the remote command adapter: it turns VM lifecycle verbs into
// command lines for the virtualization tool on a host, runs them over a
// pooled SSH session, and turns the answer into typed results.
//
// The main operations are:
//   - List: Parse the tool's listing into VMs
//   - Create: Clone an image into a new VM and size it
//   - Start / Stop: Change a VM's power state
//   - Status / IP: Inspect one VM
//   - Clone / Delete: Copy or remove a VM
//
// Error Handling:
//
// Every remote call runs through the retry executor exactly once. A non-zero
// exit status is translated into a faults kind from the tool's error text
// (VMNotFound, AlreadyRunning, ...). Those kinds are fatal and returned after
// one attempt.
//
// Verbs with side effects (create, clone, delete, start) are retried only
// when the failure happened before the command reached the host. Once sent,
// a transport failure is final, since the remote side may have acted.
//
// Context Support:
//
// All operations accept a context.Context. Each command additionally runs
// under the manager's command timeout; hitting it is a retryable transport
// failure and the session is discarded.
package vm
