// Package faults defines the error taxonomy shared by every grove component.
//
// Each failure kind is a sentinel error. Components wrap the sentinel in an
// *Error carrying the host, VM and operation, so callers branch with
// errors.Is and render messages with Error().
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Transport failures. Timeout and ConnectionReset are the only retryable kinds.
var (
	ErrHostUnreachable      = errors.New("host unreachable")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrTimeout              = errors.New("timeout")
	ErrConnectionReset      = errors.New("connection reset")
)

// Remote command failures.
var (
	ErrMalformedOutput = errors.New("malformed output")
	ErrVMNotFound      = errors.New("vm not found")
	ErrAlreadyRunning  = errors.New("vm already running")
	ErrAlreadyStopped  = errors.New("vm already stopped")
	ErrAlreadyExists   = errors.New("vm already exists")
	ErrCommandNotFound = errors.New("command not found")
	ErrCommandFailed   = errors.New("command failed")
)

// Orchestration failures.
var (
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrHostNotFound     = errors.New("host not found")
	ErrPoolClosed       = errors.New("session pool closed")
)

// kinds lists every sentinel, most specific first.
var kinds = []error{
	ErrRetriesExhausted,
	ErrInvalidRequest,
	ErrHostNotFound,
	ErrPoolClosed,
	ErrAuthenticationFailed,
	ErrHostUnreachable,
	ErrTimeout,
	ErrConnectionReset,
	ErrMalformedOutput,
	ErrVMNotFound,
	ErrAlreadyRunning,
	ErrAlreadyStopped,
	ErrAlreadyExists,
	ErrCommandNotFound,
	ErrCommandFailed,
}

// Error is a classified failure with its context.
type Error struct {
	// Kind is one of the sentinel errors in this package.
	Kind error
	// Host is the registry name of the host involved, if any.
	Host string
	// VM is the VM name involved, if any.
	VM string
	// Op is the operation that failed, e.g. "stop" or "dial".
	Op string
	// Attempts is set on ErrRetriesExhausted.
	Attempts int
	// Sent is true when the failure happened after the remote command was
	// handed to the host.
	Sent bool
	// Err is the underlying cause.
	Err error
}

// Error renders "op host/vm: kind: cause".
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.Host != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(e.Host)
		if e.VM != "" {
			b.WriteByte('/')
			b.WriteString(e.VM)
		}
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Kind == ErrRetriesExhausted && e.Attempts > 0 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New returns an *Error of the given kind.
func New(kind error, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Newf returns an *Error of the given kind with a formatted cause.
func Newf(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithTarget returns a copy of e bound to host and vm. Empty values keep the
// existing fields.
func (e *Error) WithTarget(host, vm string) *Error {
	c := *e
	if host != "" {
		c.Host = host
	}
	if vm != "" {
		c.VM = vm
	}
	return &c
}

// Bind fills in host and vm on err when it is an *Error. Other errors are
// returned unchanged.
func Bind(err error, host, vm string) error {
	if fe, ok := err.(*Error); ok {
		return fe.WithTarget(host, vm)
	}
	return err
}

// KindOf returns the sentinel kind of err, or nil when err is not classified.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsTransport reports whether err is a transport failure of any kind.
func IsTransport(err error) bool {
	return errors.Is(err, ErrHostUnreachable) ||
		errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionReset)
}

// Retryable reports whether err may succeed on another attempt.
//
// Only Timeout and ConnectionReset are retryable, and never when the error was
// marked with NoRetry or has already exhausted its retries.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var nr *noRetry
	if errors.As(err, &nr) {
		return false
	}
	if errors.Is(err, ErrRetriesExhausted) {
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionReset)
}

// noRetry marks an otherwise retryable error as final.
type noRetry struct {
	err error
}

func (n *noRetry) Error() string { return n.err.Error() }
func (n *noRetry) Unwrap() error { return n.err }

// NoRetry marks err as not retryable while keeping its kind visible to
// errors.Is. A nil err stays nil.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &noRetry{err: err}
}

// WasSent reports whether err happened after the remote command was sent.
func WasSent(err error) bool {
	var fe *Error
	for e := err; e != nil; {
		if !errors.As(e, &fe) {
			return false
		}
		if fe.Sent {
			return true
		}
		e = fe.Err
	}
	return false
}

// ExitCode maps an error to a process exit status. Every kind has its own
// code so scripts can branch on the failure class.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case ErrInvalidRequest:
		return 2
	case ErrHostNotFound:
		return 3
	case ErrHostUnreachable:
		return 4
	case ErrAuthenticationFailed:
		return 5
	case ErrTimeout:
		return 6
	case ErrConnectionReset:
		return 7
	case ErrRetriesExhausted:
		return 8
	case ErrVMNotFound:
		return 9
	case ErrAlreadyRunning:
		return 10
	case ErrAlreadyStopped:
		return 11
	case ErrAlreadyExists:
		return 12
	case ErrMalformedOutput:
		return 13
	case ErrCommandNotFound:
		return 14
	case ErrCommandFailed:
		return 15
	case ErrPoolClosed:
		return 16
	default:
		return 1
	}
}
