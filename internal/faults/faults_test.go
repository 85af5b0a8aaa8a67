package faults

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	err := &Error{Kind: ErrVMNotFound, Op: "stop", Host: "mac-1", VM: "web", Err: errors.New("tart: vm does not exist")}
	assert.Equal(t, "stop mac-1/web: vm not found: tart: vm does not exist", err.Error())

	bare := &Error{Kind: ErrTimeout}
	assert.Equal(t, "timeout", bare.Error())

	exhausted := &Error{Kind: ErrRetriesExhausted, Op: "list", Host: "mac-1", Attempts: 3, Err: ErrTimeout}
	assert.Equal(t, "list mac-1: retries exhausted after 3 attempts: timeout", exhausted.Error())
}

func TestError_Is(t *testing.T) {
	cause := New(ErrConnectionReset, "run", io.EOF)
	wrapped := &Error{Kind: ErrRetriesExhausted, Attempts: 3, Err: cause}

	assert.ErrorIs(t, wrapped, ErrRetriesExhausted)
	assert.ErrorIs(t, wrapped, ErrConnectionReset)
	assert.ErrorIs(t, wrapped, io.EOF)
	assert.NotErrorIs(t, wrapped, ErrTimeout)

	var fe *Error
	assert.ErrorAs(t, fmt.Errorf("outer: %w", wrapped), &fe)
	assert.Equal(t, 3, fe.Attempts)
}

func TestWithTarget(t *testing.T) {
	base := New(ErrTimeout, "run", nil)
	bound := base.WithTarget("mac-1", "web")

	assert.Equal(t, "mac-1", bound.Host)
	assert.Equal(t, "web", bound.VM)
	assert.Empty(t, base.Host, "original must not change")

	kept := bound.WithTarget("", "")
	assert.Equal(t, "mac-1", kept.Host)
}

func TestBind(t *testing.T) {
	var err error = New(ErrVMNotFound, "start", nil)
	bound := Bind(err, "mac-1", "web")

	var fe *Error
	require.ErrorAs(t, bound, &fe)
	assert.Equal(t, "mac-1", fe.Host)
	assert.Equal(t, "web", fe.VM)

	plain := errors.New("boom")
	assert.Same(t, plain, Bind(plain, "mac-1", "web"))
	assert.NoError(t, Bind(nil, "mac-1", "web"))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"plain", errors.New("x"), nil},
		{"direct sentinel", ErrAlreadyStopped, ErrAlreadyStopped},
		{"structured", New(ErrMalformedOutput, "list", nil), ErrMalformedOutput},
		{"exhausted wins over cause", &Error{Kind: ErrRetriesExhausted, Err: ErrTimeout}, ErrRetriesExhausted},
		{"wrapped", fmt.Errorf("ctx: %w", New(ErrAuthenticationFailed, "dial", nil)), ErrAuthenticationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", New(ErrTimeout, "run", nil), true},
		{"reset", New(ErrConnectionReset, "run", io.EOF), true},
		{"unreachable", New(ErrHostUnreachable, "dial", nil), false},
		{"auth", New(ErrAuthenticationFailed, "dial", nil), false},
		{"vm not found", New(ErrVMNotFound, "start", nil), false},
		{"malformed", New(ErrMalformedOutput, "list", nil), false},
		{"no retry", NoRetry(New(ErrTimeout, "run", nil)), false},
		{"exhausted", &Error{Kind: ErrRetriesExhausted, Err: ErrTimeout}, false},
		{"plain", errors.New("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestNoRetry(t *testing.T) {
	assert.NoError(t, NoRetry(nil))

	err := NoRetry(New(ErrTimeout, "delete", nil))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "delete: timeout", err.Error())
}

func TestWasSent(t *testing.T) {
	assert.False(t, WasSent(nil))
	assert.False(t, WasSent(New(ErrTimeout, "run", nil)))

	sent := &Error{Kind: ErrTimeout, Op: "run", Sent: true}
	assert.True(t, WasSent(sent))
	assert.True(t, WasSent(fmt.Errorf("wrap: %w", sent)))
	assert.True(t, WasSent(&Error{Kind: ErrCommandFailed, Err: sent}))
}

func TestIsTransport(t *testing.T) {
	assert.True(t, IsTransport(New(ErrHostUnreachable, "dial", nil)))
	assert.True(t, IsTransport(New(ErrTimeout, "run", nil)))
	assert.False(t, IsTransport(New(ErrVMNotFound, "run", nil)))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("x")))

	seen := map[int]error{}
	for _, k := range kinds {
		code := ExitCode(New(k, "", nil))
		assert.Greater(t, code, 1, "kind %v", k)
		if prev, ok := seen[code]; ok {
			t.Errorf("exit code %d shared by %v and %v", code, prev, k)
		}
		seen[code] = k
	}
}
