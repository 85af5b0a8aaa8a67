// Package retry is the single place grove applies retry policy.
//
// Every remote operation runs through an Executor. Timeout and
// ConnectionReset failures are retried with exponential backoff; every other
// failure returns immediately after one attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	goretry "github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/jbweber/grove/internal/faults"
	"github.com/jbweber/grove/internal/metrics"
)

// Options carries the executor's collaborators.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Executor runs operations under a retry policy.
type Executor struct {
	policy Policy
	logger *zap.Logger
	m      *metrics.Metrics
}

// New creates an Executor with a validated default policy.
func New(policy Policy, opts Options) (*Executor, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{policy: policy, logger: logger.Named("retry"), m: opts.Metrics}, nil
}

// Policy returns the executor's default policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute runs fn under the default policy. name labels logs and metrics.
func (e *Executor) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return e.ExecuteWithPolicy(ctx, e.policy, name, fn)
}

// ExecuteWithPolicy runs fn under p.
//
// On exhaustion it returns faults.ErrRetriesExhausted wrapping the last
// failure. If ctx ends during a backoff sleep it returns the context error
// joined with the last failure.
func (e *Executor) ExecuteWithPolicy(ctx context.Context, p Policy, name string, fn func(ctx context.Context) error) error {
	if err := p.Validate(); err != nil {
		return err
	}

	attempts := 0
	var last error
	defer func() {
		if t := traceFrom(ctx); t != nil {
			t.record(attempts)
		}
	}()

	err := goretry.Do(ctx, p.Backoff(), func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			e.m.Retried(name)
			e.logger.Debug("retrying", zap.String("op", name), zap.Int("attempt", attempts), zap.Error(last))
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if faults.Retryable(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}

	if last != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) && !errors.Is(last, ctx.Err()) {
		return fmt.Errorf("%s interrupted after %d attempts: %w: %w", name, attempts, ctx.Err(), last)
	}

	if faults.Retryable(err) {
		exhausted := &faults.Error{Kind: faults.ErrRetriesExhausted, Op: name, Attempts: attempts, Err: err}
		var fe *faults.Error
		if errors.As(err, &fe) {
			exhausted.Host, exhausted.VM = fe.Host, fe.VM
		}
		e.logger.Warn("retries exhausted", zap.String("op", name), zap.Int("attempts", attempts), zap.Error(err))
		return exhausted
	}
	return err
}

// Do runs fn under the executor's default policy and returns its value.
func Do[T any](ctx context.Context, e *Executor, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Trace reports how many attempts the most recent execution under a context
// made.
type Trace struct {
	attempts atomic.Int64
}

type traceKey struct{}

// WithTrace returns a context that records attempt counts into the returned
// Trace.
func WithTrace(ctx context.Context) (context.Context, *Trace) {
	t := &Trace{}
	return context.WithValue(ctx, traceKey{}, t), t
}

// Attempts returns the attempt count of the last finished execution.
func (t *Trace) Attempts() int {
	return int(t.attempts.Load())
}

func (t *Trace) record(n int) {
	t.attempts.Store(int64(n))
}

func traceFrom(ctx context.Context) *Trace {
	t, _ := ctx.Value(traceKey{}).(*Trace)
	return t
}
