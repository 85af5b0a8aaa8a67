package retry

import (
	"fmt"
	"math"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/jbweber/grove/internal/faults"
)

// Policy bounds how an operation is retried.
type Policy struct {
	// MaxAttempts counts the initial try. 1 disables retries.
	MaxAttempts int `yaml:"max_attempts" json:"maxAttempts"`

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initialDelay"`

	// BackoffMultiplier grows the delay after every attempt.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoffMultiplier"`

	// MaxDelay caps a single delay before jitter is applied.
	MaxDelay time.Duration `yaml:"max_delay" json:"maxDelay"`

	// JitterFraction spreads each delay uniformly over ±fraction. It must be
	// a whole percent (a multiple of 0.01).
	JitterFraction float64 `yaml:"jitter_fraction" json:"jitterFraction"`
}

// DefaultPolicy returns 3 attempts starting at 1s, doubling, capped at 30s,
// with 25% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
		JitterFraction:    0.25,
	}
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return faults.Newf(faults.ErrInvalidRequest, "retry policy", "max_attempts must be at least 1, got %d", p.MaxAttempts)
	case p.InitialDelay < 0:
		return faults.Newf(faults.ErrInvalidRequest, "retry policy", "initial_delay must not be negative")
	case p.BackoffMultiplier < 1:
		return faults.Newf(faults.ErrInvalidRequest, "retry policy", "backoff_multiplier must be at least 1, got %g", p.BackoffMultiplier)
	case p.MaxDelay < p.InitialDelay:
		return faults.Newf(faults.ErrInvalidRequest, "retry policy", "max_delay %s is below initial_delay %s", p.MaxDelay, p.InitialDelay)
	case p.JitterFraction < 0 || p.JitterFraction >= 1:
		return faults.Newf(faults.ErrInvalidRequest, "retry policy", "jitter_fraction must be in [0, 1), got %g", p.JitterFraction)
	case math.Abs(p.JitterFraction*100-math.Round(p.JitterFraction*100)) > 1e-9:
		return faults.Newf(faults.ErrInvalidRequest, "retry policy", "jitter_fraction must be a multiple of 0.01, got %g", p.JitterFraction)
	}
	return nil
}

// Backoff returns a fresh backoff sequence for one execution.
//
// The k-th delay (k from 0) is min(MaxDelay, InitialDelay*BackoffMultiplier^k)
// scaled by a factor in [1-JitterFraction, 1+JitterFraction]. The sequence
// stops after MaxAttempts-1 delays.
func (p Policy) Backoff() goretry.Backoff {
	var b goretry.Backoff = p.exponential()
	b = goretry.WithCappedDuration(p.MaxDelay, b)
	if pct := p.jitterPercent(); pct > 0 {
		b = goretry.WithJitterPercent(pct, b)
	}
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return goretry.WithMaxRetries(uint64(retries), b)
}

// exponential yields InitialDelay*BackoffMultiplier^k without overflowing.
func (p Policy) exponential() goretry.BackoffFunc {
	k := 0
	return func() (time.Duration, bool) {
		d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(k))
		k++
		if d >= math.MaxInt64 || math.IsInf(d, 0) {
			return time.Duration(math.MaxInt64), false
		}
		return time.Duration(d), false
	}
}

// jitterPercent converts JitterFraction to the whole percent go-retry expects.
// Validate rejects fractions that are not whole percents.
func (p Policy) jitterPercent() uint64 {
	if p.JitterFraction <= 0 {
		return 0
	}
	return uint64(math.Round(p.JitterFraction * 100))
}

// String renders the policy for logs.
func (p Policy) String() string {
	return fmt.Sprintf("attempts=%d initial=%s x%g max=%s jitter=%g",
		p.MaxAttempts, p.InitialDelay, p.BackoffMultiplier, p.MaxDelay, p.JitterFraction)
}
