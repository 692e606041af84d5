// Package retry implements the backoff policies used by the sync engine.
//
// Two named policies exist:
//   - Fibonacci: used for generic push/pull retries. Delays follow the
//     Fibonacci sequence in seconds (1, 1, 2, 3, 5, 8, 13, 21, 34, 55),
//     capped at 5 minutes.
//   - Exponential: used for large binary uploads. delay(n) = min(2000 *
//     2^n, 300000) milliseconds with optional ±20% jitter to avoid
//     synchronized retry storms.
//
// A policy is pure scheduling: it decides whether and when to retry but
// performs no I/O. Policies are instantiated once per operation class and
// shared read-only across retries.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/cdurbin/inkwell/internal/syncerr"
)

// Policy is the retry configuration for one operation class.
type Policy struct {
	// Name identifies the policy in logs and dead-letter reasons.
	Name string

	// MaxAttempts is the number of attempts allowed before an operation
	// is dead-lettered.
	MaxAttempts int

	// Jitter enables a uniform random perturbation of each delay by a
	// factor in [0.8, 1.2].
	Jitter bool

	// schedule returns the unjittered delay before the given attempt
	// (1-based). It is only consulted for attempts within MaxAttempts.
	schedule func(attempt int) time.Duration

	// jitterFn produces the random jitter factor. Replaceable in tests.
	jitterFn func() float64
}

// fibonacciDelays is the push/pull retry schedule, in seconds.
var fibonacciDelays = []time.Duration{
	1 * time.Second, 1 * time.Second, 2 * time.Second, 3 * time.Second,
	5 * time.Second, 8 * time.Second, 13 * time.Second, 21 * time.Second,
	34 * time.Second, 55 * time.Second,
}

const delayCap = 5 * time.Minute

// NewFibonacciPolicy returns the policy for generic sync push/pull
// retries. Operations are retried only for network-class failures
// (connection errors, timeouts, 5xx, 408, 429); the transport adapter
// classifies those into syncerr.NetworkError before this policy sees them.
func NewFibonacciPolicy() *Policy {
	return &Policy{
		Name:        "fibonacci",
		MaxAttempts: len(fibonacciDelays),
		schedule: func(attempt int) time.Duration {
			d := fibonacciDelays[attempt-1]
			if d > delayCap {
				return delayCap
			}
			return d
		},
	}
}

// NewExponentialPolicy returns the policy for large binary uploads:
// delay(n) = min(2000 * 2^n, 300000) milliseconds for the n-th retry
// (n starting at 0), default 5 attempts.
func NewExponentialPolicy() *Policy {
	return &Policy{
		Name:        "exponential",
		MaxAttempts: 5,
		schedule: func(attempt int) time.Duration {
			ms := 2000 * (int64(1) << uint(attempt-1))
			if ms > 300000 {
				ms = 300000
			}
			return time.Duration(ms) * time.Millisecond
		},
	}
}

// WithJitter returns a copy of the policy with ±20% jitter enabled.
func (p *Policy) WithJitter() *Policy {
	out := *p
	out.Jitter = true
	return &out
}

// Delay returns the delay before the given attempt (1-based) and whether
// a retry is allowed at all. Attempts beyond MaxAttempts return no retry.
func (p *Policy) Delay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > p.MaxAttempts {
		return 0, false
	}
	d := p.schedule(attempt)
	if p.Jitter {
		d = jitter(d, p.jitterFn)
	}
	return d, true
}

// ShouldRetry applies the classification gate and the attempt budget:
// only network-class errors are retryable, and only while attempts
// remain. Validation, database, and rejection errors fail immediately
// without consuming a retry slot.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if !syncerr.IsRetryable(err) {
		return false
	}
	return attempt < p.MaxAttempts
}

// jitter perturbs d by a uniform random factor in [0.8, 1.2].
func jitter(d time.Duration, fn func() float64) time.Duration {
	if fn == nil {
		fn = rand.Float64
	}
	factor := 0.8 + 0.4*fn()
	return time.Duration(float64(d) * factor)
}
