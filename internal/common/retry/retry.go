// Package retry implements the uniform WaitFor(predicate, backoff, deadline)
// abstraction used throughout the orchestrator, replacing ad hoc "wait for
// X to become Y" sleep loops with one building block used by the Readiness
// Prober, the Remote Executor's poll loop, and the Reclaimer's
// post-terminate wait.
package retry

import (
	"context"
	"math"
	"time"

	retrygo "github.com/avast/retry-go"
	"github.com/pkg/errors"
)

// Backoff describes an exponential backoff schedule: start at Initial,
// multiply by Factor after every attempt, capping at Max.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
}

// ErrTransient marks an error as one that should trigger a retry rather than
// aborting the WaitFor loop immediately. Predicates return it (wrapped) to
// distinguish "not ready yet" from "this can never succeed".
var ErrTransient = errors.New("transient")

// Transient wraps err so WaitFor treats it as a reason to keep polling
// instead of failing fast.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(ErrTransient, err.Error())
}

// WaitFor calls predicate repeatedly, backing off exponentially between
// calls, until predicate returns nil, the deadline elapses, or ctx is
// cancelled. It never busy-waits: every retry is preceded by a backoff sleep
// bounded by backoff.Max.
//
// predicate is expected to return either nil (success), a transient error
// (built with Transient, meaning "not ready yet, keep polling"), or a
// terminal error (any other error, meaning "stop retrying now").
func WaitFor(ctx context.Context, deadline time.Duration, backoff Backoff, predicate func(ctx context.Context) error) error {
	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	delay := backoff.Initial
	if delay <= 0 {
		delay = time.Second
	}
	factor := backoff.Factor
	if factor <= 1 {
		factor = 1.5
	}

	return retrygo.Do(
		func() error {
			return predicate(deadlineCtx)
		},
		retrygo.Context(deadlineCtx),
		retrygo.Attempts(math.MaxUint32), // effectively unlimited attempts; deadlineCtx bounds the loop
		retrygo.RetryIf(func(err error) bool {
			return errors.Is(err, ErrTransient) || isTransientCause(err)
		}),
		retrygo.DelayType(func(n uint, _ error, _ *retrygo.Config) time.Duration {
			d := delay
			for i := uint(0); i < n; i++ {
				d = time.Duration(float64(d) * factor)
				if d > backoff.Max {
					d = backoff.Max
					break
				}
			}
			return d
		}),
		retrygo.LastErrorOnly(true),
	)
}

func isTransientCause(err error) bool {
	return errors.Is(err, ErrTransient)
}
