// Package retry decides whether a failed job gets another attempt.
//
// The dispatch core never retries on its own: a Policy is consulted by the
// worker pool after a payload fails, and a positive answer is turned into a
// brand-new job submission. The zero configuration is None.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"

	"jobflow/internal/domain"
)

type Policy interface {
	Next(r domain.Record, err error) (time.Duration, bool)
}

type None struct{}

func (None) Next(domain.Record, error) (time.Duration, bool) { return 0, false }

// Permanent marks a payload error as not worth retrying.
func Permanent(err error) error { return backoff.Permanent(err) }

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Exponential retries up to MaxAttempts total attempts with exponentially
// growing, jittered delays capped at Max.
type Exponential struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Jitter      float64
}

func (e Exponential) Next(r domain.Record, err error) (time.Duration, bool) {
	if r.Attempt >= e.MaxAttempts || isPermanent(err) {
		return 0, false
	}
	b := backoff.NewExponentialBackOff()
	if e.Initial > 0 {
		b.InitialInterval = e.Initial
	}
	if e.Max > 0 {
		b.MaxInterval = e.Max
	}
	b.RandomizationFactor = e.Jitter
	b.Reset()
	var d time.Duration
	for i := 0; i < r.Attempt; i++ {
		d = b.NextBackOff()
	}
	return d, true
}

// FromConfig returns None when maxAttempts allows a single attempt only.
func FromConfig(maxAttempts int, initial, max time.Duration) Policy {
	if maxAttempts <= 1 {
		return None{}
	}
	return Exponential{MaxAttempts: maxAttempts, Initial: initial, Max: max, Jitter: 0.2}
}
