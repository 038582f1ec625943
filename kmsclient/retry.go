package kmsclient

import (
	"math/rand"
	"time"
)

// retryState tracks the backoff schedule within one Execute call. The delay
// before retry n is min(base*2^(n-1), max) plus random jitter in
// [0, jitterFraction*delay]. It lives only for the duration of a single
// logical operation.
type retryState struct {
	attempt        int
	nextDelay      time.Duration
	maxDelay       time.Duration
	jitterFraction float64
}

func newRetryState(base, max time.Duration, jitterFraction float64) *retryState {
	return &retryState{
		nextDelay:      base,
		maxDelay:       max,
		jitterFraction: jitterFraction,
	}
}

// next returns the delay to wait before the upcoming retry and advances the
// schedule.
func (s *retryState) next() time.Duration {
	s.attempt++

	delay := s.nextDelay
	if delay > s.maxDelay {
		delay = s.maxDelay
	}
	s.nextDelay = delay * 2

	if s.jitterFraction > 0 {
		delay += time.Duration(rand.Float64() * s.jitterFraction * float64(delay))
	}
	return delay
}
