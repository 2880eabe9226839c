package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// readRetry paces a socket reader through receive errors. Receive errors
// never stop a reader; only a closed socket does. The first few consecutive
// errors are retried at once (an ICMP-induced reset is a single error),
// after that the reader backs off exponentially until a receive succeeds.
type readRetry struct {
	immediate int
	bo        *backoff.ExponentialBackOff
	failures  int
}

const (
	readRetryImmediate = 8
	readRetryInitial   = 5 * time.Millisecond
	readRetryMax       = time.Second
)

func newReadRetry(immediate int, initial, maxInterval time.Duration) *readRetry {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = maxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &readRetry{immediate: immediate, bo: bo}
}

func defaultReadRetry() *readRetry {
	return newReadRetry(readRetryImmediate, readRetryInitial, readRetryMax)
}

// failed records one receive error and returns how long to wait before the
// next attempt.
func (r *readRetry) failed() time.Duration {
	r.failures++
	if r.failures <= r.immediate {
		return 0
	}
	return r.bo.NextBackOff()
}

// succeeded clears the error streak.
func (r *readRetry) succeeded() {
	if r.failures > 0 {
		r.failures = 0
		r.bo.Reset()
	}
}

// wait sleeps for d unless stop closes first. It reports false on stop.
func wait(d time.Duration, stop <-chan struct{}) bool {
	if d <= 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}
