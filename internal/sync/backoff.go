package sync

import "time"

// Backoff computes the delay before a retry attempt: Base doubled per failed
// attempt, capped at Max. Delays are deterministic so tests can assert the
// exact schedule.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before attempt number retryCount (the first retry is
// retryCount 1). The result is non-decreasing in retryCount.
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := b.Base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= b.Max {
			return b.Max
		}
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}
