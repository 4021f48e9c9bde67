package queue

import "time"

// BackoffType selects how the retry delay grows.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// BackoffPolicy maps an attempt number to the delay before the next attempt.
type BackoffPolicy struct {
	Type BackoffType   `json:"type"`
	Base time.Duration `json:"delay"`
	Max  time.Duration `json:"max,omitempty"`
}

// NextDelay returns the delay after the given failed attempt (1-based).
// Exponential policies double from Base: 1s, 2s, 4s, ...
func (p BackoffPolicy) NextDelay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := p.Base
	if p.Type == BackoffExponential {
		for i := 1; i < attempt; i++ {
			if p.Max > 0 && delay >= p.Max {
				break
			}
			next := delay * 2
			if next <= delay {
				// overflow
				delay = time.Duration(1<<63 - 1)
				break
			}
			delay = next
		}
	}

	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	return delay
}

// NextAttempt decides what happens after job's current attempt failed:
// retry after the returned delay, or stop when attempts are exhausted.
func NextAttempt(job *Job) (time.Duration, bool) {
	if job.Attempt >= job.MaxAttempts {
		return 0, false
	}
	return job.Backoff.NextDelay(job.Attempt), true
}
