package stream

import "time"

// RetryPolicy is a fixed-delay, capped retry rule.
type RetryPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// Allow reports whether another retry may be scheduled when attempts
// retries have already been made since the last successful open.
func (p RetryPolicy) Allow(attempts int) bool {
	return attempts < p.MaxAttempts
}
