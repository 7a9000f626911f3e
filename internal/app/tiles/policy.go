package tiles

import "time"

// RetryPolicy bounds how long a bind waits for its surface to appear.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Interval: 100 * time.Millisecond}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Interval < 0 {
		p.Interval = 0
	}
	return p
}
