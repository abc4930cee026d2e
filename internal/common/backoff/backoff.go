package backoff

import "time"

// Policy is a bounded exponential schedule: Base, 2*Base, 4*Base ... capped at Max.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the wait before the given attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.Base
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	return d
}

// Exhausted reports whether attempts has used up the budget.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Next returns when the next attempt may run.
func (p Policy) Next(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
