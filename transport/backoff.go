package transport

import "time"

const (
	DefaultRetryInterval = 3 * time.Second
	DefaultMaxAttempts   = 5
)

// Backoff is the reconnect policy: a bounded number of attempts spaced by
// Interval. A positive Factor grows the delay linearly per attempt, capped
// at MaxInterval when set.
type Backoff struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	Factor      float64       `yaml:"factor"`
	MaxInterval time.Duration `yaml:"max_interval"`
}

// withDefaults fills zero fields. A negative MaxAttempts disables retry.
func (b Backoff) withDefaults() Backoff {
	if b.Interval <= 0 {
		b.Interval = DefaultRetryInterval
	}
	if b.MaxAttempts == 0 {
		b.MaxAttempts = DefaultMaxAttempts
	}
	if b.MaxAttempts < 0 {
		b.MaxAttempts = 0
	}
	return b
}

// Next returns the delay before retry number attempt+1, or false once
// attempt has reached MaxAttempts.
func (b Backoff) Next(attempt int) (time.Duration, bool) {
	if attempt >= b.MaxAttempts {
		return 0, false
	}
	d := b.Interval
	if b.Factor > 0 {
		d += time.Duration(float64(b.Interval) * b.Factor * float64(attempt))
	}
	if b.MaxInterval > 0 && d > b.MaxInterval {
		d = b.MaxInterval
	}
	return d, true
}
