package bridge

import "time"

// Backoff yields reconnect delays that never decrease and never exceed Max.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64

	current time.Duration
}

func NewBackoff(min, max time.Duration, factor float64) *Backoff {
	if factor < 1 {
		factor = 1
	}
	if max < min {
		max = min
	}
	return &Backoff{Min: min, Max: max, Factor: factor}
}

func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Min
		return b.current
	}
	next := time.Duration(float64(b.current) * b.Factor)
	if next > b.Max {
		next = b.Max
	}
	if next < b.current {
		next = b.current
	}
	b.current = next
	return next
}

// Reset is called after a successful connection.
func (b *Backoff) Reset() {
	b.current = 0
}
