package stream

import "time"

// Policy drives reconnect timing after a stream drops. It is a pure value,
// immutable after construction.
type Policy struct {
	Enabled      bool          `mapstructure:"enabled"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// DefaultPolicy matches the schedule the worker's dashboards use: 2s doubling
// to a 60s ceiling.
func DefaultPolicy() Policy {
	return Policy{Enabled: true, InitialDelay: 2 * time.Second, MaxDelay: 60 * time.Second, Multiplier: 2.0}
}

// Next returns the delay to use after current, growing by Multiplier and
// capped at MaxDelay.
func (p Policy) Next(current time.Duration) time.Duration {
	if current <= 0 {
		return p.InitialDelay
	}
	next := time.Duration(float64(current) * p.Multiplier)
	if next > p.MaxDelay {
		return p.MaxDelay
	}
	return next
}
