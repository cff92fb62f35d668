package evloop

import "time"

// clock yields a monotonic nanosecond reading. It never goes backward,
// matching CLOCK_MONOTONIC semantics: time.Time carries a monotonic
// reading alongside its wall clock since Go 1.9, so subtracting two
// readings taken via time.Now() never observes an NTP/wall-clock step.
type clock struct {
	epoch time.Time
}

func newClock() clock {
	return clock{epoch: time.Now()}
}

// now returns nanoseconds elapsed since the clock was constructed.
func (c clock) now() uint64 {
	d := time.Since(c.epoch)
	if d < 0 {
		// Sub() on monotonic-stripped values could in principle go
		// negative if the epoch reading ever loses its monotonic bit;
		// clamp rather than let a deadline computation wrap around.
		return 0
	}
	return uint64(d)
}
