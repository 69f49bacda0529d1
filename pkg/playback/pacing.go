package playback

import (
	"math"
	"time"
)

// Pacing limits.
const (
	MinSpeed = 0.1
	MaxSpeed = 1000.0

	MinTickInterval = 16 * time.Millisecond
	MaxTickInterval = time.Second

	// A program plays in about this long at 1x, but never slower than
	// minBaseRate commands per second.
	nominalDuration = 120.0
	minBaseRate     = 20.0
)

// Pace returns the tick interval and commands per tick for a program of
// total commands at the given speed. Larger programs and higher speeds get
// shorter intervals and larger batches.
func Pace(total int, speed float64) (time.Duration, int) {
	if speed <= 0 || math.IsNaN(speed) {
		speed = 1
	}
	rate := math.Max(float64(total)/nominalDuration, minBaseRate) * speed

	interval := time.Duration(float64(time.Second) / rate)
	if interval < MinTickInterval {
		interval = MinTickInterval
	}
	if interval > MaxTickInterval {
		interval = MaxTickInterval
	}
	batch := int(math.Round(rate * interval.Seconds()))
	if batch < 1 {
		batch = 1
	}
	return interval, batch
}
