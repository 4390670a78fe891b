package retry

import (
	"math"
	"math/rand"
	"time"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = time.Minute

	jitterMin = 0.8
	jitterMax = 1.2
)

// Backoff returns the delay before attempt number attempt (zero based):
// min(base*2^(attempt+1), max) scaled by a uniform jitter in [0.8, 1.2] and
// rounded to the millisecond. The result never exceeds 1.2*max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	return backoff(attempt, base, max, rand.Float64)
}

// BackoffMs is Backoff expressed in milliseconds.
func BackoffMs(attempt int, baseMs, maxMs int64) int64 {
	return Backoff(attempt, time.Duration(baseMs)*time.Millisecond, time.Duration(maxMs)*time.Millisecond).Milliseconds()
}

func backoff(attempt int, base, max time.Duration, random func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max < base {
		max = base
	}

	raw := float64(max)
	// Past 62 doublings the product overflows, and it is capped anyway.
	if attempt+1 < 62 {
		raw = math.Min(float64(base)*math.Exp2(float64(attempt+1)), float64(max))
	}

	jitter := jitterMin + random()*(jitterMax-jitterMin)
	ms := math.Round(raw * jitter / float64(time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}
