package stack

import (
	"math"
	"math/rand"
	"time"
)

// RandomSource provides random values for jitter calculation.
// Allows injection of deterministic sources for testing.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// DefaultRandomSource is the default random source using math/rand.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// Backoff computes retransmission timeouts as in RFC 7252 Section 4.2.
//
// The initial timeout is drawn from [AckTimeout, AckTimeout*AckRandomFactor).
// Each retransmission multiplies the previous timeout by the scale, so the
// n-th timeout lies in
//
//	[AckTimeout * scale^n, AckTimeout * AckRandomFactor * scale^n)
type Backoff struct {
	ackTimeout   time.Duration
	randomFactor float64
	scale        float64
	random       RandomSource
}

// NewBackoff creates a backoff calculator. If random is nil,
// DefaultRandomSource is used.
func NewBackoff(ackTimeout time.Duration, randomFactor, scale float64, random RandomSource) *Backoff {
	if random == nil {
		random = DefaultRandomSource
	}
	if randomFactor < 1 {
		randomFactor = 1
	}
	if scale < 1 {
		scale = 1
	}
	return &Backoff{
		ackTimeout:   ackTimeout,
		randomFactor: randomFactor,
		scale:        scale,
		random:       random,
	}
}

// Initial returns the timeout of the first transmission.
func (b *Backoff) Initial() time.Duration {
	jitter := 1 + b.random.Float64()*(b.randomFactor-1)
	return time.Duration(float64(b.ackTimeout) * jitter)
}

// Next returns the timeout following prev.
func (b *Backoff) Next(prev time.Duration) time.Duration {
	return time.Duration(float64(prev) * b.scale)
}

// Min returns the smallest timeout of the given attempt (0 for the initial
// transmission).
func (b *Backoff) Min(attempt int) time.Duration {
	return time.Duration(float64(b.ackTimeout) * math.Pow(b.scale, float64(attempt)))
}

// Max returns the upper bound of the timeout of the given attempt.
func (b *Backoff) Max(attempt int) time.Duration {
	return time.Duration(float64(b.Min(attempt)) * b.randomFactor)
}
