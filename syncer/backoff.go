package syncer

import (
	"crypto/rand"
	"math/big"
	"time"
)

const (
	// DefaultBackoffBase is the delay before the first retry of a failed
	// step.
	DefaultBackoffBase = time.Second

	// DefaultMaxBackoff caps the delay between retries.
	DefaultMaxBackoff = time.Minute
)

// computeNextBackoff uses a truncated exponential backoff to compute the next
// backoff using the value of the exiting backoff. The returned duration is
// randomized in either direction by 1/20 to prevent tight loops from
// stabilizing.
func computeNextBackoff(currBackoff, maxBackoff time.Duration) time.Duration {
	// Double the current backoff, truncating if it exceeds our maximum.
	nextBackoff := 2 * currBackoff
	if nextBackoff > maxBackoff {
		nextBackoff = maxBackoff
	}

	return jitter(nextBackoff)
}

// jitter offsets the duration by a random amount of at most 1/20 of it in
// either direction.
func jitter(d time.Duration) time.Duration {
	// Using 1/10 of our duration as a margin, compute a random offset so
	// that consumers failing together don't retry in lockstep.
	margin := d / 10
	if margin <= 0 {
		return d
	}

	var wiggle big.Int
	wiggle.SetUint64(uint64(margin))
	offset, err := rand.Int(rand.Reader, &wiggle)
	if err != nil {
		// Randomizing is not mission critical, so we'll just return
		// the unmodified backoff.
		return d
	}

	// Otherwise add in our wiggle, but subtract out half of the margin so
	// that the backoff can tweaked by 1/20 in either direction.
	return d + (time.Duration(offset.Uint64()) - margin/2)
}

// backoff tracks the delay of the retries of one machine.
type backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

// next returns the delay before the next retry and grows it for the one
// after.
func (b *backoff) next() time.Duration {
	if b.current == 0 {
		b.current = jitter(b.base)
	} else {
		b.current = computeNextBackoff(b.current, b.max)
	}

	return b.current
}

// reset starts the delays over at the base.
func (b *backoff) reset() {
	b.current = 0
}
