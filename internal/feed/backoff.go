package feed

import "time"

// Backoff is the reconnect policy: attempt n waits min(Base·2^n, Cap), and
// no attempt is scheduled once MaxAttempts have been made.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff waits 1s, 2s, 4s, 8s, 16s and then gives up.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Cap:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return b.capOr(base << 30)
	}
	return b.capOr(base << attempt)
}

func (b Backoff) capOr(d time.Duration) time.Duration {
	if b.Cap > 0 && (d > b.Cap || d <= 0) {
		return b.Cap
	}
	return d
}

// Exhausted reports whether attempts has reached the retry limit. A
// non-positive MaxAttempts retries forever.
func (b Backoff) Exhausted(attempts int) bool {
	return b.MaxAttempts > 0 && attempts >= b.MaxAttempts
}
