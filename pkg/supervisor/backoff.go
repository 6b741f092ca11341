package supervisor

import "time"

var (
	backoffBase = time.Second
	backoffMax  = 60 * time.Second

	// stableRunThreshold is how long a process must stay up before the
	// restart backoff resets to its base delay.
	stableRunThreshold = 10 * time.Second
)

// backoff computes restart delays: exponential doubling from base, capped
// at max. Not safe for concurrent use; each container owns one.
type backoff struct {
	next time.Duration
}

func newBackoff() *backoff {
	return &backoff{next: backoffBase}
}

// delay returns the delay to apply before the next restart and advances
// the sequence.
func (b *backoff) delay() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > backoffMax {
		b.next = backoffMax
	}
	return d
}

// observe resets the sequence after a run long enough to count as stable.
func (b *backoff) observe(runtime time.Duration) {
	if runtime >= stableRunThreshold {
		b.next = backoffBase
	}
}
