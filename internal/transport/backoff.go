package transport

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// maxConsecutiveFailures is the terminal condition of §4.5: after this
// many consecutive failed connection attempts since the last success,
// the session gives up and settles into Disconnected for good.
const maxConsecutiveFailures = 10

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// scheduleBackoff implements backoff.BackOff with the exact §4.5 reconnect
// schedule, delay(n) = min(base*2^n, cap) + U(0, 1000ms), reusing the
// library's BackOff interface and Stop sentinel instead of inventing a new
// retry abstraction.
type scheduleBackoff struct {
	mu      sync.Mutex
	attempt int
	rng     *rand.Rand
}

func newScheduleBackoff() *scheduleBackoff {
	return &scheduleBackoff{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NextBackOff returns the delay before the next reconnect attempt, or
// backoff.Stop once maxConsecutiveFailures has been reached.
func (b *scheduleBackoff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attempt >= maxConsecutiveFailures {
		return backoff.Stop
	}
	n := b.attempt
	b.attempt++

	delay := backoffBase * time.Duration(int64(1)<<uint(n))
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	jitter := time.Duration(b.rng.Int63n(int64(time.Second)))
	return delay + jitter
}

// Reset zeroes the consecutive-failure counter, called on every
// successful connect (§4.5: "Reset attempt counter").
func (b *scheduleBackoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}
