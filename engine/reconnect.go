package engine

import (
	"math/rand/v2"
	"time"
)

const (
	// reconnectMin and reconnectMax bound the backoff delay sequence:
	// 1s, 2s, 4s, 8s, then capped at 8s.
	reconnectMin = 1 * time.Second
	reconnectMax = 8 * time.Second

	// stabilityThreshold is how long a connection must stay up before
	// the backoff resets to reconnectMin. Prevents a single historical
	// failure streak from inflating delays forever.
	stabilityThreshold = 30 * time.Second
)

// reconnectPlan tracks one reconnection cycle: the attempt counter, the
// cursor at the moment the transport dropped, and the backoff schedule.
// It is ephemeral and never persisted.
type reconnectPlan struct {
	attempt            int
	cursorAtDisconnect string
	connectedAt        time.Time
}

// baseDelay returns the undithered delay for the given attempt number.
func baseDelay(attempt int) time.Duration {
	d := reconnectMin
	for i := 0; i < attempt && d < reconnectMax; i++ {
		d *= 2
	}

	if d > reconnectMax {
		d = reconnectMax
	}

	return d
}

// nextDelay computes the delay before the next attempt and advances the
// attempt counter. Jitter is uniform in [0, base/2) so retry storms
// across clients do not synchronize.
func (p *reconnectPlan) nextDelay() time.Duration {
	base := baseDelay(p.attempt)
	p.attempt++

	return base + time.Duration(rand.Int64N(int64(base)/2))
}

// noteConnected records a successful connection for stability tracking.
func (p *reconnectPlan) noteConnected(now time.Time) {
	p.connectedAt = now
}

// noteDisconnected records the cursor at disconnect and resets the
// attempt counter if the connection was up long enough to be stable.
func (p *reconnectPlan) noteDisconnected(now time.Time, cursor string) {
	p.cursorAtDisconnect = cursor

	if !p.connectedAt.IsZero() && now.Sub(p.connectedAt) >= stabilityThreshold {
		p.attempt = 0
	}

	p.connectedAt = time.Time{}
}
