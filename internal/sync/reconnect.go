package sync

import (
	"math/rand"
	"time"
)

// ReconnectPolicy computes backoff delays for reconnect attempts and decides
// when to stop retrying. Zero values get the defaults from NewReconnectPolicy.
type ReconnectPolicy struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
	Jitter     bool
}

func NewReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Base: time.Second, Cap: 30 * time.Second, MaxRetries: 5}
}

// NextDelay returns min(base * 2^attempt, cap), plus up to 10% jitter when
// enabled so a fleet of clients does not reconnect in lockstep.
func (p ReconnectPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := p.Base << uint(attempt)
	if d > p.Cap || d <= 0 {
		d = p.Cap
	}
	if p.Jitter {
		d += time.Duration(rand.Int63n(int64(d)/10 + 1))
		if d > p.Cap {
			d = p.Cap
		}
	}
	return d
}

// ShouldRetry reports whether another attempt is allowed.
func (p ReconnectPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxRetries
}
