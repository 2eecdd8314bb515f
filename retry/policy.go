// Package retry implements exponential backoff with jitter and a bounded
// attempt count, shared by relay reconnection and the publish engine. It
// wraps cenkalti/backoff/v4's ExponentialBackOff for the delay curve and adds
// the attempt cap and cancel() semantics the spec requires.
package retry

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Params configures a Policy.
type Params struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int // 0 means unbounded
	JitterFactor float64
}

// DefaultParams mirrors the backoff curve used throughout the corpus for
// relay reconnection: a sub-second start, generous ceiling, mild jitter.
func DefaultParams() Params {
	return Params{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		MaxAttempts:  0,
		JitterFactor: 0.2,
	}
}

// Policy is safe for concurrent use; next_delay/reset/cancel are often called
// from a connection's supervisor task while send/receive run on others.
type Policy struct {
	mu        sync.Mutex
	params    Params
	backoff   *backoff.ExponentialBackOff
	attempts  int
	cancelled bool
}

// New builds a Policy from params.
func New(params Params) *Policy {
	p := &Policy{params: params}
	p.backoff = p.newBackoff()
	return p
}

func (p *Policy) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.params.InitialDelay
	b.MaxInterval = p.params.MaxDelay
	b.Multiplier = p.params.Multiplier
	b.RandomizationFactor = p.params.JitterFactor
	b.MaxElapsedTime = 0 // the attempt cap is enforced by Policy itself, not elapsed time
	b.Reset()
	return b
}

// NextDelay returns the next delay to wait, or false once attempts would
// exceed MaxAttempts or the policy has been cancelled.
func (p *Policy) NextDelay() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancelled {
		return 0, false
	}
	if p.params.MaxAttempts > 0 && p.attempts >= p.params.MaxAttempts {
		return 0, false
	}
	p.attempts++
	d := p.backoff.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}

// Reset restores the initial state: zero attempts, base delay.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
	p.cancelled = false
	p.backoff = p.newBackoff()
}

// Cancel voids any pending scheduled retry; subsequent NextDelay calls return
// false until Reset is called.
func (p *Policy) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = true
}

// Attempts reports how many times NextDelay has been called since the last Reset.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}
