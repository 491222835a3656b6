// Package ratelimit provides the per-owner quota enforcement the relay uses
// to reject over-quota senders (reported as relay.ErrQuotaExceeded). It has
// no backoff helper; reconnect backoff lives in transport.Backoff.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/evoluhq/evolu-go/errors"
)

// ErrRateLimited is wrapped by Allow's returned error so callers can match
// on it with errors.Is regardless of the detail text.
var ErrRateLimited = errors.New("ratelimit: rate limit exceeded")

// Limiter enforces a maximum call count per sliding one-minute window for
// a single key (an owner id), built on golang.org/x/time/rate: the
// token bucket refills at maxPerMinute events per minute with a burst
// equal to maxPerMinute, so up to maxPerMinute calls may land back to
// back before the limiter starts rejecting, exactly like the broadcast
// limiter relay/subscription.go builds for the same class of problem.
type Limiter struct {
	maxPerMinute int
	timeNow      func() time.Time

	mu sync.Mutex
	rl *rate.Limiter
}

// NewLimiter creates a limiter using the real wall clock.
func NewLimiter(maxPerMinute int) *Limiter {
	return NewLimiterWithClock(maxPerMinute, time.Now)
}

// NewLimiterWithClock creates a limiter with an injectable clock, for
// deterministic tests.
func NewLimiterWithClock(maxPerMinute int, timeNow func() time.Time) *Limiter {
	return &Limiter{
		maxPerMinute: maxPerMinute,
		timeNow:      timeNow,
		rl:           rate.NewLimiter(perMinute(maxPerMinute), maxPerMinute),
	}
}

func perMinute(maxPerMinute int) rate.Limit {
	return rate.Limit(float64(maxPerMinute) / 60.0)
}

// Allow records one call against the window, returning an error wrapping
// ErrRateLimited if the key is already at capacity.
func (l *Limiter) Allow() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.rl.AllowN(l.timeNow(), 1) {
		err := errors.Wrapf(ErrRateLimited, "%d calls per minute limit reached", l.maxPerMinute)
		return errors.WithDetail(err, fmt.Sprintf("remaining capacity: 0 of %d", l.maxPerMinute))
	}
	return nil
}

// Reset clears all recorded calls.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rl = rate.NewLimiter(perMinute(l.maxPerMinute), l.maxPerMinute)
}

// Registry holds one Limiter per owner id, created lazily on first use.
// The relay keeps one Registry for its whole process; quotas are
// per-owner, never global.
type Registry struct {
	maxPerMinute int
	timeNow      func() time.Time

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry creates a registry that mints limiters capped at
// maxPerMinute calls per owner per minute.
func NewRegistry(maxPerMinute int) *Registry {
	return &Registry{
		maxPerMinute: maxPerMinute,
		timeNow:      time.Now,
		limiters:     make(map[string]*Limiter),
	}
}

// Allow checks (and records) a call for ownerID, minting a fresh limiter
// for owners not seen before.
func (r *Registry) Allow(ownerID string) error {
	r.mu.Lock()
	l, ok := r.limiters[ownerID]
	if !ok {
		l = NewLimiterWithClock(r.maxPerMinute, r.timeNow)
		r.limiters[ownerID] = l
	}
	r.mu.Unlock()

	return l.Allow()
}
