package delivery

import (
	"math"
	"time"
)

// RetryPolicy holds the retry parameters for one message kind.
//
// Delay growth is capped exponential:
//
//	delay(n) = min(InitialDelay × BackoffMultiplier^n, MaxDelay)
//
// which is non-decreasing in n (the multiplier is clamped to >= 1).
type RetryPolicy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// AckTimeout is how long a delivery may sit unacknowledged before the
	// timeout path kicks in.
	AckTimeout time.Duration

	RetryOnTimeout bool
	RetryOnReject  bool
}

// DefaultPolicy is the fallback for unknown message kinds.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      5 * time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2,
		AckTimeout:        30 * time.Second,
		RetryOnTimeout:    true,
		RetryOnReject:     false,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	if p.AckTimeout <= 0 {
		p.AckTimeout = def.AckTimeout
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p
}

// Delay returns the backoff delay before retry number attempt (0-based:
// attempt 0 is the first retry).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ShouldRetry reports whether another attempt is allowed after `attempt`
// retries have already been performed and the delivery failed for `reason`.
//
// Timeout and reject honor their dedicated flags; any other reason
// (e.g. a transport failure) defaults to retrying.
func (p RetryPolicy) ShouldRetry(attempt int, reason FailureReason) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	switch reason {
	case ReasonTimeout:
		return p.RetryOnTimeout
	case ReasonRejected:
		return p.RetryOnReject
	default:
		return true
	}
}

// Catalog resolves retry policies by message kind. It is immutable after
// construction, so concurrent reads need no synchronization; hot reloads
// build a fresh catalog and swap it in at the tracker.
type Catalog struct {
	policies map[string]RetryPolicy
	def      RetryPolicy
}

func NewCatalog(def RetryPolicy, perKind map[string]RetryPolicy) *Catalog {
	c := &Catalog{
		policies: make(map[string]RetryPolicy, len(perKind)),
		def:      def.withDefaults(),
	}
	for kind, p := range perKind {
		c.policies[kind] = p.withDefaults()
	}
	return c
}

// Resolve returns the policy for kind, falling back to the default policy.
func (c *Catalog) Resolve(kind string) RetryPolicy {
	if c == nil {
		return DefaultPolicy()
	}
	if p, ok := c.policies[kind]; ok {
		return p
	}
	return c.def
}
