// Package ratecontrol paces agent invocations per capability.
package ratecontrol

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimit is requests and estimated tokens per minute. Zero means unlimited.
type RateLimit struct {
	RPM int `yaml:"rpm" mapstructure:"rpm"`
	TPM int `yaml:"tpm" mapstructure:"tpm"`
}

// Unlimited reports whether the limit imposes nothing.
func (l RateLimit) Unlimited() bool { return l.RPM <= 0 && l.TPM <= 0 }

// Config holds the default limit and per-capability overrides.
type Config struct {
	Default   RateLimit            `yaml:"default" mapstructure:"default"`
	Overrides map[string]RateLimit `yaml:"overrides" mapstructure:"overrides"`
}

// LimitFor returns the effective limit for a capability. An override only
// tightens the default; it never loosens it.
func (c Config) LimitFor(capability string) RateLimit {
	if o, ok := c.Overrides[strings.ToLower(strings.TrimSpace(capability))]; ok {
		return CombineLimits(c.Default, o)
	}
	return c.Default
}

// CombineLimits keeps the stricter positive value of each dimension.
func CombineLimits(a, b RateLimit) RateLimit {
	return RateLimit{RPM: minPositive(a.RPM, b.RPM), TPM: minPositive(a.TPM, b.TPM)}
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

type bucket struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
}

func newBucket(l RateLimit) *bucket {
	b := &bucket{}
	if l.RPM > 0 {
		b.requests = rate.NewLimiter(rate.Limit(float64(l.RPM)/60.0), max(1, l.RPM/60))
	}
	if l.TPM > 0 {
		b.tokens = rate.NewLimiter(rate.Limit(float64(l.TPM)/60.0), l.TPM)
	}
	return b
}

// Limiter holds one token bucket pair per capability.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter creates a limiter from cfg.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

func (l *Limiter) bucket(capability string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[capability]
	if !ok {
		b = newBucket(l.cfg.LimitFor(capability))
		l.buckets[capability] = b
	}
	return b
}

// Wait blocks until the capability may issue one request carrying
// estimatedTokens, or ctx is done.
func (l *Limiter) Wait(ctx context.Context, capability string, estimatedTokens int) error {
	b := l.bucket(capability)
	if b.requests != nil {
		if err := b.requests.Wait(ctx); err != nil {
			return err
		}
	}
	if b.tokens != nil && estimatedTokens > 0 {
		n := estimatedTokens
		if burst := b.tokens.Burst(); n > burst {
			n = burst
		}
		if err := b.tokens.WaitN(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// Allow reports whether a request may proceed right now, consuming budget if so.
func (l *Limiter) Allow(capability string) bool {
	b := l.bucket(capability)
	if b.requests == nil {
		return true
	}
	return b.requests.Allow()
}
