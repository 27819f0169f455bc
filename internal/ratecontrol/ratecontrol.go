package ratecontrol

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/consistency-engine/internal/metrics"
)

// RateLimit expresses a budget in requests and tokens per minute. Zero means
// unlimited.
type RateLimit struct {
	RPM int `mapstructure:"rpm" yaml:"rpm"`
	TPM int `mapstructure:"tpm" yaml:"tpm"`
}

// Limiter paces calls to an external scoring service.
type Limiter struct {
	name string
	lim  *rate.Limiter
}

// NewLimiter builds a token bucket from limit.RPM. An RPM of zero disables pacing.
func NewLimiter(name string, limit RateLimit) *Limiter {
	if limit.RPM <= 0 {
		return &Limiter{name: name, lim: rate.NewLimiter(rate.Inf, 1)}
	}
	perSecond := float64(limit.RPM) / 60.0
	burst := int(math.Max(1, math.Ceil(float64(limit.RPM)/30.0)))
	return &Limiter{name: name, lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a request may proceed or ctx is done. A wait that would
// outlast ctx's deadline fails at once with an error wrapping
// context.DeadlineExceeded.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.lim.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if _, ok := ctx.Deadline(); ok {
			return fmt.Errorf("%s limiter: %v: %w", l.name, err, context.DeadlineExceeded)
		}
		return err
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.RecordRateLimitWait(l.name, waited.Seconds())
	}
	return nil
}

// Allow reports whether a request may proceed now without waiting.
func (l *Limiter) Allow() bool { return l.lim.Allow() }

// SetLimit changes the pace, e.g. after a config reload.
func (l *Limiter) SetLimit(limit RateLimit) {
	if limit.RPM <= 0 {
		l.lim.SetLimit(rate.Inf)
		return
	}
	l.lim.SetLimit(rate.Limit(float64(limit.RPM) / 60.0))
}

// CombineLimits keeps the stricter positive value of each dimension.
func CombineLimits(a, b RateLimit) RateLimit {
	return RateLimit{RPM: minPositive(a.RPM, b.RPM), TPM: minPositive(a.TPM, b.TPM)}
}

// DelayFor returns the spacing a call of estimatedTokens needs under limit.
func DelayFor(limit RateLimit, estimatedTokens int) time.Duration {
	if (limit.RPM <= 0 && limit.TPM <= 0) || estimatedTokens < 0 {
		return 0
	}
	var delayMs float64
	if limit.RPM > 0 {
		delayMs = 60000.0 / float64(limit.RPM)
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		delayMs = math.Max(delayMs, 60000.0/float64(limit.TPM)*float64(estimatedTokens))
	}
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}

func minPositive(a, b int) int {
	switch {
	case a <= 0:
		return max(b, 0)
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}
