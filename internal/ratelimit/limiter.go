// Package ratelimit paces calls to the platform developer API with a token
// bucket, so a scripted release doesn't trip the panel's abuse protection.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rescale/market-publish/internal/constants"
)

// RateLimiter implements a token bucket rate limiter.
// It allows bursts up to maxTokens, then refills at refillRate tokens/second.
type RateLimiter struct {
	tokens     float64   // Current number of tokens available
	maxTokens  float64   // Maximum bucket capacity
	refillRate float64   // Tokens added per second
	lastRefill time.Time // Last time tokens were refilled
	cooldown   time.Time // No tokens are handed out before this instant
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter.
//
// Parameters:
//   - tokensPerSecond: Rate at which tokens are added (e.g., 2.0 for 2 tokens/second)
//   - burstSize: Maximum tokens that can accumulate (allows brief bursts)
func NewRateLimiter(tokensPerSecond float64, burstSize float64) *RateLimiter {
	return &RateLimiter{
		tokens:     burstSize, // Start with full bucket
		maxTokens:  burstSize,
		refillRate: tokensPerSecond,
		lastRefill: time.Now(),
	}
}

// NewPlatformRateLimiter creates the limiter used for developer API calls.
// A normal publish makes six API calls, so the burst covers a whole run and
// pacing only matters when the CLI is scripted in a loop.
func NewPlatformRateLimiter() *RateLimiter {
	return NewRateLimiter(constants.PlatformRatePerSec, constants.PlatformBurstCapacity)
}

// Wait blocks until a token is available or context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.tryAcquire() {
		return nil
	}

	startTime := time.Now()
	if waitTime := rl.timeUntilNextToken(); waitTime > 2*time.Second {
		log.Info().Dur("wait", waitTime).Msg("rate limited: waiting for API capacity")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if rl.tryAcquire() {
			if waited := time.Since(startTime); waited > 5*time.Second {
				log.Debug().Dur("waited", waited).Msg("rate limit wait completed")
			}
			return nil
		}

		timer := time.NewTimer(rl.timeUntilNextToken())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire attempts to acquire one token without blocking.
func (rl *RateLimiter) tryAcquire() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.refillLocked(now)

	if now.Before(rl.cooldown) {
		return false
	}
	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		return true
	}
	return false
}

// refillLocked adds tokens for the time elapsed since the last refill.
// Caller must hold rl.mu.
func (rl *RateLimiter) refillLocked(now time.Time) {
	rl.tokens += now.Sub(rl.lastRefill).Seconds() * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now
}

// timeUntilNextToken calculates how long to wait until at least one token is available.
func (rl *RateLimiter) timeUntilNextToken() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	var wait time.Duration
	if tokensNeeded := 1.0 - rl.tokens; tokensNeeded > 0 {
		wait = time.Duration(tokensNeeded / rl.refillRate * float64(time.Second))
	}
	if cd := time.Until(rl.cooldown); cd > wait {
		wait = cd
	}
	return wait
}

// SetCooldown blocks all token grants for d. Used when the platform answers
// 429 with a Retry-After header. A shorter cooldown never replaces a longer
// one already in effect.
func (rl *RateLimiter) SetCooldown(d time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if until := time.Now().Add(d); until.After(rl.cooldown) {
		rl.cooldown = until
	}
}

// Drain empties the bucket so the next Wait paces from zero.
func (rl *RateLimiter) Drain() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tokens = 0
	rl.lastRefill = time.Now()
}

// GetCurrentTokens returns the current number of tokens (for testing/debugging).
func (rl *RateLimiter) GetCurrentTokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillLocked(time.Now())
	return rl.tokens
}
