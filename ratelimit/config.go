package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-guard/instrumentation"
	"github.com/giantswarm/oauth-guard/security"
)

// Category groups endpoints that share a request budget.
type Category string

// Endpoint categories.
const (
	CategoryAuthorization Category = "authorization"
	CategoryToken         Category = "token"
	CategoryConsent       Category = "consent"
	CategoryLogin         Category = "login"
	CategoryGlobal        Category = "global"
)

// Budget is the number of requests allowed per window.
type Budget struct {
	Requests int64
	Window   time.Duration
}

// DefaultBudgets returns a fresh copy of the default per-category budgets.
func DefaultBudgets() map[Category]Budget {
	return map[Category]Budget{
		CategoryAuthorization: {Requests: 30, Window: time.Minute},
		CategoryToken:         {Requests: 20, Window: time.Minute},
		CategoryConsent:       {Requests: 10, Window: time.Minute},
		CategoryLogin:         {Requests: 5, Window: 5 * time.Minute},
		CategoryGlobal:        {Requests: 100, Window: time.Minute},
	}
}

// Default progressive delay parameters.
const (
	DefaultBaseDelay    = time.Second
	DefaultMultiplier   = 2.0
	DefaultMaxDelay     = 300 * time.Second
	DefaultViolationTTL = time.Hour
)

// Config holds adaptive rate limiter configuration.
type Config struct {
	// Budgets overrides individual category budgets; missing categories keep their defaults.
	Budgets map[Category]Budget

	// BaseDelay, Multiplier and MaxDelay shape the progressive delay.
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration

	// ViolationTTL bounds how long violations are remembered.
	ViolationTTL time.Duration

	IPResolver      security.IPResolver
	Auditor         *security.Auditor
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
	Now             func() time.Time

	// Wait blocks for the penalty delay. It must return early with the
	// context error when ctx is done. Defaults to a timer.
	Wait func(ctx context.Context, d time.Duration) error
}

func (c *Config) applyDefaults() {
	budgets := DefaultBudgets()
	for cat, b := range c.Budgets {
		if b.Requests > 0 && b.Window > 0 {
			budgets[cat] = b
		}
	}
	c.Budgets = budgets

	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.ViolationTTL <= 0 {
		c.ViolationTTL = DefaultViolationTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Wait == nil {
		c.Wait = sleepContext
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
