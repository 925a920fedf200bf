package restws

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter groups per-endpoint-category limiters, mirroring the
// teacher's internal/exchange/ratelimit.go grouping (Order/Cancel/Book) but
// built on golang.org/x/time/rate instead of a hand-rolled token bucket —
// the ecosystem's standard limiter, also used elsewhere in the pack for
// exactly this purpose (rate.NewLimiter-per-category API middleware).
type RateLimiter struct {
	Order  *rate.Limiter
	Cancel *rate.Limiter
	Book   *rate.Limiter
}

// NewRateLimiter builds conservative defaults sized for a single account's
// REST traffic. Burst allows a short catch-up after an idle period.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  rate.NewLimiter(rate.Limit(5), 10),
		Cancel: rate.NewLimiter(rate.Limit(10), 20),
		Book:   rate.NewLimiter(rate.Limit(20), 40),
	}
}

// Wait is a thin pass-through to l.Wait(ctx). The call sites in this
// package call the limiter's own method directly (c.rl.Order.Wait(ctx)).
func Wait(ctx context.Context, l *rate.Limiter) error {
	return l.Wait(ctx)
}
