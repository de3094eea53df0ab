package realtime

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles inbound frames of one websocket connection.
// It is a token bucket: a full bucket holds limit events and refills at limit per window.
type RateLimiter struct {
	lim    *rate.Limiter
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter, falling back to the gateway defaults for invalid inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		lim:    rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether a frame received at now may be processed.
func (r *RateLimiter) Allow(now time.Time) bool {
	return r.lim.AllowN(now, 1)
}
