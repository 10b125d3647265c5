package gateway

import "golang.org/x/time/rate"

// RateLimiter throttles the authed send endpoints.
// rpm <= 0 disables limiting.
type RateLimiter struct {
	limiter *rate.Limiter
}

func NewRateLimiter(rpm, burst int) *RateLimiter {
	if rpm <= 0 {
		return &RateLimiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)}
}

func (r *RateLimiter) Enabled() bool { return r.limiter != nil }

// Allow reports whether one more request fits the budget.
func (r *RateLimiter) Allow() bool {
	if r.limiter == nil {
		return true
	}
	return r.limiter.Allow()
}
