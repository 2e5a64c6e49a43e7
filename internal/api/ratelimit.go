package api

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterPool manages per-endpoint rate limiters
type RateLimiterPool struct {
	limiters     map[string]*rate.Limiter
	rates        map[string]int // Track original rates for consistency check
	burstPercent int
	mu           sync.Mutex
}

// NewRateLimiterPool creates a new rate limiter pool. burstPercent is the
// share of the per-minute rate allowed as burst (at least 1 request).
func NewRateLimiterPool(burstPercent int) *RateLimiterPool {
	return &RateLimiterPool{
		limiters:     make(map[string]*rate.Limiter),
		rates:        make(map[string]int),
		burstPercent: burstPercent,
	}
}

// GetOrCreate returns an existing rate limiter or creates a new one.
// An existing limiter keeps its original rate.
func (p *RateLimiterPool) GetOrCreate(endpointID string, requestsPerMinute int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, exists := p.limiters[endpointID]; exists {
		if existingRate := p.rates[endpointID]; existingRate != requestsPerMinute {
			slog.Warn("Rate limiter already exists with different rate, using existing rate",
				"endpoint_id", endpointID,
				"existing_rpm", existingRate,
				"requested_rpm", requestsPerMinute)
		}
		return limiter
	}

	rps := float64(requestsPerMinute) / 60.0
	burst := max(1, requestsPerMinute*p.burstPercent/100)
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[endpointID] = limiter
	p.rates[endpointID] = requestsPerMinute

	slog.Debug("Created rate limiter",
		"endpoint_id", endpointID,
		"rpm", requestsPerMinute,
		"rps", rps,
		"burst", burst)

	return limiter
}

// Wait blocks until the rate limiter allows the next request or ctx ends
func (p *RateLimiterPool) Wait(ctx context.Context, endpointID string, requestsPerMinute int) error {
	return p.GetOrCreate(endpointID, requestsPerMinute).Wait(ctx)
}
