package categorize

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited bounds how often the wrapped Categorizer is called
type RateLimited struct {
	next    Categorizer
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond calls on average with the given burst
func NewRateLimited(next Categorizer, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Categorize waits for a token, then delegates
func (r *RateLimited) Categorize(ctx context.Context, bill BillData) (*Categorization, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return r.next.Categorize(ctx, bill)
}

// Close closes the wrapped Categorizer
func (r *RateLimited) Close() error {
	return r.next.Close()
}
