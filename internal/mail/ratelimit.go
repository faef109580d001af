package mail

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Sender with a token bucket shared by every caller.
type RateLimited struct {
	next    Sender
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond sends per second with the given burst.
// A non-positive perSecond disables limiting.
func NewRateLimited(next Sender, perSecond float64, burst int) Sender {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) Send(ctx context.Context, msg Message) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("mail rate limit: %w", err)
	}
	return r.next.Send(ctx, msg)
}
