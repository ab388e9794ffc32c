package platform

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Gate enforces a minimum interval between calls to one provider. Clients share a single Gate per
// provider so the poll loop, the webhook consumer and rechecks never have concurrent requests in
// flight faster than the provider allows. A nil Gate never blocks.
type Gate struct {
	limiter *rate.Limiter
}

// NewGate allows one call per interval with no burst. interval <= 0 disables gating.
func NewGate(interval time.Duration) *Gate {
	if interval <= 0 {
		return &Gate{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Gate{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next call may proceed or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	if g == nil || g.limiter == nil {
		return ctx.Err()
	}
	return g.limiter.Wait(ctx)
}
