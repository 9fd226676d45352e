package resilience

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Guard combines a rate limiter, a circuit breaker and a retry policy around
// calls to one external service. A nil limiter or breaker is skipped.
type Guard struct {
	Service string
	Limiter *rate.Limiter
	Breaker *CircuitBreaker
	Retry   RetryConfig
}

// NewLimiter returns a token bucket limiter, or nil when perSec <= 0.
func NewLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// Run executes fn under the guard. Every attempt waits for the limiter and
// passes through the breaker; retries follow g.Retry.
func Run[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	attempt := func(ctx context.Context) (T, error) {
		var zero T
		if g.Limiter != nil {
			if err := g.Limiter.Wait(ctx); err != nil {
				return zero, eris.Wrapf(err, "%s: rate limit wait", g.Service)
			}
		}
		if g.Breaker != nil {
			return ExecuteVal(ctx, g.Breaker, fn)
		}
		return fn(ctx)
	}

	retry := g.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = RetryLogger(g.Service, "call")
	}
	return DoVal(ctx, retry, attempt)
}
