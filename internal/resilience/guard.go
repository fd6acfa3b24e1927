package resilience

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	Name    string
	Breaker BreakerConfig
	Backoff Backoff
	// RatePerSec limits call starts. Zero disables the limit.
	RatePerSec float64
	Burst      int
}

// Guard runs calls through a rate limiter, a circuit breaker and retries.
// The breaker sees one outcome per Do call, after retries.
type Guard struct {
	name    string
	breaker *Breaker
	backoff Backoff
	limiter *rate.Limiter
}

// NewGuard creates a Guard.
func NewGuard(cfg GuardConfig) *Guard {
	log := zap.L().With(zap.String("component", "resilience"), zap.String("service", cfg.Name))
	bc := cfg.Breaker
	onChange := bc.OnChange
	bc.OnChange = func(from, to State) {
		log.Warn("circuit state changed", zap.Stringer("from", from), zap.Stringer("to", to))
		if onChange != nil {
			onChange(from, to)
		}
	}

	g := &Guard{
		name:    cfg.Name,
		breaker: NewBreaker(bc),
		backoff: cfg.Backoff,
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return g
}

// Breaker exposes the guard's breaker for observability.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Do runs fn under the guard.
func Do[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := g.breaker.Allow(); err != nil {
		return zero, eris.Wrapf(err, "resilience: %s", g.name)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return zero, eris.Wrapf(err, "resilience: %s rate wait", g.name)
		}
	}
	v, err := Retry(ctx, g.backoff, fn)
	g.breaker.Record(err)
	return v, err
}
