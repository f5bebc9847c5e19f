package elm

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerDialer guards a Dialer with a circuit breaker. After Failures
// consecutive dial errors it fails fast for Cooldown, which keeps an armed
// reconnect loop from hammering an adapter that is switched off.
type BreakerDialer struct {
	next Dialer
	cb   *gobreaker.CircuitBreaker[Transport]
}

// BreakerSettings tunes a BreakerDialer. Zero fields select 3 failures and
// a 30s cooldown.
type BreakerSettings struct {
	Failures uint32
	Cooldown time.Duration
	Logger   *zap.Logger
}

func NewBreakerDialer(name string, next Dialer, s BreakerSettings) *BreakerDialer {
	if s.Failures == 0 {
		s.Failures = 3
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("breaker")

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.Failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("dial breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &BreakerDialer{next: next, cb: gobreaker.NewCircuitBreaker[Transport](st)}
}

func (b *BreakerDialer) Dial(ctx context.Context, target string) (Transport, error) {
	return b.cb.Execute(func() (Transport, error) {
		return b.next.Dial(ctx, target)
	})
}

// State is the breaker state: "closed", "half-open" or "open".
func (b *BreakerDialer) State() string {
	return b.cb.State().String()
}
