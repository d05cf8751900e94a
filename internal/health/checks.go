package health

import (
	"context"
	"time"

	"github.com/mbd888/txguard/internal/circuitbreaker"
)

// Pinger is a store that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports a store unhealthy when Ping fails or takes longer than
// timeout.
func PingCheck(name string, p Pinger, timeout time.Duration) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// BreakerCheck reports unhealthy while the breaker is open: scoring requests
// are failing fast with history unavailable.
func BreakerCheck(name string, state func() circuitbreaker.State) Checker {
	return func(context.Context) Status {
		s := state()
		return Status{Name: name, Healthy: s != circuitbreaker.StateOpen, Detail: s.String()}
	}
}
