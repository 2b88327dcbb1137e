// Package resilience gates outbound Remote Adapter calls behind a circuit
// breaker and a pacing limiter, both keyed off the network-quality
// classification RA reports (§4.2, §4.5 Mode 2, S6).
package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/dhonus/jellytui-core/internal/errs"
	"github.com/dhonus/jellytui-core/internal/model"
)

// Guard wraps one named circuit breaker plus a rate limiter whose allowance
// is reprogrammed whenever the network-quality classification changes.
type Guard struct {
	breaker *gobreaker.CircuitBreaker[any]
	limiter *rate.Limiter
}

// NewGuard builds a breaker that trips after failureThreshold consecutive
// failures and a limiter starting at Normal-quality pacing.
func NewGuard(name string, failureThreshold uint32) *Guard {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
	}
	g := &Guard{
		breaker: gobreaker.NewCircuitBreaker[any](settings),
		limiter: rate.NewLimiter(rate.Every(0), 1),
	}
	g.Reprogram(model.QualityNormal)
	return g
}

// Reprogram adjusts the pacing limiter's allowance for a new network
// quality. CzechTrain paces calls to one every 5s; it does not close the
// gate and does not change Blocked(), which reflects only the breaker. The
// Orchestrator checks the quality itself before starting background work
// (§4.5 "in CzechTrain OR does not start new downloads or refreshes").
func (g *Guard) Reprogram(q model.NetworkQuality) {
	switch q {
	case model.QualityNormal:
		g.limiter.SetLimit(rate.Every(50 * time.Millisecond))
		g.limiter.SetBurst(4)
	case model.QualitySlow:
		g.limiter.SetLimit(rate.Every(500 * time.Millisecond))
		g.limiter.SetBurst(2)
	case model.QualityCzechTrain:
		g.limiter.SetLimit(rate.Every(5 * time.Second))
		g.limiter.SetBurst(1)
	}
}

// Blocked reports whether the breaker is currently open, i.e. calls would be
// rejected without being attempted.
func (g *Guard) Blocked() bool {
	return g.breaker.State() == gobreaker.StateOpen
}

// Do paces then runs fn through the circuit breaker, translating a trip or
// limiter wait failure into a TransientNetwork error so callers handle it
// the same way as any other RA failure.
func (g *Guard) Do(ctx context.Context, entityID string, fn func() error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return errs.TransientNetwork(entityID, err)
	}
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil {
		if kind := errs.KindOf(err); kind != errs.KindUnknown {
			return err
		}
		return errs.TransientNetwork(entityID, err)
	}
	return nil
}
