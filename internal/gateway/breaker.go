package gateway

import (
	"go.uber.org/zap"

	"github.com/SkynetNext/mktdata-gateway/internal/circuitbreaker"
	"github.com/SkynetNext/mktdata-gateway/internal/metrics"
)

// getOrCreateBreaker gets or creates the circuit breaker of a service
func (g *Gateway) getOrCreateBreaker(service string) *circuitbreaker.Breaker {
	g.breakerMu.RLock()
	breaker, ok := g.circuitBreakers[service]
	g.breakerMu.RUnlock()
	if ok {
		return breaker
	}

	cfg := g.GetConfig()

	g.breakerMu.Lock()
	defer g.breakerMu.Unlock()

	// Double-check
	if breaker, ok = g.circuitBreakers[service]; ok {
		return breaker
	}

	breaker = circuitbreaker.NewBreaker(int64(cfg.Requests.BreakerMaxFailures), cfg.Requests.BreakerTimeout)
	breaker.OnStateChange(func(state circuitbreaker.State) {
		metrics.CircuitBreakerState.WithLabelValues(service).Set(float64(state))
		g.log.Warn("circuit breaker state changed",
			zap.String("service", service),
			zap.Stringer("state", state),
		)
	})
	g.circuitBreakers[service] = breaker
	metrics.CircuitBreakerState.WithLabelValues(service).Set(float64(breaker.State()))
	return breaker
}

// BreakerState returns the breaker state of a service; services without a breaker are closed
func (g *Gateway) BreakerState(service string) circuitbreaker.State {
	g.breakerMu.RLock()
	defer g.breakerMu.RUnlock()
	if breaker, ok := g.circuitBreakers[service]; ok {
		return breaker.State()
	}
	return circuitbreaker.StateClosed
}
