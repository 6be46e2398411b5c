package gateway

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/SkynetNext/mktdata-gateway/internal/config"
	"github.com/SkynetNext/mktdata-gateway/internal/logger"
)

// UpdateConfig applies the request limits and log level of newConfig (hot reload).
// Session, subscription and Redis settings only take effect on restart.
func (g *Gateway) UpdateConfig(newConfig *config.Config) error {
	if err := config.ValidateConfig(newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	g.configMu.Lock()
	defer g.configMu.Unlock()

	old := g.config.Requests
	next := newConfig.Requests

	if next.MaxOutstanding != old.MaxOutstanding {
		g.limiter.SetMax(int64(next.MaxOutstanding))
		g.log.Info("request limiter updated",
			zap.Int("old_max", old.MaxOutstanding),
			zap.Int("new_max", next.MaxOutstanding),
		)
	}

	if next.MaxPerService != old.MaxPerService || next.RatePerService != old.RatePerService {
		g.serviceLimiter.SetLimits(next.MaxPerService, next.RatePerService)
		g.log.Info("service limiter updated",
			zap.Int("old_max_per_service", old.MaxPerService),
			zap.Int("new_max_per_service", next.MaxPerService),
			zap.Int("old_rate_per_service", old.RatePerService),
			zap.Int("new_rate_per_service", next.RatePerService),
		)
	}

	if next.BreakerMaxFailures != old.BreakerMaxFailures || next.BreakerTimeout != old.BreakerTimeout {
		// breakers are recreated with the new settings on next use
		g.breakerMu.Lock()
		for service := range g.circuitBreakers {
			delete(g.circuitBreakers, service)
		}
		g.breakerMu.Unlock()
		g.log.Info("circuit breaker settings updated",
			zap.Int("max_failures", next.BreakerMaxFailures),
			zap.Duration("timeout", next.BreakerTimeout),
		)
	}

	if newConfig.LogLevel != "" && newConfig.LogLevel != g.config.LogLevel {
		if err := logger.SetLevel(newConfig.LogLevel); err != nil {
			return fmt.Errorf("failed to set log level: %w", err)
		}
		g.log.Info("log level updated", zap.String("level", newConfig.LogLevel))
	}

	g.config = newConfig

	g.log.Info("configuration updated successfully")
	return nil
}

// GetConfig returns the current configuration (thread-safe)
func (g *Gateway) GetConfig() *config.Config {
	g.configMu.RLock()
	defer g.configMu.RUnlock()
	return g.config
}
