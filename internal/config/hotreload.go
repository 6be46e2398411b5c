package config

import (
	"context"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/mktdata-gateway/internal/logger"
)

// HotReloadManager reloads the configuration file periodically and hands changed
// configurations to reloadFunc. The owner decides which sections may change at runtime.
type HotReloadManager struct {
	config     *Config
	mu         sync.RWMutex
	reloadFunc func(*Config) error
}

// NewHotReloadManager creates a new hot reload manager
func NewHotReloadManager(initialConfig *Config, reloadFunc func(*Config) error) *HotReloadManager {
	return &HotReloadManager{
		config:     initialConfig,
		reloadFunc: reloadFunc,
	}
}

// GetConfig returns the current configuration (thread-safe)
func (h *HotReloadManager) GetConfig() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// UpdateConfig validates newConfig, applies it through reloadFunc and stores it.
// It returns false when newConfig equals the current configuration.
func (h *HotReloadManager) UpdateConfig(newConfig *Config) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := validateConfig(newConfig); err != nil {
		return false, err
	}
	if reflect.DeepEqual(h.config, newConfig) {
		return false, nil
	}

	if h.reloadFunc != nil {
		if err := h.reloadFunc(newConfig); err != nil {
			return false, err
		}
	}

	h.config = newConfig
	return true, nil
}

// WatchConfigFile reloads configPath every interval until ctx ends.
// A file that fails to load or apply keeps the previous configuration.
func (h *HotReloadManager) WatchConfigFile(ctx context.Context, configPath string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			newConfig, err := Load(configPath)
			if err != nil {
				logger.L.Warn("config reload failed", zap.String("path", configPath), zap.Error(err))
				continue
			}

			changed, err := h.UpdateConfig(newConfig)
			if err != nil {
				logger.L.Warn("config reload rejected", zap.String("path", configPath), zap.Error(err))
				continue
			}
			if changed {
				logger.L.Info("configuration reloaded", zap.String("path", configPath))
			}
		}
	}
}
