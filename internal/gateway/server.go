package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler returns the health, readiness, status and metrics endpoints
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.healthHandler)
	mux.HandleFunc("/ready", g.readyHandler)
	mux.HandleFunc("/status", g.statusHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// StartMetricsServer serves Handler on port until Shutdown
func (g *Gateway) StartMetricsServer(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on metrics port %d: %w", port, err)
	}

	g.metricsServer = &http.Server{Handler: g.Handler()}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error("metrics server error", zap.Error(err))
		}
	}()

	g.log.Info("metrics server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// healthHandler handles health check requests
func (g *Gateway) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler handles readiness probe requests
func (g *Gateway) readyHandler(w http.ResponseWriter, _ *http.Request) {
	switch {
	case g.draining.Load():
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Draining"))
	case g.checkSession() != nil:
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Session terminated"))
	case !g.tracker.IsReady():
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Not ready"))
	default:
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	}
}

func (g *Gateway) statusHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(g.Status()); err != nil {
		g.log.Warn("failed to encode status", zap.Error(err))
	}
}
