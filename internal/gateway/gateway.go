package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SkynetNext/mktdata-gateway/internal/circuitbreaker"
	"github.com/SkynetNext/mktdata-gateway/internal/config"
	"github.com/SkynetNext/mktdata-gateway/internal/correlation"
	"github.com/SkynetNext/mktdata-gateway/internal/dispatch"
	"github.com/SkynetNext/mktdata-gateway/internal/logger"
	"github.com/SkynetNext/mktdata-gateway/internal/ratelimit"
	"github.com/SkynetNext/mktdata-gateway/internal/readiness"
	"github.com/SkynetNext/mktdata-gateway/internal/redis"
	"github.com/SkynetNext/mktdata-gateway/internal/requestlog"
	"github.com/SkynetNext/mktdata-gateway/internal/retry"
	"github.com/SkynetNext/mktdata-gateway/internal/subscription"
	"github.com/SkynetNext/mktdata-gateway/internal/transport"
)

var (
	// ErrNotReady is returned by operations that need every required service opened
	ErrNotReady = errors.New("gateway not ready")

	// ErrAlreadyStarted is returned by AddField, AddSecurity and Start once Start has run
	ErrAlreadyStarted = errors.New("gateway already started")

	// ErrServiceNotOpen is returned for requests against a service that is not opened
	ErrServiceNotOpen = errors.New("service not open")

	// ErrCircuitOpen is returned while a service's circuit breaker rejects requests
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrTooManyRequests is returned when a request limit is reached
	ErrTooManyRequests = errors.New("too many outstanding requests")
)

// StatusStore persists gateway status snapshots
type StatusStore interface {
	StoreStatus(ctx context.Context, s *redis.Status) error
}

// Option configures a Gateway
type Option func(*Gateway)

// WithReporter adds a reporter receiving dispatch anomalies
func WithReporter(r dispatch.Reporter) Option {
	return func(g *Gateway) {
		g.reporter = r
	}
}

// WithUpdateListener attaches l to every security added to the gateway
func WithUpdateListener(l subscription.Listener) Option {
	return func(g *Gateway) {
		g.listeners = append(g.listeners, l)
	}
}

// WithStatusStore stores a status snapshot every interval and on shutdown
func WithStatusStore(store StatusStore, interval time.Duration) Option {
	return func(g *Gateway) {
		g.statusStore = store
		g.statusInterval = interval
	}
}

// Gateway multiplexes subscriptions and one-shot requests over one provider session
type Gateway struct {
	config   *config.Config
	configMu sync.RWMutex
	log      *zap.Logger

	transport  transport.Transport
	tracker    *readiness.Tracker
	subs       *correlation.Registry
	reqs       *correlation.Registry
	dispatcher *dispatch.Dispatcher
	securities *subscription.Securities
	fields     *subscription.Fields
	manager    *subscription.Manager

	reporter  dispatch.Reporter
	listeners []subscription.Listener

	// Request limiting and circuit breaking
	limiter         *ratelimit.Limiter
	serviceLimiter  *ratelimit.KeyedLimiter
	circuitBreakers map[string]*circuitbreaker.Breaker // service name -> breaker
	breakerMu       sync.RWMutex

	pending    sync.Map // transport.CorrelationID -> *pendingRequest
	requestLog *requestlog.Logger

	statusStore    StatusStore
	statusInterval time.Duration

	startMu sync.Mutex
	started bool

	metricsServer *http.Server
	draining      atomic.Bool
	shutdownOnce  sync.Once
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// New connects tr to the configured provider and blocks until every required
// service has opened. It fails if the session cannot start, a required service
// fails to open, or Session.StartupTimeout elapses first.
func New(ctx context.Context, cfg *config.Config, tr transport.Transport, opts ...Option) (*Gateway, error) {
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	g := &Gateway{
		config:          cfg,
		log:             logger.Component("gateway"),
		transport:       tr,
		tracker:         readiness.NewTracker(cfg.Session.Services...),
		subs:            correlation.NewRegistry("subscriptions", transport.NamespaceSubscription),
		reqs:            correlation.NewRegistry("requests", transport.NamespaceRequest),
		securities:      subscription.NewSecurities(),
		fields:          subscription.NewFields(),
		limiter:         ratelimit.NewLimiter(int64(cfg.Requests.MaxOutstanding)),
		serviceLimiter:  ratelimit.NewKeyedLimiter(cfg.Requests.MaxPerService, cfg.Requests.RatePerService),
		circuitBreakers: make(map[string]*circuitbreaker.Breaker),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.manager = subscription.NewManager(g.fields, g.subs, tr)
	g.dispatcher = dispatch.New(g.tracker, g.subs, g.reqs, tr, dispatch.Options{
		Context:              context.WithoutCancel(ctx),
		Reporter:             g.reporter,
		OnSubscriptionStatus: g.securities.ApplyStatus,
		OnRequestComplete:    g.completeRequest,
	})

	g.log.Info("connecting to provider",
		zap.String("host", cfg.Session.Host),
		zap.Int("port", cfg.Session.Port),
		zap.Strings("services", cfg.Session.Services),
	)

	retryCfg := retry.RetryConfig{
		MaxRetries: cfg.Session.ConnectRetries,
		RetryDelay: cfg.Session.RetryDelay,
		OnRetry: func(attempt int, err error) {
			g.log.Warn("connect failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		},
	}
	err := retry.Do(ctx, retryCfg, func() error {
		err := tr.Connect(ctx, cfg.Session.Host, cfg.Session.Port, g.dispatcher.HandleEvent)
		if errors.Is(err, transport.ErrConnectRejected) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s:%d: %w", cfg.Session.Host, cfg.Session.Port, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Session.StartupTimeout)
	defer cancel()
	if err := g.tracker.Wait(waitCtx); err != nil {
		if closeErr := tr.Close(); closeErr != nil {
			g.log.Warn("failed to close transport", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("gateway startup: %w", err)
	}

	g.requestLog = requestlog.New(logger.Component("requestlog"), cfg.Requests.LogBatchSize, cfg.Requests.LogFlushInterval)

	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = runCancel
	if g.statusStore != nil {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.statusLoop(runCtx)
		}()
	}

	g.log.Info("gateway ready", zap.Strings("services", g.tracker.Required()))
	return g, nil
}

// Shutdown unregisters every route, closes the transport, stops the HTTP
// server and flushes the request log. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	g.shutdownOnce.Do(func() {
		err = g.shutdown(ctx)
	})
	return err
}

func (g *Gateway) shutdown(ctx context.Context) error {
	// 1. Enter drain mode
	g.draining.Store(true)

	// 2. Drop routes so late messages become reported misses
	subs := g.subs.Clear()
	reqs := g.reqs.Clear()
	g.pending.Range(func(key, _ any) bool {
		if v, ok := g.pending.LoadAndDelete(key); ok {
			p := v.(*pendingRequest)
			g.releaseRequest(p)
			p.span.End()
		}
		return true
	})
	g.log.Info("routes cleared", zap.Int("subscriptions", subs), zap.Int("requests", reqs))

	// 3. Close the provider session
	var err error
	if closeErr := g.transport.Close(); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to close transport: %w", closeErr))
	}

	// 4. Shutdown metrics server
	if g.metricsServer != nil {
		if shutdownErr := g.metricsServer.Shutdown(ctx); shutdownErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to shutdown metrics server: %w", shutdownErr))
		}
	}

	// 5. Stop background loops, storing a last status snapshot
	if g.cancel != nil {
		g.cancel()
	}
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}
	if g.statusStore != nil {
		if storeErr := g.statusStore.StoreStatus(ctx, g.Status()); storeErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to store final status: %w", storeErr))
		}
	}

	// 6. Flush request log
	g.requestLog.Close()

	return err
}

// Ready reports whether every required service has opened
func (g *Gateway) Ready() bool {
	return g.tracker.IsReady()
}

// Connected reports the liveness flag of the provider session
func (g *Gateway) Connected() bool {
	return g.dispatcher.Connected()
}

// SessionState returns the lifecycle state of the provider session
func (g *Gateway) SessionState() dispatch.SessionState {
	return g.dispatcher.SessionState()
}

// SlowConsumer reports whether the provider flagged this consumer as slow
func (g *Gateway) SlowConsumer() bool {
	return g.dispatcher.SlowConsumer()
}

// Securities returns the security collection
func (g *Gateway) Securities() *subscription.Securities {
	return g.securities
}

// Status returns a snapshot of the gateway state
func (g *Gateway) Status() *redis.Status {
	services := make(map[string]string)
	for name, state := range g.tracker.Snapshot() {
		services[name] = state.String()
	}
	return &redis.Status{
		Ready:         g.tracker.IsReady(),
		SessionState:  g.dispatcher.SessionState().String(),
		Connected:     g.dispatcher.Connected(),
		Services:      services,
		Securities:    g.securities.Len(),
		Subscriptions: g.subs.Count(),
		Requests:      g.reqs.Count(),
		UpdatedAt:     time.Now(),
	}
}

func (g *Gateway) statusLoop(ctx context.Context) {
	interval := g.statusInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.storeStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.storeStatus(ctx)
		}
	}
}

func (g *Gateway) storeStatus(ctx context.Context) {
	if err := g.statusStore.StoreStatus(ctx, g.Status()); err != nil && ctx.Err() == nil {
		g.log.Warn("failed to store status", zap.Error(err))
	}
}
