package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/SkynetNext/mktdata-gateway/internal/circuitbreaker"
	"github.com/SkynetNext/mktdata-gateway/internal/config"
	"github.com/SkynetNext/mktdata-gateway/internal/correlation"
	"github.com/SkynetNext/mktdata-gateway/internal/dispatch"
	"github.com/SkynetNext/mktdata-gateway/internal/logger"
	"github.com/SkynetNext/mktdata-gateway/internal/readiness"
	"github.com/SkynetNext/mktdata-gateway/internal/redis"
	"github.com/SkynetNext/mktdata-gateway/internal/subscription"
	"github.com/SkynetNext/mktdata-gateway/internal/transport"
	"github.com/SkynetNext/mktdata-gateway/internal/transport/transporttest"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Session.StartupTimeout = 2 * time.Second
	cfg.Session.RetryDelay = time.Millisecond
	cfg.Requests.LogFlushInterval = 10 * time.Millisecond
	return cfg
}

func newGateway(t *testing.T, cfg *config.Config, opts ...Option) (*Gateway, *transporttest.Fake) {
	t.Helper()
	fake := transporttest.New()
	g, err := New(context.Background(), cfg, fake, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		g.Shutdown(ctx)
	})
	return g, fake
}

type collector struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (c *collector) HandleMessage(msg transport.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestGateway_NewReadyAfterAllServices(t *testing.T) {
	g, fake := newGateway(t, testConfig())

	assert.True(t, g.Ready())
	assert.True(t, g.Connected())
	assert.Equal(t, dispatch.SessionStarted, g.SessionState())
	assert.ElementsMatch(t, []string{config.DefaultMarketDataService, config.DefaultReferenceDataService}, fake.OpenedServices())
}

func TestGateway_NewStartupFailure(t *testing.T) {
	fake := transporttest.New()
	fake.AutoStart = false

	errCh := make(chan error, 1)
	go func() {
		_, err := New(context.Background(), testConfig(), fake)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return fake.Connects() == 1 }, time.Second, time.Millisecond)
	fake.Emit(transport.Event{
		Type:     transport.EventSessionStatus,
		Messages: []transport.Message{{Type: transport.MessageSessionStartupFailure, Payload: []byte("bad credentials")}},
	})

	err := <-errCh
	assert.ErrorIs(t, err, readiness.ErrStartupFailed)
	assert.True(t, fake.Closed())
}

func TestGateway_NewServiceOpenFailure(t *testing.T) {
	fake := transporttest.New()
	fake.FailServices = map[string]bool{config.DefaultReferenceDataService: true}

	_, err := New(context.Background(), testConfig(), fake)
	assert.ErrorIs(t, err, readiness.ErrServiceOpenFailed)
	assert.True(t, fake.Closed())
}

func TestGateway_NewTimeout(t *testing.T) {
	fake := transporttest.New()
	fake.AutoStart = false
	cfg := testConfig()
	cfg.Session.StartupTimeout = 20 * time.Millisecond

	_, err := New(context.Background(), cfg, fake)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGateway_NewConnectRetries(t *testing.T) {
	fake := transporttest.New()
	fake.ConnectErr = errors.New("connection refused")
	cfg := testConfig()
	cfg.Session.ConnectRetries = 3

	_, err := New(context.Background(), cfg, fake)
	assert.ErrorIs(t, err, fake.ConnectErr)
	assert.Equal(t, 3, fake.Connects())
}

func TestGateway_NewConnectRejectedNotRetried(t *testing.T) {
	fake := transporttest.New()
	fake.ConnectErr = fmt.Errorf("dial: %w: status 403", transport.ErrConnectRejected)
	cfg := testConfig()
	cfg.Session.ConnectRetries = 3

	_, err := New(context.Background(), cfg, fake)
	assert.ErrorIs(t, err, transport.ErrConnectRejected)
	assert.Equal(t, 1, fake.Connects())
}

func TestGateway_StartSubscribesEverySecurity(t *testing.T) {
	g, fake := newGateway(t, testConfig())

	_, err := g.AddField("BID")
	require.NoError(t, err)
	_, err = g.AddField("ASK")
	require.NoError(t, err)
	ibm, err := g.AddSecurity("IBM US Equity")
	require.NoError(t, err)
	_, err = g.AddSecurity("VOD LN Equity")
	require.NoError(t, err)

	require.NoError(t, g.Start(context.Background()))

	subs := fake.Subscriptions()
	require.Len(t, subs, 2)
	for _, sub := range subs {
		assert.Equal(t, []string{"BID", "ASK"}, sub.Fields)
		assert.Equal(t, "", sub.Options)
		assert.Equal(t, correlation.SubscriptionID(sub.Topic), sub.CorrelationID)
	}
	assert.Equal(t, subscription.StatusSubmitted, ibm.Status())

	_, err = g.AddField("LAST_PRICE")
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	_, err = g.AddSecurity("MSFT US Equity")
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.ErrorIs(t, g.Start(context.Background()), ErrAlreadyStarted)
}

func TestGateway_StartFailureCanBeRetried(t *testing.T) {
	g, fake := newGateway(t, testConfig())
	_, err := g.AddSecurity("IBM US Equity")
	require.NoError(t, err)

	fake.SetSubscribeErr(errors.New("write: broken pipe"))
	require.Error(t, g.Start(context.Background()))

	fake.SetSubscribeErr(nil)
	require.NoError(t, g.Start(context.Background()))
	assert.Len(t, fake.Subscriptions(), 1)
}

func TestGateway_SubscriptionDataRouted(t *testing.T) {
	var mu sync.Mutex
	var updates []string
	listener := func(sec *subscription.Security, _ transport.Message) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, sec.Name())
	}
	g, fake := newGateway(t, testConfig(), WithUpdateListener(listener))

	ibm, err := g.AddSecurity("IBM US Equity")
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))

	fake.Emit(transport.Event{
		Type: transport.EventSubscriptionData,
		Messages: []transport.Message{
			{Type: transport.MessageMarketDataEvents, CorrelationID: ibm.CorrelationID(), Payload: []byte(`{"BID":1}`)},
			{Type: transport.MessageMarketDataEvents, CorrelationID: correlation.SubscriptionID("UNKNOWN"), Payload: []byte(`{"BID":2}`)},
			{Type: transport.MessageMarketDataEvents, CorrelationID: ibm.CorrelationID(), Payload: []byte(`{"BID":3}`)},
		},
	})

	assert.Equal(t, uint64(2), ibm.UpdateCount())
	last, ok := ibm.LastMessage()
	require.True(t, ok)
	assert.Equal(t, `{"BID":3}`, string(last.Payload))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"IBM US Equity", "IBM US Equity"}, updates)
}

func TestGateway_AddSubscriptionTwice(t *testing.T) {
	g, fake := newGateway(t, testConfig())
	ibm, err := g.AddSecurity("IBM US Equity")
	require.NoError(t, err)

	first, err := g.AddSubscription(context.Background(), ibm)
	require.NoError(t, err)
	second, err := g.AddSubscription(context.Background(), ibm)
	assert.ErrorIs(t, err, correlation.ErrDuplicateCorrelation)
	assert.Equal(t, first, second)

	// Start skips the security that already has a live route
	require.NoError(t, g.Start(context.Background()))
	assert.Len(t, fake.Subscriptions(), 1)
}

func TestGateway_ResubscribeAfterTermination(t *testing.T) {
	g, fake := newGateway(t, testConfig())
	ibm, err := g.AddSecurity("IBM US Equity")
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))

	fake.Emit(transport.Event{
		Type:     transport.EventSubscriptionStatus,
		Messages: []transport.Message{{Type: transport.MessageSubscriptionTerminated, CorrelationID: ibm.CorrelationID()}},
	})
	assert.Equal(t, subscription.StatusTerminated, ibm.Status())

	_, err = g.AddSubscription(context.Background(), ibm)
	require.NoError(t, err)
	assert.Len(t, fake.Subscriptions(), 2)
}

func TestGateway_SendRequestDistinctIDs(t *testing.T) {
	g, fake := newGateway(t, testConfig())

	const n = 50
	ids := make(chan transport.CorrelationID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := g.CreateRequest(config.DefaultReferenceDataService, "ReferenceDataRequest")
			if !assert.NoError(t, err) {
				return
			}
			id, err := g.SendRequest(context.Background(), req, &collector{})
			if assert.NoError(t, err) {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[transport.CorrelationID]bool)
	for id := range ids {
		assert.Equal(t, transport.NamespaceRequest, id.Namespace)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Len(t, fake.Requests(), n)
}

func TestGateway_ResponseRouting(t *testing.T) {
	g, fake := newGateway(t, testConfig())

	req, err := g.CreateRequest(config.DefaultReferenceDataService, "ReferenceDataRequest")
	require.NoError(t, err)
	req.Append("securities", "IBM US Equity")
	req.Append("fields", "PX_LAST")

	handler := &collector{}
	id, err := g.SendRequest(context.Background(), req, handler)
	require.NoError(t, err)

	sent := fake.Requests()
	require.Len(t, sent, 1)
	assert.Equal(t, id, sent[0].ID)
	assert.Equal(t, []string{"IBM US Equity"}, sent[0].Request.Params()["securities"])
	assert.Equal(t, int64(1), g.limiter.Current())

	response := func(et transport.EventType) transport.Event {
		return transport.Event{Type: et, Messages: []transport.Message{{Type: transport.MessageResponse, CorrelationID: id}}}
	}
	fake.Emit(response(transport.EventPartialResponse))
	fake.Emit(response(transport.EventResponse))
	fake.Emit(response(transport.EventResponse))

	assert.Equal(t, 2, handler.count(), "late duplicate is dropped")
	assert.Zero(t, g.reqs.Count())
	assert.Zero(t, g.limiter.Current())
}

func TestGateway_RequestTimeoutReleasesSlot(t *testing.T) {
	g, fake := newGateway(t, testConfig())

	req, err := g.CreateRequest(config.DefaultReferenceDataService, "ReferenceDataRequest")
	require.NoError(t, err)
	handler := &collector{}
	id, err := g.SendRequest(context.Background(), req, handler)
	require.NoError(t, err)

	fake.Emit(transport.Event{
		Type:     transport.EventTimeout,
		Messages: []transport.Message{{Type: transport.MessageRequestFailure, CorrelationID: id}},
	})
	assert.Equal(t, 1, handler.count())
	assert.Zero(t, g.limiter.Current())
}

func TestGateway_CreateRequestServiceNotOpen(t *testing.T) {
	g, _ := newGateway(t, testConfig())

	_, err := g.CreateRequest("//blp/apiflds", "FieldInfoRequest")
	assert.ErrorIs(t, err, ErrServiceNotOpen)

	_, err = g.SendRequest(context.Background(), transport.NewRequest("//blp/apiflds", "FieldInfoRequest"), nil)
	assert.ErrorIs(t, err, ErrServiceNotOpen)
}

func TestGateway_SendFailureRollsBack(t *testing.T) {
	g, fake := newGateway(t, testConfig())
	fake.SetSendErr(errors.New("write: broken pipe"))

	req, err := g.CreateRequest(config.DefaultReferenceDataService, "ReferenceDataRequest")
	require.NoError(t, err)
	_, err = g.SendRequest(context.Background(), req, nil)
	assert.ErrorIs(t, err, fake.SendErr)
	assert.Zero(t, g.reqs.Count())
	assert.Zero(t, g.limiter.Current())
}

func TestGateway_CircuitBreakerOpens(t *testing.T) {
	cfg := testConfig()
	cfg.Requests.BreakerMaxFailures = 2
	cfg.Requests.BreakerTimeout = time.Hour
	g, fake := newGateway(t, cfg)
	fake.SetSendErr(errors.New("write: broken pipe"))

	for i := 0; i < 2; i++ {
		_, err := g.SendRequest(context.Background(), transport.NewRequest(config.DefaultReferenceDataService, "ReferenceDataRequest"), nil)
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, g.BreakerState(config.DefaultReferenceDataService))

	fake.SetSendErr(nil)
	_, err := g.SendRequest(context.Background(), transport.NewRequest(config.DefaultReferenceDataService, "ReferenceDataRequest"), nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, g.limiter.Current())
	assert.Empty(t, fake.Requests())
}

func TestGateway_TooManyRequests(t *testing.T) {
	cfg := testConfig()
	cfg.Requests.MaxOutstanding = 1
	cfg.Requests.MaxPerService = 1
	g, fake := newGateway(t, cfg)

	send := func() (transport.CorrelationID, error) {
		return g.SendRequest(context.Background(), transport.NewRequest(config.DefaultReferenceDataService, "ReferenceDataRequest"), nil)
	}

	id, err := send()
	require.NoError(t, err)
	_, err = send()
	assert.ErrorIs(t, err, ErrTooManyRequests)

	fake.Emit(transport.Event{Type: transport.EventResponse, Messages: []transport.Message{{Type: transport.MessageResponse, CorrelationID: id}}})
	_, err = send()
	assert.NoError(t, err)
}

func TestGateway_PanickingHandlerReleasesSlot(t *testing.T) {
	cfg := testConfig()
	cfg.Requests.MaxOutstanding = 1
	cfg.Requests.MaxPerService = 1
	g, fake := newGateway(t, cfg)

	req := transport.NewRequest(config.DefaultReferenceDataService, "ReferenceDataRequest")
	id, err := g.SendRequest(context.Background(), req, correlation.HandlerFunc(func(transport.Message) {
		panic("consumer bug")
	}))
	require.NoError(t, err)

	fake.Emit(transport.Event{Type: transport.EventResponse, Messages: []transport.Message{{Type: transport.MessageResponse, CorrelationID: id}}})
	assert.Zero(t, g.reqs.Count())
	assert.Zero(t, g.limiter.Current())

	_, err = g.SendRequest(context.Background(), transport.NewRequest(config.DefaultReferenceDataService, "ReferenceDataRequest"), nil)
	assert.NoError(t, err)
}

func TestGateway_UpdateConfigRaisesLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Requests.MaxOutstanding = 1
	cfg.Requests.MaxPerService = 1
	g, _ := newGateway(t, cfg)

	send := func() error {
		_, err := g.SendRequest(context.Background(), transport.NewRequest(config.DefaultReferenceDataService, "ReferenceDataRequest"), nil)
		return err
	}
	require.NoError(t, send())
	require.ErrorIs(t, send(), ErrTooManyRequests)

	next := testConfig()
	next.Requests.MaxOutstanding = 2
	next.Requests.MaxPerService = 2
	require.NoError(t, g.UpdateConfig(next))
	assert.NoError(t, send())
	assert.Same(t, next, g.GetConfig())

	invalid := testConfig()
	invalid.Requests.MaxOutstanding = -1
	assert.Error(t, g.UpdateConfig(invalid))
	assert.Same(t, next, g.GetConfig())
}

func TestGateway_UpdateConfigLogLevel(t *testing.T) {
	g, _ := newGateway(t, testConfig())
	before := logger.Level()
	t.Cleanup(func() { require.NoError(t, logger.SetLevel(before.String())) })

	next := testConfig()
	next.LogLevel = "debug"
	require.NoError(t, g.UpdateConfig(next))
	assert.Equal(t, zapcore.DebugLevel, logger.Level())

	bad := testConfig()
	bad.LogLevel = "loud"
	assert.Error(t, g.UpdateConfig(bad))
	assert.Equal(t, zapcore.DebugLevel, logger.Level())
}

func TestGateway_SessionTerminated(t *testing.T) {
	g, fake := newGateway(t, testConfig())

	fake.Emit(transport.Event{
		Type:     transport.EventSessionStatus,
		Messages: []transport.Message{{Type: transport.MessageSessionTerminated}},
	})
	assert.True(t, g.Ready(), "readiness is monotonic")
	assert.False(t, g.Connected())

	_, err := g.SendRequest(context.Background(), transport.NewRequest(config.DefaultReferenceDataService, "ReferenceDataRequest"), nil)
	assert.ErrorIs(t, err, dispatch.ErrSessionTerminated)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGateway_HTTPHandlers(t *testing.T) {
	g, _ := newGateway(t, testConfig())
	h := g.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status redis.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Ready)
	assert.Equal(t, "started", status.SessionState)
	assert.Equal(t, "opened", status.Services[config.DefaultMarketDataService])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mktdata_gateway_ready")
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []*redis.Status
}

func (s *statusRecorder) StoreStatus(_ context.Context, st *redis.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
	return nil
}

func (s *statusRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

func TestGateway_Shutdown(t *testing.T) {
	store := &statusRecorder{}
	g, fake := newGateway(t, testConfig(), WithStatusStore(store, time.Hour))

	ibm, err := g.AddSecurity("IBM US Equity")
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	_, err = g.SendRequest(context.Background(), transport.NewRequest(config.DefaultReferenceDataService, "ReferenceDataRequest"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.Shutdown(ctx))
	require.NoError(t, g.Shutdown(ctx))

	assert.True(t, fake.Closed())
	assert.Zero(t, g.subs.Count())
	assert.Zero(t, g.reqs.Count())
	assert.Zero(t, g.limiter.Current())
	assert.GreaterOrEqual(t, store.count(), 2, "initial and final snapshots")

	_, err = g.AddSubscription(context.Background(), ibm)
	assert.ErrorIs(t, err, ErrNotReady)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Draining", rec.Body.String())
}
