package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SkynetNext/mktdata-gateway/internal/circuitbreaker"
	"github.com/SkynetNext/mktdata-gateway/internal/correlation"
	"github.com/SkynetNext/mktdata-gateway/internal/logger"
	"github.com/SkynetNext/mktdata-gateway/internal/metrics"
	"github.com/SkynetNext/mktdata-gateway/internal/requestlog"
	"github.com/SkynetNext/mktdata-gateway/internal/tracing"
	"github.com/SkynetNext/mktdata-gateway/internal/transport"
)

// pendingRequest tracks one request from send to its final message
type pendingRequest struct {
	ctx       context.Context
	span      trace.Span
	service   string
	operation string
	start     time.Time
	messages  atomic.Int32
}

// CreateRequest builds an empty request for an opened service
func (g *Gateway) CreateRequest(service, operation string) (*transport.Request, error) {
	if _, ok := g.tracker.Service(service); !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotOpen, service)
	}
	return transport.NewRequest(service, operation), nil
}

// SendRequest sends req and returns its correlation id without waiting for the
// response. Every message of the response is delivered to handler; the id is
// released after the final response, a request failure or a timeout.
// A nil handler logs the response.
func (g *Gateway) SendRequest(ctx context.Context, req *transport.Request, handler correlation.MessageHandler) (transport.CorrelationID, error) {
	if !g.tracker.IsReady() {
		return transport.CorrelationID{}, ErrNotReady
	}
	if err := g.checkSession(); err != nil {
		return transport.CorrelationID{}, err
	}
	if _, ok := g.tracker.Service(req.Service); !ok {
		return transport.CorrelationID{}, fmt.Errorf("%w: %s", ErrServiceNotOpen, req.Service)
	}
	if handler == nil {
		handler = g.logResponse(req.Service)
	}

	if !g.limiter.Allow() {
		g.reject(ctx, req, "max_outstanding")
		return transport.CorrelationID{}, ErrTooManyRequests
	}
	if !g.serviceLimiter.Allow(req.Service) {
		g.limiter.Release()
		g.reject(ctx, req, "service_limit")
		return transport.CorrelationID{}, fmt.Errorf("%w for %s", ErrTooManyRequests, req.Service)
	}

	ctx, span := tracing.StartSpan(ctx, "gateway.send_request")
	id := correlation.NewRequestID()
	span.SetAttributes(
		attribute.String("service", req.Service),
		attribute.String("operation", req.Operation),
		attribute.String("correlation_id", id.String()),
	)

	p := &pendingRequest{
		ctx:       ctx,
		span:      span,
		service:   req.Service,
		operation: req.Operation,
		start:     time.Now(),
	}
	metrics.RequestsInFlight.Inc()

	// Registered before sending: the response may arrive before SendRequest returns
	g.pending.Store(id, p)
	err := g.reqs.Register(id, correlation.HandlerFunc(func(msg transport.Message) {
		p.messages.Add(1)
		handler.HandleMessage(msg)
	}))
	if err != nil {
		g.abortRequest(id, p, "register_error", err)
		return transport.CorrelationID{}, err
	}

	breaker := g.getOrCreateBreaker(req.Service)
	err = breaker.Execute(func() error {
		return g.transport.SendRequest(ctx, req, id)
	})
	if err != nil {
		g.reqs.Unregister(id)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			g.abortRequest(id, p, "circuit_open", err)
			return transport.CorrelationID{}, fmt.Errorf("%w for %s", ErrCircuitOpen, req.Service)
		}
		g.abortRequest(id, p, "send_error", err)
		return transport.CorrelationID{}, fmt.Errorf("failed to send request to %s: %w", req.Service, err)
	}

	logger.DebugWithTrace(ctx, "request sent",
		zap.String("service", req.Service),
		zap.String("operation", req.Operation),
		zap.Stringer("correlation_id", id),
	)
	return id, nil
}

// completeRequest runs once per request id after its final message was delivered
func (g *Gateway) completeRequest(et transport.EventType, id transport.CorrelationID, msg transport.Message) {
	v, ok := g.pending.LoadAndDelete(id)
	if !ok {
		return
	}
	p := v.(*pendingRequest)
	g.releaseRequest(p)

	elapsed := time.Since(p.start)
	metrics.RequestLatency.WithLabelValues(p.service).Observe(elapsed.Seconds())

	entry := &requestlog.Entry{
		Service:       p.service,
		Operation:     p.operation,
		CorrelationID: id.String(),
		DurationMs:    elapsed.Milliseconds(),
		Status:        requestlog.StatusSuccess,
		Partials:      int(p.messages.Load()) - 1,
	}
	switch {
	case et == transport.EventTimeout:
		entry.Status = requestlog.StatusTimeout
	case msg.Type == transport.MessageRequestFailure:
		entry.Status = requestlog.StatusFailure
		entry.Error = string(msg.Payload)
	}
	if entry.Partials < 0 {
		entry.Partials = 0
	}
	if entry.Status != requestlog.StatusSuccess {
		tracing.RecordError(p.span, fmt.Errorf("request %s: %s", entry.Status, entry.Error))
	}

	g.requestLog.Log(p.ctx, entry)
	p.span.End()
}

// abortRequest undoes a request that never reached the provider
func (g *Gateway) abortRequest(id transport.CorrelationID, p *pendingRequest, reason string, err error) {
	if _, ok := g.pending.LoadAndDelete(id); !ok {
		return
	}
	g.releaseRequest(p)
	metrics.RequestsRejected.WithLabelValues(reason).Inc()
	tracing.RecordError(p.span, err)

	status := requestlog.StatusSendErr
	if reason == "circuit_open" {
		status = requestlog.StatusRejected
	}
	g.requestLog.Log(p.ctx, &requestlog.Entry{
		Service:       p.service,
		Operation:     p.operation,
		CorrelationID: id.String(),
		DurationMs:    time.Since(p.start).Milliseconds(),
		Status:        status,
		Error:         err.Error(),
	})
	p.span.End()
}

func (g *Gateway) releaseRequest(p *pendingRequest) {
	g.serviceLimiter.Release(p.service)
	g.limiter.Release()
	metrics.RequestsInFlight.Dec()
}

func (g *Gateway) reject(ctx context.Context, req *transport.Request, reason string) {
	metrics.RequestsRejected.WithLabelValues(reason).Inc()
	logger.WarnWithTrace(ctx, "request rejected",
		zap.String("service", req.Service),
		zap.String("operation", req.Operation),
		zap.String("reason", reason),
	)
}

func (g *Gateway) logResponse(service string) correlation.MessageHandler {
	return correlation.HandlerFunc(func(msg transport.Message) {
		g.log.Info("response received",
			zap.String("service", service),
			zap.Stringer("correlation_id", msg.CorrelationID),
			zap.Stringer("message_type", msg.Type),
			zap.ByteString("payload", msg.Payload),
		)
	})
}
