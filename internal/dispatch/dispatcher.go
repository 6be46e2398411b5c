package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SkynetNext/mktdata-gateway/internal/correlation"
	"github.com/SkynetNext/mktdata-gateway/internal/logger"
	"github.com/SkynetNext/mktdata-gateway/internal/metrics"
	"github.com/SkynetNext/mktdata-gateway/internal/readiness"
	"github.com/SkynetNext/mktdata-gateway/internal/transport"
)

var (
	// ErrSessionTerminated resolves a pending readiness wait when the session ends first
	ErrSessionTerminated = errors.New("session terminated")

	errUnknownMessageType = errors.New("unknown message type")
	errUnknownEventType   = errors.New("unknown event type")
	errMissingCorrelation = errors.New("message has no correlation id")
)

// ServiceOpener requests that a named service be opened on the session
type ServiceOpener interface {
	OpenService(ctx context.Context, name string) error
}

// Options tune a Dispatcher
type Options struct {
	// Context is passed to OpenService calls made from the dispatch path
	Context context.Context

	// Reporter receives dispatch anomalies in addition to the log reporter
	Reporter Reporter

	// OnSubscriptionStatus observes every subscription status message
	// before a terminal one is unregistered.
	OnSubscriptionStatus func(msg transport.Message)

	// OnRequestComplete is called once per request id, after the id was unregistered
	// and its final message handed to the handler, even if the handler panicked.
	OnRequestComplete func(et transport.EventType, id transport.CorrelationID, msg transport.Message)
}

// Dispatcher classifies inbound events and routes their messages.
// It is safe for concurrent use by several transport goroutines.
type Dispatcher struct {
	log      *zap.Logger
	ctx      context.Context
	tracker  *readiness.Tracker
	subs     *correlation.Registry
	reqs     *correlation.Registry
	opener   ServiceOpener
	reporter Reporter
	opts     Options

	session      sessionMachine
	slowConsumer atomic.Bool
}

// New creates a dispatcher
func New(tracker *readiness.Tracker, subs, reqs *correlation.Registry, opener ServiceOpener, opts Options) *Dispatcher {
	log := logger.Component("dispatch")
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	var reporter Reporter = LogReporter{Log: log}
	if opts.Reporter != nil {
		reporter = multiReporter{reporter, opts.Reporter}
	}
	return &Dispatcher{
		log:      log,
		ctx:      ctx,
		tracker:  tracker,
		subs:     subs,
		reqs:     reqs,
		opener:   opener,
		reporter: reporter,
		opts:     opts,
	}
}

// HandleEvent is the transport.EventHandler entry point. Nothing escapes it.
func (d *Dispatcher) HandleEvent(ev transport.Event) {
	if err := d.Dispatch(ev); err != nil {
		d.log.Debug("event processed with errors",
			zap.Stringer("event_type", ev.Type),
			zap.Int("messages", len(ev.Messages)),
			zap.Error(err),
		)
	}
}

// Dispatch processes every message of ev in order and returns the combined
// per-message errors. Each message is isolated: a failure or panic while handling
// one message never prevents the following ones from being processed.
func (d *Dispatcher) Dispatch(ev transport.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = multierr.Append(err, fmt.Errorf("dispatch panic: %v", r))
			d.report(KindHandlerPanic, ev.Type, transport.Message{}, fmt.Errorf("%v", r))
		}
	}()

	handle := d.classify(ev.Type)
	category := categoryName(ev.Type)
	metrics.EventsProcessed.WithLabelValues(category).Inc()
	if ev.Type != transport.EventSubscriptionData {
		d.log.Debug("processing event",
			zap.Stringer("event_type", ev.Type),
			zap.Int("messages", len(ev.Messages)),
		)
	}

	if len(ev.Messages) == 0 && category == "other" {
		err := fmt.Errorf("%w: %s", errUnknownEventType, ev.Type)
		d.report(KindUnknownEventType, ev.Type, transport.Message{}, err)
		return err
	}

	for _, msg := range ev.Messages {
		metrics.MessagesProcessed.WithLabelValues(category, msg.Type.String()).Inc()
		err = multierr.Append(err, d.handleIsolated(ev.Type, msg, handle))
	}
	return err
}

// classify maps every event type, known or not, to exactly one category handler
func (d *Dispatcher) classify(t transport.EventType) func(transport.EventType, transport.Message) error {
	switch t {
	case transport.EventAdmin:
		return d.handleAdmin
	case transport.EventSessionStatus:
		return d.handleSessionStatus
	case transport.EventServiceStatus:
		return d.handleServiceStatus
	case transport.EventSubscriptionStatus:
		return d.handleSubscriptionStatus
	case transport.EventSubscriptionData:
		return d.handleSubscriptionData
	case transport.EventPartialResponse, transport.EventResponse,
		transport.EventRequestStatus, transport.EventTimeout:
		return d.handleResponse
	default:
		return d.handleMisc
	}
}

func categoryName(t transport.EventType) string {
	switch t {
	case transport.EventAdmin:
		return "admin"
	case transport.EventSessionStatus:
		return "session_status"
	case transport.EventServiceStatus:
		return "service_status"
	case transport.EventSubscriptionStatus:
		return "subscription_status"
	case transport.EventSubscriptionData:
		return "subscription_data"
	case transport.EventPartialResponse, transport.EventResponse,
		transport.EventRequestStatus, transport.EventTimeout:
		return "request_response"
	default:
		return "other"
	}
}

func (d *Dispatcher) handleIsolated(et transport.EventType, msg transport.Message, handle func(transport.EventType, transport.Message) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s: %v", messageTypeName(msg), r)
			d.report(KindHandlerPanic, et, msg, err)
		}
	}()
	return handle(et, msg)
}

func (d *Dispatcher) report(kind ReportKind, et transport.EventType, msg transport.Message, err error) {
	d.reporter.Report(Report{Kind: kind, Event: et, Message: msg, Err: err})
}

func (d *Dispatcher) unknownMessage(et transport.EventType, msg transport.Message) error {
	err := fmt.Errorf("%w: %s", errUnknownMessageType, messageTypeName(msg))
	d.report(KindUnknownMessageType, et, msg, err)
	return err
}

func (d *Dispatcher) handleAdmin(et transport.EventType, msg transport.Message) error {
	switch msg.Type {
	case transport.MessageSlowConsumerWarning:
		d.slowConsumer.Store(true)
		metrics.SlowConsumer.Set(1)
		d.log.Warn("entered slow consumer status")
	case transport.MessageSlowConsumerWarningCleared:
		d.slowConsumer.Store(false)
		metrics.SlowConsumer.Set(0)
		d.log.Info("slow consumer status cleared")
	default:
		return d.unknownMessage(et, msg)
	}
	return nil
}

func (d *Dispatcher) handleSessionStatus(et transport.EventType, msg transport.Message) error {
	switch msg.Type {
	case transport.MessageSessionStarted:
		if !d.move(et, msg, SessionStarted) {
			return nil
		}
		d.log.Info("session started, opening services",
			zap.Strings("services", d.tracker.Required()),
		)
		var errs error
		for _, name := range d.tracker.Required() {
			if err := d.opener.OpenService(d.ctx, name); err != nil {
				err = fmt.Errorf("open service %s: %w", name, err)
				d.report(KindServiceOpenRequest, et, transport.Message{Type: msg.Type, Service: name}, err)
				d.tracker.MarkFailed(name)
				errs = multierr.Append(errs, err)
			}
		}
		return errs

	case transport.MessageSessionStartupFailure:
		d.move(et, msg, SessionStartupFailed)
		err := fmt.Errorf("%w: %s", readiness.ErrStartupFailed, string(msg.Payload))
		d.report(KindStartupFailure, et, msg, err)
		d.tracker.Fail(err)
		return err

	case transport.MessageSessionTerminated:
		d.move(et, msg, SessionTerminated)
		d.log.Warn("session has been terminated")
		d.tracker.Fail(ErrSessionTerminated)

	case transport.MessageSessionConnectionUp:
		d.session.setConnected(true)
		metrics.SessionConnected.Set(1)
		d.log.Info("session connection is up")

	case transport.MessageSessionConnectionDown:
		d.session.setConnected(false)
		metrics.SessionConnected.Set(0)
		d.log.Warn("session connection is down")

	default:
		return d.unknownMessage(et, msg)
	}
	return nil
}

func (d *Dispatcher) move(et transport.EventType, msg transport.Message, to SessionState) bool {
	from, ok := d.session.transition(to)
	if !ok {
		d.report(KindInvalidTransition, et, msg, fmt.Errorf("session %s -> %s", from, to))
		return false
	}
	metrics.SessionState.Set(float64(to))
	_, connected := d.session.current()
	if connected {
		metrics.SessionConnected.Set(1)
	} else {
		metrics.SessionConnected.Set(0)
	}
	return true
}

func (d *Dispatcher) handleServiceStatus(et transport.EventType, msg transport.Message) error {
	switch msg.Type {
	case transport.MessageServiceOpened, transport.MessageServiceOpenFailure:
	default:
		return d.unknownMessage(et, msg)
	}

	name := serviceName(msg)
	if name == "" {
		err := errors.New("service status without service name")
		d.report(KindMissingServiceName, et, msg, err)
		return err
	}

	if msg.Type == transport.MessageServiceOpenFailure {
		err := fmt.Errorf("%w: %s", readiness.ErrServiceOpenFailed, name)
		d.report(KindServiceOpenFailure, et, msg, err)
		d.tracker.MarkFailed(name)
		return err
	}

	d.log.Info("service opened", zap.String("service", name))
	if d.tracker.MarkOpened(name) {
		d.log.Info("all required services opened, gateway ready",
			zap.Strings("services", d.tracker.Required()),
		)
	}
	return nil
}

// serviceName reads the service name from the message, falling back to the payload
func serviceName(msg transport.Message) string {
	if msg.Service != "" {
		return msg.Service
	}
	if len(msg.Payload) == 0 {
		return ""
	}
	var body struct {
		ServiceName string `json:"serviceName"`
	}
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		return ""
	}
	return body.ServiceName
}

func (d *Dispatcher) handleSubscriptionStatus(et transport.EventType, msg transport.Message) error {
	var terminal bool
	switch msg.Type {
	case transport.MessageSubscriptionStarted:
		metrics.SubscriptionStatus.WithLabelValues("started").Inc()
	case transport.MessageSubscriptionFailure:
		metrics.SubscriptionStatus.WithLabelValues("failure").Inc()
		terminal = true
	case transport.MessageSubscriptionTerminated:
		metrics.SubscriptionStatus.WithLabelValues("terminated").Inc()
		terminal = true
	default:
		return d.unknownMessage(et, msg)
	}

	if msg.CorrelationID.IsZero() {
		d.report(KindMissingCorrelation, et, msg, errMissingCorrelation)
		return errMissingCorrelation
	}

	if d.opts.OnSubscriptionStatus != nil {
		d.opts.OnSubscriptionStatus(msg)
	}

	switch msg.Type {
	case transport.MessageSubscriptionStarted:
		d.log.Info("subscription started", zap.Stringer("correlation_id", msg.CorrelationID))
	case transport.MessageSubscriptionFailure:
		err := fmt.Errorf("subscription %s failed: %s", msg.CorrelationID, string(msg.Payload))
		d.report(KindSubscriptionFailure, et, msg, err)
	case transport.MessageSubscriptionTerminated:
		d.log.Info("subscription terminated", zap.Stringer("correlation_id", msg.CorrelationID))
	}

	if terminal {
		d.subs.Unregister(msg.CorrelationID)
	}
	return nil
}

// handleSubscriptionData is the hot path: one keyed lookup per message
func (d *Dispatcher) handleSubscriptionData(et transport.EventType, msg transport.Message) error {
	if msg.CorrelationID.IsZero() {
		d.report(KindMissingCorrelation, et, msg, errMissingCorrelation)
		return errMissingCorrelation
	}
	if err := d.subs.Route(msg.CorrelationID, msg); err != nil {
		d.report(KindUnknownCorrelation, et, msg, err)
		return err
	}
	return nil
}

func (d *Dispatcher) handleResponse(et transport.EventType, msg transport.Message) error {
	if msg.CorrelationID.IsZero() {
		d.report(KindMissingCorrelation, et, msg, errMissingCorrelation)
		return errMissingCorrelation
	}
	if et == transport.EventRequestStatus && msg.Type != transport.MessageRequestFailure {
		return d.unknownMessage(et, msg)
	}
	if msg.Type == transport.MessageRequestFailure {
		d.report(KindRequestFailure, et, msg, fmt.Errorf("request %s failed: %s", msg.CorrelationID, string(msg.Payload)))
	}

	if et == transport.EventPartialResponse {
		if err := d.reqs.Route(msg.CorrelationID, msg); err != nil {
			d.report(KindUnknownCorrelation, et, msg, err)
			return err
		}
		return nil
	}

	// Take decides which of two racing completions owns the id
	h, err := d.reqs.Take(msg.CorrelationID)
	if err != nil {
		d.report(KindUnknownCorrelation, et, msg, err)
		return err
	}
	if d.opts.OnRequestComplete != nil {
		// runs even when the handler panics
		defer d.opts.OnRequestComplete(et, msg.CorrelationID, msg)
	}
	h.HandleMessage(msg)
	return nil
}

func (d *Dispatcher) handleMisc(et transport.EventType, msg transport.Message) error {
	d.log.Info("unhandled event message",
		zap.Stringer("event_type", et),
		zap.String("message_type", messageTypeName(msg)),
		zap.ByteString("payload", msg.Payload),
	)
	err := fmt.Errorf("%w: %s", errUnknownEventType, et)
	d.report(KindUnknownEventType, et, msg, err)
	return err
}

// SessionState returns the session lifecycle state
func (d *Dispatcher) SessionState() SessionState {
	s, _ := d.session.current()
	return s
}

// Connected reports whether the provider connection is currently up
func (d *Dispatcher) Connected() bool {
	_, up := d.session.current()
	return up
}

// SlowConsumer reports whether the provider flagged this gateway as a slow consumer
func (d *Dispatcher) SlowConsumer() bool {
	return d.slowConsumer.Load()
}
