package subscription

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/SkynetNext/mktdata-gateway/internal/correlation"
	"github.com/SkynetNext/mktdata-gateway/internal/logger"
	"github.com/SkynetNext/mktdata-gateway/internal/tracing"
	"github.com/SkynetNext/mktdata-gateway/internal/transport"
)

// Submitter submits subscriptions to the provider session
type Submitter interface {
	Subscribe(ctx context.Context, subs []transport.Subscription) error
}

// Manager builds subscriptions from securities and the current field set,
// registers them for routing and submits them.
type Manager struct {
	log       *zap.Logger
	fields    *Fields
	registry  *correlation.Registry
	submitter Submitter
}

// NewManager creates a subscription manager
func NewManager(fields *Fields, registry *correlation.Registry, submitter Submitter) *Manager {
	return &Manager{
		log:       logger.Component("subscription"),
		fields:    fields,
		registry:  registry,
		submitter: submitter,
	}
}

// Build creates the subscription for sec against a snapshot of the current fields
func (m *Manager) Build(sec *Security) transport.Subscription {
	return transport.Subscription{
		Topic:         sec.Name(),
		Fields:        m.fields.Snapshot(),
		Options:       "",
		CorrelationID: sec.CorrelationID(),
	}
}

// AddSubscription registers and submits a subscription for one security. A security
// that already has a live route fails with correlation.ErrDuplicateCorrelation.
func (m *Manager) AddSubscription(ctx context.Context, sec *Security) (transport.CorrelationID, error) {
	sub := m.Build(sec)
	if err := m.AddSubscriptions(ctx, []*Security{sec}); err != nil {
		return sub.CorrelationID, err
	}
	return sub.CorrelationID, nil
}

// AddSubscriptions registers every security and submits them as one list.
// Registration is all or nothing: on any failure every entry added here is rolled back.
func (m *Manager) AddSubscriptions(ctx context.Context, secs []*Security) error {
	if len(secs) == 0 {
		return nil
	}

	subs := make([]transport.Subscription, 0, len(secs))
	registered := make([]*Security, 0, len(secs))
	rollback := func() {
		for _, sec := range registered {
			m.registry.Unregister(sec.CorrelationID())
		}
	}

	for _, sec := range secs {
		sub := m.Build(sec)
		if err := m.registry.Register(sub.CorrelationID, sec); err != nil {
			rollback()
			return fmt.Errorf("register subscription for %s: %w", sec.Name(), err)
		}
		registered = append(registered, sec)
		subs = append(subs, sub)
		m.log.Debug("adding subscription",
			zap.String("security", sec.Name()),
			zap.Strings("fields", sub.Fields),
			zap.Stringer("correlation_id", sub.CorrelationID),
		)
	}

	ctx, span := tracing.StartSpan(ctx, "subscription.subscribe")
	defer span.End()
	span.SetAttributes(attribute.Int("subscriptions", len(subs)))

	// Status first: a SubscriptionStarted may arrive before Subscribe returns
	for _, sec := range registered {
		sec.setStatus(StatusSubmitted)
	}

	if err := m.submitter.Subscribe(ctx, subs); err != nil {
		rollback()
		for _, sec := range registered {
			sec.setStatus(StatusFailed)
		}
		tracing.RecordError(span, err)
		m.log.Error("failed to subscribe",
			zap.Int("subscriptions", len(subs)),
			zap.Error(err),
		)
		return fmt.Errorf("subscribe %d securities: %w", len(subs), err)
	}

	m.log.Info("subscription request sent", zap.Int("subscriptions", len(subs)))
	return nil
}
