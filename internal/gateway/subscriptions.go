package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/SkynetNext/mktdata-gateway/internal/dispatch"
	"github.com/SkynetNext/mktdata-gateway/internal/subscription"
	"github.com/SkynetNext/mktdata-gateway/internal/transport"
)

// AddField adds a field to every subscription submitted afterwards.
// Adding a field twice returns the existing one.
func (g *Gateway) AddField(name string) (*subscription.Field, error) {
	g.startMu.Lock()
	defer g.startMu.Unlock()

	if g.started {
		return nil, ErrAlreadyStarted
	}
	return g.fields.Create(name), nil
}

// AddSecurity registers a subscription target. Adding a ticker twice returns the existing security.
func (g *Gateway) AddSecurity(ticker string) (*subscription.Security, error) {
	g.startMu.Lock()
	defer g.startMu.Unlock()

	if g.started {
		return nil, ErrAlreadyStarted
	}
	if sec, ok := g.securities.Get(ticker); ok {
		return sec, nil
	}
	sec := g.securities.Create(ticker)
	for _, l := range g.listeners {
		sec.OnUpdate(l)
	}
	return sec, nil
}

// Start submits one subscription per added security. Securities that already have
// a live route (added earlier through AddSubscription) are skipped.
func (g *Gateway) Start(ctx context.Context) error {
	g.startMu.Lock()
	defer g.startMu.Unlock()

	if g.started {
		return ErrAlreadyStarted
	}
	if err := g.checkSession(); err != nil {
		return err
	}

	all := g.securities.All()
	pending := make([]*subscription.Security, 0, len(all))
	for _, sec := range all {
		if _, live := g.subs.Lookup(sec.CorrelationID()); live {
			continue
		}
		pending = append(pending, sec)
	}

	if err := g.manager.AddSubscriptions(ctx, pending); err != nil {
		return fmt.Errorf("failed to start subscriptions: %w", err)
	}

	g.started = true
	g.log.Info("gateway started",
		zap.Int("securities", len(all)),
		zap.Int("submitted", len(pending)),
		zap.Int("fields", g.fields.Len()),
	)
	return nil
}

// AddSubscription subscribes sec with the current field set. A security that is
// already subscribed fails with correlation.ErrDuplicateCorrelation; one whose
// subscription failed or terminated may be subscribed again.
func (g *Gateway) AddSubscription(ctx context.Context, sec *subscription.Security) (transport.CorrelationID, error) {
	if err := g.checkSession(); err != nil {
		return transport.CorrelationID{}, err
	}
	return g.manager.AddSubscription(ctx, sec)
}

func (g *Gateway) checkSession() error {
	if g.draining.Load() {
		return ErrNotReady
	}
	if g.dispatcher.SessionState() == dispatch.SessionTerminated {
		return dispatch.ErrSessionTerminated
	}
	return nil
}
