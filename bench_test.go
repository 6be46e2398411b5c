package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/SkynetNext/mktdata-gateway/internal/correlation"
	"github.com/SkynetNext/mktdata-gateway/internal/dispatch"
	"github.com/SkynetNext/mktdata-gateway/internal/readiness"
	"github.com/SkynetNext/mktdata-gateway/internal/subscription"
	"github.com/SkynetNext/mktdata-gateway/internal/transport"
)

type nopOpener struct{}

func (nopOpener) OpenService(context.Context, string) error { return nil }

func registerSecurities(b *testing.B, n int) (*correlation.Registry, []transport.CorrelationID) {
	b.Helper()
	reg := correlation.NewRegistry("bench", transport.NamespaceSubscription)
	securities := subscription.NewSecurities()
	ids := make([]transport.CorrelationID, n)
	for i := 0; i < n; i++ {
		sec := securities.Create(fmt.Sprintf("SEC%04d Equity", i))
		if err := reg.Register(sec.CorrelationID(), sec); err != nil {
			b.Fatal(err)
		}
		ids[i] = sec.CorrelationID()
	}
	return reg, ids
}

func BenchmarkRegistry_Route(b *testing.B) {
	reg, ids := registerSecurities(b, 1000)
	msg := transport.Message{Type: transport.MessageMarketDataEvents, Payload: []byte(`{"BID":100.5}`)}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			id := ids[i%len(ids)]
			if err := reg.Route(id, msg); err != nil {
				b.Error(err)
				return
			}
			i++
		}
	})
}

func BenchmarkDispatcher_SubscriptionData(b *testing.B) {
	subs, ids := registerSecurities(b, 1000)
	reqs := correlation.NewRegistry("bench_requests", transport.NamespaceRequest)
	d := dispatch.New(readiness.NewTracker(), subs, reqs, nopOpener{}, dispatch.Options{})

	ev := transport.Event{Type: transport.EventSubscriptionData}
	for i := 0; i < 10; i++ {
		ev.Messages = append(ev.Messages, transport.Message{
			Type:          transport.MessageMarketDataEvents,
			CorrelationID: ids[i*97%len(ids)],
			Payload:       []byte(`{"BID":100.5,"ASK":100.7}`),
		})
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := d.Dispatch(ev); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
