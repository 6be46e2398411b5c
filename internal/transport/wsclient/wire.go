package wsclient

import (
	"encoding/json"

	"github.com/SkynetNext/mktdata-gateway/internal/transport"
)

// Outbound operations
const (
	OpOpenService = "open_service"
	OpSubscribe   = "subscribe"
	OpRequest     = "request"
)

// Frame is an outbound frame sent by the gateway
type Frame struct {
	Op            string             `json:"op"`
	Service       string             `json:"service,omitempty"`
	Subscriptions []WireSubscription `json:"subscriptions,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	Request       *WireRequest       `json:"request,omitempty"`
}

// WireSubscription is the JSON form of transport.Subscription
type WireSubscription struct {
	Topic         string   `json:"topic"`
	Fields        []string `json:"fields"`
	Options       string   `json:"options"`
	CorrelationID string   `json:"correlation_id"`
}

// WireRequest is the JSON form of transport.Request
type WireRequest struct {
	Service   string         `json:"service"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
}

// WireEvent is an inbound event frame
type WireEvent struct {
	Event    string        `json:"event"`
	Messages []WireMessage `json:"messages"`
}

// WireMessage is one message of an inbound event frame
type WireMessage struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Service       string          `json:"service,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// DecodeEvent converts an inbound frame into a transport event.
// Unrecognized event and message names map to the Unknown values.
func DecodeEvent(w WireEvent) transport.Event {
	ev := transport.Event{
		Type:     transport.ParseEventType(w.Event),
		Messages: make([]transport.Message, 0, len(w.Messages)),
	}
	for _, m := range w.Messages {
		msg := transport.Message{
			Type:          transport.ParseMessageType(m.Type),
			TypeName:      m.Type,
			CorrelationID: transport.ParseCorrelationID(m.CorrelationID),
			Service:       m.Service,
		}
		if len(m.Payload) > 0 {
			msg.Payload = []byte(m.Payload)
		}
		ev.Messages = append(ev.Messages, msg)
	}
	return ev
}

// EncodeEvent is the inverse of DecodeEvent
func EncodeEvent(ev transport.Event) WireEvent {
	w := WireEvent{
		Event:    ev.Type.String(),
		Messages: make([]WireMessage, 0, len(ev.Messages)),
	}
	for _, m := range ev.Messages {
		name := m.TypeName
		if name == "" {
			name = m.Type.String()
		}
		wm := WireMessage{
			Type:          name,
			CorrelationID: m.CorrelationID.String(),
			Service:       m.Service,
		}
		if len(m.Payload) > 0 && json.Valid(m.Payload) {
			wm.Payload = json.RawMessage(m.Payload)
		}
		w.Messages = append(w.Messages, wm)
	}
	return w
}

func encodeSubscriptions(subs []transport.Subscription) []WireSubscription {
	out := make([]WireSubscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, WireSubscription{
			Topic:         s.Topic,
			Fields:        s.Fields,
			Options:       s.Options,
			CorrelationID: s.CorrelationID.String(),
		})
	}
	return out
}
