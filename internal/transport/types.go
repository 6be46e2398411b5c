package transport

import (
	"fmt"
	"strings"
)

// EventType is the category tag of an inbound event
type EventType int

const (
	EventUnknown EventType = iota
	EventAdmin
	EventSessionStatus
	EventServiceStatus
	EventSubscriptionStatus
	EventSubscriptionData
	EventPartialResponse
	EventResponse
	EventRequestStatus
	EventTimeout
)

var eventTypeNames = map[EventType]string{
	EventUnknown:            "UNKNOWN",
	EventAdmin:              "ADMIN",
	EventSessionStatus:      "SESSION_STATUS",
	EventServiceStatus:      "SERVICE_STATUS",
	EventSubscriptionStatus: "SUBSCRIPTION_STATUS",
	EventSubscriptionData:   "SUBSCRIPTION_DATA",
	EventPartialResponse:    "PARTIAL_RESPONSE",
	EventResponse:           "RESPONSE",
	EventRequestStatus:      "REQUEST_STATUS",
	EventTimeout:            "TIMEOUT",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EVENT(%d)", int(t))
}

// ParseEventType maps a wire name to an EventType; unrecognized names yield EventUnknown
func ParseEventType(name string) EventType {
	for t, n := range eventTypeNames {
		if n == name {
			return t
		}
	}
	return EventUnknown
}

// MessageType is the type tag of a single message inside an event
type MessageType int

const (
	MessageUnknown MessageType = iota

	// Admin
	MessageSlowConsumerWarning
	MessageSlowConsumerWarningCleared

	// Session status
	MessageSessionStarted
	MessageSessionTerminated
	MessageSessionStartupFailure
	MessageSessionConnectionUp
	MessageSessionConnectionDown

	// Service status
	MessageServiceOpened
	MessageServiceOpenFailure

	// Subscription status
	MessageSubscriptionStarted
	MessageSubscriptionFailure
	MessageSubscriptionTerminated

	// Subscription data
	MessageMarketDataEvents

	// Request/response
	MessageResponse
	MessageRequestFailure
)

var messageTypeNames = map[MessageType]string{
	MessageUnknown:                    "Unknown",
	MessageSlowConsumerWarning:        "SlowConsumerWarning",
	MessageSlowConsumerWarningCleared: "SlowConsumerWarningCleared",
	MessageSessionStarted:             "SessionStarted",
	MessageSessionTerminated:          "SessionTerminated",
	MessageSessionStartupFailure:      "SessionStartupFailure",
	MessageSessionConnectionUp:        "SessionConnectionUp",
	MessageSessionConnectionDown:      "SessionConnectionDown",
	MessageServiceOpened:              "ServiceOpened",
	MessageServiceOpenFailure:         "ServiceOpenFailure",
	MessageSubscriptionStarted:        "SubscriptionStarted",
	MessageSubscriptionFailure:        "SubscriptionFailure",
	MessageSubscriptionTerminated:     "SubscriptionTerminated",
	MessageMarketDataEvents:           "MarketDataEvents",
	MessageResponse:                   "Response",
	MessageRequestFailure:             "RequestFailure",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Message(%d)", int(t))
}

// ParseMessageType maps a wire name to a MessageType; unrecognized names yield MessageUnknown
func ParseMessageType(name string) MessageType {
	for t, n := range messageTypeNames {
		if n == name {
			return t
		}
	}
	return MessageUnknown
}

// Namespace separates long-lived subscription ids from one-shot request ids
type Namespace int

const (
	NamespaceNone Namespace = iota
	NamespaceSubscription
	NamespaceRequest
)

const (
	subscriptionPrefix = "sub:"
	requestPrefix      = "req:"
)

// CorrelationID links an outbound subscribe/request call to its inbound messages.
// The zero value means "no correlation id".
type CorrelationID struct {
	Namespace Namespace
	Value     string
}

// IsZero reports whether the id is absent
func (c CorrelationID) IsZero() bool {
	return c.Namespace == NamespaceNone && c.Value == ""
}

func (c CorrelationID) String() string {
	switch c.Namespace {
	case NamespaceSubscription:
		return subscriptionPrefix + c.Value
	case NamespaceRequest:
		return requestPrefix + c.Value
	default:
		return c.Value
	}
}

// ParseCorrelationID is the inverse of CorrelationID.String
func ParseCorrelationID(s string) CorrelationID {
	switch {
	case s == "":
		return CorrelationID{}
	case strings.HasPrefix(s, subscriptionPrefix):
		return CorrelationID{Namespace: NamespaceSubscription, Value: strings.TrimPrefix(s, subscriptionPrefix)}
	case strings.HasPrefix(s, requestPrefix):
		return CorrelationID{Namespace: NamespaceRequest, Value: strings.TrimPrefix(s, requestPrefix)}
	default:
		return CorrelationID{Value: s}
	}
}

// Message is one sub-message of an event. Payload is opaque to the gateway.
type Message struct {
	Type MessageType
	// TypeName is the raw type name as received, kept for reporting unknown types
	TypeName      string
	CorrelationID CorrelationID
	// Service is set on service status messages
	Service string
	Payload []byte
}

// Event is a batch of messages delivered together by the transport
type Event struct {
	Type     EventType
	Messages []Message
}

// Subscription is submitted once per security and never mutated afterward
type Subscription struct {
	Topic         string
	Fields        []string
	Options       string
	CorrelationID CorrelationID
}

// Service is the handle stored for an opened service
type Service struct {
	Name string
}
