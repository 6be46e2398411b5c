package correlation

import (
	"github.com/google/uuid"

	"github.com/SkynetNext/mktdata-gateway/internal/transport"
)

// SubscriptionID derives the id for a security. The same name always yields the same id.
func SubscriptionID(securityName string) transport.CorrelationID {
	return transport.CorrelationID{Namespace: transport.NamespaceSubscription, Value: securityName}
}

// NewRequestID returns a fresh, unique id for a one-shot request
func NewRequestID() transport.CorrelationID {
	return transport.CorrelationID{Namespace: transport.NamespaceRequest, Value: uuid.NewString()}
}
