package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrConnectRejected marks a Connect failure that retrying cannot fix,
// such as the provider refusing the handshake.
var ErrConnectRejected = errors.New("connection rejected by provider")

// EventHandler receives inbound events. Transports may call it from several goroutines.
type EventHandler func(Event)

// Transport is the provider session the gateway runs on top of.
// Connect and OpenService are asynchronous: completion is reported through status events.
type Transport interface {
	Connect(ctx context.Context, host string, port int, handler EventHandler) error
	OpenService(ctx context.Context, name string) error
	Subscribe(ctx context.Context, subs []Subscription) error
	SendRequest(ctx context.Context, req *Request, id CorrelationID) error
	Close() error
}

// Request is a one-shot request against a named service
type Request struct {
	Service   string
	Operation string

	mu     sync.Mutex
	params map[string]any
}

// NewRequest creates an empty request for a service
func NewRequest(service, operation string) *Request {
	return &Request{
		Service:   service,
		Operation: operation,
		params:    make(map[string]any),
	}
}

// Set sets a scalar parameter
func (r *Request) Set(name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params[name] = value
}

// Append appends values to a list parameter
func (r *Request) Append(name string, values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, _ := r.params[name].([]string)
	r.params[name] = append(list, values...)
}

// Params returns a copy of the request parameters
func (r *Request) Params() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.params))
	for k, v := range r.params {
		if list, ok := v.([]string); ok {
			v = append([]string(nil), list...)
		}
		out[k] = v
	}
	return out
}
