package correlation

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/SkynetNext/mktdata-gateway/internal/metrics"
	"github.com/SkynetNext/mktdata-gateway/internal/transport"
)

var (
	// ErrDuplicateCorrelation is returned when an id already has a live handler
	ErrDuplicateCorrelation = errors.New("correlation id already registered")

	// ErrUnknownCorrelation is returned when a message carries an id with no handler
	ErrUnknownCorrelation = errors.New("unknown correlation id")

	// ErrWrongNamespace is returned when an id is registered in the other registry
	ErrWrongNamespace = errors.New("correlation id belongs to another namespace")
)

// MessageHandler is anything that can consume a routed message:
// a Security for subscription data or a caller-supplied request handler.
type MessageHandler interface {
	HandleMessage(msg transport.Message)
}

// HandlerFunc adapts a function to MessageHandler
type HandlerFunc func(msg transport.Message)

// HandleMessage calls f(msg)
func (f HandlerFunc) HandleMessage(msg transport.Message) {
	f(msg)
}

const shardCount = 16

// Registry maps correlation ids of one namespace to their handler.
// Sharded to reduce lock contention between the dispatch goroutines and
// client goroutines adding subscriptions or sending requests.
type Registry struct {
	name      string
	namespace transport.Namespace
	shards    [shardCount]*registryShard
}

type registryShard struct {
	mu       sync.RWMutex
	handlers map[transport.CorrelationID]MessageHandler
}

// NewRegistry creates a registry for one namespace. name labels its metrics.
func NewRegistry(name string, ns transport.Namespace) *Registry {
	r := &Registry{name: name, namespace: ns}
	for i := range r.shards {
		r.shards[i] = &registryShard{
			handlers: make(map[transport.CorrelationID]MessageHandler),
		}
	}
	return r
}

// Name returns the registry name
func (r *Registry) Name() string {
	return r.name
}

func (r *Registry) getShard(id transport.CorrelationID) *registryShard {
	return r.shards[crc32.ChecksumIEEE([]byte(id.Value))%shardCount]
}

// Register binds id to handler. It never overwrites an existing binding.
func (r *Registry) Register(id transport.CorrelationID, handler MessageHandler) error {
	if id.Namespace != r.namespace {
		return fmt.Errorf("%w: %s in %s registry", ErrWrongNamespace, id, r.name)
	}
	if handler == nil {
		return fmt.Errorf("nil handler for correlation id %s", id)
	}

	shard := r.getShard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, ok := shard.handlers[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCorrelation, id)
	}
	shard.handlers[id] = handler
	metrics.RegistryEntries.WithLabelValues(r.name).Inc()
	return nil
}

// Lookup returns the handler bound to id
func (r *Registry) Lookup(id transport.CorrelationID) (MessageHandler, bool) {
	shard := r.getShard(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	h, ok := shard.handlers[id]
	return h, ok
}

// Route forwards msg to the handler bound to id. The handler runs without any
// registry lock held, so it may register or unregister ids itself.
func (r *Registry) Route(id transport.CorrelationID, msg transport.Message) error {
	h, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s in %s registry", ErrUnknownCorrelation, id, r.name)
	}
	h.HandleMessage(msg)
	return nil
}

// Take removes id and returns the handler it was bound to. Of two concurrent
// calls for the same id exactly one succeeds.
func (r *Registry) Take(id transport.CorrelationID) (MessageHandler, error) {
	shard := r.getShard(id)
	shard.mu.Lock()
	h, ok := shard.handlers[id]
	if ok {
		delete(shard.handlers, id)
	}
	shard.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s registry", ErrUnknownCorrelation, id, r.name)
	}
	metrics.RegistryEntries.WithLabelValues(r.name).Dec()
	return h, nil
}

// Unregister removes id and reports whether it was present
func (r *Registry) Unregister(id transport.CorrelationID) bool {
	shard := r.getShard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, ok := shard.handlers[id]; !ok {
		return false
	}
	delete(shard.handlers, id)
	metrics.RegistryEntries.WithLabelValues(r.name).Dec()
	return true
}

// Count returns the number of live bindings
func (r *Registry) Count() int {
	total := 0
	for _, shard := range r.shards {
		shard.mu.RLock()
		total += len(shard.handlers)
		shard.mu.RUnlock()
	}
	return total
}

// IDs returns every registered id (for monitoring and shutdown)
func (r *Registry) IDs() []transport.CorrelationID {
	ids := make([]transport.CorrelationID, 0)
	for _, shard := range r.shards {
		shard.mu.RLock()
		for id := range shard.handlers {
			ids = append(ids, id)
		}
		shard.mu.RUnlock()
	}
	return ids
}

// Clear removes every binding and returns how many were removed
func (r *Registry) Clear() int {
	total := 0
	for _, shard := range r.shards {
		shard.mu.Lock()
		n := len(shard.handlers)
		shard.handlers = make(map[transport.CorrelationID]MessageHandler)
		shard.mu.Unlock()
		total += n
	}
	metrics.RegistryEntries.WithLabelValues(r.name).Sub(float64(total))
	return total
}
