package subscription

import (
	"sync"
	"sync/atomic"

	"github.com/SkynetNext/mktdata-gateway/internal/correlation"
	"github.com/SkynetNext/mktdata-gateway/internal/transport"
)

// Status is the subscription status of a security
type Status int32

const (
	StatusPending Status = iota
	StatusSubmitted
	StatusStarted
	StatusFailed
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSubmitted:
		return "submitted"
	case StatusStarted:
		return "started"
	case StatusFailed:
		return "failed"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Listener observes updates delivered to a security
type Listener func(sec *Security, msg transport.Message)

// Security is a subscription target. It receives the update messages routed to its
// correlation id and fans them out to its listeners.
type Security struct {
	name    string
	status  atomic.Int32
	updates atomic.Uint64

	mu        sync.RWMutex
	last      transport.Message
	hasLast   bool
	listeners []Listener
}

func newSecurity(name string) *Security {
	return &Security{name: name}
}

// Name returns the ticker
func (s *Security) Name() string {
	return s.name
}

// CorrelationID returns the subscription id derived from the ticker
func (s *Security) CorrelationID() transport.CorrelationID {
	return correlation.SubscriptionID(s.name)
}

// OnUpdate adds a listener called for every routed message
func (s *Security) OnUpdate(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// HandleMessage implements correlation.MessageHandler
func (s *Security) HandleMessage(msg transport.Message) {
	s.updates.Add(1)

	s.mu.Lock()
	s.last = msg
	s.hasLast = true
	listeners := s.listeners
	s.mu.Unlock()

	for _, l := range listeners {
		l(s, msg)
	}
}

// LastMessage returns the most recent update
func (s *Security) LastMessage() (transport.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}

// UpdateCount returns how many updates were delivered
func (s *Security) UpdateCount() uint64 {
	return s.updates.Load()
}

// Status returns the subscription status
func (s *Security) Status() Status {
	return Status(s.status.Load())
}

func (s *Security) setStatus(st Status) {
	s.status.Store(int32(st))
}

// applyStatus maps a subscription status message onto the security
func (s *Security) applyStatus(mt transport.MessageType) {
	switch mt {
	case transport.MessageSubscriptionStarted:
		s.setStatus(StatusStarted)
	case transport.MessageSubscriptionFailure:
		s.setStatus(StatusFailed)
	case transport.MessageSubscriptionTerminated:
		s.setStatus(StatusTerminated)
	}
}

// Securities is the ordered collection of securities owned by the gateway
type Securities struct {
	mu     sync.RWMutex
	order  []*Security
	byName map[string]*Security
}

// NewSecurities creates an empty collection
func NewSecurities() *Securities {
	return &Securities{byName: make(map[string]*Security)}
}

// Create returns the security for ticker, creating it on first use
func (c *Securities) Create(ticker string) *Security {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sec, ok := c.byName[ticker]; ok {
		return sec
	}
	sec := newSecurity(ticker)
	c.byName[ticker] = sec
	c.order = append(c.order, sec)
	return sec
}

// Get returns the security for ticker
func (c *Securities) Get(ticker string) (*Security, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sec, ok := c.byName[ticker]
	return sec, ok
}

// All returns the securities in creation order
func (c *Securities) All() []*Security {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Security(nil), c.order...)
}

// Len returns the number of securities
func (c *Securities) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// ApplyStatus updates the security a subscription status message refers to
func (c *Securities) ApplyStatus(msg transport.Message) {
	if msg.CorrelationID.Namespace != transport.NamespaceSubscription {
		return
	}
	if sec, ok := c.Get(msg.CorrelationID.Value); ok {
		sec.applyStatus(msg.Type)
	}
}
