package subscription

import "sync"

// Field is one requested attribute
type Field struct {
	name string
}

// Name returns the field mnemonic
func (f *Field) Name() string {
	return f.name
}

// Fields is the ordered set of fields attached to every new subscription
type Fields struct {
	mu     sync.RWMutex
	order  []*Field
	byName map[string]*Field
}

// NewFields creates an empty field set
func NewFields() *Fields {
	return &Fields{byName: make(map[string]*Field)}
}

// Create returns the field for name, creating it on first use
func (c *Fields) Create(name string) *Field {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.byName[name]; ok {
		return f
	}
	f := &Field{name: name}
	c.byName[name] = f
	c.order = append(c.order, f)
	return f
}

// Snapshot returns a copy of the field names. Subscriptions keep the copy, so later
// additions never change an already built subscription.
func (c *Fields) Snapshot() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	for i, f := range c.order {
		out[i] = f.name
	}
	return out
}

// Len returns the number of fields
func (c *Fields) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}
