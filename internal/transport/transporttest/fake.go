// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/SkynetNext/mktdata-gateway/internal/transport"
)

// ErrNotConnected is returned when a call is made before Connect
var ErrNotConnected = errors.New("transporttest: not connected")

// SentRequest records one SendRequest call
type SentRequest struct {
	Request *transport.Request
	ID      transport.CorrelationID
}

// Fake is a scriptable Transport. With AutoStart set it emits SessionStarted after
// Connect and ServiceOpened after every OpenService, each from its own goroutine.
type Fake struct {
	AutoStart bool

	// FailServices lists services answered with ServiceOpenFailure in AutoStart mode
	FailServices map[string]bool

	// Errors returned synchronously by the respective calls
	ConnectErr   error
	SubscribeErr error
	SendErr      error

	mu            sync.Mutex
	handler       transport.EventHandler
	host          string
	port          int
	opened        []string
	subscriptions []transport.Subscription
	requests      []SentRequest
	closed        bool
	connects      int
	wg            sync.WaitGroup
}

// New creates a fake that starts the session and opens services on its own
func New() *Fake {
	return &Fake{AutoStart: true}
}

// Connect records the handler
func (f *Fake) Connect(_ context.Context, host string, port int, handler transport.EventHandler) error {
	f.mu.Lock()
	f.connects++
	if f.ConnectErr != nil {
		err := f.ConnectErr
		f.mu.Unlock()
		return err
	}
	f.handler = handler
	f.host = host
	f.port = port
	auto := f.AutoStart
	f.mu.Unlock()

	if auto {
		f.emitAsync(transport.Event{
			Type:     transport.EventSessionStatus,
			Messages: []transport.Message{{Type: transport.MessageSessionStarted}},
		})
	}
	return nil
}

// OpenService records the request
func (f *Fake) OpenService(_ context.Context, name string) error {
	f.mu.Lock()
	if f.handler == nil {
		f.mu.Unlock()
		return ErrNotConnected
	}
	f.opened = append(f.opened, name)
	auto := f.AutoStart
	fail := f.FailServices[name]
	f.mu.Unlock()

	if auto {
		msgType := transport.MessageServiceOpened
		if fail {
			msgType = transport.MessageServiceOpenFailure
		}
		f.emitAsync(transport.Event{
			Type:     transport.EventServiceStatus,
			Messages: []transport.Message{{Type: msgType, Service: name}},
		})
	}
	return nil
}

// Subscribe records the subscriptions
func (f *Fake) Subscribe(_ context.Context, subs []transport.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler == nil {
		return ErrNotConnected
	}
	if f.SubscribeErr != nil {
		return f.SubscribeErr
	}
	f.subscriptions = append(f.subscriptions, subs...)
	return nil
}

// SendRequest records the request
func (f *Fake) SendRequest(_ context.Context, req *transport.Request, id transport.CorrelationID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler == nil {
		return ErrNotConnected
	}
	if f.SendErr != nil {
		return f.SendErr
	}
	f.requests = append(f.requests, SentRequest{Request: req, ID: id})
	return nil
}

// Close marks the fake closed and waits for pending async emits
func (f *Fake) Close() error {
	f.wg.Wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Emit delivers an event synchronously on the caller's goroutine
func (f *Fake) Emit(ev transport.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (f *Fake) emitAsync(ev transport.Event) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.Emit(ev)
	}()
}

// SetSubscribeErr changes the error returned by Subscribe
func (f *Fake) SetSubscribeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubscribeErr = err
}

// SetSendErr changes the error returned by SendRequest
func (f *Fake) SetSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SendErr = err
}

// OpenedServices returns the services requested so far
func (f *Fake) OpenedServices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

// Subscriptions returns every subscription submitted so far
func (f *Fake) Subscriptions() []transport.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Subscription(nil), f.subscriptions...)
}

// Requests returns every request sent so far
func (f *Fake) Requests() []SentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentRequest(nil), f.requests...)
}

// Connects returns how many times Connect was called
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Closed reports whether Close was called
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
