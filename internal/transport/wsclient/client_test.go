package wsclient

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/mktdata-gateway/internal/transport"
)

// provider is a scripted websocket peer: every received frame is passed to
// reply, and the returned events are written back.
type provider struct {
	frames chan Frame
	reply  func(Frame) []WireEvent
	conns  chan *websocket.Conn
}

func newProvider(t *testing.T, reply func(Frame) []WireEvent) (*provider, string, int) {
	t.Helper()
	p := &provider{
		frames: make(chan Frame, 16),
		reply:  reply,
		conns:  make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		p.conns <- conn
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			p.frames <- f
			if p.reply == nil {
				continue
			}
			for _, ev := range p.reply(f) {
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(ts.Close)

	addr := ts.Listener.Addr().(*net.TCPAddr)
	return p, addr.IP.String(), addr.Port
}

func collect() (transport.EventHandler, <-chan transport.Event) {
	ch := make(chan transport.Event, 16)
	return func(ev transport.Event) { ch <- ev }, ch
}

func next(t *testing.T, ch <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return transport.Event{}
	}
}

func TestClient_OpenService(t *testing.T) {
	_, host, port := newProvider(t, func(f Frame) []WireEvent {
		return []WireEvent{{
			Event:    "SERVICE_STATUS",
			Messages: []WireMessage{{Type: "ServiceOpened", Service: f.Service}},
		}}
	})

	c := New(Options{WriteTimeout: time.Second})
	handler, events := collect()
	require.NoError(t, c.Connect(context.Background(), host, port, handler))
	defer c.Close()

	require.NoError(t, c.OpenService(context.Background(), "//blp/mktdata"))

	ev := next(t, events)
	assert.Equal(t, transport.EventServiceStatus, ev.Type)
	require.Len(t, ev.Messages, 1)
	assert.Equal(t, transport.MessageServiceOpened, ev.Messages[0].Type)
	assert.Equal(t, "//blp/mktdata", ev.Messages[0].Service)
}

func TestClient_SubscribeAndRequestFrames(t *testing.T) {
	p, host, port := newProvider(t, nil)

	c := New(Options{})
	handler, _ := collect()
	require.NoError(t, c.Connect(context.Background(), host, port, handler))
	defer c.Close()

	subID := transport.CorrelationID{Namespace: transport.NamespaceSubscription, Value: "IBM US Equity"}
	require.NoError(t, c.Subscribe(context.Background(), []transport.Subscription{{
		Topic:         "IBM US Equity",
		Fields:        []string{"BID", "ASK"},
		CorrelationID: subID,
	}}))

	req := transport.NewRequest("//blp/refdata", "ReferenceDataRequest")
	req.Append("securities", "IBM US Equity")
	reqID := transport.CorrelationID{Namespace: transport.NamespaceRequest, Value: "42"}
	require.NoError(t, c.SendRequest(context.Background(), req, reqID))

	sub := <-p.frames
	assert.Equal(t, OpSubscribe, sub.Op)
	require.Len(t, sub.Subscriptions, 1)
	assert.Equal(t, "sub:IBM US Equity", sub.Subscriptions[0].CorrelationID)
	assert.Equal(t, []string{"BID", "ASK"}, sub.Subscriptions[0].Fields)

	r := <-p.frames
	assert.Equal(t, OpRequest, r.Op)
	assert.Equal(t, "req:42", r.CorrelationID)
	require.NotNil(t, r.Request)
	assert.Equal(t, "ReferenceDataRequest", r.Request.Operation)
	assert.Equal(t, []any{"IBM US Equity"}, r.Request.Params["securities"])
}

func TestClient_ConnectionLost(t *testing.T) {
	p, host, port := newProvider(t, nil)

	c := New(Options{})
	handler, events := collect()
	require.NoError(t, c.Connect(context.Background(), host, port, handler))
	defer c.Close()

	conn := <-p.conns
	conn.Close()

	ev := next(t, events)
	assert.Equal(t, transport.EventSessionStatus, ev.Type)
	require.Len(t, ev.Messages, 2)
	assert.Equal(t, transport.MessageSessionConnectionDown, ev.Messages[0].Type)
	assert.Equal(t, transport.MessageSessionTerminated, ev.Messages[1].Type)
}

func TestClient_CloseIsQuiet(t *testing.T) {
	_, host, port := newProvider(t, nil)

	c := New(Options{})
	handler, events := collect()
	require.NoError(t, c.Connect(context.Background(), host, port, handler))

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.Empty(t, events)
	assert.ErrorIs(t, c.OpenService(context.Background(), "//blp/mktdata"), ErrNotConnected)
}

func TestClient_NotConnected(t *testing.T) {
	c := New(Options{})
	assert.ErrorIs(t, c.OpenService(context.Background(), "//blp/mktdata"), ErrNotConnected)
}

func TestDecodeEvent_Unknown(t *testing.T) {
	ev := DecodeEvent(WireEvent{
		Event:    "SOMETHING_NEW",
		Messages: []WireMessage{{Type: "Heartbeat", Payload: json.RawMessage(`{"n":1}`)}},
	})
	assert.Equal(t, transport.EventUnknown, ev.Type)
	require.Len(t, ev.Messages, 1)
	assert.Equal(t, transport.MessageUnknown, ev.Messages[0].Type)
	assert.Equal(t, "Heartbeat", ev.Messages[0].TypeName)
	assert.JSONEq(t, `{"n":1}`, string(ev.Messages[0].Payload))
	assert.True(t, ev.Messages[0].CorrelationID.IsZero())
}

func TestEncodeEvent_CorrelationIDs(t *testing.T) {
	w := EncodeEvent(transport.Event{
		Type: transport.EventResponse,
		Messages: []transport.Message{{
			Type:          transport.MessageResponse,
			CorrelationID: transport.CorrelationID{Namespace: transport.NamespaceRequest, Value: "abc"},
		}},
	})
	assert.Equal(t, "RESPONSE", w.Event)
	assert.Equal(t, "req:abc", w.Messages[0].CorrelationID)
	assert.Equal(t, transport.NamespaceRequest, DecodeEvent(w).Messages[0].CorrelationID.Namespace)
}

func TestClient_ConnectRejected(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()
	addr := ts.Listener.Addr().(*net.TCPAddr)

	c := New(Options{})
	handler, _ := collect()
	err := c.Connect(context.Background(), addr.IP.String(), addr.Port, handler)
	assert.ErrorIs(t, err, transport.ErrConnectRejected)
}
