package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SkynetNext/mktdata-gateway/internal/logger"
	"github.com/SkynetNext/mktdata-gateway/internal/transport"
)

// ErrNotConnected is returned by operations issued before Connect or after Close
var ErrNotConnected = errors.New("wsclient: not connected")

const defaultPath = "/ws"

// Options configures a Client
type Options struct {
	// Path is the websocket endpoint path, "/ws" when empty
	Path         string
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

// Client is a transport.Transport over a JSON websocket
type Client struct {
	opts Options
	log  *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	handler transport.EventHandler
	closed  atomic.Bool
	done    chan struct{}
}

var _ transport.Transport = (*Client)(nil)

// New creates a websocket client
func New(opts Options) *Client {
	if opts.Path == "" {
		opts.Path = defaultPath
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts: opts,
		log:  logger.Component("wsclient"),
	}
}

// Connect dials the provider and starts delivering inbound events to handler
func (c *Client) Connect(ctx context.Context, host string, port int, handler transport.EventHandler) error {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: c.opts.Path}

	conn, resp, err := c.opts.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("failed to dial %s: %w: status %d", u.String(), transport.ErrConnectRejected, resp.StatusCode)
		}
		return fmt.Errorf("failed to dial %s: %w", u.String(), err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.handler = handler
	c.done = make(chan struct{})
	c.writeMu.Unlock()
	c.closed.Store(false)

	c.log.Info("connected to provider", zap.String("url", u.String()))
	go c.readLoop(conn, handler, c.done)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, handler transport.EventHandler, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.log.Warn("provider connection lost", zap.Error(err))
			handler(transport.Event{
				Type: transport.EventSessionStatus,
				Messages: []transport.Message{
					{Type: transport.MessageSessionConnectionDown},
					{Type: transport.MessageSessionTerminated},
				},
			})
			return
		}

		var w WireEvent
		if err := json.Unmarshal(data, &w); err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		handler(DecodeEvent(w))
	}
}

// OpenService asks the provider to open a service; completion arrives as a SERVICE_STATUS event
func (c *Client) OpenService(ctx context.Context, name string) error {
	return c.write(ctx, Frame{Op: OpOpenService, Service: name})
}

// Subscribe submits a batch of subscriptions
func (c *Client) Subscribe(ctx context.Context, subs []transport.Subscription) error {
	return c.write(ctx, Frame{Op: OpSubscribe, Subscriptions: encodeSubscriptions(subs)})
}

// SendRequest sends a one-shot request tagged with id
func (c *Client) SendRequest(ctx context.Context, req *transport.Request, id transport.CorrelationID) error {
	return c.write(ctx, Frame{
		Op:            OpRequest,
		CorrelationID: id.String(),
		Request: &WireRequest{
			Service:   req.Service,
			Operation: req.Operation,
			Params:    req.Params(),
		},
	})
}

func (c *Client) write(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil || c.closed.Load() {
		return ErrNotConnected
	}

	deadline := time.Time{}
	if c.opts.WriteTimeout > 0 {
		deadline = time.Now().Add(c.opts.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Op, err)
	}
	return nil
}

// Close closes the connection and waits for the read loop to exit
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.writeMu.Lock()
	conn, done := c.conn, c.done
	c.writeMu.Unlock()
	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := conn.Close()
	<-done
	return err
}
