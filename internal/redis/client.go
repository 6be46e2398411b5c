package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SkynetNext/mktdata-gateway/internal/config"
	"github.com/SkynetNext/mktdata-gateway/internal/transport"
)

// Universe is the set of fields and securities subscribed at startup
type Universe struct {
	Fields     []string `json:"fields"`
	Securities []string `json:"securities"`
}

// Update is the envelope published for every security update
type Update struct {
	Security      string          `json:"security"`
	MessageType   string          `json:"message_type"`
	CorrelationID string          `json:"correlation_id"`
	ReceivedAt    time.Time       `json:"received_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Status is the gateway status snapshot stored in Redis
type Status struct {
	Ready         bool              `json:"ready"`
	SessionState  string            `json:"session_state"`
	Connected     bool              `json:"connected"`
	Services      map[string]string `json:"services"`
	Securities    int               `json:"securities"`
	Subscriptions int               `json:"subscriptions"`
	Requests      int               `json:"requests_in_flight"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Client is a Redis client wrapper
type Client struct {
	rdb    *redis.Client
	prefix string
}

// NewClient creates a new Redis client
func NewClient(cfg *config.RedisConfig) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &Client{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// key generates full key with prefix
func (c *Client) key(suffix string) string {
	return c.prefix + suffix
}

// UpdateChannel returns the pub/sub channel for a security
func (c *Client) UpdateChannel(security string) string {
	return c.key("updates:" + security)
}

// LoadUniverse loads the subscription universe. A missing key yields an empty universe.
func (c *Client) LoadUniverse(ctx context.Context) (*Universe, error) {
	data, err := c.rdb.Get(ctx, c.key("subscriptions:universe")).Result()
	if err == redis.Nil {
		return &Universe{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription universe: %w", err)
	}

	var u Universe
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return nil, fmt.Errorf("failed to parse subscription universe: %w", err)
	}
	return &u, nil
}

// StoreUniverse stores the subscription universe
func (c *Client) StoreUniverse(ctx context.Context, u *Universe) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to encode subscription universe: %w", err)
	}
	return c.rdb.Set(ctx, c.key("subscriptions:universe"), data, 0).Err()
}

// PublishUpdate publishes one security update to the security's channel
func (c *Client) PublishUpdate(ctx context.Context, u *Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to encode update: %w", err)
	}
	return c.rdb.Publish(ctx, c.UpdateChannel(u.Security), data).Err()
}

// StoreStatus stores the gateway status and notifies watchers
func (c *Client) StoreStatus(ctx context.Context, s *Status) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	key := c.key("status")
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.Publish(ctx, key+":notify", data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store status: %w", err)
	}
	return nil
}

// LoadStatus loads the last stored gateway status
func (c *Client) LoadStatus(ctx context.Context) (*Status, error) {
	data, err := c.rdb.Get(ctx, c.key("status")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load status: %w", err)
	}
	var s Status
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("failed to parse status: %w", err)
	}
	return &s, nil
}

// SubscribeUpdates subscribes to the update channel of a security
func (c *Client) SubscribeUpdates(ctx context.Context, security string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, c.UpdateChannel(security))
}

// NewUpdate builds the published envelope for a routed message
func NewUpdate(security string, msg transport.Message, receivedAt time.Time) *Update {
	u := &Update{
		Security:      security,
		MessageType:   msg.Type.String(),
		CorrelationID: msg.CorrelationID.String(),
		ReceivedAt:    receivedAt,
	}
	switch {
	case len(msg.Payload) == 0:
	case json.Valid(msg.Payload):
		u.Payload = json.RawMessage(msg.Payload)
	default:
		// opaque payloads are published as a JSON string
		quoted, _ := json.Marshal(string(msg.Payload))
		u.Payload = quoted
	}
	return u
}
