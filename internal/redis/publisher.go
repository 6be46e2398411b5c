package redis

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/mktdata-gateway/internal/logger"
	"github.com/SkynetNext/mktdata-gateway/internal/metrics"
	"github.com/SkynetNext/mktdata-gateway/internal/retry"
	"github.com/SkynetNext/mktdata-gateway/internal/subscription"
	"github.com/SkynetNext/mktdata-gateway/internal/transport"
)

// UpdatePublisher is the subset of Client used by Publisher
type UpdatePublisher interface {
	PublishUpdate(ctx context.Context, u *Update) error
}

// Publisher forwards security updates to Redis off the dispatch path.
// Enqueue never blocks: when the buffer is full the update is dropped and counted.
type Publisher struct {
	client UpdatePublisher
	log    *zap.Logger
	queue  chan *Update
	retry  retry.RetryConfig

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewPublisher creates a publisher with a buffer of size updates
func NewPublisher(client UpdatePublisher, size int) *Publisher {
	return &Publisher{
		client:   client,
		log:      logger.Component("redis_publisher"),
		queue:    make(chan *Update, size),
		retry:    retry.RetryConfig{MaxRetries: 2, RetryDelay: 10 * time.Millisecond},
		stopChan: make(chan struct{}),
	}
}

// Start starts the publishing goroutine
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
}

// Listener returns a security update listener feeding the publisher
func (p *Publisher) Listener() subscription.Listener {
	return func(sec *subscription.Security, msg transport.Message) {
		p.Enqueue(NewUpdate(sec.Name(), msg, time.Now()))
	}
}

// Enqueue queues an update for publishing
func (p *Publisher) Enqueue(u *Update) bool {
	select {
	case p.queue <- u:
		return true
	default:
		metrics.PublishErrors.WithLabelValues("dropped").Inc()
		p.log.Debug("publish buffer full, dropping update", zap.String("security", u.Security))
		return false
	}
}

func (p *Publisher) run(ctx context.Context) {
	for {
		select {
		case <-p.stopChan:
			p.drain(ctx)
			return
		case <-ctx.Done():
			return
		case u := <-p.queue:
			p.publish(ctx, u)
		}
	}
}

func (p *Publisher) drain(ctx context.Context) {
	for {
		select {
		case u := <-p.queue:
			p.publish(ctx, u)
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, u *Update) {
	err := retry.Do(ctx, p.retry, func() error {
		return p.client.PublishUpdate(ctx, u)
	})
	if err != nil {
		metrics.PublishErrors.WithLabelValues("update").Inc()
		p.log.Warn("failed to publish update",
			zap.String("security", u.Security),
			zap.Error(err),
		)
	}
}

// Close flushes queued updates and stops the publisher
func (p *Publisher) Close() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	p.wg.Wait()
}
