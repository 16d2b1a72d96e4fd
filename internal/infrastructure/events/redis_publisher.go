package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
	"github.com/davidleathers/compliance-tracker/internal/domain/errors"
)

// PublisherConfig tunes the redis notification publisher
type PublisherConfig struct {
	Channel          string
	QueueSize        int
	PublishTimeout   time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
}

// DefaultPublisherConfig returns the defaults used by cmd/api
func DefaultPublisherConfig(channel string) PublisherConfig {
	return PublisherConfig{
		Channel:          channel,
		QueueSize:        256,
		PublishTimeout:   2 * time.Second,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// RedisPublisher publishes notifications to a redis pub/sub channel from a
// background worker. Notify never blocks: when the queue is full or the
// circuit is open the notification is dropped and counted.
type RedisPublisher struct {
	client  *redis.Client
	config  PublisherConfig
	logger  *zap.Logger
	breaker *CircuitBreaker
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan EventEnvelope
	wg     sync.WaitGroup

	published atomic.Int64
	dropped   atomic.Int64
}

// NewRedisPublisher starts the publish worker; call Close to drain it
func NewRedisPublisher(client *redis.Client, cfg PublisherConfig, logger *zap.Logger) *RedisPublisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}

	p := &RedisPublisher{
		client:  client,
		config:  cfg,
		logger:  logger.Named("redis_publisher"),
		breaker: NewCircuitBreaker(cfg.FailureThreshold, cfg.ResetTimeout),
		now:     time.Now,
		queue:   make(chan EventEnvelope, cfg.QueueSize),
	}

	p.wg.Add(1)
	go p.run()
	return p
}

// Notify enqueues n for publishing
func (p *RedisPublisher) Notify(_ context.Context, n compliance.Notification) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}

	select {
	case p.queue <- NewEnvelope(n, p.now()):
	default:
		p.dropped.Add(1)
		p.logger.Warn("notification queue full, dropping", zap.String("title", n.Title))
	}
}

func (p *RedisPublisher) run() {
	defer p.wg.Done()
	for env := range p.queue {
		p.publish(env)
	}
}

func (p *RedisPublisher) publish(env EventEnvelope) {
	if !p.breaker.Allow() {
		p.dropped.Add(1)
		return
	}

	payload, err := SerializeEnvelope(env)
	if err != nil {
		p.dropped.Add(1)
		p.logger.Error("failed to serialize notification", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
	defer cancel()

	if err := p.client.Publish(ctx, p.config.Channel, payload).Err(); err != nil {
		p.breaker.Failure()
		p.dropped.Add(1)
		p.logger.Warn("failed to publish notification",
			zap.String("channel", p.config.Channel),
			zap.String("circuit", p.breaker.State()),
			zap.Error(err))
		return
	}

	p.breaker.Success()
	p.published.Add(1)
}

// Stats returns published and dropped counts
func (p *RedisPublisher) Stats() (published, dropped int64) {
	return p.published.Load(), p.dropped.Load()
}

// Close stops accepting notifications and waits for queued ones to be
// published or ctx to end.
func (p *RedisPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Relay subscribes to channel and hands every valid envelope to target until
// ctx is cancelled. It lets each instance's websocket clients see
// notifications raised on any instance.
func Relay(ctx context.Context, client *redis.Client, channel string, target Notifier, logger *zap.Logger) error {
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	logger.Info("relaying notifications", zap.String("channel", channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := DeserializeEnvelope([]byte(msg.Payload))
			if errors.HasCode(err, CodeUnsupportedVersion) {
				// Publishers on a newer release during a rolling deploy.
				logger.Debug("skipping notification of another envelope version", zap.Error(err))
				continue
			}
			if err != nil {
				logger.Warn("ignoring malformed notification", zap.Error(err))
				continue
			}
			target.Notify(ctx, env.Data)
		}
	}
}
