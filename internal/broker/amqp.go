package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dialTimeout = 5 * time.Second
	maxRedial   = 10
	maxBackoff  = 30 * time.Second
)

// AMQPBroker publishes to durable queues on the default exchange and
// consumes with manual acknowledgement. A dropped connection is redialed
// with exponential backoff by whichever of Publish or Consume notices
// first.
type AMQPBroker struct {
	url     string
	dial    func(rawURL string) (*amqp.Connection, error)
	backoff time.Duration

	mu       sync.Mutex
	conn     *amqp.Connection
	pub      *amqp.Channel
	declared map[string]bool
	done     chan struct{}
	stop     sync.Once

	logger *slog.Logger
}

func dialURL(rawURL string) (*amqp.Connection, error) {
	return amqp.DialConfig(rawURL, amqp.Config{
		Dial: amqp.DefaultDial(dialTimeout),
	})
}

func newAMQP(rawURL string, logger *slog.Logger) *AMQPBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPBroker{
		url:      rawURL,
		dial:     dialURL,
		backoff:  time.Second,
		declared: make(map[string]bool),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// DialAMQP connects to a RabbitMQ server.
func DialAMQP(rawURL string, logger *slog.Logger) (*AMQPBroker, error) {
	b := newAMQP(rawURL, logger)
	if err := b.connectLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AMQPBroker) Mode() string { return "amqp" }

// connectLocked dials once and opens the publishing channel.
func (b *AMQPBroker) connectLocked() error {
	conn, err := b.dial(b.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	b.conn = conn
	b.pub = ch
	clear(b.declared)
	go b.watch(conn)
	return nil
}

// watch logs why conn went away.
func (b *AMQPBroker) watch(conn *amqp.Connection) {
	reason, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if ok && reason != nil {
		b.logger.Warn("RabbitMQ connection lost", "code", reason.Code, "reason", reason.Reason)
	}
}

func (b *AMQPBroker) liveLocked() bool {
	return b.conn != nil && !b.conn.IsClosed() && b.pub != nil && !b.pub.IsClosed()
}

// connection returns an open connection, redialing if needed.
func (b *AMQPBroker) connection(ctx context.Context) (*amqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLocked(ctx); err != nil {
		return nil, err
	}
	return b.conn, nil
}

// ensureLocked redials until the connection is live, ctx is done, the
// broker is closed or maxRedial attempts have failed.
func (b *AMQPBroker) ensureLocked(ctx context.Context) error {
	if b.isClosed() {
		return ErrClosed
	}
	if b.liveLocked() {
		return nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn, b.pub = nil, nil
	}

	backoff := b.backoff
	var lastErr error
	for attempt := 1; attempt <= maxRedial; attempt++ {
		b.logger.Info("Redialing RabbitMQ", "url", redact(b.url), "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		case <-time.After(backoff):
		}

		if lastErr = b.connectLocked(); lastErr == nil {
			b.logger.Info("RabbitMQ reconnected", "attempt", attempt)
			return nil
		}
		b.logger.Warn("RabbitMQ redial failed", "attempt", attempt, "error", lastErr)
		backoff = min(backoff*2, maxBackoff)
	}
	return fmt.Errorf("redial amqp after %d attempts: %w", maxRedial, lastErr)
}

func declare(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return nil
}

func (b *AMQPBroker) Publish(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", queue, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLocked(ctx); err != nil {
		return err
	}
	if !b.declared[queue] {
		if err := declare(b.pub, queue); err != nil {
			return err
		}
		b.declared[queue] = true
	}

	err = b.pub.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume opens its own channel, so a slow handler never blocks publishing.
// Deliveries are acked after handle returns nil and rejected without
// requeue otherwise. When the connection drops, Consume redials and
// resumes; it returns once redialing gives up.
func (b *AMQPBroker) Consume(ctx context.Context, queue, consumerTag string, handle Handler) error {
	for {
		conn, err := b.connection(ctx)
		if err != nil {
			return err
		}
		err = b.consumeOnce(ctx, conn, queue, consumerTag, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if b.isClosed() {
			return ErrClosed
		}
		if !conn.IsClosed() {
			return err
		}
		b.logger.Warn("Consumer lost its channel, redialing", "queue", queue, "error", err)
	}
}

// consumeOnce consumes on conn until ctx is done or deliveries close.
func (b *AMQPBroker) consumeOnce(ctx context.Context, conn *amqp.Connection, queue, consumerTag string, handle Handler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := declare(ch, queue); err != nil {
		return err
	}
	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(consumerTag, false)
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries on %s closed", queue)
			}
			if err := handle(ctx, d.Body); err != nil {
				b.logger.Warn("Rejected delivery", "queue", queue, "error", err)
				_ = d.Reject(false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (b *AMQPBroker) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Close interrupts a redial in progress before taking the lock.
func (b *AMQPBroker) Close() error {
	b.stop.Do(func() { close(b.done) })

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

// redact hides the password of an AMQP URL for logging.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}
