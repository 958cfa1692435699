package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stepbus/stepbus/internal/channel"
)

const defaultLocalBuffer = 64

// LocalBroker is an in-process broker with one channel per consumed queue.
// Messages published to a queue nobody consumes are discarded.
type LocalBroker struct {
	mu     sync.Mutex
	queues map[string]channel.Channel[[]byte]
	size   int
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewLocal creates a local broker with a per-queue buffer of size messages.
func NewLocal(size int) *LocalBroker {
	if size <= 0 {
		size = defaultLocalBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalBroker{
		queues: make(map[string]channel.Channel[[]byte]),
		size:   size,
		ctx:    ctx,
		cancel: cancel,
		logger: slog.Default(),
	}
}

// WithLogger sets where rejected deliveries are reported.
func (b *LocalBroker) WithLogger(logger *slog.Logger) *LocalBroker {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *LocalBroker) Mode() string { return "local" }

// Publish blocks while the queue buffer is full.
func (b *LocalBroker) Publish(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", queue, err)
	}

	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		return ErrClosed
	}
	ch, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.ctx, cancel)
	defer stop()

	if err := ch.SendContext(ctx, body); err != nil {
		if b.ctx.Err() != nil {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Consume registers the queue and delivers until ctx is done or the broker
// closes. One consumer per queue.
func (b *LocalBroker) Consume(ctx context.Context, queue, _ string, handle Handler) error {
	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		return ErrClosed
	}
	if _, ok := b.queues[queue]; ok {
		b.mu.Unlock()
		return fmt.Errorf("queue %s already has a consumer", queue)
	}
	ch := channel.New[[]byte](b.size)
	b.queues[queue] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.queues, queue)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctx.Done():
			return ErrClosed
		case body := <-ch.Receive():
			if err := handle(ctx, body); err != nil {
				b.logger.Warn("Rejected delivery", "queue", queue, "error", err)
			}
		}
	}
}

// Consuming reports whether queue currently has a consumer.
func (b *LocalBroker) Consuming(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[queue]
	return ok
}

// Depth returns the number of undelivered messages on queue.
func (b *LocalBroker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.queues[queue]; ok {
		return ch.Len()
	}
	return 0
}

func (b *LocalBroker) Close() error {
	b.cancel()
	return nil
}

var _ Broker = (*LocalBroker)(nil)
var _ Broker = (*AMQPBroker)(nil)
