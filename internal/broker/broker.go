// Package broker carries step notices and events between the ingest side
// and the reconstruction side.
package broker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/stepbus/stepbus/internal/config"
)

// Queue names.
const (
	QueueEvents = "events"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Handler processes one delivery. A non-nil error rejects the delivery.
type Handler func(ctx context.Context, body []byte) error

// Broker publishes JSON messages to named queues and consumes them.
type Broker interface {
	// Publish JSON-encodes v and sends it to queue.
	Publish(ctx context.Context, queue string, v any) error
	// Consume delivers messages from queue to handle until ctx is done.
	Consume(ctx context.Context, queue, consumerTag string, handle Handler) error
	// Mode names the implementation, "amqp" or "local".
	Mode() string
	Close() error
}

// New returns an AMQP broker when enabled and reachable, otherwise a local
// in-process broker. Falling back is logged, not returned as an error.
func New(cfg config.BrokerConfig, logger *slog.Logger) Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return NewLocal(cfg.BufferSize).WithLogger(logger)
	}

	b, err := DialAMQP(cfg.URL, logger)
	if err != nil {
		logger.Warn("RabbitMQ unreachable, using local broker", "url", redact(cfg.URL), "error", err)
		return NewLocal(cfg.BufferSize).WithLogger(logger)
	}
	logger.Info("Connected to RabbitMQ", "url", redact(cfg.URL))
	return b
}
