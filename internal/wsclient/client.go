// Package wsclient sends driving steps to a stepbus server over WebSocket
// and receives the reconstructed steps it broadcasts.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/stepbus/stepbus/pkg/core"
)

// DefaultAckTimeout bounds the wait for a step acknowledgement.
const DefaultAckTimeout = 10 * time.Second

// Client keeps one connection per byte order, since the server applies the
// endian query parameter to a whole connection.
type Client struct {
	baseURL    string
	ackTimeout time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	conns  map[core.ByteOrder]*connection
	steps  chan core.ReconstructedStep
	closed bool
}

// New creates a client for the server at baseURL, e.g. "http://host:8080"
// or "ws://host:8080/ws". Nothing is dialed until the first step.
func New(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		ackTimeout: DefaultAckTimeout,
		logger:     logger,
		conns:      make(map[core.ByteOrder]*connection),
		steps:      make(chan core.ReconstructedStep, 64),
	}
}

// Endpoint converts a server URL into the WebSocket URL for order.
func Endpoint(baseURL string, order core.ByteOrder) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	}
	q := u.Query()
	q.Set("endian", order.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) connection(ctx context.Context, order core.ByteOrder) (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errClosed
	}
	if conn, ok := c.conns[order]; ok {
		return conn, nil
	}

	endpoint, err := Endpoint(c.baseURL, order)
	if err != nil {
		return nil, err
	}
	conn := newConnection(endpoint, c.steps, c.logger.With("endian", order.String()))
	if err := conn.dial(ctx); err != nil {
		return nil, err
	}
	c.conns[order] = conn
	return conn, nil
}

// SendStep sends step encoded in order and waits for its order key.
func (c *Client) SendStep(ctx context.Context, step core.DrivingStep, order core.ByteOrder) (core.StepNotice, error) {
	conn, err := c.connection(ctx, order)
	if err != nil {
		return core.StepNotice{}, err
	}

	data, err := json.Marshal(step)
	if err != nil {
		return core.StepNotice{}, fmt.Errorf("marshal step: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()

	r, err := conn.sendAndWait(ctx, data, step.StepName)
	if err != nil {
		return core.StepNotice{}, err
	}
	return core.StepNotice{StepName: r.For, ByteOrder: order, OrderKey: r.OrderKey}, nil
}

// Steps delivers reconstructed steps broadcast by the server. Steps are
// dropped when nobody reads.
func (c *Client) Steps() <-chan core.ReconstructedStep {
	return c.steps
}

// Close closes every connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	for _, conn := range c.conns {
		if err := conn.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
