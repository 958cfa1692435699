package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/stepbus/stepbus/pkg/core"
	"github.com/stepbus/stepbus/pkg/streaming"
)

const (
	sendChSize   = 256
	replyChSize  = 16
	maxReconnect = 10
	maxBackoff   = 30 * time.Second
	writeWait    = 10 * time.Second
)

// reply is any direct answer to an inbound step: an ack or an error object.
type reply struct {
	Type     string `json:"type"`
	For      string `json:"for"`
	OrderKey uint64 `json:"order_key"`
	Error    string `json:"error"`
}

// connection manages one WebSocket with a single write goroutine. Replies
// arrive in send order, so sendAndWait keeps one step in flight.
type connection struct {
	mu      sync.Mutex
	conn    *ws.Conn
	sendCh  chan []byte
	replyCh chan reply
	steps   chan<- core.ReconstructedStep
	done    chan struct{} // closed on shutdown
	closed  bool

	inflight sync.Mutex

	wsURL  string
	logger *slog.Logger
}

func newConnection(rawURL string, steps chan<- core.ReconstructedStep, logger *slog.Logger) *connection {
	return &connection{
		sendCh:  make(chan []byte, sendChSize),
		replyCh: make(chan reply, replyChSize),
		steps:   steps,
		done:    make(chan struct{}),
		wsURL:   rawURL,
		logger:  logger,
	}
}

// dial connects and starts the read and write loops.
func (c *connection) dial(ctx context.Context) error {
	conn, _, err := ws.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.writeLoop(conn)
	go c.readLoop(conn)
	return nil
}

// writeLoop drains sendCh onto conn. It returns on error or shutdown.
func (c *connection) writeLoop(conn *ws.Conn) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("WebSocket SetWriteDeadline error", "error", err)
				go c.reconnect(conn)
				return
			}
			if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
				c.logger.Warn("WebSocket write error", "error", err)
				go c.reconnect(conn)
				return
			}
		}
	}
}

// readLoop routes replies to replyCh and broadcast steps to the step
// channel.
func (c *connection) readLoop(conn *ws.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("WebSocket read error", "error", err)
			go c.reconnect(conn)
			return
		}

		var r reply
		if err := json.Unmarshal(message, &r); err != nil {
			c.logger.Debug("Unreadable message received", "raw", string(message))
			continue
		}

		switch {
		case r.Type == streaming.TypeAck || r.Error != "":
			select {
			case c.replyCh <- r:
			default:
				c.logger.Debug("Reply channel full, dropping", "for", r.For)
			}
		case r.Type == streaming.TypeStep:
			c.forwardStep(message)
		}
	}
}

func (c *connection) forwardStep(message []byte) {
	if c.steps == nil {
		return
	}
	var env streaming.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return
	}
	var rs core.ReconstructedStep
	if err := json.Unmarshal(env.Payload, &rs); err != nil {
		c.logger.Debug("Malformed step envelope", "error", err)
		return
	}
	select {
	case c.steps <- rs:
	default:
		c.logger.Debug("Step channel full, dropping", "key", rs.OrderKey)
	}
}

// reconnect re-dials with exponential backoff unless failed has already
// been replaced or the connection is closed.
func (c *connection) reconnect(failed *ws.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != failed {
		c.mu.Unlock()
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.mu.Unlock()

	backoff := time.Second
	for attempt := 1; attempt <= maxReconnect; attempt++ {
		c.logger.Info("Reconnecting to WebSocket", "attempt", attempt, "backoff", backoff)
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		conn, _, err := ws.DefaultDialer.Dial(c.wsURL, nil)
		if err != nil {
			c.logger.Warn("Reconnect dial failed", "attempt", attempt, "error", err)
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info("WebSocket reconnected", "attempt", attempt)
		go c.writeLoop(conn)
		go c.readLoop(conn)
		return
	}

	c.logger.Error("WebSocket reconnect failed after max attempts", "maxAttempts", maxReconnect)
}

// sendAndWait sends one step and blocks for the server's reply.
func (c *connection) sendAndWait(ctx context.Context, data []byte, ackFor string) (reply, error) {
	c.inflight.Lock()
	defer c.inflight.Unlock()

	select {
	case c.sendCh <- data:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-c.done:
		return reply{}, errClosed
	}

	for {
		select {
		case r := <-c.replyCh:
			if r.Error != "" {
				return r, fmt.Errorf("server rejected %q: %s", ackFor, r.Error)
			}
			if r.For == ackFor {
				return r, nil
			}
			// stale ack from before a reconnect
		case <-ctx.Done():
			return reply{}, fmt.Errorf("waiting for ack of %q: %w", ackFor, ctx.Err())
		case <-c.done:
			return reply{}, fmt.Errorf("connection closed while waiting for ack of %q", ackFor)
		}
	}
}

var errClosed = errors.New("connection closed")

// close sends a close frame and shuts down all goroutines.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		)
		return conn.Close()
	}
	return nil
}
