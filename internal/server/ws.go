package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stepbus/stepbus/internal/dispatcher"
	"github.com/stepbus/stepbus/internal/parser"
	"github.com/stepbus/stepbus/internal/worker"
	"github.com/stepbus/stepbus/pkg/core"
	"github.com/stepbus/stepbus/pkg/streaming"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// handleWebSocket ingests inbound text messages as driving steps and pushes
// every broadcast envelope to the client. ?endian= applies to every step
// sent on the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.wsErrors.WithLabelValues("upgrade").Inc()
		s.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	conn := &wsConn{conn: raw}
	raw.SetReadLimit(maxBodyBytes)

	s.metrics.wsConnections.Inc()
	defer s.metrics.wsConnections.Dec()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := s.deps.Hub.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.pushLoop(ctx, conn, sub.C)
		// unblock the reader when the push side fails
		_ = raw.Close()
	}()

	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	endian := r.URL.Query().Get("endian")
	for {
		mt, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.metrics.wsErrors.WithLabelValues("read").Inc()
				s.logger.Debug("WebSocket read failed", "error", err)
			}
			break
		}
		if mt != websocket.TextMessage {
			continue
		}

		reply := s.ingestMessage(ctx, data, endian)
		if err := conn.write(websocket.TextMessage, reply); err != nil {
			s.metrics.wsErrors.WithLabelValues("write").Inc()
			break
		}
	}

	cancel()
	sub.Close()
	<-done
}

// pushLoop forwards broadcasts and keeps the connection alive with pings.
func (s *Server) pushLoop(ctx context.Context, conn *wsConn, msgs <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				_ = conn.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.write(websocket.TextMessage, msg); err != nil {
				s.metrics.wsErrors.WithLabelValues("write").Inc()
				return
			}
		case <-ticker.C:
			if err := conn.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ingestMessage stores one inbound step and returns the reply text: an ack
// carrying the order key, or an error object.
func (s *Server) ingestMessage(ctx context.Context, data []byte, endian string) []byte {
	result, err := s.deps.Dispatcher.Dispatch(ctx, dispatcher.Event{
		Command: worker.CmdStore,
		Payload: data,
		Meta:    map[string]string{worker.MetaEndian: endian},
	})
	switch {
	case errors.Is(err, parser.ErrInvalidStep):
		s.metrics.wsRejected.Inc()
		return []byte(streaming.InvalidStepMessage)
	case err != nil:
		return mustJSON(streaming.ErrorMessage{Error: err.Error()})
	}

	notice, ok := result.(core.StepNotice)
	if !ok {
		return mustJSON(streaming.ErrorMessage{Error: "unexpected ingest result"})
	}
	return mustJSON(streaming.NewAck(notice))
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"encoding failed"}`)
	}
	return data
}
