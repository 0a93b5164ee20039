package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ram677/ops-swarm/internal/metrics"
	"github.com/ram677/ops-swarm/internal/orchestrator"
)

// WebSocket message types
const (
	MessageTypeTransition = "transition"
	MessageTypeHeartbeat  = "heartbeat"
)

// WSMessage is one frame of the /ws/incidents stream.
type WSMessage struct {
	Type       string                        `json:"type"`
	Transition *orchestrator.TransitionEvent `json:"transition,omitempty"`
	Timestamp  time.Time                     `json:"timestamp"`
}

// defaultOrigins are the development dashboard origins permitted when no
// allow list is configured.
var defaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

// newUpgrader builds a WebSocket upgrader whose origin check enforces the
// configured allow list. "*" allows any origin. Requests without an Origin
// header (non-browser clients) are always allowed; same-origin enforcement
// only means anything for browsers, which always send one.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	origins := allowedOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}

	wildcard := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		allowed[strings.ToLower(o)] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || wildcard {
				return true
			}
			return allowed[strings.ToLower(origin)]
		},
	}
}

// wsConn is one active /ws/incidents client.
type wsConn struct {
	conn      *websocket.Conn
	logger    *zap.Logger
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	sessionID string
}

// handleIncidentStream upgrades the connection and forwards every state
// machine transition to the client until it disconnects or the server
// stops.
func (s *Server) handleIncidentStream(w http.ResponseWriter, r *http.Request) {
	upgrader := newUpgrader(s.cfg.Server.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	wsc := &wsConn{
		conn:      conn,
		logger:    s.logger,
		ctx:       ctx,
		cancel:    cancel,
		sessionID: fmt.Sprintf("ws-%d", time.Now().UnixNano()),
	}

	events, unsubscribe := s.engine.Subscribe()
	defer unsubscribe()

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()

	s.logger.Info("websocket client connected", zap.String("session_id", wsc.sessionID))
	wsc.stream(events)
}

// stream pushes transition events to the client. It returns when the
// client disconnects, a send fails, the subscription closes, or the
// server shuts down.
func (c *wsConn) stream(events <-chan orchestrator.TransitionEvent) {
	defer func() {
		c.cancel()
		c.conn.Close()
		c.logger.Info("websocket client disconnected", zap.String("session_id", c.sessionID))
	}()

	// The first frame acknowledges the stream is live. The subscription
	// predates it, so a client that has seen this frame misses nothing.
	if err := c.send(&WSMessage{Type: MessageTypeHeartbeat, Timestamp: time.Now().UTC()}); err != nil {
		return
	}

	go c.heartbeat()
	go c.drain()

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := &WSMessage{
				Type:       MessageTypeTransition,
				Transition: &ev,
				Timestamp:  time.Now().UTC(),
			}
			if err := c.send(msg); err != nil {
				return
			}
		}
	}
}

// drain consumes client frames so close and ping control messages are
// processed. The stream is one-way; payloads are discarded.
func (c *wsConn) drain() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.cancel()
			return
		}
	}
}

// send writes one message to the client.
func (c *wsConn) send(msg *WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(msg); err != nil {
		return err
	}
	metrics.WebSocketMessagesTotal.WithLabelValues("outbound").Inc()
	return nil
}

// heartbeat keeps idle connections alive through proxies.
func (c *wsConn) heartbeat() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(&WSMessage{Type: MessageTypeHeartbeat, Timestamp: time.Now().UTC()}); err != nil {
				c.cancel()
				return
			}
		}
	}
}
