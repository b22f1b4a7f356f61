package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/conneroisu/workbench/internal/logging"
	"github.com/conneroisu/workbench/internal/watcher"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Events buffered per client before it is dropped as too slow.
	clientBuffer = 64
)

// client is one WebSocket subscriber to a session's change events.
type client struct {
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// eventHub fans change events out to the clients streaming each session.
type eventHub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	closed  bool
	logger  logging.Logger
}

func newEventHub(logger logging.Logger) *eventHub {
	return &eventHub{
		clients: make(map[string]map[*client]struct{}),
		logger:  logger,
	}
}

func (h *eventHub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	if h.clients[c.sessionID] == nil {
		h.clients[c.sessionID] = make(map[*client]struct{})
	}
	h.clients[c.sessionID][c] = struct{}{}
	return true
}

func (h *eventHub) unregister(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.sessionID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// publish is registered as a watcher callback. A client whose buffer is
// full is dropped rather than blocking delivery to everyone else.
func (h *eventHub) publish(event watcher.ChangeEvent) error {
	message, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients[event.SessionID] {
		select {
		case c.send <- message:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn(context.Background(), nil, "Dropping slow event client", "session_id", c.sessionID)
		h.unregister(c)
	}
	return nil
}

// closeSession disconnects every client of a removed session.
func (h *eventHub) closeSession(sessionID string) {
	h.mu.Lock()
	set := h.clients[sessionID]
	delete(h.clients, sessionID)
	h.mu.Unlock()

	for c := range set {
		c.close()
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	h.closed = true
	all := h.clients
	h.clients = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for c := range set {
			c.close()
		}
	}
}

func (h *eventHub) count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}

func (h *eventHub) total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	// Validate origin before accepting connection
	if !s.checkOrigin(r) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	// The origin was checked against the configured list above.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "session_id", id)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &client{
		sessionID: id,
		conn:      conn,
		send:      make(chan []byte, clientBuffer),
		done:      make(chan struct{}),
	}
	if !s.hub.register(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.logger.Debug(r.Context(), "Event client connected", "session_id", id, "clients", s.hub.count(id))

	ctx := context.WithoutCancel(r.Context())
	go s.readPump(ctx, c)
	s.writePump(ctx, c)
}

// readPump discards client messages and notices when the peer goes away.
func (s *Server) readPump(ctx context.Context, c *client) {
	defer s.hub.unregister(c)

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				select {
				case <-c.done:
				default:
					s.logger.Debug(ctx, "Event client read ended", "session_id", c.sessionID, "error", err.Error())
				}
			}
			return
		}
	}
}

// writePump delivers queued events and pings until the client is closed.
func (s *Server) writePump(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				s.logger.Debug(ctx, "Event write failed", "session_id", c.sessionID, "error", err.Error())
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// checkOrigin validates the request origin. Browsers always send one, so a
// missing origin is rejected.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if originURL.Scheme != "http" && originURL.Scheme != "https" {
		return false
	}

	port := s.config.Server.Port
	allowedHosts := []string{
		r.Host,
		fmt.Sprintf("%s:%d", s.config.Server.Host, port),
		fmt.Sprintf("localhost:%d", port),
		fmt.Sprintf("127.0.0.1:%d", port),
	}
	for _, allowed := range allowedHosts {
		if originURL.Host == allowed {
			return true
		}
	}

	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if allowedURL, err := url.Parse(allowed); err == nil &&
			allowedURL.Scheme == originURL.Scheme && allowedURL.Host == originURL.Host {
			return true
		}
	}

	return false
}
