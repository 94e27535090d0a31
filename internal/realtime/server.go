package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wweb-gateway/internal/auth"
	"wweb-gateway/internal/protocol"
	"wweb-gateway/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Access is guarded by the API key, not the origin.
	},
}

// Options configures the HTTP surface.
type Options struct {
	// APIKey, when set, must accompany every request except /ping.
	APIKey string
	// SessionsPath is where the local callback appends message_log.txt.
	SessionsPath string
	// Console receives QR codes posted to the local callback when it is a
	// terminal. Nil means os.Stdout.
	Console *os.File
	Logger  *slog.Logger
}

// Server exposes the session manager over REST and WebSocket.
type Server struct {
	sessions  *session.Manager
	opts      Options
	logger    *slog.Logger
	startedAt time.Time

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// subscriptions tracks which event subscriptions exist per client.
	// key: client, value: map[sessionID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex

	logMu sync.Mutex // serializes message_log.txt appends
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates the server and registers it as a listener of sessions.
func New(sessions *session.Manager, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Console == nil {
		opts.Console = os.Stdout
	}
	s := &Server{
		sessions:      sessions,
		opts:          opts,
		logger:        opts.Logger,
		startedAt:     time.Now(),
		clients:       make(map[*client]bool),
		subscriptions: make(map[*client]map[string]string),
	}
	sessions.AddListener(s.onSessionEvent)
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /localCallbackExample", s.handleLocalCallback)

	mux.HandleFunc("GET /session/start/{sessionId}", s.handleStartSessionGet)
	mux.HandleFunc("POST /session/start/{sessionId}", s.handleStartSessionPost)
	mux.HandleFunc("GET /session/status/{sessionId}", s.handleStatus)
	mux.HandleFunc("GET /session/qr/{sessionId}", s.handleQR)
	mux.HandleFunc("GET /session/qr/{sessionId}/image", s.handleQRImage)
	mux.HandleFunc("GET /session/terminate/{sessionId}", s.handleTerminate)
	mux.HandleFunc("GET /session/terminateInactive", s.handleTerminateInactive)
	mux.HandleFunc("GET /session/terminateAll", s.handleTerminateAll)
	mux.HandleFunc("GET /sessions", s.handleListSessions)

	mux.HandleFunc("/ws", s.handleWebSocket)

	return corsMiddleware(s.apiKeyMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, x-api-key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIKey == "" || r.URL.Path == "/ping" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("x-api-key")
		if key == "" && r.URL.Path == "/ws" {
			// Browsers cannot set headers on a WebSocket handshake.
			key = r.URL.Query().Get("api_key")
		}
		if key != s.opts.APIKey {
			sendError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", slog.Any("error", err))
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	// Send current session list to new client.
	s.sendSessionList(c)

	go c.writePump()
	go c.readPump()
}

// sendSessionList sends the current session state to a client.
func (s *Server) sendSessionList(c *client) {
	for _, info := range s.sessions.List() {
		msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, updatePayload(info))
		if err != nil {
			continue
		}
		c.enqueue(msg)
	}
}

func updatePayload(info session.Info) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:             info.ID,
		State:          info.State.String(),
		Auth:           info.Auth,
		QRPending:      info.QRPending,
		Disconnected:   info.Disconnected,
		CreatedAt:      info.CreatedAt.Format(time.RFC3339Nano),
		LastActivityAt: info.LastActivityAt.Format(time.RFC3339Nano),
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", slog.Any("error", err))
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue marshals msg onto the client's send buffer, dropping it when full.
func (c *client) enqueue(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.server.clientsMu.RLock()
	defer c.server.clientsMu.RUnlock()
	if !c.server.clients[c] {
		return // send is closed
	}
	select {
	case c.send <- data:
	default:
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	close(c.send)
	s.clientsMu.Unlock()

	// Unsubscribe from all session feeds.
	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for sessionID, subID := range subs {
		s.sessions.Unsubscribe(sessionID, subID)
	}
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendWSError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionStart:
		s.handleWSStart(c, msg)
	case protocol.TypeSessionSubscribe:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.subscribeClient(c, p.SessionID); err != nil {
			s.sendWSError(c, protocol.ErrSessionNotFound, err.Error())
		}
	case protocol.TypeSessionUnsubscribe:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		s.unsubscribeClient(c, p.SessionID)
	case protocol.TypeSessionRequestStatus:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		s.sendStatus(c, p.SessionID, s.sessions.Validate(context.Background(), p.SessionID))
	case protocol.TypeSessionTerminate:
		s.handleWSTerminate(c, msg)
	}
}

func (s *Server) handleWSStart(c *client, msg *protocol.Message) {
	var p protocol.SessionStartPayload
	json.Unmarshal(msg.Payload, &p)

	res, err := s.sessions.Setup(context.Background(), p.SessionID, auth.Config{Type: p.Type, Provider: p.Provider})
	if err != nil {
		code := protocol.ErrSetupFailed
		if session.IsValidation(err) {
			code = protocol.ErrValidation
		}
		s.sendWSError(c, code, res.Message)
		return
	}
	if err := s.subscribeClient(c, p.SessionID); err != nil {
		s.logger.Debug("subscribe after start failed", slog.String("session", p.SessionID), slog.Any("error", err))
	}
}

func (s *Server) handleWSTerminate(c *client, msg *protocol.Message) {
	var p protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &p)

	ctx := context.Background()
	status := s.sessions.Validate(ctx, p.SessionID)
	if status.NotFound() {
		s.sendStatus(c, p.SessionID, status)
		return
	}
	if err := s.sessions.Delete(ctx, p.SessionID, status); err != nil {
		s.sendWSError(c, protocol.ErrTerminateFailed, err.Error())
	}
}

func (s *Server) sendStatus(c *client, sessionID string, status session.Status) {
	msg, _ := protocol.NewMessage(protocol.TypeSessionStatus, protocol.SessionStatusPayload{
		SessionID: sessionID,
		Success:   status.Success,
		State:     status.State,
		Message:   status.Message,
	})
	c.enqueue(msg)
}

// subscribeClient streams a session's history and live events to a client.
func (s *Server) subscribeClient(c *client, sessionID string) error {
	s.subscriptionsMu.Lock()
	if _, exists := s.subscriptions[c][sessionID]; exists {
		s.subscriptionsMu.Unlock()
		return nil // Already subscribed.
	}
	s.subscriptionsMu.Unlock()

	subID, ch, history, err := s.sessions.Subscribe(sessionID)
	if err != nil {
		return err
	}

	s.subscriptionsMu.Lock()
	if s.subscriptions[c] == nil {
		// Client left while subscribing.
		s.subscriptionsMu.Unlock()
		s.sessions.Unsubscribe(sessionID, subID)
		return nil
	}
	s.subscriptions[c][sessionID] = subID
	s.subscriptionsMu.Unlock()

	for _, event := range history {
		s.sendEvent(c, event)
	}

	// Forward new events until the feed closes.
	go func() {
		for event := range ch {
			s.sendEvent(c, event)
		}

		s.subscriptionsMu.Lock()
		closedByClient := s.subscriptions[c] == nil || s.subscriptions[c][sessionID] != subID
		if !closedByClient {
			delete(s.subscriptions[c], sessionID)
		}
		s.subscriptionsMu.Unlock()

		if !closedByClient {
			msg, _ := protocol.NewMessage(protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{
				SessionID: sessionID,
				State:     session.StateTerminated.String(),
			})
			c.enqueue(msg)
		}
	}()
	return nil
}

func (s *Server) unsubscribeClient(c *client, sessionID string) {
	s.subscriptionsMu.Lock()
	subID, ok := s.subscriptions[c][sessionID]
	if ok {
		delete(s.subscriptions[c], sessionID)
	}
	s.subscriptionsMu.Unlock()

	if ok {
		s.sessions.Unsubscribe(sessionID, subID)
	}
}

func (s *Server) sendEvent(c *client, event session.Event) {
	msg, _ := protocol.NewMessage(protocol.TypeSessionEvent, protocol.SessionEventPayload{
		SessionID: event.SessionID,
		DataType:  event.Type,
		Data:      event.Data,
		At:        event.Timestamp.Format(time.RFC3339Nano),
	})
	c.enqueue(msg)
}

func (s *Server) sendWSError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	c.enqueue(msg)
}

// onSessionEvent broadcasts state changes to every connected client.
func (s *Server) onSessionEvent(ev session.Event) {
	if ev.Type != session.EventState {
		return
	}

	payload := protocol.SessionUpdatePayload{ID: ev.SessionID, State: ev.Data}
	if sess, err := s.sessions.Get(ev.SessionID); err == nil {
		payload = updatePayload(sess.Info())
	}
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, payload)
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}
