package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentping/internal/bus"
	slackchannel "github.com/nextlevelbuilder/agentping/internal/channels/slack"
	"github.com/nextlevelbuilder/agentping/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/agentping/internal/config"
	"github.com/nextlevelbuilder/agentping/internal/store"
)

// TokenHeader authenticates API and webhook-ack calls.
const TokenHeader = "X-Agent-Ping-Token"

// Server exposes the gateway over HTTP and WebSocket.
type Server struct {
	cfg    *config.Config
	engine *Engine
	stores *store.Stores
	events bus.EventPublisher

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	clients     map[string]*Client
	mu          sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg *config.Config, engine *Engine, stores *store.Stores, events bus.EventPublisher) *Server {
	s := &Server{
		cfg:     cfg,
		engine:  engine,
		stores:  stores,
		events:  events,
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	s.rateLimiter = NewRateLimiter(cfg.Server.RateLimitRPM, 5)
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	// The upgrade is token-gated like the REST surface; the connect
	// command inside the socket authorizes the event stream itself.
	mux.HandleFunc("GET /v1/ws", s.authed(s.handleWebSocket))

	// Platform webhooks carry their own verification, not the API token.
	if s.cfg.Channels.Slack.Enabled {
		mux.HandleFunc("POST "+s.cfg.Channels.Slack.WebhookPath, s.handleSlackEvents)
	}
	if s.cfg.Channels.WhatsApp.Enabled {
		mux.HandleFunc("POST "+s.cfg.Channels.WhatsApp.InboundPath, s.handleWhatsAppInbound)
	}

	mux.HandleFunc("POST /v1/messages/send", s.authed(s.limited(s.handleSend)))
	mux.HandleFunc("POST /v1/messages/send-bulk", s.authed(s.limited(s.handleSendBulk)))
	mux.HandleFunc("GET /v1/sessions", s.authed(s.handleSessions))
	mux.HandleFunc("GET /v1/sessions/{key}", s.authed(s.handleSession))
	mux.HandleFunc("GET /v1/sessions/{key}/messages", s.authed(s.handleSessionMessages))
	mux.HandleFunc("POST /v1/inbound/ack", s.authed(s.handleInboundAck))

	s.mux = mux
	return mux
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// authed requires the shared token unless none is configured.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Auth.Token != "" && r.Header.Get(TokenHeader) != s.cfg.Auth.Token {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next(w, r)
	}
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"channels": s.engine.registry.Names(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context())
	if err != nil {
		slog.Error("status query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSlackEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	result, err := slackchannel.ParseEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if result.Challenge != "" {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, result.Challenge)
		return
	}
	if result.Message != nil {
		if err := s.engine.HandleInbound(r.Context(), *result.Message); err != nil {
			// Non-2xx makes Slack redeliver; dedupe absorbs the replay.
			slog.Error("slack inbound failed", "error", err)
			writeError(w, http.StatusInternalServerError, "pipeline failure")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleWhatsAppInbound(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	msg, err := whatsapp.NormalizeInbound(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.HandleInbound(r.Context(), msg); err != nil {
		slog.Error("whatsapp inbound failed", "error", err)
		writeError(w, http.StatusInternalServerError, "pipeline failure")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var msg bus.OutboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	record, err := s.engine.SendOutbound(r.Context(), msg)
	if err != nil {
		status, message := sendErrorStatus(err)
		writeError(w, status, message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": record.ID,
		"status":     store.MessageSent,
		"channel":    record.Channel,
		"peer_id":    record.PeerID,
	})
}

func (s *Server) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	var msgs []bus.OutboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	type result struct {
		MessageID string `json:"message_id,omitempty"`
		Status    string `json:"status"`
		Error     string `json:"error,omitempty"`
	}
	results := make([]result, 0, len(msgs))
	for _, msg := range msgs {
		record, err := s.engine.SendOutbound(r.Context(), msg)
		if err != nil {
			res := result{Status: store.MessageFailed, Error: err.Error()}
			if record != nil {
				res.MessageID = record.ID
			}
			results = append(results, res)
			continue
		}
		results = append(results, result{MessageID: record.ID, Status: store.MessageSent})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	sessions, err := s.stores.Sessions.List(r.Context(), limit, offset)
	if err != nil {
		slog.Error("session list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "session list failed")
		return
	}
	type sessionView struct {
		SessionKey        string     `json:"session_key"`
		AgentID           string     `json:"agent_id"`
		BusinessProfileID string     `json:"business_profile_id,omitempty"`
		UserID            string     `json:"user_id,omitempty"`
		LastRoute         *bus.Route `json:"last_route,omitempty"`
		UpdatedAt         time.Time  `json:"updated_at"`
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sessionView{
			SessionKey:        sess.SessionKey,
			AgentID:           sess.AgentID,
			BusinessProfileID: sess.BusinessProfileID,
			UserID:            sess.UserID,
			LastRoute:         sess.LastRoute,
			UpdatedAt:         sess.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	sess, err := s.stores.Sessions.Get(r.Context(), key)
	if err != nil {
		slog.Error("session lookup failed", "session", key, "error", err)
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_key":         sess.SessionKey,
		"agent_id":            sess.AgentID,
		"business_profile_id": sess.BusinessProfileID,
		"user_id":             sess.UserID,
		"dm_scope":            sess.DMScope,
		"last_route":          sess.LastRoute,
		"created_at":          sess.CreatedAt,
		"updated_at":          sess.UpdatedAt,
	})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	limit, offset := pagination(r)
	messages, err := s.stores.Messages.ListBySession(r.Context(), key, limit, offset)
	if err != nil {
		slog.Error("message list failed", "session", key, "error", err)
		writeError(w, http.StatusInternalServerError, "message list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messageViews(messages)})
}

func (s *Server) handleInboundAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "need envelope id")
		return
	}
	if err := s.stores.Outbox.MarkDelivered(r.Context(), req.ID); err != nil {
		slog.Error("ack failed", "id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "ack failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acked": req.ID})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()
	client.Run(r.Context())
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("ws client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	s.events.Unsubscribe(c.id)
	slog.Info("ws client disconnected", "id", c.id)
}

type messageView struct {
	ID          string           `json:"id"`
	Direction   string           `json:"direction"`
	Channel     string           `json:"channel"`
	PeerID      string           `json:"peer_id,omitempty"`
	Content     string           `json:"content,omitempty"`
	Attachments []bus.Attachment `json:"attachments,omitempty"`
	Status      string           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
}

func messageViews(messages []store.Message) []messageView {
	views := make([]messageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, messageView{
			ID:          m.ID,
			Direction:   m.Direction,
			Channel:     m.Channel,
			PeerID:      m.PeerID,
			Content:     m.Content,
			Attachments: m.Attachments,
			Status:      m.Status,
			CreatedAt:   m.CreatedAt,
		})
	}
	return views
}

func sendErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnknownSession):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, ErrNoRoute):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusBadGateway, err.Error()
	}
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
