package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentping/internal/bus"
	"github.com/nextlevelbuilder/agentping/internal/routing"
	"github.com/nextlevelbuilder/agentping/internal/sessions"
	"github.com/nextlevelbuilder/agentping/internal/store"
)

// Envelope is the webhook body delivered to the backend for each
// inbound message.
type Envelope struct {
	InboundID         string             `json:"inbound_id"`
	SessionKey        string             `json:"session_key"`
	AgentID           string             `json:"agent_id"`
	BusinessProfileID string             `json:"business_profile_id,omitempty"`
	UserID            string             `json:"user_id,omitempty"`
	Message           bus.InboundMessage `json:"message"`
}

// HandleInbound runs the inbound pipeline for one normalized message:
// derive the session key, upsert the session, dedupe, rehome media,
// persist, enqueue the webhook envelope, and broadcast the chat event.
// A non-nil return means nothing durable happened and the caller may
// redeliver the same message safely.
func (e *Engine) HandleInbound(ctx context.Context, msg bus.InboundMessage) error {
	if msg.InboundID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("inbound id: %w", err)
		}
		msg.InboundID = id.String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	sessionKey := sessions.BuildKey(e.cfg.Session,
		msg.Channel, msg.AccountID, msg.PeerKind, msg.PeerID, msg.ThreadID)
	match := routing.ResolveBinding(e.cfg.Bindings, msg.Channel, msg.AccountID, msg.PeerID)

	agentID := match.AgentID
	if agentID == "" {
		agentID = e.cfg.Session.AgentID
	}

	// The session is refreshed before dedupe so the reply route stays
	// current even for redelivered messages.
	sess := &store.Session{
		SessionKey:        sessionKey,
		AgentID:           agentID,
		BusinessProfileID: match.BusinessProfileID,
		UserID:            match.UserID,
		DMScope:           e.cfg.Session.DMScope,
		IdentityLinks:     e.cfg.Session.IdentityLinks,
		LastRoute: &bus.Route{
			Channel:   msg.Channel,
			AccountID: msg.AccountID,
			PeerID:    msg.PeerID,
			ThreadID:  msg.ThreadID,
		},
	}
	if err := e.stores.Sessions.Upsert(ctx, sess); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	dedupeKey := ""
	if msg.MessageID != "" {
		dedupeKey = fmt.Sprintf("%s:%s:%s", msg.Channel, msg.PeerID, msg.MessageID)
		seen, err := e.stores.Messages.DedupeExists(ctx, dedupeKey)
		if err != nil {
			return fmt.Errorf("dedupe lookup: %w", err)
		}
		if seen {
			slog.Debug("duplicate message dropped",
				"channel", msg.Channel, "peer", msg.PeerID, "message_id", msg.MessageID)
			return nil
		}
	}

	if e.rehomer != nil && len(msg.Attachments) > 0 {
		msg.Attachments = e.rehomer.Rehome(ctx, msg.Channel, sessionKey, msg.Attachments)
	}

	record := &store.Message{
		ID:          msg.InboundID,
		SessionKey:  sessionKey,
		Direction:   store.DirectionInbound,
		Channel:     msg.Channel,
		AccountID:   msg.AccountID,
		PeerID:      msg.PeerID,
		Content:     msg.Text,
		Attachments: msg.Attachments,
		Status:      store.MessageReceived,
		DedupeKey:   dedupeKey,
		CreatedAt:   msg.Timestamp,
	}
	if err := e.stores.Messages.Insert(ctx, record); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			// Lost the race against a concurrent delivery of the same
			// platform message. The winner owns the rest of the pipeline.
			slog.Debug("duplicate message dropped on insert", "dedupe_key", dedupeKey)
			return nil
		}
		return fmt.Errorf("insert message: %w", err)
	}

	envelope := Envelope{
		InboundID:         msg.InboundID,
		SessionKey:        sessionKey,
		AgentID:           agentID,
		BusinessProfileID: match.BusinessProfileID,
		UserID:            match.UserID,
		Message:           msg,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := e.stores.Outbox.Enqueue(ctx, payload, time.Now().Add(e.debounce)); err != nil {
		return fmt.Errorf("enqueue envelope: %w", err)
	}

	e.events.Broadcast(bus.Event{Name: "chat", Payload: map[string]any{
		"direction": store.DirectionInbound,
		"message":   record,
	}})

	slog.Info("inbound message accepted",
		"channel", msg.Channel,
		"peer", msg.PeerID,
		"session", sessionKey,
		"attachments", len(msg.Attachments))
	return nil
}
