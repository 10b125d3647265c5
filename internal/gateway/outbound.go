package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/agentping/internal/bus"
	"github.com/nextlevelbuilder/agentping/internal/store"
)

var (
	// ErrUnknownSession means the session key has never been seen.
	ErrUnknownSession = errors.New("gateway: unknown session")
	// ErrNoRoute means the session exists but has no reply route and
	// the request named no explicit channel.
	ErrNoRoute = errors.New("gateway: session has no route")
	// ErrBadRequest covers requests that name a channel without a peer
	// or neither a session nor a channel.
	ErrBadRequest = errors.New("gateway: invalid send request")
)

// SendOutbound resolves the route, persists the outbound message, and
// dispatches it. An explicit channel on the request wins over the
// session's last route. The message row is written before dispatch so
// a crash mid-send never loses the record.
func (e *Engine) SendOutbound(ctx context.Context, msg bus.OutboundMessage) (*store.Message, error) {
	route, err := e.resolveRoute(ctx, msg)
	if err != nil {
		return nil, err
	}

	record := &store.Message{
		SessionKey:  msg.SessionKey,
		Direction:   store.DirectionOutbound,
		Channel:     route.Channel,
		AccountID:   route.AccountID,
		PeerID:      route.PeerID,
		Content:     msg.Text,
		Attachments: msg.Attachments,
		Status:      store.MessageQueued,
	}
	if err := e.stores.Messages.Insert(ctx, record); err != nil {
		return nil, fmt.Errorf("persist outbound: %w", err)
	}

	ch, err := e.registry.Get(route.Channel)
	if err != nil {
		e.publishOutbound(record, err)
		return record, err
	}
	if err := ch.Send(ctx, route, msg); err != nil {
		e.publishOutbound(record, err)
		return record, fmt.Errorf("dispatch to %s: %w", route.Channel, err)
	}
	e.publishOutbound(record, nil)
	slog.Info("outbound message sent",
		"channel", route.Channel, "peer", route.PeerID, "session", msg.SessionKey)
	return record, nil
}

func (e *Engine) resolveRoute(ctx context.Context, msg bus.OutboundMessage) (bus.Route, error) {
	if msg.Channel != "" {
		if msg.PeerID == "" {
			return bus.Route{}, fmt.Errorf("%w: channel %q without peer_id", ErrBadRequest, msg.Channel)
		}
		return bus.Route{Channel: msg.Channel, AccountID: msg.AccountID, PeerID: msg.PeerID}, nil
	}
	if msg.SessionKey == "" {
		return bus.Route{}, fmt.Errorf("%w: need session_key or channel", ErrBadRequest)
	}
	sess, err := e.stores.Sessions.Get(ctx, msg.SessionKey)
	if err != nil {
		return bus.Route{}, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return bus.Route{}, ErrUnknownSession
	}
	if sess.LastRoute == nil {
		return bus.Route{}, ErrNoRoute
	}
	return *sess.LastRoute, nil
}

// publishOutbound puts the dispatch outcome on the event feed. The
// stored row keeps its insert-time status; message rows are immutable
// once written.
func (e *Engine) publishOutbound(record *store.Message, sendErr error) {
	if sendErr != nil {
		e.events.Broadcast(bus.Event{Name: "status", Payload: map[string]any{
			"direction":   store.DirectionOutbound,
			"message_id":  record.ID,
			"session_key": record.SessionKey,
			"channel":     record.Channel,
			"peer_id":     record.PeerID,
			"status":      store.MessageFailed,
			"error":       sendErr.Error(),
		}})
		return
	}
	e.events.Broadcast(bus.Event{Name: "chat", Payload: map[string]any{
		"direction": store.DirectionOutbound,
		"message":   record,
	}})
}
