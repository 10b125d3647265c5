// Package gateway glues the channel adapters, the stores, and the
// event bus together: the inbound pipeline, outbound dispatch, and the
// HTTP/WebSocket surface.
package gateway

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/agentping/internal/bus"
	"github.com/nextlevelbuilder/agentping/internal/channels"
	"github.com/nextlevelbuilder/agentping/internal/config"
	"github.com/nextlevelbuilder/agentping/internal/store"
)

// Engine runs the message pipelines.
type Engine struct {
	cfg      *config.Config
	stores   *store.Stores
	registry *channels.Registry
	events   bus.EventPublisher
	rehomer  *Rehomer
	debounce time.Duration
}

// NewEngine wires the pipelines. Media rehoming is active only when a
// media upload URL is configured.
func NewEngine(cfg *config.Config, stores *store.Stores, registry *channels.Registry, events bus.EventPublisher) *Engine {
	e := &Engine{
		cfg:      cfg,
		stores:   stores,
		registry: registry,
		events:   events,
		debounce: time.Duration(cfg.Queue.DebounceMs) * time.Millisecond,
	}
	if cfg.Backend.MediaUploadURL != "" {
		e.rehomer = NewRehomer(cfg.Backend.MediaUploadURL, cfg.Backend.APIToken, registry)
	}
	return e
}

// Status is the snapshot served by /v1/status.
type Status struct {
	Sessions int64            `json:"sessions"`
	Messages int64            `json:"messages"`
	Outbox   map[string]int64 `json:"outbox"`
	Channels []string         `json:"channels"`
}

func (e *Engine) Status(ctx context.Context) (*Status, error) {
	sessions, err := e.stores.Sessions.Count(ctx)
	if err != nil {
		return nil, err
	}
	messages, err := e.stores.Messages.Count(ctx)
	if err != nil {
		return nil, err
	}
	outbox, err := e.stores.Outbox.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Sessions: sessions,
		Messages: messages,
		Outbox:   outbox,
		Channels: e.registry.Names(),
	}, nil
}
