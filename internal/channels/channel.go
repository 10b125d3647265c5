// Package channels provides the channel abstraction layer for
// multi-platform messaging. Channels normalize platform payloads into
// bus.InboundMessage values and deliver bus.OutboundMessage values back
// to the platform.
package channels

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/agentping/internal/bus"
)

// InboundHandler processes one normalized inbound message. Channels
// that poll must not advance their cursor until the handler returns
// nil, so a crash replays the message instead of dropping it.
type InboundHandler func(ctx context.Context, msg bus.InboundMessage) error

// Channel is a connected messaging platform.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram", "slack").
	Name() string

	// Send delivers an outbound message to the given route.
	Send(ctx context.Context, route bus.Route, msg bus.OutboundMessage) error
}

// Poller is implemented by channels that pull updates themselves
// instead of receiving webhooks. Run blocks until ctx is done.
type Poller interface {
	Run(ctx context.Context) error
}

// AttachmentFetcher resolves channel-scheme attachment URLs
// (e.g. telegram://file/{id}) to their bytes.
type AttachmentFetcher interface {
	// Fetch returns the attachment content and its reported MIME type.
	// The caller closes the reader.
	Fetch(ctx context.Context, url string) (io.ReadCloser, string, error)
}

// Registry holds the enabled channels keyed by name.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
}

// Get returns the named channel or an error listing what is enabled.
func (r *Registry) Get(name string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("channel %q not enabled (have %v)", name, r.names())
	}
	return ch, nil
}

// Fetcher returns the named channel's attachment fetcher, or nil when
// the channel does not resolve its own attachment URLs.
func (r *Registry) Fetcher(name string) AttachmentFetcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.channels[name].(AttachmentFetcher); ok {
		return f
	}
	return nil
}

// Names returns the registered channel names sorted for stable output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
