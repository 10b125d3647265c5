package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentping/internal/bus"
	"github.com/nextlevelbuilder/agentping/pkg/protocol"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Client is one WebSocket subscriber. Events are only forwarded after
// a successful connect handshake; an unauthorized socket can sit open
// but sees nothing.
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	out  chan protocol.Event
	once sync.Once
	done chan struct{}

	mu         sync.Mutex
	authorized bool
	allowed    map[string]bool // nil = all events
	subscribed bool
}

func NewClient(conn *websocket.Conn, srv *Server) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		srv:  srv,
		out:  make(chan protocol.Event, 32),
		done: make(chan struct{}),
	}
}

// Run processes the connection until it drops. It owns the read loop;
// writes are funneled through a single writer goroutine.
func (c *Client) Run(ctx context.Context) {
	go c.writeLoop()

	// Open access when no token is configured.
	if c.srv.cfg.Auth.Token == "" {
		c.authorize()
	}

	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := protocol.ParseCommand(data)
		if err != nil {
			c.send(protocol.Event{Event: protocol.EventStatus,
				Payload: map[string]string{"error": "bad command frame"}})
			continue
		}
		if !c.handleCommand(ctx, cmd) {
			return
		}
	}
}

// handleCommand returns false when the connection should close.
func (c *Client) handleCommand(ctx context.Context, cmd protocol.Command) bool {
	switch cmd.Type {
	case protocol.CommandConnect:
		if c.srv.cfg.Auth.Token != "" && cmd.Token != c.srv.cfg.Auth.Token {
			slog.Warn("ws connect rejected", "id", c.id)
			c.send(protocol.Event{Event: protocol.EventStatus,
				Payload: map[string]string{"error": "invalid token"}})
			return false
		}
		c.authorize()
		c.send(protocol.Event{Event: protocol.EventPresence,
			Payload: map[string]string{"status": "connected", "client_id": c.id}})
	case protocol.CommandSubscribe:
		c.setAllowed(cmd.Events)
		c.send(protocol.Event{Event: protocol.EventPresence,
			Payload: map[string]any{"status": "subscribed", "events": cmd.Events}})
	case protocol.CommandPing:
		status, err := c.srv.engine.Status(ctx)
		if err != nil {
			c.send(protocol.Event{Event: protocol.EventHealth,
				Payload: map[string]string{"status": "degraded", "error": err.Error()}})
			return true
		}
		c.send(protocol.Event{Event: protocol.EventHealth, Payload: status})
	default:
		c.send(protocol.Event{Event: protocol.EventStatus,
			Payload: map[string]string{"error": "unknown command: " + cmd.Type}})
	}
	return true
}

// authorize starts forwarding bus events. Idempotent.
func (c *Client) authorize() {
	c.mu.Lock()
	if c.authorized {
		c.mu.Unlock()
		return
	}
	c.authorized = true
	c.mu.Unlock()

	sub := c.srv.events.Subscribe(c.id)
	go c.forward(sub)
}

func (c *Client) forward(sub *bus.Subscription) {
	for event := range sub.C {
		if missed := sub.Gap(); missed > 0 {
			c.send(protocol.Event{Event: protocol.EventGap,
				Payload: map[string]int64{"missed": missed}})
		}
		if !c.wants(event.Name) {
			continue
		}
		c.send(protocol.Event{Event: event.Name, Payload: event.Payload})
	}
}

func (c *Client) setAllowed(events []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = true
	if events == nil {
		c.allowed = nil
		return
	}
	c.allowed = make(map[string]bool, len(events))
	for _, name := range events {
		c.allowed[name] = true
	}
}

func (c *Client) wants(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.subscribed || c.allowed == nil {
		return true
	}
	return c.allowed[name]
}

// send queues an event, dropping it when the writer is backed up.
func (c *Client) send(event protocol.Event) {
	select {
	case <-c.done:
	case c.out <- event:
	default:
		slog.Debug("ws client send buffer full, dropping", "id", c.id, "event", event.Event)
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case event := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
