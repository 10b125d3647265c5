// Package store defines the persistence records and interfaces for
// sessions, messages, and the durable outbox.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nextlevelbuilder/agentping/internal/bus"
)

// Message direction values.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message status values.
const (
	MessageReceived = "received"
	MessageQueued   = "queued"
	MessageSent     = "sent"
	MessageFailed   = "failed"
)

// Outbox status values.
const (
	OutboxPending   = "pending"
	OutboxSending   = "sending"
	OutboxDelivered = "delivered"
	OutboxFailed    = "failed"
)

// ErrDuplicateMessage is returned by MessageStore.Insert when a message
// with the same dedupe key has already been stored.
var ErrDuplicateMessage = errors.New("store: duplicate message")

// Session is one conversation context keyed by its derived session key.
type Session struct {
	SessionKey        string
	AgentID           string
	BusinessProfileID string
	UserID            string
	DMScope           string
	IdentityLinks     map[string][]string
	LastRoute         *bus.Route
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Message is a persisted inbound or outbound chat message.
type Message struct {
	ID          string
	SessionKey  string
	Direction   string
	Channel     string
	AccountID   string
	PeerID      string
	Content     string
	Attachments []bus.Attachment
	Status      string
	DedupeKey   string
	CreatedAt   time.Time
}

// OutboxItem is one webhook delivery owed to the agent backend.
type OutboxItem struct {
	ID            string
	Payload       json.RawMessage
	Status        string
	RetryCount    int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}

type SessionStore interface {
	// Upsert inserts the session or, when the key exists, refreshes
	// every column except created_at.
	Upsert(ctx context.Context, s *Session) error
	// Get returns nil, nil when the key is unknown.
	Get(ctx context.Context, sessionKey string) (*Session, error)
	List(ctx context.Context, limit, offset int) ([]Session, error)
	Count(ctx context.Context) (int64, error)
}

// MessageStore is append-only. Message rows are immutable once
// written; dispatch and delivery outcomes travel on the event feed
// and the outbox, never as row updates.
type MessageStore interface {
	// Insert stores the message, returning ErrDuplicateMessage when the
	// dedupe key is already present.
	Insert(ctx context.Context, m *Message) error
	DedupeExists(ctx context.Context, dedupeKey string) (bool, error)
	ListBySession(ctx context.Context, sessionKey string, limit, offset int) ([]Message, error)
	Count(ctx context.Context) (int64, error)
}

type OutboxStore interface {
	Enqueue(ctx context.Context, payload json.RawMessage, nextAttempt time.Time) (*OutboxItem, error)
	// ClaimBatch selects due pending/failed items oldest first, flips
	// them to sending, and clears last_error. Claimed items are not
	// returned to later callers.
	ClaimBatch(ctx context.Context, now time.Time, limit int) ([]OutboxItem, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, retryCount int, nextAttempt time.Time, lastError string) error
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Stores bundles the three store interfaces for injection.
type Stores struct {
	Sessions SessionStore
	Messages MessageStore
	Outbox   OutboxStore
}
