package bus

import "time"

// Attachment is a media reference carried with a message. It is a value
// type: rehoming copies it with a replacement URL rather than mutating.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// InboundMessage is the canonical form every channel adapter normalizes
// its platform payload into before it enters the inbound pipeline.
// The core never inspects platform-specific shapes.
type InboundMessage struct {
	InboundID   string       `json:"inbound_id"`
	Channel     string       `json:"channel"`
	AccountID   string       `json:"account_id,omitempty"`
	PeerID      string       `json:"peer_id"`
	PeerKind    string       `json:"peer_kind"`
	ThreadID    string       `json:"thread_id,omitempty"`
	MessageID   string       `json:"message_id,omitempty"`
	SenderName  string       `json:"sender_name,omitempty"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// OutboundMessage is a send request addressed either explicitly
// (Channel/AccountID/PeerID set) or via the session's last route.
type OutboundMessage struct {
	SessionKey  string       `json:"session_key"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Channel     string       `json:"channel,omitempty"`
	AccountID   string       `json:"account_id,omitempty"`
	PeerID      string       `json:"peer_id,omitempty"`
	ReplyTo     string       `json:"reply_to,omitempty"`
}

// Route identifies where a message came from or should go back to.
type Route struct {
	Channel   string `json:"channel"`
	AccountID string `json:"account_id,omitempty"`
	PeerID    string `json:"peer_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// Event is a server-side event broadcast to live subscribers.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// EventPublisher abstracts event broadcast + subscription.
// Pipelines publish through it; the WS server subscribes per client.
type EventPublisher interface {
	Subscribe(id string) *Subscription
	Unsubscribe(id string)
	Broadcast(event Event)
}
