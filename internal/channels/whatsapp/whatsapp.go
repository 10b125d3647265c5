// Package whatsapp bridges to a WhatsApp sidecar process over HTTP.
// The sidecar owns the device session; this package only translates
// between its JSON shapes and the bus types.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentping/internal/bus"
	"github.com/nextlevelbuilder/agentping/internal/config"
)

// Channel is the WhatsApp sidecar adapter.
type Channel struct {
	cfg  config.WhatsAppConfig
	http *http.Client
}

func New(cfg config.WhatsAppConfig) *Channel {
	return &Channel{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Channel) Name() string { return "whatsapp" }

type sendRequest struct {
	PeerID      string           `json:"peer_id"`
	Text        string           `json:"text,omitempty"`
	Attachments []bus.Attachment `json:"attachments,omitempty"`
}

// Send forwards the message to the sidecar's /send endpoint.
func (c *Channel) Send(ctx context.Context, route bus.Route, msg bus.OutboundMessage) error {
	body, err := json.Marshal(sendRequest{
		PeerID:      route.PeerID,
		Text:        msg.Text,
		Attachments: msg.Attachments,
	})
	if err != nil {
		return fmt.Errorf("marshal whatsapp send: %w", err)
	}
	url := strings.TrimRight(c.cfg.SidecarURL, "/") + "/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp sidecar send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("whatsapp sidecar send: status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

type inboundPayload struct {
	AccountID   string           `json:"account_id"`
	PeerID      string           `json:"peer_id"`
	PeerKind    string           `json:"peer_kind"`
	MessageID   string           `json:"message_id"`
	SenderName  string           `json:"sender_name"`
	Text        string           `json:"text"`
	Timestamp   int64            `json:"timestamp"`
	Attachments []bus.Attachment `json:"attachments"`
}

// NormalizeInbound converts one sidecar webhook body into an inbound
// message. peer_kind defaults to dm and account_id to default when the
// sidecar omits them.
func NormalizeInbound(raw []byte) (bus.InboundMessage, error) {
	var p inboundPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return bus.InboundMessage{}, fmt.Errorf("decode whatsapp inbound: %w", err)
	}
	if p.PeerID == "" {
		return bus.InboundMessage{}, fmt.Errorf("whatsapp inbound missing peer_id")
	}
	if p.MessageID == "" {
		return bus.InboundMessage{}, fmt.Errorf("whatsapp inbound missing message_id")
	}
	kind := p.PeerKind
	if kind == "" {
		kind = "dm"
	}
	account := p.AccountID
	if account == "" {
		account = "default"
	}
	ts := time.Now()
	if p.Timestamp > 0 {
		ts = time.Unix(p.Timestamp, 0)
	}
	return bus.InboundMessage{
		Channel:     "whatsapp",
		AccountID:   account,
		PeerID:      p.PeerID,
		PeerKind:    kind,
		MessageID:   p.MessageID,
		SenderName:  p.SenderName,
		Text:        p.Text,
		Attachments: p.Attachments,
		Timestamp:   ts,
	}, nil
}
