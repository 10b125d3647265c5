// Package slack connects to Slack through the Events API for inbound
// messages and the Web API for outbound delivery.
package slack

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	goslack "github.com/slack-go/slack"

	"github.com/nextlevelbuilder/agentping/internal/bus"
	"github.com/nextlevelbuilder/agentping/internal/config"
)

// Channel is the Slack adapter.
type Channel struct {
	client *goslack.Client
	cfg    config.SlackConfig
	http   *http.Client
}

func New(cfg config.SlackConfig) *Channel {
	return &Channel{
		client: goslack.New(cfg.BotToken),
		cfg:    cfg,
		http:   http.DefaultClient,
	}
}

func (c *Channel) Name() string { return "slack" }

// Send posts text to the route's conversation and uploads any
// attachments. The route thread, when set, keeps replies in-thread.
func (c *Channel) Send(ctx context.Context, route bus.Route, msg bus.OutboundMessage) error {
	threadTS := route.ThreadID
	if msg.ReplyTo != "" {
		threadTS = msg.ReplyTo
	}
	if msg.Text != "" {
		opts := []goslack.MsgOption{goslack.MsgOptionText(msg.Text, false)}
		if threadTS != "" {
			opts = append(opts, goslack.MsgOptionTS(threadTS))
		}
		if _, _, err := c.client.PostMessageContext(ctx, route.PeerID, opts...); err != nil {
			return fmt.Errorf("slack post message: %w", err)
		}
	}
	for _, att := range msg.Attachments {
		if err := c.uploadAttachment(ctx, route.PeerID, threadTS, att); err != nil {
			return fmt.Errorf("slack upload %s: %w", att.Filename, err)
		}
	}
	return nil
}

func (c *Channel) uploadAttachment(ctx context.Context, channelID, threadTS string, att bus.Attachment) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch attachment: status %d", resp.StatusCode)
	}
	// Slack's upload API needs the exact size up front.
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return err
	}
	name := att.Filename
	if name == "" {
		name = "attachment"
	}
	_, err = c.client.UploadFileV2Context(ctx, goslack.UploadFileV2Parameters{
		Channel:         channelID,
		Reader:          &buf,
		Filename:        name,
		FileSize:        buf.Len(),
		ThreadTimestamp: threadTS,
	})
	return err
}

// Fetch downloads a Slack private file URL using the bot token.
func (c *Channel) Fetch(ctx context.Context, url string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.BotToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("slack file download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("slack file download: status %d", resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}
