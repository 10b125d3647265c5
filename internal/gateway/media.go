package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentping/internal/bus"
	"github.com/nextlevelbuilder/agentping/internal/channels"
)

// Rehomer copies channel-hosted attachments into the backend's media
// store so their URLs outlive the platform's short-lived links.
type Rehomer struct {
	uploadURL string
	token     string
	registry  *channels.Registry
	http      *http.Client
}

func NewRehomer(uploadURL, token string, registry *channels.Registry) *Rehomer {
	return &Rehomer{
		uploadURL: uploadURL,
		token:     token,
		registry:  registry,
		http:      &http.Client{Timeout: 60 * time.Second},
	}
}

// Rehome uploads each attachment and swaps its URL for the stored one.
// A failed item keeps its original URL; one bad attachment never blocks
// the message.
func (r *Rehomer) Rehome(ctx context.Context, channel, sessionKey string, atts []bus.Attachment) []bus.Attachment {
	out := make([]bus.Attachment, len(atts))
	for i, att := range atts {
		out[i] = att
		url, err := r.rehomeOne(ctx, channel, sessionKey, att)
		if err != nil {
			slog.Warn("attachment rehome failed, keeping original url",
				"channel", channel, "url", att.URL, "error", err)
			continue
		}
		out[i].URL = url
	}
	return out
}

func (r *Rehomer) rehomeOne(ctx context.Context, channel, sessionKey string, att bus.Attachment) (string, error) {
	body, mimeType, err := r.open(ctx, channel, att)
	if err != nil {
		return "", err
	}
	defer body.Close()
	if mimeType == "" {
		mimeType = att.MimeType
	}
	return r.upload(ctx, channel, sessionKey, att, mimeType, body)
}

// open resolves the attachment bytes, preferring the channel's own
// fetcher for its private URL schemes (telegram://file/...).
func (r *Rehomer) open(ctx context.Context, channel string, att bus.Attachment) (io.ReadCloser, string, error) {
	if !strings.HasPrefix(att.URL, "http://") && !strings.HasPrefix(att.URL, "https://") {
		if fetcher := r.registry.Fetcher(channel); fetcher != nil {
			return fetcher.Fetch(ctx, att.URL)
		}
		return nil, "", fmt.Errorf("no fetcher for %s url %s", channel, att.URL)
	}
	if fetcher := r.registry.Fetcher(channel); fetcher != nil {
		// Channels like Slack need their token even on https URLs.
		return fetcher.Fetch(ctx, att.URL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("fetch attachment: status %d", resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (r *Rehomer) upload(ctx context.Context, channel, sessionKey string, att bus.Attachment, mimeType string, content io.Reader) (string, error) {
	filename := att.Filename
	if filename == "" {
		filename = "attachment"
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", err
	}
	// The media store files the blob under the originating chat.
	if err := mw.WriteField("channel", channel); err != nil {
		return "", err
	}
	if err := mw.WriteField("session_key", sessionKey); err != nil {
		return "", err
	}
	if att.ID != "" {
		if err := mw.WriteField("source_id", att.ID); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.uploadURL, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if mimeType != "" {
		req.Header.Set("X-Media-Mime-Type", mimeType)
	}
	if r.token != "" {
		req.Header.Set("X-Agent-Ping-Token", r.token)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("media upload: status %d", resp.StatusCode)
	}
	var result struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("media upload response: %w", err)
	}
	if result.URL == "" {
		return "", fmt.Errorf("media upload response missing url")
	}
	return result.URL, nil
}
