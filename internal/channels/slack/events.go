package slack

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentping/internal/bus"
)

// EventResult is the outcome of parsing one Events API request body.
// Exactly one of Challenge or Message is set; both empty means the
// event is acknowledged and ignored.
type EventResult struct {
	Challenge string
	Message   *bus.InboundMessage
}

type eventEnvelope struct {
	Type      string     `json:"type"`
	Challenge string     `json:"challenge"`
	TeamID    string     `json:"team_id"`
	Event     innerEvent `json:"event"`
}

type innerEvent struct {
	Type     string      `json:"type"`
	SubType  string      `json:"subtype"`
	BotID    string      `json:"bot_id"`
	User     string      `json:"user"`
	Channel  string      `json:"channel"`
	Text     string      `json:"text"`
	TS       string      `json:"ts"`
	ThreadTS string      `json:"thread_ts"`
	Files    []eventFile `json:"files"`
}

type eventFile struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Mimetype           string `json:"mimetype"`
	Size               int64  `json:"size"`
	URLPrivate         string `json:"url_private"`
	URLPrivateDownload string `json:"url_private_download"`
}

func (f eventFile) downloadURL() string {
	if f.URLPrivateDownload != "" {
		return f.URLPrivateDownload
	}
	return f.URLPrivate
}

// ParseEvent normalizes an Events API callback. url_verification
// returns the challenge to echo back; message events from humans
// become inbound messages; everything else (bot echos, edits, joins)
// is dropped.
func ParseEvent(raw []byte) (EventResult, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return EventResult{}, fmt.Errorf("decode slack event: %w", err)
	}
	switch env.Type {
	case "url_verification":
		return EventResult{Challenge: env.Challenge}, nil
	case "event_callback":
	default:
		return EventResult{}, nil
	}
	ev := env.Event
	if ev.Type != "message" || ev.SubType != "" || ev.BotID != "" {
		return EventResult{}, nil
	}

	peerKind := "group"
	switch {
	case strings.HasPrefix(ev.Channel, "D"):
		peerKind = "dm"
	case strings.HasPrefix(ev.Channel, "C"):
		peerKind = "channel"
	}

	accountID := env.TeamID
	if accountID == "" {
		accountID = "default"
	}

	threadID := ""
	if ev.ThreadTS != "" && ev.ThreadTS != ev.TS {
		threadID = ev.ThreadTS
	}

	var attachments []bus.Attachment
	for _, f := range ev.Files {
		url := f.downloadURL()
		if url == "" {
			continue
		}
		attachments = append(attachments, bus.Attachment{
			ID:       f.ID,
			URL:      url,
			MimeType: f.Mimetype,
			Filename: f.Name,
			Size:     f.Size,
		})
	}

	msg := &bus.InboundMessage{
		Channel:     "slack",
		AccountID:   accountID,
		PeerID:      ev.Channel,
		PeerKind:    peerKind,
		ThreadID:    threadID,
		MessageID:   ev.TS,
		SenderName:  ev.User,
		Text:        ev.Text,
		Attachments: attachments,
		Timestamp:   tsToTime(ev.TS),
	}
	return EventResult{Message: msg}, nil
}

// tsToTime converts a Slack "1700000000.000200" timestamp. A bad
// timestamp falls back to now rather than failing the event.
func tsToTime(ts string) time.Time {
	sec := ts
	if idx := strings.IndexByte(ts, '.'); idx >= 0 {
		sec = ts[:idx]
	}
	n, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.Unix(n, 0)
}
