package telegram

import (
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/agentping/internal/bus"
)

// parseUpdate normalizes a Telegram update into an inbound message.
// Updates without a message payload report ok=false and are skipped.
func parseUpdate(update telego.Update) (bus.InboundMessage, bool) {
	tm := update.Message
	if tm == nil {
		return bus.InboundMessage{}, false
	}

	peerKind := "group"
	switch tm.Chat.Type {
	case telego.ChatTypePrivate:
		peerKind = "dm"
	case telego.ChatTypeChannel:
		peerKind = "channel"
	}

	text := tm.Text
	if text == "" {
		text = tm.Caption
	}

	senderName := ""
	if tm.From != nil {
		senderName = tm.From.Username
		if senderName == "" {
			senderName = tm.From.FirstName
		}
	}

	threadID := ""
	if tm.MessageThreadID != 0 {
		threadID = strconv.Itoa(tm.MessageThreadID)
	}

	msg := bus.InboundMessage{
		Channel:     "telegram",
		AccountID:   "default",
		PeerID:      strconv.FormatInt(tm.Chat.ID, 10),
		PeerKind:    peerKind,
		ThreadID:    threadID,
		MessageID:   strconv.Itoa(tm.MessageID),
		SenderName:  senderName,
		Text:        text,
		Attachments: parseAttachments(tm),
		Timestamp:   time.Unix(tm.Date, 0),
	}
	return msg, true
}

// parseAttachments keeps only the largest photo size, since Telegram
// sends every thumbnail variant in the same message.
func parseAttachments(tm *telego.Message) []bus.Attachment {
	var out []bus.Attachment
	if len(tm.Photo) > 0 {
		largest := tm.Photo[len(tm.Photo)-1]
		out = append(out, bus.Attachment{
			ID:       largest.FileID,
			URL:      "telegram://file/" + largest.FileID,
			MimeType: "image/jpeg",
			Size:     int64(largest.FileSize),
		})
	}
	if tm.Document != nil {
		out = append(out, bus.Attachment{
			ID:       tm.Document.FileID,
			URL:      "telegram://file/" + tm.Document.FileID,
			MimeType: tm.Document.MimeType,
			Filename: tm.Document.FileName,
			Size:     tm.Document.FileSize,
		})
	}
	return out
}
