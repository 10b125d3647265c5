// Package telegram connects to the Telegram Bot API using long
// polling. The update offset is only advanced after a message has been
// handed to the inbound pipeline, so a crash replays updates instead
// of losing them.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/agentping/internal/bus"
	"github.com/nextlevelbuilder/agentping/internal/channels"
	"github.com/nextlevelbuilder/agentping/internal/config"
)

const longPollTimeout = 30 // seconds, Telegram-side hold on GetUpdates

// Channel is the Telegram adapter.
type Channel struct {
	bot     *telego.Bot
	cfg     config.TelegramConfig
	handler channels.InboundHandler
	offset  int
}

// New creates the Telegram channel. The handler receives every
// normalized message from the poll loop.
func New(cfg config.TelegramConfig, handler channels.InboundHandler) (*Channel, error) {
	bot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{bot: bot, cfg: cfg, handler: handler}, nil
}

func (c *Channel) Name() string { return "telegram" }

// Run polls GetUpdates until ctx is done. Each update's offset is
// committed only after its message clears the handler, so handler
// failures cause the same update to be fetched again.
func (c *Channel) Run(ctx context.Context) error {
	slog.Info("starting telegram poller")
	retryDelay := time.Duration(c.cfg.PollIntervalSeconds) * time.Second
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
			Offset:         c.offset,
			Timeout:        longPollTimeout,
			AllowedUpdates: []string{"message"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("telegram poll failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
			continue
		}
		for _, update := range updates {
			msg, ok := parseUpdate(update)
			if ok {
				if err := c.handler(ctx, msg); err != nil {
					slog.Warn("telegram inbound failed, will refetch",
						"update_id", update.UpdateID, "error", err)
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(retryDelay):
					}
					break
				}
			}
			c.offset = update.UpdateID + 1
		}
	}
}

// Send delivers text and attachments to the chat named by the route.
func (c *Channel) Send(ctx context.Context, route bus.Route, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(route.PeerID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram peer id %q: %w", route.PeerID, err)
	}
	if msg.Text != "" {
		params := tu.Message(tu.ID(chatID), msg.Text)
		if msg.ReplyTo != "" {
			if replyID, rerr := strconv.Atoi(msg.ReplyTo); rerr == nil {
				params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
			}
		}
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram send message: %w", err)
		}
	}
	for _, att := range msg.Attachments {
		params := tu.Document(tu.ID(chatID), tu.FileFromURL(att.URL))
		if att.Filename != "" {
			params.Caption = att.Filename
		}
		if _, err := c.bot.SendDocument(ctx, params); err != nil {
			return fmt.Errorf("telegram send document: %w", err)
		}
	}
	return nil
}
