package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8091,
		},
		Database: DatabaseConfig{
			SQLitePath: "~/.agentping/state.db",
		},
		Session: SessionConfig{
			AgentID: "main",
			DMScope: "main",
			MainKey: "main",
		},
		Queue: QueueConfig{
			DebounceMs: 1000,
		},
		Channels: ChannelsConfig{
			Slack: SlackConfig{
				WebhookPath: "/v1/channels/slack/events",
			},
			Telegram: TelegramConfig{
				PollIntervalSeconds: 2,
			},
			WhatsApp: WhatsAppConfig{
				SidecarURL:  "http://127.0.0.1:4040",
				InboundPath: "/v1/channels/whatsapp/inbound",
			},
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	envStr("AGENTPING_TOKEN", &c.Auth.Token)
	envStr("AGENTPING_DATABASE_URL", &c.Database.URL)
	envStr("AGENTPING_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("AGENTPING_BACKEND_WEBHOOK_URL", &c.Backend.WebhookURL)
	envStr("AGENTPING_BACKEND_MEDIA_UPLOAD_URL", &c.Backend.MediaUploadURL)
	envStr("AGENTPING_BACKEND_TOKEN", &c.Backend.APIToken)
	envStr("AGENTPING_TELEGRAM_BOT_TOKEN", &c.Channels.Telegram.BotToken)
	envStr("AGENTPING_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
}

// ExpandHome expands a leading ~/ to the user home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// ResolveDatabaseURL returns the DSN the store should open. An explicit
// database.url wins; otherwise the sqlite path is used (parent directory
// created on demand).
func (c *Config) ResolveDatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	path := ExpandHome(c.Database.SQLitePath)
	if dir := filepath.Dir(path); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	return path
}
