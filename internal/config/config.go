package config

// Config is the root configuration for the AgentPing gateway.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Database DatabaseConfig `json:"database"`
	Backend  BackendConfig  `json:"backend"`
	Session  SessionConfig  `json:"session"`
	Queue    QueueConfig    `json:"queue"`
	Channels ChannelsConfig `json:"channels"`
	Bindings []Binding      `json:"bindings,omitempty"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// RateLimitRPM limits the authed send API. 0 disables limiting.
	RateLimitRPM int `json:"rate_limit_rpm,omitempty"`
}

// AuthConfig holds the shared API token. Empty token = open access
// (dev mode); the WS connect handshake mirrors the same rule.
type AuthConfig struct {
	Token string `json:"token,omitempty"`
}

// DatabaseConfig selects the persistent store. URL wins when set
// (postgres:// via pgx, anything else treated as a sqlite path);
// otherwise SQLitePath is used.
type DatabaseConfig struct {
	URL        string `json:"url,omitempty"`
	SQLitePath string `json:"sqlite_path"`
}

// BackendConfig points at the single downstream consumer of inbound
// traffic: the webhook the outbox delivers to, and the optional media
// store attachments are rehomed into.
type BackendConfig struct {
	WebhookURL     string `json:"webhook_url,omitempty"`
	MediaUploadURL string `json:"media_upload_url,omitempty"`
	APIToken       string `json:"api_token,omitempty"`
}

// SessionConfig controls session key derivation.
//
// DMScope values: "main", "per-peer", "per-channel-peer",
// "per-account-channel-peer". Unknown values collapse to "main".
// IdentityLinks maps a canonical identity name to its aliases, either
// bare peer ids or channel-scoped "channel:peer" forms.
type SessionConfig struct {
	AgentID       string              `json:"agent_id"`
	DMScope       string              `json:"dm_scope"`
	MainKey       string              `json:"main_key"`
	IdentityLinks map[string][]string `json:"identity_links,omitempty"`
}

// QueueConfig tunes the inbound outbox enqueue.
type QueueConfig struct {
	// DebounceMs delays the first delivery attempt of each enqueued
	// envelope, giving the backend's own collection window room.
	DebounceMs int `json:"debounce_ms"`
}

// ChannelsConfig groups per-platform adapter settings.
type ChannelsConfig struct {
	Slack    SlackConfig    `json:"slack"`
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

// SlackConfig configures the Slack Events API adapter.
type SlackConfig struct {
	Enabled     bool   `json:"enabled"`
	BotToken    string `json:"bot_token,omitempty"`
	WebhookPath string `json:"webhook_path"`
}

// TelegramConfig configures the Telegram long-poll adapter.
type TelegramConfig struct {
	Enabled             bool   `json:"enabled"`
	BotToken            string `json:"bot_token,omitempty"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
}

// WhatsAppConfig configures the WhatsApp sidecar adapter.
type WhatsAppConfig struct {
	Enabled     bool   `json:"enabled"`
	SidecarURL  string `json:"sidecar_url"`
	InboundPath string `json:"inbound_path"`
}

// Binding maps an inbound (channel, account, peer) pattern to tenant
// attributes. Unset AccountID/PeerID act as wildcards.
type Binding struct {
	Channel           string `json:"channel"`
	AccountID         string `json:"account_id,omitempty"`
	PeerID            string `json:"peer_id,omitempty"`
	BusinessProfileID string `json:"business_profile_id,omitempty"`
	UserID            string `json:"user_id,omitempty"`
	AgentID           string `json:"agent_id,omitempty"`
}
