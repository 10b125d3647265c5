// Package sessions derives deterministic session keys.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on peer kind and the configured dm_scope:
//
//	DM, scope main:                    {mainKey}
//	DM, scope per-peer:                dm:{peer}
//	DM, scope per-channel-peer:        {channel}:dm:{peer}
//	DM, scope per-account-channel-peer: {channel}:{account}:dm:{peer}
//	Non-DM:                            {channel}:{peerKind}:{peer}[:thread:{thread}]
//
// Examples:
//
//	agent:myagent:dm:u123
//	agent:myagent:whatsapp:biz123:dm:wa789
//	agent:myagent:slack:thread:u456:thread:ts789
//
// Derivation is a pure function of its inputs: identical inputs always
// yield the same key, which is what makes conversation addressing
// idempotent across redeliveries.
package sessions

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agentping/internal/config"
)

// PeerKindDM marks direct-message conversations. Any other peer kind
// ("group", "channel", "thread", ...) uses the full non-DM key shape.
const PeerKindDM = "dm"

// Normalize canonicalizes a key token: trim whitespace, lowercase.
func Normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// BuildKey derives the session key for one inbound route. Malformed or
// empty inputs degrade to empty segments rather than erroring.
func BuildKey(cfg config.SessionConfig, channel, accountID, peerKind, peerID, threadID string) string {
	agentID := Normalize(cfg.AgentID)
	channel = Normalize(channel)
	peerID = Normalize(peerID)

	account := Normalize(accountID)
	if account == "" {
		account = "default"
	}

	if peerKind == PeerKindDM {
		keyPeer := peerID
		if cfg.DMScope != "main" && len(cfg.IdentityLinks) > 0 {
			if canonical, ok := ResolveIdentityLink(cfg.IdentityLinks, channel, peerID); ok {
				keyPeer = canonical
			}
		}
		switch cfg.DMScope {
		case "per-peer":
			return fmt.Sprintf("agent:%s:dm:%s", agentID, keyPeer)
		case "per-channel-peer":
			return fmt.Sprintf("agent:%s:%s:dm:%s", agentID, channel, keyPeer)
		case "per-account-channel-peer":
			return fmt.Sprintf("agent:%s:%s:%s:dm:%s", agentID, channel, account, keyPeer)
		default: // "main" or unknown
			return fmt.Sprintf("agent:%s:%s", agentID, Normalize(cfg.MainKey))
		}
	}

	key := fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, peerKind, peerID)
	if thread := Normalize(threadID); thread != "" {
		key += ":thread:" + thread
	}
	return key
}
