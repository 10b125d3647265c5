// Package routing resolves inbound traffic to configured tenant
// bindings.
package routing

import "github.com/nextlevelbuilder/agentping/internal/config"

// Match carries the tenant attributes of the winning binding. Any or
// all fields may be empty when no binding (or only a partial one)
// matched.
type Match struct {
	BusinessProfileID string
	UserID            string
	AgentID           string
}

// ResolveBinding picks the most specific binding for an inbound
// (channel, account, peer). Bindings with unset account/peer fields act
// as wildcards; a set field must match exactly or the binding is
// rejected. Specificity scores +2 per constrained dimension, and only a
// strictly higher score replaces the current best, so equal-specificity
// ties keep the earlier-registered binding.
func ResolveBinding(bindings []config.Binding, channel, accountID, peerID string) Match {
	bestScore := -1
	var best *config.Binding

	for i := range bindings {
		b := &bindings[i]
		if b.Channel != channel {
			continue
		}
		if b.AccountID != "" && b.AccountID != accountID {
			continue
		}
		if b.PeerID != "" && b.PeerID != peerID {
			continue
		}

		score := 0
		if b.AccountID != "" {
			score += 2
		}
		if b.PeerID != "" {
			score += 2
		}
		if score > bestScore {
			bestScore = score
			best = b
		}
	}

	if best == nil {
		return Match{}
	}
	return Match{
		BusinessProfileID: best.BusinessProfileID,
		UserID:            best.UserID,
		AgentID:           best.AgentID,
	}
}
