package sessions

// ResolveIdentityLink maps a (channel, peer) pair to its canonical
// identity name via the configured link table. An alias matches either
// as the bare normalized peer id or as the channel-scoped form
// "{channel}:{peer}". Returns false when nothing matches.
//
// Map iteration order is unspecified: an alias listed under two
// canonical names (a misconfiguration) resolves to whichever entry is
// visited first.
func ResolveIdentityLink(links map[string][]string, channel, peerID string) (string, bool) {
	peer := Normalize(peerID)
	if peer == "" {
		return "", false
	}

	scoped := peer
	if ch := Normalize(channel); ch != "" {
		scoped = ch + ":" + peer
	}

	for canonical, aliases := range links {
		for _, alias := range aliases {
			a := Normalize(alias)
			if a == peer || a == scoped {
				return Normalize(canonical), true
			}
		}
	}
	return "", false
}
