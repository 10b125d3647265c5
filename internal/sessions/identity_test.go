package sessions

import "testing"

func TestResolveIdentityLink(t *testing.T) {
	links := map[string][]string{
		"Email-User": {"user@example.com"},
		"canonical":  {"slack:u123", "  TG456  "},
	}

	tests := []struct {
		name    string
		channel string
		peer    string
		want    string
		ok      bool
	}{
		{"channel-scoped alias", "slack", "u123", "canonical", true},
		{"bare alias, any channel", "telegram", "tg456", "canonical", true},
		{"alias normalized before compare", "slack", "  U123 ", "canonical", true},
		{"canonical name normalized", "email", "user@example.com", "email-user", true},
		{"no match", "slack", "unknown_user", "", false},
		{"empty peer", "slack", "   ", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ResolveIdentityLink(links, tt.channel, tt.peer)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ResolveIdentityLink = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestResolveIdentityLinkEmptyTable(t *testing.T) {
	if _, ok := ResolveIdentityLink(nil, "slack", "u123"); ok {
		t.Fatal("nil table should never match")
	}
}

func TestResolveIdentityLinkScopedNeedsChannel(t *testing.T) {
	links := map[string][]string{"c": {"slack:u123"}}
	// Without the right channel the scoped alias must not match.
	if _, ok := ResolveIdentityLink(links, "telegram", "u123"); ok {
		t.Fatal("scoped alias matched on wrong channel")
	}
}
