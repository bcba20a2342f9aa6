package session

import (
	"strings"
	"testing"
)

func TestBuildKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		params  Params
		want    string
		wantErr string
	}{
		{
			name:   "without account",
			params: Params{AgentID: "amelia", Channel: "telegram", PeerKind: PeerDirect, PeerID: "12345"},
			want:   "agent:amelia:telegram:direct:12345",
		},
		{
			name:   "with account",
			params: Params{AgentID: "amelia", Channel: "whatsapp", AccountID: "acc1", PeerKind: PeerGroup, PeerID: "g77"},
			want:   "agent:amelia:whatsapp:acc1:group:g77",
		},
		{
			name:   "channel peer kind",
			params: Params{AgentID: "a", Channel: "discord", PeerKind: PeerChannel, PeerID: "c9"},
			want:   "agent:a:discord:channel:c9",
		},
		{
			name:    "missing agent",
			params:  Params{Channel: "telegram", PeerKind: PeerDirect, PeerID: "1"},
			wantErr: "missing agent id",
		},
		{
			name:    "colon in peer id",
			params:  Params{AgentID: "a", Channel: "telegram", PeerKind: PeerDirect, PeerID: "1:2"},
			wantErr: "contains a colon",
		},
		{
			name:    "invalid peer kind",
			params:  Params{AgentID: "a", Channel: "telegram", PeerKind: "broadcast", PeerID: "1"},
			wantErr: "invalid peer kind",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := BuildKey(tt.params)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("BuildKey() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildKey() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("BuildKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseKeyRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"wrong prefix", "session:a:telegram:direct:1"},
		{"four segments", "agent:a:telegram:direct"},
		{"seven segments", "agent:a:telegram:acc:direct:1:extra"},
		{"empty segment", "agent::telegram:direct:1"},
		{"empty account segment", "agent:a:telegram::direct:1"},
		{"bad peer kind", "agent:a:telegram:broadcast:1"},
		{"bad peer kind with account", "agent:a:telegram:acc:broadcast:1"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseKey(tt.key); err == nil {
				t.Errorf("ParseKey(%q) succeeded, want error", tt.key)
			}
		})
	}
}

// The account segment is detected purely by count: a 6-segment key always
// treats index 3 as the account ID, even when it looks like a peer kind.
func TestParseKeySegmentCountDetection(t *testing.T) {
	t.Parallel()

	p, err := ParseKey("agent:a:telegram:direct:group:99")
	if err != nil {
		t.Fatalf("ParseKey() error = %v", err)
	}
	if p.AccountID != "direct" {
		t.Errorf("AccountID = %q, want %q (index 3 is always the account in a 6-segment key)", p.AccountID, "direct")
	}
	if p.PeerKind != PeerGroup {
		t.Errorf("PeerKind = %q, want %q", p.PeerKind, PeerGroup)
	}
}

func TestKeyRoundTrip(t *testing.T) {
	t.Parallel()

	params := []Params{
		{AgentID: "amelia", Channel: "telegram", PeerKind: PeerDirect, PeerID: "12345"},
		{AgentID: "amelia", Channel: "whatsapp", AccountID: "main", PeerKind: PeerGroup, PeerID: "g1"},
		{AgentID: "x", Channel: "discord", AccountID: "bot2", PeerKind: PeerChannel, PeerID: "chan-7"},
		{AgentID: "a.b", Channel: "telegram", PeerKind: PeerDirect, PeerID: "user@host"},
	}

	for _, p := range params {
		key, err := BuildKey(p)
		if err != nil {
			t.Fatalf("BuildKey(%+v) error = %v", p, err)
		}
		got, err := ParseKey(key)
		if err != nil {
			t.Fatalf("ParseKey(%q) error = %v", key, err)
		}
		if got != p {
			t.Errorf("round trip of %+v through %q = %+v", p, key, got)
		}
	}
}
