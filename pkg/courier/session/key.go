// Package session implements the hierarchical session registry: canonical
// session key build/parse plus lazy creation and linking of per-peer
// sessions. A session names the (agent, channel, peer) context a message
// arrived in, before and after identity resolution.
package session

import (
	"fmt"
	"strings"
)

// PeerKind classifies the remote end of a session.
type PeerKind string

const (
	PeerDirect  PeerKind = "direct"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
)

// Valid reports whether k is a known peer kind.
func (k PeerKind) Valid() bool {
	switch k {
	case PeerDirect, PeerGroup, PeerChannel:
		return true
	}
	return false
}

// keyPrefix is the fixed first segment of every session key.
const keyPrefix = "agent"

// Params are the components of a session key. AccountID is optional
// (multi-account channels); every other field is required.
type Params struct {
	AgentID   string
	Channel   string
	AccountID string
	PeerKind  PeerKind
	PeerID    string
}

// BuildKey returns the canonical string form:
//
//	agent:{agentId}:{channel}:[{accountId}:]{peerKind}:{peerId}
//
// Segments may not be empty or contain colons; a peer ID with a raw colon
// must be escaped by the caller before building the key.
func BuildKey(p Params) (string, error) {
	segments := []struct {
		name, value string
	}{
		{"agent id", p.AgentID},
		{"channel", p.Channel},
		{"peer id", p.PeerID},
	}
	for _, seg := range segments {
		if seg.value == "" {
			return "", fmt.Errorf("session key: missing %s", seg.name)
		}
		if strings.Contains(seg.value, ":") {
			return "", fmt.Errorf("session key: %s %q contains a colon", seg.name, seg.value)
		}
	}
	if strings.Contains(p.AccountID, ":") {
		return "", fmt.Errorf("session key: account id %q contains a colon", p.AccountID)
	}
	if !p.PeerKind.Valid() {
		return "", fmt.Errorf("session key: invalid peer kind %q", p.PeerKind)
	}

	parts := []string{keyPrefix, p.AgentID, p.Channel}
	if p.AccountID != "" {
		parts = append(parts, p.AccountID)
	}
	parts = append(parts, string(p.PeerKind), p.PeerID)
	return strings.Join(parts, ":"), nil
}

// ParseKey parses a canonical session key back into its components.
// The optional account segment is detected purely by segment count:
// 5 segments means no account ID, 6 means the account ID sits at index 3.
func ParseKey(key string) (Params, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 5 {
		return Params{}, fmt.Errorf("session key %q: want at least 5 segments, got %d", key, len(parts))
	}
	if len(parts) > 6 {
		return Params{}, fmt.Errorf("session key %q: want at most 6 segments, got %d", key, len(parts))
	}
	if parts[0] != keyPrefix {
		return Params{}, fmt.Errorf("session key %q: must start with %q", key, keyPrefix)
	}

	p := Params{AgentID: parts[1], Channel: parts[2]}
	rest := parts[3:]
	if len(parts) == 6 {
		p.AccountID = parts[3]
		rest = parts[4:]
	}
	p.PeerKind = PeerKind(rest[0])
	p.PeerID = rest[1]

	if p.AgentID == "" || p.Channel == "" || p.PeerID == "" || (len(parts) == 6 && p.AccountID == "") {
		return Params{}, fmt.Errorf("session key %q: empty segment", key)
	}
	if !p.PeerKind.Valid() {
		return Params{}, fmt.Errorf("session key %q: invalid peer kind %q", key, p.PeerKind)
	}
	return p, nil
}
