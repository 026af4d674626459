// Package config manages persistent local preferences for the keyroom
// CLI. Settings are stored as JSON at os.UserConfigDir()/keyroom/config.json.
// The passphrase and room identifier are never part of this file — per
// spec.md §3 the passphrase is never persisted or transmitted, and the
// room is chosen fresh each session.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Config holds persistent local preferences.
type Config struct {
	DisplayName      string   `json:"display_name"`
	RendezvousURL    string   `json:"rendezvous_url"`
	STUNServers      []string `json:"stun_servers"`
	PrivacyFilter    string   `json:"privacy_filter"`
	RecordingProtect bool     `json:"recording_protect"`
	Ephemeral        bool     `json:"ephemeral"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		DisplayName:      "",
		RendezvousURL:    "http://localhost:8080",
		STUNServers:      []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		PrivacyFilter:    "none",
		RecordingProtect: false,
		Ephemeral:        true,
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "keyroom", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned — never an error, mirroring
// the teacher's load-always-succeeds convention.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// MagicLink is the decoded content of a magic-link entry URL's fragment
// (spec.md §4's magic-link surface): room=<id>&pass=<passphrase>.
// Presence of both fields signals immediate session entry with a
// generated guest display name and privacy mode none. The passphrase
// carried here is the only place the application accepts it in-band;
// callers must treat the source URL as out-of-band share material and
// never log or persist it.
type MagicLink struct {
	Room       string
	Passphrase string
}

// ParseMagicLink extracts room/passphrase from a URL fragment of the
// form "room=<id>&pass=<passphrase>". It accepts either a bare fragment
// or a full URL whose fragment holds the parameters. ok is false if
// either field is absent or the room is empty after normalization.
func ParseMagicLink(raw string) (link MagicLink, ok bool) {
	fragment := raw
	if u, err := url.Parse(raw); err == nil && u.Fragment != "" {
		fragment = u.Fragment
	}
	values, err := url.ParseQuery(fragment)
	if err != nil {
		return MagicLink{}, false
	}
	room := strings.ToUpper(strings.TrimSpace(values.Get("room")))
	pass := values.Get("pass")
	if room == "" || pass == "" {
		return MagicLink{}, false
	}
	return MagicLink{Room: room, Passphrase: pass}, true
}

// NormalizeRoom applies the case-normalization invariant from spec.md
// §3: room identifiers are compared and stored uppercase.
func NormalizeRoom(room string) string {
	return strings.ToUpper(strings.TrimSpace(room))
}

// GuestDisplayName produces a generated display name for magic-link
// entry, where no name has been configured or supplied interactively.
func GuestDisplayName(peerSuffix string) string {
	if len(peerSuffix) > 6 {
		peerSuffix = peerSuffix[:6]
	}
	return fmt.Sprintf("Guest-%s", peerSuffix)
}
