// Package access holds admission policy: the pubkey allowlist, the ban
// list, and the shared admin key check.
package access

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Allowlist modes.
const (
	ModeOff       = "off"        // admit everyone, track unknown pubkeys
	ModeNonStrict = "non-strict" // admit and record unknown pubkeys
	ModeStrict    = "strict"     // approved pubkeys only, no ephemeral sessions
)

// Entry is one allowlist or banlist record.
type Entry struct {
	PubKey  string    `json:"pubkey,omitempty"`
	AgentID string    `json:"agent_id,omitempty"`
	Name    string    `json:"name,omitempty"`
	Note    string    `json:"note,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// Store is the persistent admission state. All methods are safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	mode     string
	dir      string
	adminKey string
	allowed  map[string]Entry // keyed by pubkey
	banned   map[string]Entry // keyed by agent-id or pubkey
	unknown  map[string]Entry // pubkeys seen but never approved
	logger   *slog.Logger
}

// NewStore loads allowlist.json and banlist.json from dir. An empty dir
// keeps everything in memory, which the tests use.
func NewStore(dir, mode, adminKey string) (*Store, error) {
	s := &Store{
		mode:     mode,
		dir:      dir,
		adminKey: adminKey,
		allowed:  make(map[string]Entry),
		banned:   make(map[string]Entry),
		unknown:  make(map[string]Entry),
		logger:   slog.With("component", "access"),
	}
	if dir == "" {
		return s, nil
	}
	if err := s.loadList("allowlist.json", s.allowed, func(e Entry) string { return e.PubKey }); err != nil {
		return nil, err
	}
	if err := s.loadList("banlist.json", s.banned, func(e Entry) string {
		if e.AgentID != "" {
			return e.AgentID
		}
		return e.PubKey
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadList(name string, into map[string]Entry, key func(Entry) string) error {
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	for _, e := range entries {
		if k := key(e); k != "" {
			into[k] = e
		}
	}
	return nil
}

// Mode reports the configured allowlist mode.
func (s *Store) Mode() string { return s.mode }

// CheckAdminKey compares the provided key against the configured one in
// constant time. An unconfigured key admits nobody.
func (s *Store) CheckAdminKey(provided string) bool {
	if s.adminKey == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.adminKey), []byte(provided)) == 1
}

// ============================================================================
// ADMISSION
// ============================================================================

// Admit decides whether a connecting identity may proceed. pubkey is empty
// for ephemeral sessions. The returned reason is wire-safe.
func (s *Store) Admit(pubkey, agentID, name string) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, hit := s.banned[agentID]; hit {
		return false, "agent is banned"
	}
	if pubkey != "" {
		if _, hit := s.banned[pubkey]; hit {
			return false, "agent is banned"
		}
	}

	switch s.mode {
	case ModeStrict:
		if pubkey == "" {
			return false, "ephemeral sessions not allowed"
		}
		if _, ok := s.allowed[pubkey]; !ok {
			return false, "pubkey not approved"
		}
	case ModeOff, ModeNonStrict:
		if pubkey != "" {
			if _, ok := s.allowed[pubkey]; !ok {
				s.unknown[pubkey] = Entry{PubKey: pubkey, AgentID: agentID, Name: name, AddedAt: time.Now()}
			}
		}
	}
	return true, ""
}

// IsBanned reports whether an identity is on the ban list.
func (s *Store) IsBanned(agentID, pubkey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, hit := s.banned[agentID]; hit {
		return true
	}
	if pubkey == "" {
		return false
	}
	_, hit := s.banned[pubkey]
	return hit
}

// Unknown returns the pubkeys observed but never approved.
func (s *Store) Unknown() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.unknown))
	for _, e := range s.unknown {
		out = append(out, e)
	}
	return out
}

// ============================================================================
// ADMIN MUTATIONS
// ============================================================================

// Approve adds a pubkey to the allowlist.
func (s *Store) Approve(pubkey, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed[pubkey] = Entry{PubKey: pubkey, Note: note, AddedAt: time.Now()}
	delete(s.unknown, pubkey)
	return s.saveAllowlist()
}

// Revoke removes a pubkey from the allowlist. Unknown keys are a no-op.
func (s *Store) Revoke(pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.allowed[pubkey]; !ok {
		return nil
	}
	delete(s.allowed, pubkey)
	return s.saveAllowlist()
}

// IsApproved reports allowlist membership.
func (s *Store) IsApproved(pubkey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.allowed[pubkey]
	return ok
}

// Ban records an agent-id or pubkey on the ban list.
func (s *Store) Ban(key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := Entry{Reason: reason, AddedAt: time.Now()}
	if len(key) == 64 {
		e.PubKey = key
	} else {
		e.AgentID = key
	}
	s.banned[key] = e
	s.logger.Info("banned", "key", key, "reason", reason)
	return s.saveBanlist()
}

// Unban removes a ban list entry.
func (s *Store) Unban(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.banned[key]; !ok {
		return nil
	}
	delete(s.banned, key)
	return s.saveBanlist()
}

// ============================================================================
// PERSISTENCE
// ============================================================================

func (s *Store) saveAllowlist() error {
	return s.saveList("allowlist.json", s.allowed)
}

func (s *Store) saveBanlist() error {
	return s.saveList("banlist.json", s.banned)
}

func (s *Store) saveList(name string, m map[string]Entry) error {
	if s.dir == "" {
		return nil
	}
	entries := make([]Entry, 0, len(m))
	for _, e := range m {
		entries = append(entries, e)
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}
