package policy

import (
	"github.com/rs/zerolog/log"
)

// Permission is the per-tool setting.
type Permission int

const (
	// PermAsk prompts the user before each call.
	PermAsk Permission = iota
	// PermAllow runs the call without prompting.
	PermAllow
	// PermDeny blocks the call.
	PermDeny
)

func (p Permission) String() string {
	switch p {
	case PermAllow:
		return "allow"
	case PermDeny:
		return "deny"
	default:
		return "ask"
	}
}

// ParsePermission maps a stored string to a Permission, defaulting to ask.
func ParsePermission(s string) Permission {
	switch s {
	case "allow":
		return PermAllow
	case "deny":
		return PermDeny
	default:
		return PermAsk
	}
}

// PermStore persists permission entries; the config collaborator backs it.
type PermStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// PermissionMap maps tool names to permissions. Runtime-mutable: a user's
// "always" approval upgrades the entry and writes it through the store.
type PermissionMap struct {
	entries  map[string]Permission
	defaults map[string]Permission
	store    PermStore
}

const permKeyPrefix = "permissions."

// NewPermissionMap builds a map with the given defaults, loading any
// persisted overrides from store. A nil store keeps the map in-memory.
func NewPermissionMap(defaults map[string]Permission, store PermStore) *PermissionMap {
	m := &PermissionMap{
		entries:  make(map[string]Permission, len(defaults)),
		defaults: defaults,
		store:    store,
	}
	for tool, perm := range defaults {
		m.entries[tool] = perm
		if store != nil {
			if v, ok := store.Get(permKeyPrefix + tool); ok {
				m.entries[tool] = ParsePermission(v)
			}
		}
	}
	return m
}

// Resolve returns the permission for a tool; unknown tools default to ask.
func (m *PermissionMap) Resolve(tool string) Permission {
	if p, ok := m.entries[tool]; ok {
		return p
	}
	if m.store != nil {
		if v, ok := m.store.Get(permKeyPrefix + tool); ok {
			p := ParsePermission(v)
			m.entries[tool] = p
			return p
		}
	}
	return PermAsk
}

// Upgrade sets a tool to allow and persists it (the "always" response).
func (m *PermissionMap) Upgrade(tool string) {
	m.entries[tool] = PermAllow
	if m.store == nil {
		return
	}
	if err := m.store.Set(permKeyPrefix+tool, "allow"); err != nil {
		log.Warn().Err(err).Str("tool", tool).Msg("Failed to persist permission upgrade")
	}
}
