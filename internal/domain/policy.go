package domain

import (
	"slices"
	"strings"
	"time"
)

// ─── Role Policy ────────────────────────────────────────────────────────────

// DefaultCooldown is how long a removed role stays blocked after a CK.
const DefaultCooldown = 14 * 24 * time.Hour

// DefaultSeizedSuffix is appended to the name of a seized company.
const DefaultSeizedSuffix = " (Expropiada)"

// RolePolicy decides which roles a CK strips and what happens to them.
type RolePolicy struct {
	Version               string        `yaml:"version"                 json:"version"`
	ProtectedRoleIDs      []string      `yaml:"protected_role_ids"      json:"protected_role_ids"`
	ProtectedKeywords     []string      `yaml:"protected_keywords"      json:"protected_keywords"`
	ForceRemoveRoleIDs    []string      `yaml:"force_remove_role_ids"   json:"force_remove_role_ids"`
	CooldownExemptRoleIDs []string      `yaml:"cooldown_exempt_role_ids" json:"cooldown_exempt_role_ids"`
	LicenseRoleIDs        []string      `yaml:"license_role_ids"        json:"license_role_ids"`
	AntiCKRoleID          string        `yaml:"anti_ck_role_id"         json:"anti_ck_role_id"`
	AntiCKItemKey         string        `yaml:"anti_ck_item_key"        json:"anti_ck_item_key"`
	Cooldown              time.Duration `yaml:"cooldown"                json:"cooldown"`
	SeizedSuffix          string        `yaml:"seized_suffix"           json:"seized_suffix"`
}

// WithDefaults fills zero-valued fields.
func (p RolePolicy) WithDefaults() RolePolicy {
	if p.Cooldown <= 0 {
		p.Cooldown = DefaultCooldown
	}
	if p.SeizedSuffix == "" {
		p.SeizedSuffix = DefaultSeizedSuffix
	}
	if p.AntiCKItemKey == "" {
		p.AntiCKItemKey = "anti_ck"
	}
	if p.Version == "" {
		p.Version = "0"
	}
	return p
}

// IsProtectedID reports whether roleID is listed as protected.
func (p RolePolicy) IsProtectedID(roleID string) bool {
	return slices.Contains(p.ProtectedRoleIDs, roleID)
}

// IsForceRemoved reports whether roleID must always be removed.
func (p RolePolicy) IsForceRemoved(roleID string) bool {
	return slices.Contains(p.ForceRemoveRoleIDs, roleID)
}

// IsProtectedName reports whether the role name contains a protected
// keyword. Comparison ignores case and surrounding whitespace.
func (p RolePolicy) IsProtectedName(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, kw := range p.ProtectedKeywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k != "" && strings.Contains(n, k) {
			return true
		}
	}
	return false
}

// ShouldRemove decides whether a CK strips role from a member of guildID.
// A protected ID is never removed; a force-removed ID beats every other
// protection.
func (p RolePolicy) ShouldRemove(role Role, guildID string) bool {
	switch {
	case p.IsProtectedID(role.ID):
		return false
	case p.IsForceRemoved(role.ID):
		return true
	case role.Managed:
		return false
	case role.ID == guildID: // @everyone
		return false
	case p.IsProtectedName(role.Name):
		return false
	}
	return true
}

// Licenses returns the removed roles that are licenses, for the
// announcement.
func (p RolePolicy) Licenses(removed []RemovedRole) []RemovedRole {
	var out []RemovedRole
	for _, r := range removed {
		if slices.Contains(p.LicenseRoleIDs, r.ID) {
			out = append(out, r)
		}
	}
	return out
}

// CooldownApplies reports whether removing roleID blocks re-acquisition.
func (p RolePolicy) CooldownApplies(roleID string) bool {
	return !slices.Contains(p.CooldownExemptRoleIDs, roleID)
}

// SeizedName returns the name a company gets when the government seizes it.
func (p RolePolicy) SeizedName(original string) string {
	suffix := p.SeizedSuffix
	if suffix == "" {
		suffix = DefaultSeizedSuffix
	}
	if strings.HasSuffix(original, suffix) {
		return original
	}
	return original + suffix
}
