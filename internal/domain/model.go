// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture; it depends on nothing.
package domain

import (
	"slices"
	"time"
)

// ─── Civil Registry ─────────────────────────────────────────────────────────

// DNI is a citizen's identity document. A user has at most one.
type DNI struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	GuildID     string    `json:"guild_id,omitempty"`
	FullName    string    `json:"full_name"`
	DNINumber   string    `json:"dni_number"`
	PhotoURL    string    `json:"photo_url,omitempty"`
	BirthDate   string    `json:"birth_date,omitempty"`
	Nationality string    `json:"nationality,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ─── Cards ──────────────────────────────────────────────────────────────────

// CardKind distinguishes the two card tables.
type CardKind string

const (
	CardCredit CardKind = "credit"
	CardDebit  CardKind = "debit"
)

// Card is a payment card owned by a citizen.
type Card struct {
	ID          string    `json:"id"`
	Kind        CardKind  `json:"kind"`
	CitizenID   string    `json:"citizen_id,omitempty"`
	UserID      string    `json:"user_id"`
	CardType    string    `json:"card_type"`
	CardNumber  string    `json:"card_number"`
	Balance     int64     `json:"balance"`
	CreditLimit int64     `json:"credit_limit,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Masked returns the card number with all but the last four digits hidden.
func (c Card) Masked() string {
	n := c.CardNumber
	if len(n) <= 4 {
		return "**** " + n
	}
	return "**** " + n[len(n)-4:]
}

// ─── Purchases ──────────────────────────────────────────────────────────────

// PurchaseStatus is the lifecycle state of a store entitlement.
type PurchaseStatus string

const (
	PurchaseActive   PurchaseStatus = "active"
	PurchaseConsumed PurchaseStatus = "consumed"
	PurchaseExpired  PurchaseStatus = "expired"
)

// Purchase is a time-limited entitlement bought in the server store.
type Purchase struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	ItemKey       string         `json:"item_key"`
	RoleID        string         `json:"role_id,omitempty"`
	Status        PurchaseStatus `json:"status"`
	UsesRemaining int            `json:"uses_remaining"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ─── Companies ──────────────────────────────────────────────────────────────

// CompanyStatus is the ownership state of a company.
type CompanyStatus string

const (
	CompanyActive CompanyStatus = "active"
	CompanySeized CompanyStatus = "government_seized"
)

// Company is a player-owned business.
type Company struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	OwnerIDs  []string      `json:"owner_ids"`
	Status    CompanyStatus `json:"status"`
	Industry  string        `json:"industry,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// HasOwner reports whether userID is in the owner set.
func (c Company) HasOwner(userID string) bool {
	return slices.Contains(c.OwnerIDs, userID)
}

// WithoutOwner returns the owner set minus userID. Order is preserved.
func (c Company) WithoutOwner(userID string) []string {
	out := make([]string, 0, len(c.OwnerIDs))
	for _, id := range c.OwnerIDs {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

// WithOwner returns the owner set with userID added if missing.
// Existing owners are never dropped.
func (c Company) WithOwner(userID string) []string {
	out := slices.Clone(c.OwnerIDs)
	if !slices.Contains(out, userID) {
		out = append(out, userID)
	}
	return out
}

// Clone returns a deep copy safe to keep as a snapshot.
func (c Company) Clone() Company {
	c.OwnerIDs = slices.Clone(c.OwnerIDs)
	if c.OwnerIDs == nil {
		c.OwnerIDs = []string{}
	}
	return c
}

// Employment is a non-owner membership in a company.
type Employment struct {
	CompanyID string    `json:"company_id"`
	UserID    string    `json:"user_id"`
	Position  string    `json:"position"`
	HiredAt   time.Time `json:"hired_at"`
}

// ─── Discord Roles ──────────────────────────────────────────────────────────

// Role is a guild role as seen on a member.
type Role struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Managed bool   `json:"managed"`
}

// Member is a guild member with its current role set.
type Member struct {
	UserID string `json:"user_id"`
	Tag    string `json:"tag"`
	Roles  []Role `json:"roles"`
}

// HasRole reports whether the member currently holds roleID.
func (m Member) HasRole(roleID string) bool {
	for _, r := range m.Roles {
		if r.ID == roleID {
			return true
		}
	}
	return false
}
