package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// CitizenStore persists the civil registry.
type CitizenStore interface {
	// GetDNI returns the user's DNI or (nil, nil) when none exists.
	GetDNI(ctx context.Context, userID string) (*DNI, error)
	UpsertDNI(ctx context.Context, dni DNI) error
	DeleteDNI(ctx context.Context, userID string) error
	// CitizenID resolves the citizens.id linked to a Discord user ("" if none).
	CitizenID(ctx context.Context, userID string) (string, error)
}

// CardStore persists credit and debit cards.
// The card tables carry historically inconsistent owner columns, so each
// deletion path is exposed separately.
type CardStore interface {
	ListCards(ctx context.Context, userID, citizenID string) ([]Card, error)
	DeleteCardsByCitizen(ctx context.Context, citizenID string) (int64, error)
	DeleteCardsByUser(ctx context.Context, userID string) (int64, error)
	DeleteCardsByDiscordID(ctx context.Context, userID string) (int64, error)
	// ReactivateCards sets active=true on existing rows and returns the ids found.
	ReactivateCards(ctx context.Context, cards []Card) ([]string, error)
	InsertCard(ctx context.Context, card Card) error
}

// PurchaseStore persists store entitlements.
type PurchaseStore interface {
	ListPurchases(ctx context.Context, userID string, status PurchaseStatus) ([]Purchase, error)
	FindActivePurchase(ctx context.Context, userID, itemKey string) (*Purchase, error)
	ConsumePurchase(ctx context.Context, purchaseID string, at time.Time) error
	// DeletePurchases removes the user's purchases and their transactions,
	// transactions first.
	DeletePurchases(ctx context.Context, userID string) (int64, error)
	InsertPurchase(ctx context.Context, p Purchase) error
}

// CompanyStore persists companies and their ownership.
type CompanyStore interface {
	ListCompaniesByOwner(ctx context.Context, userID string) ([]Company, error)
	GetCompany(ctx context.Context, id string) (*Company, error)
	UpdateOwnership(ctx context.Context, id string, owners []string, status CompanyStatus, name string) error
}

// EmploymentStore persists non-owner company memberships.
type EmploymentStore interface {
	ListEmployments(ctx context.Context, userID string) ([]Employment, error)
	DeleteEmployments(ctx context.Context, userID string) (int64, error)
	UpsertEmployment(ctx context.Context, e Employment) error
}

// BalanceStore is the local user_balances table.
type BalanceStore interface {
	// GetLocalBalance returns (nil, nil) when the user has no row.
	GetLocalBalance(ctx context.Context, guildID, userID string) (*Balance, error)
	UpsertLocalBalance(ctx context.Context, guildID, userID string, b Balance) error
}

// CooldownStore persists role re-acquisition cooldowns.
type CooldownStore interface {
	UpsertCooldowns(ctx context.Context, cds []RoleCooldown) error
	ActiveCooldowns(ctx context.Context, userID string, now time.Time) ([]RoleCooldown, error)
}

// CKStore persists CK audit rows.
type CKStore interface {
	InsertCK(ctx context.Context, rec *CKRecord) error
	// UpdateCKProgress writes status, steps and removed roles. Snapshot
	// columns are never rewritten.
	UpdateCKProgress(ctx context.Context, rec *CKRecord) error
	LatestCK(ctx context.Context, userID string) (*CKRecord, error)
	GetCK(ctx context.Context, id string) (*CKRecord, error)
	ListCK(ctx context.Context, userID string) ([]CKRecord, error)
	MarkReversed(ctx context.Context, id, by, reason string, at time.Time) error
	CountCK(ctx context.Context) (map[CKStatus]int, error)
}

// TransactionLog appends economy audit entries.
type TransactionLog interface {
	AppendTransaction(ctx context.Context, e TransactionEntry) error
	ListTransactions(ctx context.Context, userID string) ([]TransactionEntry, error)
}

// Store is the full relational store used by the CK service.
type Store interface {
	CitizenStore
	CardStore
	PurchaseStore
	CompanyStore
	EmploymentStore
	BalanceStore
	CooldownStore
	CKStore
	TransactionLog
}

// Ledger is the external economy service.
type Ledger interface {
	// Enabled is the explicit availability signal: false means no ledger is
	// configured and local balances are authoritative.
	Enabled() bool
	GetBalance(ctx context.Context, guildID, userID string) (Balance, error)
	SetBalance(ctx context.Context, guildID, userID string, b Balance, reason string) error
}

// Guild is the role/member surface of the chat platform.
type Guild interface {
	// Member returns ErrMemberNotFound when the user left the guild.
	Member(ctx context.Context, guildID, userID string) (*Member, error)
	Roles(ctx context.Context, guildID string) ([]Role, error)
	AddRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
}

// NotificationKind selects the template a notifier renders.
type NotificationKind string

const (
	NotifyApplied   NotificationKind = "applied"
	NotifyLifeSaved NotificationKind = "life_saved"
	NotifyReversed  NotificationKind = "reversed"
)

// Notification is a best-effort announcement of a CK outcome.
type Notification struct {
	Kind     NotificationKind
	GuildID  string
	UserID   string
	ActorID  string
	Record   *CKRecord
	Reason   string
	Restored int // roles restored on reversal
	Report   *Report
}

// Notifier delivers DMs and log-channel posts. Failures are reported per
// target and never abort the operation.
type Notifier interface {
	Notify(ctx context.Context, n Notification) []StepResult
}
