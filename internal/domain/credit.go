package domain

import "time"

// ─── Balances ───────────────────────────────────────────────────────────────
// Money lives in two places: the external ledger (authoritative when
// configured) and the local user_balances table.

// BalanceSource records where a balance value was read from.
type BalanceSource string

const (
	SourceLedger BalanceSource = "ledger"
	SourceLocal  BalanceSource = "local"
)

// Balance is a user's money split into cash and bank.
type Balance struct {
	Cash   int64         `json:"cash"`
	Bank   int64         `json:"bank"`
	Source BalanceSource `json:"source,omitempty"`
}

// Total returns cash + bank.
func (b Balance) Total() int64 { return b.Cash + b.Bank }

// TransactionEntry is one row of the economy audit trail.
type TransactionEntry struct {
	ID              int64          `json:"id"`
	GuildID         string         `json:"guild_id"`
	UserID          string         `json:"user_id"`
	TransactionType string         `json:"transaction_type"`
	Amount          int64          `json:"amount"`
	CurrencyType    string         `json:"currency_type"`
	Reason          string         `json:"reason"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedBy       string         `json:"created_by"`
	CommandName     string         `json:"command_name"`
	CanRollback     bool           `json:"can_rollback"`
	CreatedAt       time.Time      `json:"created_at"`
}

// RoleCooldown blocks a user from re-acquiring a role until ExpiresAt.
type RoleCooldown struct {
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	RoleName  string    `json:"role_name"`
	ExpiresAt time.Time `json:"expires_at"`
}
